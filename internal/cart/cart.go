// ABOUTME: Cart line items, modifier answers and the single item-total formula
// ABOUTME: Every cart or order total in the gateway is computed through Item.Total

package cart

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrItemIndex is returned when an operation references a line that does not exist.
var ErrItemIndex = errors.New("cart item index out of range")

// Money is an amount in cents.
type Money int64

// MoneyFromFloat converts a decimal amount (as written in catalog files) to cents.
func MoneyFromFloat(v float64) Money {
	return Money(math.Round(v * 100))
}

// String formats the amount as Brazilian reais, e.g. "R$ 11,80".
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%sR$ %d,%02d", sign, v/100, v%100)
}

// AnswerSelection is one chosen answer of a modifier question.
type AnswerSelection struct {
	AnswerID  string `json:"answer_id"`
	Name      string `json:"name"`
	UnitPrice Money  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

// SelectedAnswer groups the answers chosen for a single question.
type SelectedAnswer struct {
	QuestionID string            `json:"question_id"`
	Title      string            `json:"title"`
	Answers    []AnswerSelection `json:"answers"`
}

// Item is one purchasable line of the cart.
type Item struct {
	ProductRef      string           `json:"product_ref"`
	Name            string           `json:"name"`
	UnitPrice       Money            `json:"unit_price"`
	Quantity        int              `json:"quantity"`
	SelectedAnswers []SelectedAnswer `json:"selected_answers,omitempty"`
	Comments        string           `json:"comments,omitempty"`
}

// UnitTotal is the price of a single unit including its paid answers.
func (i Item) UnitTotal() Money {
	total := i.UnitPrice
	for _, q := range i.SelectedAnswers {
		for _, a := range q.Answers {
			total += a.UnitPrice * Money(a.Quantity)
		}
	}
	return total
}

// Total returns (unitPrice + Σ answers.unitPrice*answers.quantity) * quantity.
func (i Item) Total() Money {
	return i.UnitTotal() * Money(i.Quantity)
}

// AddAnswer records an answer for a question. Choosing an answer that is
// already present increments its quantity instead of adding a second entry.
func (i *Item) AddAnswer(questionID, title string, sel AnswerSelection) {
	if sel.Quantity <= 0 {
		sel.Quantity = 1
	}
	for qi := range i.SelectedAnswers {
		q := &i.SelectedAnswers[qi]
		if q.QuestionID != questionID {
			continue
		}
		for ai := range q.Answers {
			if q.Answers[ai].AnswerID == sel.AnswerID {
				q.Answers[ai].Quantity += sel.Quantity
				return
			}
		}
		q.Answers = append(q.Answers, sel)
		return
	}
	i.SelectedAnswers = append(i.SelectedAnswers, SelectedAnswer{
		QuestionID: questionID,
		Title:      title,
		Answers:    []AnswerSelection{sel},
	})
}

// AnswerCount returns how many answer units were chosen for a question.
func (i Item) AnswerCount(questionID string) int {
	n := 0
	for _, q := range i.SelectedAnswers {
		if q.QuestionID != questionID {
			continue
		}
		for _, a := range q.Answers {
			n += a.Quantity
		}
	}
	return n
}

// Describe returns a one-line human summary of the chosen answers.
func (i Item) Describe() string {
	var parts []string
	for _, q := range i.SelectedAnswers {
		for _, a := range q.Answers {
			if a.Quantity > 1 {
				parts = append(parts, fmt.Sprintf("%dx %s", a.Quantity, a.Name))
			} else {
				parts = append(parts, a.Name)
			}
		}
	}
	return strings.Join(parts, ", ")
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	out := i
	if i.SelectedAnswers != nil {
		out.SelectedAnswers = make([]SelectedAnswer, len(i.SelectedAnswers))
		for qi, q := range i.SelectedAnswers {
			q.Answers = append([]AnswerSelection(nil), q.Answers...)
			out.SelectedAnswers[qi] = q
		}
	}
	return out
}

// sameChoice reports whether two items describe the same product configuration.
func (i Item) sameChoice(o Item) bool {
	if i.ProductRef != o.ProductRef || i.UnitPrice != o.UnitPrice || i.Comments != o.Comments {
		return false
	}
	if len(i.SelectedAnswers) != len(o.SelectedAnswers) {
		return false
	}
	for qi := range i.SelectedAnswers {
		a, b := i.SelectedAnswers[qi], o.SelectedAnswers[qi]
		if a.QuestionID != b.QuestionID || len(a.Answers) != len(b.Answers) {
			return false
		}
		for ai := range a.Answers {
			if a.Answers[ai].AnswerID != b.Answers[ai].AnswerID ||
				a.Answers[ai].Quantity != b.Answers[ai].Quantity ||
				a.Answers[ai].UnitPrice != b.Answers[ai].UnitPrice {
				return false
			}
		}
	}
	return true
}

// Cart is the ordered list of line items a customer has selected.
type Cart struct {
	Items []Item `json:"items"`
}

// Len returns the number of lines.
func (c *Cart) Len() int {
	return len(c.Items)
}

// Add puts an item in the cart. An identical line has its quantity increased
// instead. Returns the index of the affected line.
func (c *Cart) Add(item Item) int {
	for idx := range c.Items {
		if c.Items[idx].sameChoice(item) {
			c.Items[idx].Quantity += item.Quantity
			return idx
		}
	}
	c.Items = append(c.Items, item.Clone())
	return len(c.Items) - 1
}

// SetQuantity replaces the quantity of a line.
func (c *Cart) SetQuantity(idx, quantity int) error {
	if idx < 0 || idx >= len(c.Items) {
		return fmt.Errorf("%w: %d", ErrItemIndex, idx)
	}
	if quantity <= 0 {
		return fmt.Errorf("invalid quantity %d", quantity)
	}
	c.Items[idx].Quantity = quantity
	return nil
}

// Remove deletes a line, preserving the order of the others.
func (c *Cart) Remove(idx int) error {
	if idx < 0 || idx >= len(c.Items) {
		return fmt.Errorf("%w: %d", ErrItemIndex, idx)
	}
	c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
	return nil
}

// Total sums Item.Total over every line.
func (c *Cart) Total() Money {
	var total Money
	for _, it := range c.Items {
		total += it.Total()
	}
	return total
}

// Clone returns a deep copy of the cart.
func (c Cart) Clone() Cart {
	if c.Items == nil {
		return Cart{}
	}
	out := Cart{Items: make([]Item, len(c.Items))}
	for idx, it := range c.Items {
		out.Items[idx] = it.Clone()
	}
	return out
}
