// ABOUTME: Event handlers for every conversation flow
// ABOUTME: Handlers validate before mutating; rejected input goes through turn.retry

package engine

import (
	"strconv"
	"strings"

	"github.com/2389/order-gateway/internal/cart"
	"github.com/2389/order-gateway/internal/catalog"
	"github.com/2389/order-gateway/internal/store"
)

const (
	minQuantity   = 1
	maxQuantity   = 10
	minAddressLen = 5
)

func handleRerender(t *turn) error {
	return t.retry("")
}

func handleAccount(t *turn) error {
	t.conv.Product = nil
	t.conv.ProductBeingAnsweredID = ""
	t.conv.PreviousFlow = ""
	return t.goTo(store.FlowOrderSummary)
}

func handleSetAddress(t *turn) error {
	t.conv.PreviousFlow = store.FlowCategories
	return t.goTo(store.FlowNewAddress)
}

func handleCategory(t *turn) error {
	cats, err := t.e.catalog.Categories(t.ctx, t.conv.StoreID)
	if err != nil {
		return t.lookupFailed(err, msgInvalidOption)
	}
	for _, c := range cats {
		if c.ID == t.ev.ReplyID {
			t.conv.SelectedCategory = c.ID
			t.conv.CurrentPage = 1
			return t.goTo(store.FlowProducts)
		}
	}
	return t.retry(msgInvalidOption)
}

func handleBackToCategories(t *turn) error {
	return t.goTo(store.FlowCategories)
}

func handleMoreProducts(t *turn) error {
	page, err := strconv.Atoi(strings.TrimPrefix(t.ev.ReplyID, RowMorePrefix))
	if err != nil || page < 1 {
		return t.retry(msgInvalidOption)
	}
	if _, err := t.e.catalog.Products(t.ctx, t.conv.StoreID, t.conv.SelectedCategory, page, t.e.pageSize); err != nil {
		return t.lookupFailed(err, msgInvalidOption)
	}
	t.conv.CurrentPage = page
	return t.goTo(store.FlowProducts)
}

func handleProduct(t *turn) error {
	page, err := t.e.catalog.Products(t.ctx, t.conv.StoreID, t.conv.SelectedCategory, max(t.conv.CurrentPage, 1), t.e.pageSize)
	if err != nil {
		return t.lookupFailed(err, msgInvalidOption)
	}
	found := false
	for _, p := range page.Products {
		if p.ID == t.ev.ReplyID {
			found = true
			break
		}
	}
	if !found {
		return t.retry(msgInvalidOption)
	}

	product, err := t.e.catalog.Product(t.ctx, t.conv.StoreID, t.ev.ReplyID)
	if err != nil {
		return t.lookupFailed(err, msgInvalidOption)
	}

	t.conv.Product = &cart.Item{
		ProductRef: product.ID,
		Name:       product.Name,
		UnitPrice:  product.Price,
		Quantity:   1,
	}
	t.conv.ProductBeingAnsweredID = product.ID
	if len(product.Questions) > 0 {
		t.conv.CurrentQuestionIndex = 0
		return t.goTo(store.FlowProductQuestions)
	}
	return t.goTo(store.FlowProductQuantity)
}

// currentQuestion loads the product being configured and the active question.
// ok is false when the draft no longer matches the catalog.
func (t *turn) currentQuestion() (*catalog.Product, *catalog.Question, bool, error) {
	if t.conv.Product == nil || t.conv.ProductBeingAnsweredID == "" {
		return nil, nil, false, nil
	}
	product, err := t.e.catalog.Product(t.ctx, t.conv.StoreID, t.conv.ProductBeingAnsweredID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	idx := t.conv.CurrentQuestionIndex
	if idx < 0 || idx >= len(product.Questions) {
		return product, nil, false, nil
	}
	return product, &product.Questions[idx], true, nil
}

// advanceQuestion moves to the next question, or to the quantity picker after the last one.
func (t *turn) advanceQuestion(product *catalog.Product) error {
	next := t.conv.CurrentQuestionIndex + 1
	if next < len(product.Questions) {
		t.conv.CurrentQuestionIndex = next
		return t.goTo(store.FlowProductQuestions)
	}
	return t.goTo(store.FlowProductQuantity)
}

func handleAnswer(t *turn) error {
	product, q, ok, err := t.currentQuestion()
	if err != nil {
		return err
	}
	if !ok {
		return t.retry(msgProductUnavailable)
	}
	answer, found := q.FindAnswer(t.ev.ReplyID)
	if !found {
		return t.retry(msgInvalidOption)
	}
	if t.conv.Product.AnswerCount(q.ID) >= q.MaxAnswers {
		return t.retry(msgAnswerLimit)
	}

	t.conv.Product.AddAnswer(q.ID, q.Title, cart.AnswerSelection{
		AnswerID:  answer.ID,
		Name:      answer.Name,
		UnitPrice: answer.Price,
		Quantity:  1,
	})

	if t.conv.Product.AnswerCount(q.ID) >= q.MaxAnswers {
		return t.advanceQuestion(product)
	}
	return t.goTo(store.FlowProductQuestions)
}

func handleQuestionDone(t *turn) error {
	product, q, ok, err := t.currentQuestion()
	if err != nil {
		return err
	}
	if !ok {
		return t.retry(msgProductUnavailable)
	}
	n := t.conv.Product.AnswerCount(q.ID)
	if n == 0 || n < q.MinAnswers {
		return t.retry(msgAnswerRequired)
	}
	return t.advanceQuestion(product)
}

func handleQuestionSkip(t *turn) error {
	product, q, ok, err := t.currentQuestion()
	if err != nil {
		return err
	}
	if !ok {
		return t.retry(msgProductUnavailable)
	}
	if q.MinAnswers > 0 {
		return t.retry(msgAnswerRequired)
	}
	return t.advanceQuestion(product)
}

func handleCustomQuantityPrompt(t *turn) error {
	if t.conv.Product == nil {
		return t.retry(msgProductUnavailable)
	}
	return t.goTo(store.FlowCollectCustomQuantity)
}

func handleQuickQuantity(t *turn) error {
	q, err := strconv.Atoi(t.ev.ReplyID)
	if err != nil || q < minQuantity || q > maxQuickQuantity {
		return t.retry(msgInvalidOption)
	}
	return t.addDraftToCart(q)
}

func handleCustomQuantity(t *turn) error {
	q, ok := parseQuantity(t.ev.Text)
	if !ok {
		return t.retry(msgInvalidQuantity)
	}
	return t.addDraftToCart(q)
}

func (t *turn) addDraftToCart(quantity int) error {
	if t.conv.Product == nil {
		return t.retry(msgProductUnavailable)
	}
	item := t.conv.Product.Clone()
	item.Quantity = quantity
	t.conv.Cart.Add(item)
	t.conv.Product = nil
	t.conv.ProductBeingAnsweredID = ""
	return t.goTo(store.FlowOrderSummary)
}

func parseQuantity(text string) (int, bool) {
	q, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || q < minQuantity || q > maxQuantity {
		return 0, false
	}
	return q, true
}

func handleAddMore(t *turn) error {
	return t.goTo(store.FlowCategories)
}

func handleEditCart(t *turn) error {
	if t.conv.Cart.Len() == 0 {
		return t.retry(msgCartEmpty)
	}
	return t.goTo(store.FlowEditOrRemoveSelection)
}

func handleCheckout(t *turn) error {
	if t.conv.Cart.Len() == 0 {
		return t.retry(msgCartEmpty)
	}
	return t.goTo(store.FlowSelectDeliveryOption)
}

func handleBackToSummary(t *turn) error {
	return t.goTo(store.FlowOrderSummary)
}

func handleSelectItem(t *turn) error {
	idx, err := strconv.Atoi(strings.TrimPrefix(t.ev.ReplyID, RowItemPrefix))
	if err != nil || idx < 0 || idx >= t.conv.Cart.Len() {
		return t.retry(msgInvalidOption)
	}
	t.conv.EditingItemIndex = idx
	return t.goTo(store.FlowEditCartAction)
}

func (t *turn) editingItemValid() bool {
	return t.conv.EditingItemIndex >= 0 && t.conv.EditingItemIndex < t.conv.Cart.Len()
}

func handleEditQuantityPrompt(t *turn) error {
	if !t.editingItemValid() {
		return t.retry(msgInvalidOption)
	}
	return t.goTo(store.FlowEditItemQuantity)
}

func handleEditQuantity(t *turn) error {
	q, ok := parseQuantity(t.ev.Text)
	if !ok || !t.editingItemValid() {
		return t.retry(msgInvalidQuantity)
	}
	if err := t.conv.Cart.SetQuantity(t.conv.EditingItemIndex, q); err != nil {
		return t.retry(msgInvalidOption)
	}
	return t.goTo(store.FlowOrderSummary)
}

func handleRemovePrompt(t *turn) error {
	if !t.editingItemValid() {
		return t.retry(msgInvalidOption)
	}
	return t.goTo(store.FlowWaitingDeleteConfirmation)
}

func handleConfirmDelete(t *turn) error {
	if err := t.conv.Cart.Remove(t.conv.EditingItemIndex); err != nil {
		return t.retry(msgInvalidOption)
	}
	t.conv.EditingItemIndex = 0
	return t.goTo(store.FlowOrderSummary)
}

func handleDelivery(t *turn) error {
	t.conv.DeliveryOption = store.DeliveryHome
	t.conv.PreviousFlow = store.FlowCollectCustomerName
	if t.conv.Address != "" {
		return t.goTo(store.FlowAddressConfirmation)
	}
	return t.goTo(store.FlowNewAddress)
}

func handleCounter(t *turn) error {
	t.conv.DeliveryOption = store.DeliveryCounter
	return t.goTo(store.FlowCollectCustomerName)
}

func handleAddressText(t *turn) error {
	address := strings.Join(strings.Fields(t.ev.Text), " ")
	if len([]rune(address)) < minAddressLen {
		return t.retry(msgInvalidAddress)
	}
	t.conv.Address = address
	return t.goTo(store.FlowAddressConfirmation)
}

func handleConfirmAddress(t *turn) error {
	next := t.conv.PreviousFlow
	if next == "" {
		next = store.FlowOrderSummary
	}
	t.conv.PreviousFlow = ""
	return t.goTo(next)
}

func handleChangeAddress(t *turn) error {
	return t.goTo(store.FlowNewAddress)
}

func handleCustomerName(t *turn) error {
	t.conv.CustomerName = strings.TrimSpace(t.ev.Text)
	return t.goTo(store.FlowSelectPaymentMethod)
}

func handlePayPix(t *turn) error {
	t.conv.PaymentMethod = PaymentPix
	t.checkout = &Checkout{PaymentMethod: PaymentPix, AwaitPayment: true}
	return t.goTo(store.FlowWaitingPayment)
}

func handlePayOnDelivery(t *turn) error {
	method := PaymentCash
	if t.ev.ReplyID == BtnPayCard {
		method = PaymentCard
	}
	t.conv.PaymentMethod = method
	t.checkout = &Checkout{PaymentMethod: method}
	return nil
}

func handleChangePayment(t *turn) error {
	t.conv.PaymentMethod = ""
	t.conv.PaymentRef = ""
	return t.goTo(store.FlowSelectPaymentMethod)
}
