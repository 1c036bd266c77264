// ABOUTME: Renders the screen (outbound messages) for each conversation flow
// ABOUTME: Holds the customer-facing texts; amounts always come from cart totals

package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389/order-gateway/internal/cart"
	"github.com/2389/order-gateway/internal/catalog"
	"github.com/2389/order-gateway/internal/messaging"
	"github.com/2389/order-gateway/internal/store"
)

// Customer-facing texts.
const (
	msgInvalidOption      = "Não encontrei essa opção. Escolha uma das opções abaixo."
	msgInvalidQuantity    = "Quantidade inválida. Digite um número de 1 a 10."
	msgInvalidAddress     = "Endereço muito curto. Informe rua, número e bairro."
	msgCartEmpty          = "Seu carrinho está vazio."
	msgAnswerLimit        = "Você já escolheu o máximo de opções para esta pergunta."
	msgAnswerRequired     = "Escolha pelo menos uma opção para continuar."
	msgProductUnavailable = "Esse produto não está mais disponível. Digite *conta* para ver seu pedido."
)

// maxEditRows leaves room for the back row in a ten-row list.
const maxEditRows = 9

func isNotFound(err error) bool {
	return errors.Is(err, catalog.ErrNotFound)
}

// screen renders what the customer sees in conv's flow.
func (t *turn) screen(conv *store.Conversation) ([]messaging.Message, error) {
	switch conv.Flow {
	case store.FlowWelcome:
		return t.welcomeScreen(conv)
	case store.FlowCategories:
		return t.categoriesScreen(conv)
	case store.FlowProducts:
		return t.productsScreen(conv)
	case store.FlowProductQuestions:
		return t.questionScreen(conv)
	case store.FlowProductQuantity:
		return quantityScreen(conv), nil
	case store.FlowCollectCustomQuantity, store.FlowEditItemQuantity:
		return []messaging.Message{messaging.Text("Digite a quantidade desejada (1 a 10).")}, nil
	case store.FlowOrderSummary:
		return []messaging.Message{summaryMessage(conv)}, nil
	case store.FlowEditOrRemoveSelection:
		return []messaging.Message{editListMessage(conv)}, nil
	case store.FlowEditCartAction:
		return []messaging.Message{messaging.Buttons(
			fmt.Sprintf("O que deseja fazer com *%s*?", itemName(conv, conv.EditingItemIndex)),
			messaging.Button{ID: BtnEditQuantity, Title: "Alterar quantidade"},
			messaging.Button{ID: BtnRemoveItem, Title: "Remover"},
			messaging.Button{ID: BtnCancelEdit, Title: "Cancelar"},
		)}, nil
	case store.FlowWaitingDeleteConfirmation:
		return []messaging.Message{messaging.Buttons(
			fmt.Sprintf("Remover *%s* do carrinho?", itemName(conv, conv.EditingItemIndex)),
			messaging.Button{ID: BtnConfirmDelete, Title: "Sim, remover"},
			messaging.Button{ID: BtnCancelDelete, Title: "Não"},
		)}, nil
	case store.FlowSelectDeliveryOption:
		return []messaging.Message{messaging.Buttons(
			"Como você quer receber seu pedido?",
			messaging.Button{ID: BtnDelivery, Title: "Entrega"},
			messaging.Button{ID: BtnCounter, Title: "Retirar no balcão"},
		)}, nil
	case store.FlowNewAddress:
		return []messaging.Message{messaging.Text("Informe o endereço de entrega (rua, número, bairro e complemento).")}, nil
	case store.FlowAddressConfirmation:
		return []messaging.Message{messaging.Buttons(
			fmt.Sprintf("Entregar em:\n%s\n\nEstá correto?", conv.Address),
			messaging.Button{ID: BtnConfirmAddress, Title: "Confirmar"},
			messaging.Button{ID: BtnChangeAddress, Title: "Alterar endereço"},
		)}, nil
	case store.FlowCollectCustomerName:
		return []messaging.Message{messaging.Text("Qual nome devemos colocar no pedido?")}, nil
	case store.FlowSelectPaymentMethod:
		return []messaging.Message{messaging.Buttons(
			fmt.Sprintf("Total do pedido: *%s*\nComo deseja pagar?", conv.Cart.Total()),
			messaging.Button{ID: BtnPayPix, Title: "Pix"},
			messaging.Button{ID: BtnPayCard, Title: "Cartão na entrega"},
			messaging.Button{ID: BtnPayCash, Title: "Dinheiro"},
		)}, nil
	case store.FlowWaitingPayment:
		return []messaging.Message{messaging.Buttons(
			fmt.Sprintf("Aguardando a confirmação do pagamento de *%s*. Assim que recebermos, seu pedido vai para a fila.", conv.Cart.Total()),
			messaging.Button{ID: BtnChangePayment, Title: "Mudar pagamento"},
		)}, nil
	default:
		return t.categoriesScreen(conv)
	}
}

func (t *turn) welcomeScreen(conv *store.Conversation) ([]messaging.Message, error) {
	greeting := "Olá!"
	if t.ev.ProfileName != "" {
		greeting = fmt.Sprintf("Olá, %s!", t.ev.ProfileName)
	}
	body := fmt.Sprintf("%s Bem-vindo(a) à %s. Escolha uma categoria na lista para começar o seu pedido.", greeting, t.store.Name)
	if conv.Address != "" {
		body += fmt.Sprintf("\n\nEndereço de entrega: %s", conv.Address)
	}
	msgs := []messaging.Message{messaging.Buttons(body, messaging.Button{ID: BtnSetAddress, Title: "Informar endereço"})}

	cats, err := t.categoriesScreen(conv)
	if err != nil {
		return nil, err
	}
	return append(msgs, cats...), nil
}

func (t *turn) categoriesScreen(conv *store.Conversation) ([]messaging.Message, error) {
	cats, err := t.e.catalog.Categories(t.ctx, conv.StoreID)
	if err != nil {
		return nil, fmt.Errorf("loading categories: %w", err)
	}
	rows := make([]messaging.Row, 0, len(cats))
	for _, c := range cats {
		rows = append(rows, messaging.Row{ID: c.ID, Title: c.Name})
	}
	return []messaging.Message{messaging.List(t.store.Name, "Escolha uma categoria:", "Categorias", rows)}, nil
}

func (t *turn) productsScreen(conv *store.Conversation) ([]messaging.Message, error) {
	page, err := t.e.catalog.Products(t.ctx, conv.StoreID, conv.SelectedCategory, max(conv.CurrentPage, 1), t.e.pageSize)
	if isNotFound(err) {
		return t.categoriesScreen(conv)
	}
	if err != nil {
		return nil, fmt.Errorf("loading products: %w", err)
	}

	rows := make([]messaging.Row, 0, len(page.Products)+2)
	for _, p := range page.Products {
		rows = append(rows, messaging.Row{ID: p.ID, Title: p.Name, Description: p.Price.String()})
	}
	if page.HasMore {
		rows = append(rows, messaging.Row{ID: RowMorePrefix + strconv.Itoa(page.Page+1), Title: "Ver mais"})
	}
	rows = append(rows, messaging.Row{ID: RowBackCategory, Title: "Outras categorias"})

	body := "Escolha um produto:"
	if len(page.Products) == 0 {
		body = "Nenhum produto disponível nesta categoria no momento."
	}
	return []messaging.Message{messaging.List(t.store.Name, body, "Produtos", rows)}, nil
}

func (t *turn) questionScreen(conv *store.Conversation) ([]messaging.Message, error) {
	if conv.Product == nil {
		return []messaging.Message{messaging.Text(msgProductUnavailable)}, nil
	}
	product, err := t.e.catalog.Product(t.ctx, conv.StoreID, conv.ProductBeingAnsweredID)
	if isNotFound(err) {
		return []messaging.Message{messaging.Text(msgProductUnavailable)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading product: %w", err)
	}
	idx := conv.CurrentQuestionIndex
	if idx < 0 || idx >= len(product.Questions) {
		return []messaging.Message{messaging.Text(msgProductUnavailable)}, nil
	}
	q := product.Questions[idx]
	chosen := conv.Product.AnswerCount(q.ID)

	rows := make([]messaging.Row, 0, len(q.Answers)+1)
	for _, a := range q.Answers {
		desc := ""
		if a.Price > 0 {
			desc = "+ " + a.Price.String()
		}
		rows = append(rows, messaging.Row{ID: a.ID, Title: a.Name, Description: desc})
	}
	switch {
	case chosen > 0 && chosen >= q.MinAnswers:
		rows = append(rows, messaging.Row{ID: RowQuestionDone, Title: "Continuar"})
	case chosen == 0 && q.MinAnswers == 0:
		rows = append(rows, messaging.Row{ID: RowQuestionSkip, Title: "Pular"})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n%s", product.Name, q.Title)
	if q.MaxAnswers > 1 {
		fmt.Fprintf(&b, " (até %d)", q.MaxAnswers)
	}
	if desc := conv.Product.Describe(); desc != "" {
		fmt.Fprintf(&b, "\nEscolhido: %s", desc)
	}
	return []messaging.Message{messaging.List(product.Name, b.String(), "Opções", rows)}, nil
}

func quantityScreen(conv *store.Conversation) []messaging.Message {
	rows := make([]messaging.Row, 0, maxQuickQuantity+1)
	for q := 1; q <= maxQuickQuantity; q++ {
		title := fmt.Sprintf("%d unidades", q)
		if q == 1 {
			title = "1 unidade"
		}
		desc := ""
		if conv.Product != nil {
			item := *conv.Product
			item.Quantity = q
			desc = item.Total().String()
		}
		rows = append(rows, messaging.Row{ID: strconv.Itoa(q), Title: title, Description: desc})
	}
	rows = append(rows, messaging.Row{ID: RowCustomQty, Title: "Outra quantidade"})

	name := "o produto"
	if conv.Product != nil {
		name = conv.Product.Name
	}
	return []messaging.Message{messaging.List("Quantidade", fmt.Sprintf("Quantas unidades de *%s*?", name), "Quantidade", rows)}
}

// SummaryText lists the cart lines and the total.
func SummaryText(c cart.Cart) string {
	if c.Len() == 0 {
		return msgCartEmpty
	}
	var b strings.Builder
	b.WriteString("*Seu pedido*\n")
	for i, it := range c.Items {
		fmt.Fprintf(&b, "\n%d. %dx %s - %s", i+1, it.Quantity, it.Name, it.Total())
		if desc := it.Describe(); desc != "" {
			fmt.Fprintf(&b, "\n   %s", desc)
		}
	}
	fmt.Fprintf(&b, "\n\n*Total: %s*", c.Total())
	return b.String()
}

func summaryMessage(conv *store.Conversation) messaging.Message {
	if conv.Cart.Len() == 0 {
		return messaging.Buttons(msgCartEmpty, messaging.Button{ID: BtnAddMore, Title: "Ver cardápio"})
	}
	return messaging.Buttons(SummaryText(conv.Cart),
		messaging.Button{ID: BtnAddMore, Title: "Adicionar itens"},
		messaging.Button{ID: BtnEditCart, Title: "Editar carrinho"},
		messaging.Button{ID: BtnCheckout, Title: "Finalizar pedido"},
	)
}

func editListMessage(conv *store.Conversation) messaging.Message {
	rows := make([]messaging.Row, 0, maxEditRows+1)
	for i, it := range conv.Cart.Items {
		if i == maxEditRows {
			break
		}
		rows = append(rows, messaging.Row{
			ID:          RowItemPrefix + strconv.Itoa(i),
			Title:       it.Name,
			Description: fmt.Sprintf("%dx - %s", it.Quantity, it.Total()),
		})
	}
	rows = append(rows, messaging.Row{ID: RowBackSummary, Title: "Voltar ao resumo"})
	return messaging.List("Editar carrinho", "Qual item deseja alterar?", "Itens", rows)
}

func itemName(conv *store.Conversation, idx int) string {
	if idx < 0 || idx >= conv.Cart.Len() {
		return "item"
	}
	return conv.Cart.Items[idx].Name
}
