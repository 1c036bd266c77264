// ABOUTME: Dispatch table mapping (flow, event kind, reply id) to handlers
// ABOUTME: The default button allow-list is derived from the same table

package engine

import (
	"strings"

	"github.com/2389/order-gateway/internal/store"
)

// Button ids.
const (
	BtnSetAddress     = "set_address"
	BtnAddMore        = "add_more"
	BtnEditCart       = "edit_cart"
	BtnCheckout       = "checkout"
	BtnEditQuantity   = "edit_qty"
	BtnRemoveItem     = "remove_item"
	BtnCancelEdit     = "cancel_edit"
	BtnConfirmDelete  = "confirm_delete"
	BtnCancelDelete   = "cancel_delete"
	BtnDelivery       = "opt_delivery"
	BtnCounter        = "opt_counter"
	BtnConfirmAddress = "confirm_address"
	BtnChangeAddress  = "change_address"
	BtnPayPix         = "pay_pix"
	BtnPayCard        = "pay_card"
	BtnPayCash        = "pay_cash"
	BtnChangePayment  = "change_payment"
)

// List row ids and prefixes that are not catalog ids.
const (
	RowMorePrefix    = "more:"
	RowItemPrefix    = "item:"
	RowBackCategory  = "nav:categories"
	RowBackSummary   = "nav:summary"
	RowQuestionDone  = "q:done"
	RowQuestionSkip  = "q:skip"
	RowCustomQty     = "qty:custom"
	matchAnyID       = ""
	maxQuickQuantity = 5
)

type handler func(t *turn) error

// route binds an event shape in a flow to a handler. An empty id matches any
// id; prefix routes match ids starting with id.
type route struct {
	flow   store.Flow
	kind   EventKind
	id     string
	prefix bool
	handle handler
}

// RouteInfo describes one entry of the dispatch table.
type RouteInfo struct {
	Flow  store.Flow
	Kind  EventKind
	Match string
}

func defaultRoutes() []route {
	return []route{
		{flow: store.FlowWelcome, kind: EventButton, id: BtnSetAddress, handle: handleSetAddress},
		{flow: store.FlowWelcome, kind: EventList, id: matchAnyID, handle: handleCategory},

		{flow: store.FlowCategories, kind: EventList, id: matchAnyID, handle: handleCategory},

		{flow: store.FlowProducts, kind: EventList, id: RowMorePrefix, prefix: true, handle: handleMoreProducts},
		{flow: store.FlowProducts, kind: EventList, id: RowBackCategory, handle: handleBackToCategories},
		{flow: store.FlowProducts, kind: EventList, id: matchAnyID, handle: handleProduct},

		{flow: store.FlowProductQuestions, kind: EventList, id: RowQuestionDone, handle: handleQuestionDone},
		{flow: store.FlowProductQuestions, kind: EventList, id: RowQuestionSkip, handle: handleQuestionSkip},
		{flow: store.FlowProductQuestions, kind: EventList, id: matchAnyID, handle: handleAnswer},

		{flow: store.FlowProductQuantity, kind: EventList, id: RowCustomQty, handle: handleCustomQuantityPrompt},
		{flow: store.FlowProductQuantity, kind: EventList, id: matchAnyID, handle: handleQuickQuantity},

		{flow: store.FlowCollectCustomQuantity, kind: EventText, id: matchAnyID, handle: handleCustomQuantity},

		{flow: store.FlowOrderSummary, kind: EventButton, id: BtnAddMore, handle: handleAddMore},
		{flow: store.FlowOrderSummary, kind: EventButton, id: BtnEditCart, handle: handleEditCart},
		{flow: store.FlowOrderSummary, kind: EventButton, id: BtnCheckout, handle: handleCheckout},

		{flow: store.FlowEditOrRemoveSelection, kind: EventList, id: RowItemPrefix, prefix: true, handle: handleSelectItem},
		{flow: store.FlowEditOrRemoveSelection, kind: EventList, id: RowBackSummary, handle: handleBackToSummary},

		{flow: store.FlowEditCartAction, kind: EventButton, id: BtnEditQuantity, handle: handleEditQuantityPrompt},
		{flow: store.FlowEditCartAction, kind: EventButton, id: BtnRemoveItem, handle: handleRemovePrompt},
		{flow: store.FlowEditCartAction, kind: EventButton, id: BtnCancelEdit, handle: handleBackToSummary},

		{flow: store.FlowEditItemQuantity, kind: EventText, id: matchAnyID, handle: handleEditQuantity},

		{flow: store.FlowWaitingDeleteConfirmation, kind: EventButton, id: BtnConfirmDelete, handle: handleConfirmDelete},
		{flow: store.FlowWaitingDeleteConfirmation, kind: EventButton, id: BtnCancelDelete, handle: handleBackToSummary},

		{flow: store.FlowSelectDeliveryOption, kind: EventButton, id: BtnDelivery, handle: handleDelivery},
		{flow: store.FlowSelectDeliveryOption, kind: EventButton, id: BtnCounter, handle: handleCounter},

		{flow: store.FlowNewAddress, kind: EventText, id: matchAnyID, handle: handleAddressText},

		{flow: store.FlowAddressConfirmation, kind: EventButton, id: BtnConfirmAddress, handle: handleConfirmAddress},
		{flow: store.FlowAddressConfirmation, kind: EventButton, id: BtnChangeAddress, handle: handleChangeAddress},

		{flow: store.FlowCollectCustomerName, kind: EventText, id: matchAnyID, handle: handleCustomerName},

		{flow: store.FlowSelectPaymentMethod, kind: EventButton, id: BtnPayPix, handle: handlePayPix},
		{flow: store.FlowSelectPaymentMethod, kind: EventButton, id: BtnPayCard, handle: handlePayOnDelivery},
		{flow: store.FlowSelectPaymentMethod, kind: EventButton, id: BtnPayCash, handle: handlePayOnDelivery},

		{flow: store.FlowWaitingPayment, kind: EventButton, id: BtnChangePayment, handle: handleChangePayment},
	}
}

// defaultAllowList accepts, in each flow, exactly the buttons that flow has routes for.
func defaultAllowList(routes []route) map[store.Flow]map[string]bool {
	allow := make(map[store.Flow]map[string]bool)
	for _, r := range routes {
		if r.kind != EventButton {
			continue
		}
		if allow[r.flow] == nil {
			allow[r.flow] = make(map[string]bool)
		}
		allow[r.flow][r.id] = true
	}
	return allow
}

// match finds the route for an event. Exact ids win over prefixes, prefixes
// over the catch-all.
func (e *Engine) match(flow store.Flow, kind EventKind, id string) *route {
	var prefixed, fallback *route
	for i := range e.routes {
		r := &e.routes[i]
		if r.flow != flow || r.kind != kind {
			continue
		}
		switch {
		case r.id == matchAnyID:
			if fallback == nil {
				fallback = r
			}
		case r.prefix:
			if prefixed == nil && strings.HasPrefix(id, r.id) {
				prefixed = r
			}
		case r.id == id:
			return r
		}
	}
	if prefixed != nil {
		return prefixed
	}
	return fallback
}

// Routes enumerates the dispatch table.
func (e *Engine) Routes() []RouteInfo {
	out := make([]RouteInfo, 0, len(e.routes))
	for _, r := range e.routes {
		m := r.id
		switch {
		case m == matchAnyID:
			m = "*"
		case r.prefix:
			m += "*"
		}
		out = append(out, RouteInfo{Flow: r.flow, Kind: r.kind, Match: m})
	}
	return out
}
