// ABOUTME: Store interfaces and data types for order-gateway persistence
// ABOUTME: Defines Conversation, Order, Task and the stores the core depends on

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/order-gateway/internal/cart"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStageConflict is returned by ApplyTransition when the stored stage is not the expected one
var ErrStageConflict = errors.New("order stage changed concurrently")

// ErrDuplicate is returned when a record with the same id already exists.
var ErrDuplicate = errors.New("already exists")

// Flow is the conversation's position in the ordering dialogue.
type Flow string

// Flow values
const (
	FlowWelcome                   Flow = "WELCOME"
	FlowCategories                Flow = "CATEGORIES"
	FlowProducts                  Flow = "PRODUCTS"
	FlowProductQuestions          Flow = "PRODUCT_QUESTIONS"
	FlowProductQuantity           Flow = "PRODUCT_QUANTITY"
	FlowCollectCustomQuantity     Flow = "COLLECT_CUSTOM_QUANTITY"
	FlowOrderSummary              Flow = "ORDER_SUMMARY"
	FlowEditOrRemoveSelection     Flow = "EDIT_OR_REMOVE_SELECTION"
	FlowEditCartAction            Flow = "EDIT_CART_ACTION"
	FlowEditItemQuantity          Flow = "EDIT_ITEM_QUANTITY"
	FlowWaitingDeleteConfirmation Flow = "WAITING_DELETE_CONFIRMATION"
	FlowSelectDeliveryOption      Flow = "SELECT_DELIVERY_OPTION"
	FlowNewAddress                Flow = "NEW_ADDRESS"
	FlowAddressConfirmation       Flow = "ADDRESS_CONFIRMATION"
	FlowCollectCustomerName       Flow = "COLLECT_CUSTOMER_NAME"
	FlowSelectPaymentMethod       Flow = "SELECT_PAYMENT_METHOD"
	FlowWaitingPayment            Flow = "WAITING_PAYMENT_CONFIRMATION"

	// FlowCategorySelection is the name some stores use for the browse screen.
	FlowCategorySelection = FlowCategories
)

// AllFlows lists every flow the engine knows about.
var AllFlows = []Flow{
	FlowWelcome, FlowCategories, FlowProducts, FlowProductQuestions,
	FlowProductQuantity, FlowCollectCustomQuantity, FlowOrderSummary,
	FlowEditOrRemoveSelection, FlowEditCartAction, FlowEditItemQuantity,
	FlowWaitingDeleteConfirmation, FlowSelectDeliveryOption, FlowNewAddress,
	FlowAddressConfirmation, FlowCollectCustomerName, FlowSelectPaymentMethod,
	FlowWaitingPayment,
}

// DeliveryOption says how the customer receives the order.
type DeliveryOption string

// DeliveryOption values
const (
	DeliveryHome    DeliveryOption = "DELIVERY"
	DeliveryCounter DeliveryOption = "COUNTER"
)

// Conversation is the open ordering dialogue of one customer with one store.
type Conversation struct {
	ID          string `json:"-"`
	CustomerKey string `json:"-"`
	StoreID     string `json:"-"`
	Flow        Flow   `json:"flow"`

	// PreviousFlow is where the address detour returns to.
	PreviousFlow Flow `json:"previous_flow,omitempty"`

	Cart             cart.Cart      `json:"cart"`
	Address          string         `json:"address,omitempty"`
	DeliveryOption   DeliveryOption `json:"delivery_option,omitempty"`
	CustomerName     string         `json:"customer_name,omitempty"`
	SelectedCategory string         `json:"selected_category,omitempty"`

	// Product is the item being configured; nil outside the product flows.
	Product                *cart.Item `json:"product,omitempty"`
	ProductBeingAnsweredID string     `json:"product_being_answered_id,omitempty"`
	CurrentQuestionIndex   int        `json:"current_question_index"`
	CurrentPage            int        `json:"current_page"`
	EditingItemIndex       int        `json:"editing_item_index"`

	PaymentMethod string `json:"payment_method,omitempty"`
	PaymentRef    string `json:"payment_ref,omitempty"`

	CreatedAt      time.Time `json:"-"`
	LastActivityAt time.Time `json:"-"`
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Cart = c.Cart.Clone()
	if c.Product != nil {
		p := c.Product.Clone()
		out.Product = &p
	}
	return &out
}

// StageState is the stage an order currently sits in.
type StageState struct {
	StageID   int
	EnteredAt time.Time
}

// StageEntry is one line of an order's stage history.
type StageEntry struct {
	StageID         int
	EnteredAt       time.Time
	MinutesAllotted int
	MinutesTaken    int
	Actor           string
	Reason          string
}

// Order is an accepted purchase tracked through the fulfilment stages.
type Order struct {
	ID             string
	Number         int64 // store-scoped, human readable
	StoreID        string
	CustomerKey    string
	CustomerName   string
	Items          []cart.Item
	DeliveryOption DeliveryOption
	Address        string
	PaymentMethod  string
	PaymentRef     string
	Total          cart.Money
	CurrentStage   StageState
	StageHistory   []StageEntry
	Cancelled      bool
	CancelReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StageUpdate is a compare-and-set request for an order's current stage.
type StageUpdate struct {
	FromStageID  int
	To           StageState
	Cancelled    bool
	CancelReason string
	// Closed is the history entry for the stage being left.
	Closed StageEntry
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	StoreID    string
	ActiveOnly bool
	Limit      int
}

// TaskStatus values for deferred tasks
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// TaskLease is how long a claimed task may stay running before
// ClaimDueTasks hands it out again.
const TaskLease = 5 * time.Minute

// Task is a deferred invocation persisted until it is due.
type Task struct {
	ID        string
	Kind      string
	Payload   []byte
	FireAt    time.Time
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationStore keeps one open conversation per (customer, store).
type ConversationStore interface {
	// GetConversation returns the latest conversation for the pair.
	GetConversation(ctx context.Context, customerKey, storeID string) (*Conversation, error)
	// GetRecentConversation returns the latest conversation active at or after since.
	GetRecentConversation(ctx context.Context, customerKey, storeID string, since time.Time) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) (string, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	DeleteIdleConversations(ctx context.Context, before time.Time) (int64, error)
}

// WorkflowStore keeps orders and their stage history.
type WorkflowStore interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error)
	// ApplyTransition atomically moves the order and records the closed stage.
	ApplyTransition(ctx context.Context, orderID string, update StageUpdate) error
	// MarkAlertSent records a dispatched alert and reports whether it was the first time.
	MarkAlertSent(ctx context.Context, orderID string, stageID int, kind string) (bool, error)
}

// TaskStore backs the deferred task queue.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	// ClaimDueTasks marks due pending tasks, and running tasks whose lease
	// expired, as running and returns them.
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, reason string) error
}

// Store is everything the gateway persists.
type Store interface {
	ConversationStore
	WorkflowStore
	TaskStore

	// Close releases any resources held by the store
	Close() error
}
