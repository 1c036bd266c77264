// ABOUTME: Read-only catalog and store configuration contract used by the engine
// ABOUTME: Defines categories, products, modifier questions and per-stage SLA minutes

package catalog

import (
	"context"
	"errors"

	"github.com/2389/order-gateway/internal/cart"
)

// ErrNotFound is returned when a store, category or product does not exist.
var ErrNotFound = errors.New("catalog entry not found")

// Stage identifiers used in the SLA table. They mirror the order workflow stages.
const (
	StageQueue         = 1
	StagePreparation   = 2
	StageDeliveryRoute = 3
)

// List limits a store's catalog must respect. A list message carries at most
// ten rows and a question list keeps one row for continue or skip.
const (
	MaxCategories         = 10
	MaxAnswersPerQuestion = 9
)

// Category groups products in the browse list.
type Category struct {
	ID   string
	Name string
}

// Answer is one selectable option of a modifier question.
type Answer struct {
	ID    string
	Name  string
	Price cart.Money
}

// Question is a modifier attached to a product, e.g. "choose a protein".
// MinAnswers == 0 makes the question skippable; MaxAnswers > 1 lets the
// customer pick several answers before moving on.
type Question struct {
	ID         string
	Title      string
	MinAnswers int
	MaxAnswers int
	Answers    []Answer
}

// FindAnswer returns the answer with the given id.
func (q Question) FindAnswer(id string) (Answer, bool) {
	for _, a := range q.Answers {
		if a.ID == id {
			return a, true
		}
	}
	return Answer{}, false
}

// Product is a purchasable catalog entry.
type Product struct {
	ID          string
	CategoryID  string
	Name        string
	Description string
	Price       cart.Money
	Questions   []Question
}

// ProductPage is one page of a category listing.
type ProductPage struct {
	Products []Product
	Page     int
	HasMore  bool
}

// SLA holds the expected duration, in minutes, of each non-terminal stage.
// Zero means the stage has no deadline.
type SLA struct {
	Queue         int
	Preparation   int
	DeliveryRoute int
}

// Minutes returns the SLA for a stage id; terminal and unknown stages have none.
func (s SLA) Minutes(stageID int) int {
	switch stageID {
	case StageQueue:
		return s.Queue
	case StagePreparation:
		return s.Preparation
	case StageDeliveryRoute:
		return s.DeliveryRoute
	default:
		return 0
	}
}

// Store is the configuration of a single storefront.
type Store struct {
	ID            string
	Name          string
	PhoneNumberID string
	StaffRoom     string
	SLA           SLA
}

// Provider gives the engine and the workflow read access to catalog data.
type Provider interface {
	Store(ctx context.Context, storeID string) (*Store, error)
	StoreByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Store, error)
	Categories(ctx context.Context, storeID string) ([]Category, error)
	Products(ctx context.Context, storeID, categoryID string, page, pageSize int) (*ProductPage, error)
	Product(ctx context.Context, storeID, productID string) (*Product, error)
	StageMinutes(ctx context.Context, storeID string, stageID int) (int, error)
}
