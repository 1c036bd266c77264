// ABOUTME: TOML-backed catalog provider loaded from catalog.path
// ABOUTME: Validates ids on load and supports hot reload without restarting

package catalog

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/2389/order-gateway/internal/cart"
)

type fileCatalog struct {
	Stores []fileStore `toml:"stores"`
}

type fileStore struct {
	ID            string         `toml:"id"`
	Name          string         `toml:"name"`
	PhoneNumberID string         `toml:"phone_number_id"`
	StaffRoom     string         `toml:"staff_room"`
	SLA           fileSLA        `toml:"sla"`
	Categories    []fileCategory `toml:"categories"`
	Products      []fileProduct  `toml:"products"`
}

type fileSLA struct {
	Queue         int `toml:"queue"`
	Preparation   int `toml:"preparation"`
	DeliveryRoute int `toml:"delivery_route"`
}

type fileCategory struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

type fileProduct struct {
	ID          string         `toml:"id"`
	CategoryID  string         `toml:"category_id"`
	Name        string         `toml:"name"`
	Description string         `toml:"description"`
	Price       float64        `toml:"price"`
	Questions   []fileQuestion `toml:"questions"`
}

type fileQuestion struct {
	ID         string       `toml:"id"`
	Title      string       `toml:"title"`
	MinAnswers int          `toml:"min_answers"`
	MaxAnswers int          `toml:"max_answers"`
	Answers    []fileAnswer `toml:"answers"`
}

type fileAnswer struct {
	ID    string  `toml:"id"`
	Name  string  `toml:"name"`
	Price float64 `toml:"price"`
}

// storeData is the indexed, immutable form of one store.
type storeData struct {
	store      Store
	categories []Category
	products   map[string]*Product
	byCategory map[string][]*Product
}

// FileProvider serves a catalog parsed from a TOML file.
type FileProvider struct {
	path string

	mu      sync.RWMutex
	stores  map[string]*storeData
	byPhone map[string]string
}

// LoadFile parses the catalog at path.
func LoadFile(path string) (*FileProvider, error) {
	p := &FileProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse builds a provider from TOML text. Used by tests and catalog-check.
func Parse(data string) (*FileProvider, error) {
	p := &FileProvider{}
	if err := p.load(data); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the catalog file. On error the previous catalog stays active.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("reading catalog file: %w", err)
	}
	return p.load(string(data))
}

// Stores lists every store, ordered by id.
func (p *FileProvider) Stores() []Store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Store, 0, len(p.stores))
	for _, sd := range p.stores {
		out = append(out, sd.store)
	}
	slices.SortFunc(out, func(a, b Store) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (p *FileProvider) load(data string) error {
	var raw fileCatalog
	if _, err := toml.Decode(data, &raw); err != nil {
		return fmt.Errorf("parsing catalog: %w", err)
	}

	stores := make(map[string]*storeData, len(raw.Stores))
	byPhone := make(map[string]string, len(raw.Stores))
	for _, fs := range raw.Stores {
		sd, err := buildStore(fs)
		if err != nil {
			return err
		}
		if _, dup := stores[sd.store.ID]; dup {
			return fmt.Errorf("duplicate store id %q", sd.store.ID)
		}
		stores[sd.store.ID] = sd
		if sd.store.PhoneNumberID != "" {
			byPhone[sd.store.PhoneNumberID] = sd.store.ID
		}
	}

	p.mu.Lock()
	p.stores = stores
	p.byPhone = byPhone
	p.mu.Unlock()
	return nil
}

func buildStore(fs fileStore) (*storeData, error) {
	if fs.ID == "" {
		return nil, fmt.Errorf("store without id")
	}
	sd := &storeData{
		store: Store{
			ID:            fs.ID,
			Name:          fs.Name,
			PhoneNumberID: fs.PhoneNumberID,
			StaffRoom:     fs.StaffRoom,
			SLA: SLA{
				Queue:         fs.SLA.Queue,
				Preparation:   fs.SLA.Preparation,
				DeliveryRoute: fs.SLA.DeliveryRoute,
			},
		},
		products:   make(map[string]*Product),
		byCategory: make(map[string][]*Product),
	}

	if len(fs.Categories) > MaxCategories {
		return nil, fmt.Errorf("store %s: %d categories, at most %d fit in the category list", fs.ID, len(fs.Categories), MaxCategories)
	}
	categoryIDs := make(map[string]bool)
	for _, c := range fs.Categories {
		if c.ID == "" || categoryIDs[c.ID] {
			return nil, fmt.Errorf("store %s: missing or duplicate category id %q", fs.ID, c.ID)
		}
		categoryIDs[c.ID] = true
		sd.categories = append(sd.categories, Category{ID: c.ID, Name: c.Name})
	}

	for _, fp := range fs.Products {
		if fp.ID == "" {
			return nil, fmt.Errorf("store %s: product without id", fs.ID)
		}
		if _, dup := sd.products[fp.ID]; dup {
			return nil, fmt.Errorf("store %s: duplicate product id %q", fs.ID, fp.ID)
		}
		if !categoryIDs[fp.CategoryID] {
			return nil, fmt.Errorf("store %s: product %s references unknown category %q", fs.ID, fp.ID, fp.CategoryID)
		}
		prod := &Product{
			ID:          fp.ID,
			CategoryID:  fp.CategoryID,
			Name:        fp.Name,
			Description: fp.Description,
			Price:       cart.MoneyFromFloat(fp.Price),
		}
		for _, fq := range fp.Questions {
			q := Question{ID: fq.ID, Title: fq.Title, MinAnswers: fq.MinAnswers, MaxAnswers: fq.MaxAnswers}
			if q.MaxAnswers <= 0 {
				q.MaxAnswers = 1
			}
			if q.MinAnswers > q.MaxAnswers {
				return nil, fmt.Errorf("store %s: question %s min_answers exceeds max_answers", fs.ID, fq.ID)
			}
			if len(fq.Answers) > MaxAnswersPerQuestion {
				return nil, fmt.Errorf("store %s: question %s has %d answers, at most %d are allowed", fs.ID, fq.ID, len(fq.Answers), MaxAnswersPerQuestion)
			}
			for _, fa := range fq.Answers {
				q.Answers = append(q.Answers, Answer{ID: fa.ID, Name: fa.Name, Price: cart.MoneyFromFloat(fa.Price)})
			}
			prod.Questions = append(prod.Questions, q)
		}
		sd.products[prod.ID] = prod
		sd.byCategory[prod.CategoryID] = append(sd.byCategory[prod.CategoryID], prod)
	}
	return sd, nil
}

func (p *FileProvider) storeData(storeID string) (*storeData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sd, ok := p.stores[storeID]
	if !ok {
		return nil, fmt.Errorf("%w: store %s", ErrNotFound, storeID)
	}
	return sd, nil
}

// Store returns the configuration of a store.
func (p *FileProvider) Store(ctx context.Context, storeID string) (*Store, error) {
	sd, err := p.storeData(storeID)
	if err != nil {
		return nil, err
	}
	s := sd.store
	return &s, nil
}

// StoreByPhoneNumberID resolves the store that owns a WhatsApp phone number id.
func (p *FileProvider) StoreByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Store, error) {
	p.mu.RLock()
	storeID, ok := p.byPhone[phoneNumberID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: phone number id %s", ErrNotFound, phoneNumberID)
	}
	return p.Store(ctx, storeID)
}

// Categories lists the store's categories in file order.
func (p *FileProvider) Categories(ctx context.Context, storeID string) ([]Category, error) {
	sd, err := p.storeData(storeID)
	if err != nil {
		return nil, err
	}
	return append([]Category(nil), sd.categories...), nil
}

// Products returns page (1-based) of a category listing.
func (p *FileProvider) Products(ctx context.Context, storeID, categoryID string, page, pageSize int) (*ProductPage, error) {
	sd, err := p.storeData(storeID)
	if err != nil {
		return nil, err
	}
	known := false
	for _, c := range sd.categories {
		if c.ID == categoryID {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: category %s", ErrNotFound, categoryID)
	}
	if pageSize <= 0 {
		pageSize = 8
	}
	all := sd.byCategory[categoryID]
	start := (page - 1) * pageSize
	if page < 1 || (start >= len(all) && page > 1) {
		return nil, fmt.Errorf("%w: page %d of category %s", ErrNotFound, page, categoryID)
	}
	end := min(start+pageSize, len(all))

	out := &ProductPage{Page: page, HasMore: end < len(all)}
	for _, prod := range all[start:end] {
		out.Products = append(out.Products, *prod)
	}
	return out, nil
}

// Product returns a product with its modifier questions.
func (p *FileProvider) Product(ctx context.Context, storeID, productID string) (*Product, error) {
	sd, err := p.storeData(storeID)
	if err != nil {
		return nil, err
	}
	prod, ok := sd.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}
	out := *prod
	return &out, nil
}

// StageMinutes returns the SLA of a stage for the store.
func (p *FileProvider) StageMinutes(ctx context.Context, storeID string, stageID int) (int, error) {
	sd, err := p.storeData(storeID)
	if err != nil {
		return 0, err
	}
	return sd.store.SLA.Minutes(stageID), nil
}
