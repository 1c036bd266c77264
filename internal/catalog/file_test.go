// ABOUTME: Tests for the TOML catalog provider
// ABOUTME: Covers lookup, pagination, SLA minutes, validation and reload

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/order-gateway/internal/cart"
)

const testCatalog = `
[[stores]]
id = "store-1"
name = "Lanchonete Central"
phone_number_id = "1099"
staff_room = "!staff:example.org"

[stores.sla]
queue = 10
preparation = 20
delivery_route = 0

[[stores.categories]]
id = "1"
name = "Burgers"

[[stores.categories]]
id = "3"
name = "Drinks"

[[stores.products]]
id = "12"
category_id = "3"
name = "Soda"
price = 5.90

[[stores.products]]
id = "13"
category_id = "3"
name = "Juice"
price = 8.50

[[stores.products]]
id = "14"
category_id = "3"
name = "Water"
price = 3.00

[[stores.products]]
id = "20"
category_id = "1"
name = "Cheeseburger"
price = 25.00

  [[stores.products.questions]]
  id = "extras"
  title = "Adicionais"
  min_answers = 0
  max_answers = 3

    [[stores.products.questions.answers]]
    id = "bacon"
    name = "Bacon"
    price = 4.00

    [[stores.products.questions.answers]]
    id = "onion"
    name = "Cebola"
    price = 0
`

func TestParse_LookupAndPrices(t *testing.T) {
	p, err := Parse(testCatalog)
	require.NoError(t, err)
	ctx := context.Background()

	store, err := p.StoreByPhoneNumberID(ctx, "1099")
	require.NoError(t, err)
	assert.Equal(t, "store-1", store.ID)
	assert.Equal(t, "!staff:example.org", store.StaffRoom)

	cats, err := p.Categories(ctx, "store-1")
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, "Drinks", cats[1].Name)

	soda, err := p.Product(ctx, "store-1", "12")
	require.NoError(t, err)
	assert.Equal(t, cart.Money(590), soda.Price)
	assert.Empty(t, soda.Questions)

	burger, err := p.Product(ctx, "store-1", "20")
	require.NoError(t, err)
	require.Len(t, burger.Questions, 1)
	bacon, ok := burger.Questions[0].FindAnswer("bacon")
	require.True(t, ok)
	assert.Equal(t, cart.Money(400), bacon.Price)
	_, ok = burger.Questions[0].FindAnswer("ketchup")
	assert.False(t, ok)

	_, err = p.Product(ctx, "store-1", "99")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Store(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileProvider_Products_Paginates(t *testing.T) {
	p, err := Parse(testCatalog)
	require.NoError(t, err)
	ctx := context.Background()

	page1, err := p.Products(ctx, "store-1", "3", 1, 2)
	require.NoError(t, err)
	require.Len(t, page1.Products, 2)
	assert.True(t, page1.HasMore)
	assert.Equal(t, "12", page1.Products[0].ID)

	page2, err := p.Products(ctx, "store-1", "3", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2.Products, 1)
	assert.False(t, page2.HasMore)

	_, err = p.Products(ctx, "store-1", "3", 3, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.Products(ctx, "store-1", "42", 1, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileProvider_Stores(t *testing.T) {
	p, err := Parse(testCatalog + `
[[stores]]
id = "a-store"
name = "Primeira"
`)
	require.NoError(t, err)

	stores := p.Stores()
	require.Len(t, stores, 2)
	assert.Equal(t, "a-store", stores[0].ID)
	assert.Equal(t, "store-1", stores[1].ID)
	assert.Equal(t, "!staff:example.org", stores[1].StaffRoom)
}

func TestFileProvider_StageMinutes(t *testing.T) {
	p, err := Parse(testCatalog)
	require.NoError(t, err)
	ctx := context.Background()

	for stage, want := range map[int]int{StageQueue: 10, StagePreparation: 20, StageDeliveryRoute: 0, 4: 0, 5: 0} {
		got, err := p.StageMinutes(ctx, "store-1", stage)
		require.NoError(t, err)
		assert.Equal(t, want, got, "stage %d", stage)
	}
}

func TestParse_RejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"duplicate product", `
[[stores]]
id = "s"
[[stores.categories]]
id = "1"
[[stores.products]]
id = "p"
category_id = "1"
[[stores.products]]
id = "p"
category_id = "1"
`},
		{"unknown category", `
[[stores]]
id = "s"
[[stores.products]]
id = "p"
category_id = "9"
`},
		{"store without id", `
[[stores]]
name = "x"
`},
		{"bad toml", `[[stores]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.toml)
			assert.Error(t, err)
		})
	}
}

func categoriesTOML(n int) string {
	var b strings.Builder
	b.WriteString("[[stores]]\nid = \"s\"\n")
	for i := range n {
		fmt.Fprintf(&b, "[[stores.categories]]\nid = \"c%d\"\nname = \"Category %d\"\n", i, i)
	}
	return b.String()
}

func questionTOML(answers int) string {
	var b strings.Builder
	b.WriteString("[[stores]]\nid = \"s\"\n[[stores.categories]]\nid = \"1\"\n")
	b.WriteString("[[stores.products]]\nid = \"p\"\ncategory_id = \"1\"\n")
	b.WriteString("[[stores.products.questions]]\nid = \"q\"\nmax_answers = 1\n")
	for i := range answers {
		fmt.Fprintf(&b, "[[stores.products.questions.answers]]\nid = \"a%d\"\nname = \"Answer %d\"\n", i, i)
	}
	return b.String()
}

func TestParse_ListLimits(t *testing.T) {
	_, err := Parse(categoriesTOML(MaxCategories))
	require.NoError(t, err)
	_, err = Parse(categoriesTOML(MaxCategories + 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "categories")

	p, err := Parse(questionTOML(MaxAnswersPerQuestion))
	require.NoError(t, err)
	prod, err := p.Product(context.Background(), "s", "p")
	require.NoError(t, err)
	assert.Len(t, prod.Questions[0].Answers, MaxAnswersPerQuestion)

	_, err = Parse(questionTOML(MaxAnswersPerQuestion + 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "question q")
}

func TestFileProvider_ReloadKeepsOldCatalogOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0644))

	p, err := LoadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0644))
	assert.Error(t, p.Reload())

	_, err = p.Product(context.Background(), "store-1", "12")
	assert.NoError(t, err)
}
