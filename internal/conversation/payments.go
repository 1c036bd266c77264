// ABOUTME: Pix payment link built from a configured URL template
// ABOUTME: Each request gets a fresh reference that ConfirmPayment must echo

package conversation

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/order-gateway/internal/store"
)

// TemplateLinker implements PaymentLinker by substituting a new reference
// into a URL template such as "https://pay.example/pix?ref={ref}".
type TemplateLinker struct {
	Template string
}

// RequestPayment implements PaymentLinker.
func (l TemplateLinker) RequestPayment(ctx context.Context, conv *store.Conversation) (string, string, error) {
	ref := uuid.New().String()
	link := strings.ReplaceAll(l.Template, "{ref}", url.QueryEscape(ref))
	return ref, link, nil
}
