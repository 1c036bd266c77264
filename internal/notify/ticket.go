// ABOUTME: Kitchen ticket rendering for placed orders
// ABOUTME: Markdown for chat channels, HTML via goldmark for the staff API

package notify

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/2389/order-gateway/internal/store"
)

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`, "]", `\]`,
	"#", `\#`, "<", `\<`, ">", `\>`, "|", `\|`,
)

// escapeMarkdown neutralizes Markdown in customer-supplied text.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// RenderTicket returns the order as a Markdown ticket for the kitchen.
func RenderTicket(order *store.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Pedido #%d\n\n", order.Number)

	customer := escapeMarkdown(order.CustomerName)
	if customer == "" {
		customer = "(sem nome)"
	}
	fmt.Fprintf(&b, "**Cliente:** %s (%s)  \n", customer, escapeMarkdown(order.CustomerKey))

	switch order.DeliveryOption {
	case store.DeliveryHome:
		fmt.Fprintf(&b, "**Entrega:** %s  \n", escapeMarkdown(order.Address))
	default:
		b.WriteString("**Retirada no balcão**  \n")
	}
	if order.PaymentMethod != "" {
		fmt.Fprintf(&b, "**Pagamento:** %s  \n", order.PaymentMethod)
	}
	if !order.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "**Recebido:** %s\n", order.CreatedAt.Format("02/01 15:04"))
	}
	b.WriteString("\n")

	for _, it := range order.Items {
		fmt.Fprintf(&b, "- %dx %s", it.Quantity, escapeMarkdown(it.Name))
		if desc := it.Describe(); desc != "" {
			fmt.Fprintf(&b, " (%s)", escapeMarkdown(desc))
		}
		fmt.Fprintf(&b, " - %s\n", it.Total())
		if it.Comments != "" {
			fmt.Fprintf(&b, "  - _%s_\n", escapeMarkdown(it.Comments))
		}
	}
	fmt.Fprintf(&b, "\n**Total: %s**\n", order.Total)

	if order.Cancelled {
		fmt.Fprintf(&b, "\n**CANCELADO**: %s\n", escapeMarkdown(order.CancelReason))
	}
	return b.String()
}

// renderHTML converts Markdown to an HTML fragment.
func renderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}

// RenderTicketHTML returns the ticket as a standalone printable HTML page.
func RenderTicketHTML(order *store.Order) (string, error) {
	body, err := renderHTML(RenderTicket(order))
	if err != nil {
		return "", err
	}
	title := html.EscapeString(fmt.Sprintf("Pedido #%d", order.Number))
	return "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>" + title +
		"</title></head>\n<body>\n" + body + "</body></html>\n", nil
}
