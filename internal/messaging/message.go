// ABOUTME: Transport-neutral outbound message descriptions and the Sender contract
// ABOUTME: The engine emits Messages as data; a Sender renders and transmits them

package messaging

import (
	"context"
	"log/slog"
	"sync"
)

// Kind identifies the shape of an outbound message.
type Kind string

// Kind values
const (
	KindText    Kind = "text"
	KindList    Kind = "list"
	KindButtons Kind = "buttons"
)

// Row is one selectable entry of an interactive list.
type Row struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Button is one reply button.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Message is an abstract outbound message.
type Message struct {
	Kind        Kind     `json:"kind"`
	Header      string   `json:"header,omitempty"`
	Body        string   `json:"body"`
	Footer      string   `json:"footer,omitempty"`
	ButtonLabel string   `json:"button_label,omitempty"`
	Rows        []Row    `json:"rows,omitempty"`
	Buttons     []Button `json:"buttons,omitempty"`
}

// Text builds a plain text message.
func Text(body string) Message {
	return Message{Kind: KindText, Body: body}
}

// List builds an interactive list message.
func List(header, body, buttonLabel string, rows []Row) Message {
	return Message{Kind: KindList, Header: header, Body: body, ButtonLabel: buttonLabel, Rows: rows}
}

// Buttons builds a reply-buttons message.
func Buttons(body string, buttons ...Button) Message {
	return Message{Kind: KindButtons, Body: body, Buttons: buttons}
}

// Recipient addresses a customer of a store.
type Recipient struct {
	StoreID     string
	CustomerKey string
}

// Sender transmits messages to customers.
type Sender interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

// Sent is one message captured by RecordingSender.
type Sent struct {
	To      Recipient
	Message Message
}

// RecordingSender keeps every message in memory. Used by tests and dry runs.
type RecordingSender struct {
	mu   sync.Mutex
	sent []Sent

	// Err, when set, is returned by Send instead of recording.
	Err error
}

// Send implements Sender.
func (r *RecordingSender) Send(ctx context.Context, to Recipient, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, Sent{To: to, Message: msg})
	return nil
}

// Sent returns a copy of everything sent so far.
func (r *RecordingSender) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Reset forgets recorded messages.
func (r *RecordingSender) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

var _ Sender = (*RecordingSender)(nil)

// dryRunHistory bounds how many messages LogSender remembers.
const dryRunHistory = 256

// LogSender logs messages instead of transmitting them. The most recent ones
// stay available through Sent for inspection.
type LogSender struct {
	logger *slog.Logger

	mu     sync.Mutex
	recent []Sent
}

// NewLogSender creates a dry-run sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "dry-run-sender")}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, to Recipient, msg Message) error {
	s.logger.Info("outbound message",
		"store", to.StoreID,
		"to", to.CustomerKey,
		"kind", msg.Kind,
		"body", msg.Body,
		"options", optionCount(msg))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, Sent{To: to, Message: msg})
	if len(s.recent) > dryRunHistory {
		s.recent = s.recent[len(s.recent)-dryRunHistory:]
	}
	return nil
}

// Sent returns the remembered messages, oldest first.
func (s *LogSender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.recent...)
}

func optionCount(msg Message) int {
	return len(msg.Rows) + len(msg.Buttons)
}

var _ Sender = (*LogSender)(nil)
