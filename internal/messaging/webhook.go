// ABOUTME: Parses WhatsApp Cloud API webhook deliveries into inbound events
// ABOUTME: Also verifies the X-Hub-Signature-256 header against the app secret

package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadSignature is returned when a webhook body does not match its signature.
var ErrBadSignature = errors.New("invalid webhook signature")

// InboundKind classifies a customer message.
type InboundKind string

// InboundKind values
const (
	InboundText   InboundKind = "text"
	InboundButton InboundKind = "button"
	InboundList   InboundKind = "list"
	InboundOther  InboundKind = "other"
)

// Inbound is one customer message extracted from a webhook delivery.
type Inbound struct {
	PhoneNumberID string
	From          string
	ProfileName   string
	MessageID     string
	Timestamp     time.Time
	Kind          InboundKind
	Text          string
	ReplyID       string
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Button struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Interactive struct {
		Type        string `json:"type"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

// ParseWebhook extracts customer messages from a webhook body. Status
// updates and other change fields produce no events.
func ParseWebhook(body []byte) ([]Inbound, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding webhook: %w", err)
	}

	var out []Inbound
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				in := Inbound{
					PhoneNumberID: v.Metadata.PhoneNumberID,
					From:          m.From,
					ProfileName:   names[m.From],
					MessageID:     m.ID,
					Timestamp:     parseUnix(m.Timestamp),
				}
				switch m.Type {
				case "text":
					in.Kind = InboundText
					in.Text = m.Text.Body
				case "button":
					in.Kind = InboundButton
					in.ReplyID = m.Button.Payload
					in.Text = m.Button.Text
				case "interactive":
					switch m.Interactive.Type {
					case "button_reply":
						in.Kind = InboundButton
						in.ReplyID = m.Interactive.ButtonReply.ID
						in.Text = m.Interactive.ButtonReply.Title
					case "list_reply":
						in.Kind = InboundList
						in.ReplyID = m.Interactive.ListReply.ID
						in.Text = m.Interactive.ListReply.Title
					default:
						in.Kind = InboundOther
					}
				default:
					in.Kind = InboundOther
				}
				out = append(out, in)
			}
		}
	}
	return out, nil
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>").
func VerifySignature(appSecret string, body []byte, header string) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the X-Hub-Signature-256 header value for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
