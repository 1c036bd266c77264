// ABOUTME: Matrix staff channel posting order events to each store's room
// ABOUTME: Bodies carry the Markdown text plus an HTML rendering from goldmark

package notify

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig selects the homeserver account and the room of each store.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms maps store id to room id. Stores without an entry use DefaultRoom.
	Rooms       map[string]string
	DefaultRoom string
}

// matrixClient is the part of *mautrix.Client the channel uses.
type matrixClient interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// MatrixChannel posts staff events to Matrix rooms.
type MatrixChannel struct {
	client      matrixClient
	rooms       map[string]string
	defaultRoom string
	logger      *slog.Logger
}

// NewMatrixChannel connects to the homeserver with an access token.
func NewMatrixChannel(cfg MatrixConfig, logger *slog.Logger) (*MatrixChannel, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return newMatrixChannel(client, cfg, logger), nil
}

func newMatrixChannel(client matrixClient, cfg MatrixConfig, logger *slog.Logger) *MatrixChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixChannel{
		client:      client,
		rooms:       cfg.Rooms,
		defaultRoom: cfg.DefaultRoom,
		logger:      logger.With("component", "matrix"),
	}
}

// Name implements StaffChannel.
func (c *MatrixChannel) Name() string { return "matrix" }

// Publish implements StaffChannel. Events of stores with no room are skipped.
func (c *MatrixChannel) Publish(ctx context.Context, ev StaffEvent) error {
	room := c.rooms[ev.StoreID]
	if room == "" {
		room = c.defaultRoom
	}
	if room == "" {
		c.logger.Debug("no room for store, event skipped", "store", ev.StoreID, "type", ev.Type)
		return nil
	}

	formatted, err := renderHTML(ev.Text)
	if err != nil {
		return err
	}
	msgType := event.MsgNotice
	if ev.Type == EventAlert || ev.Type == EventOrderPlaced {
		// plain text messages trigger notifications in most clients
		msgType = event.MsgText
	}
	content := &event.MessageEventContent{
		MsgType:       msgType,
		Body:          ev.Text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}

	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to room %s: %w", room, err)
	}
	c.logger.Debug("staff event posted", "room", room, "type", ev.Type, "order_id", ev.OrderID)
	return nil
}
