// ABOUTME: In-memory fan-out of staff events to live dashboard subscribers
// ABOUTME: Subscribers register per store and receive every event published for it

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster is a StaffChannel feeding live subscribers, such as the staff
// event stream of the HTTP API. Slow subscribers lose events instead of
// blocking the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan StaffEvent // storeID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan StaffEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Name implements StaffChannel.
func (b *Broadcaster) Name() string { return "stream" }

// Subscribe registers for the events of storeID. The subscription ends and
// the channel closes when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, storeID string) (<-chan StaffEvent, string) {
	subID := uuid.New().String()
	ch := make(chan StaffEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[storeID]; !ok {
		b.subscribers[storeID] = make(map[string]chan StaffEvent)
	}
	b.subscribers[storeID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "store", storeID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(storeID, subID)
	}()

	return ch, subID
}

// Publish implements StaffChannel. It never blocks and never fails.
func (b *Broadcaster) Publish(ctx context.Context, ev StaffEvent) error {
	b.mu.RLock()
	subs := b.subscribers[ev.StoreID]
	targets := make([]chan StaffEvent, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "store", ev.StoreID, "event_id", ev.ID)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(storeID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[storeID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, storeID)
	}

	b.logger.Debug("subscriber removed", "store", storeID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions for storeID.
func (b *Broadcaster) SubscriberCount(storeID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[storeID])
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for storeID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, storeID)
	}
	b.logger.Debug("broadcaster closed")
}
