// ABOUTME: Tests for the staff event broadcaster
// ABOUTME: Covers per-store fan-out, slow consumers, cancellation and concurrency

package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staffEvent(id, storeID string) StaffEvent {
	return StaffEvent{ID: id, Type: EventStageChanged, StoreID: storeID, OrderID: "order-" + id, At: time.Now()}
}

func TestBroadcaster_SubscribersOfStoreReceiveEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "store-1")
	ch2, _ := b.Subscribe(ctx, "store-1")

	require.NoError(t, b.Publish(ctx, staffEvent("evt-1", "store-1")))

	for i, ch := range []<-chan StaffEvent{ch1, ch2} {
		select {
		case received := <-ch:
			assert.Equal(t, "evt-1", received.ID, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_StoresAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "store-1")
	ch2, _ := b.Subscribe(ctx, "store-2")

	require.NoError(t, b.Publish(ctx, staffEvent("evt-2", "store-1")))

	select {
	case received := <-ch1:
		assert.Equal(t, "evt-2", received.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for store-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for store-2 must not receive store-1 events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	_, _ = b.Subscribe(ctx, "store-1")
	ch2, _ := b.Subscribe(ctx, "store-1")

	for i := range 100 {
		require.NoError(t, b.Publish(ctx, staffEvent(fmt.Sprintf("evt-%d", i), "store-1")))
	}

	received := 0
	for {
		select {
		case <-ch2:
			received++
		case <-time.After(200 * time.Millisecond):
			assert.Equal(t, subscriberBufferSize, received, "buffer fills, the rest is dropped")
			return
		}
	}
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "store-1")
	assert.Equal(t, 1, b.SubscriberCount("store-1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount("store-1"))
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "store-1")
	b.Unsubscribe("store-1", subID)
	b.Unsubscribe("store-1", subID)

	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, b.Publish(t.Context(), staffEvent("evt-after", "store-1")))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "store-1")
	ch2, _ := b.Subscribe(t.Context(), "store-2")
	b.Close()

	for i, ch := range []<-chan StaffEvent{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, "store-busy")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				_ = b.Publish(ctx, staffEvent("concurrent", "store-busy"))
			}
		})
	}
	wg.Wait()
}
