// ABOUTME: Tests for the conversation lock gates
// ABOUTME: Mutual exclusion, key independence and release on error, panic and timeout

package gate

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGates returns the gates to exercise. Redis is included when REDIS_ADDR is set.
func testGates(t *testing.T) map[string]Gate {
	gates := map[string]Gate{"memory": NewMemoryGate()}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rg := NewRedisGate(RedisOptions{Addr: addr, RetryInterval: 5 * time.Millisecond, Prefix: "order-gateway-test:" + t.Name() + ":"}, nil)
		t.Cleanup(func() { rg.Close() })
		gates["redis"] = rg
	}
	return gates
}

func TestGate_MutualExclusionSameKey(t *testing.T) {
	for name, g := range testGates(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			counter := 0

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := g.WithLock(context.Background(), Key("5511", "store-1"), func(ctx context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						// Read-modify-write with a suspension point in between.
						v := counter
						time.Sleep(time.Millisecond)
						counter = v + 1
						atomic.AddInt32(&inside, -1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), maxInside)
			assert.Equal(t, 20, counter)
		})
	}
}

func TestGate_DifferentKeysDoNotBlock(t *testing.T) {
	for name, g := range testGates(t) {
		t.Run(name, func(t *testing.T) {
			holding := make(chan struct{})
			release := make(chan struct{})
			done := make(chan struct{})

			go func() {
				defer close(done)
				_ = g.WithLock(context.Background(), Key("a", "store-1"), func(ctx context.Context) error {
					close(holding)
					<-release
					return nil
				})
			}()
			<-holding

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			ran := false
			err := g.WithLock(ctx, Key("b", "store-1"), func(ctx context.Context) error {
				ran = true
				return nil
			})
			require.NoError(t, err)
			assert.True(t, ran)

			close(release)
			<-done
		})
	}
}

func TestGate_ReleasesOnErrorAndPropagates(t *testing.T) {
	for name, g := range testGates(t) {
		t.Run(name, func(t *testing.T) {
			boom := errors.New("store unavailable")
			err := g.WithLock(context.Background(), "k", func(ctx context.Context) error { return boom })
			assert.ErrorIs(t, err, boom)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.NoError(t, g.WithLock(ctx, "k", func(ctx context.Context) error { return nil }))
		})
	}
}

func TestGate_ReleasesOnPanic(t *testing.T) {
	for name, g := range testGates(t) {
		t.Run(name, func(t *testing.T) {
			func() {
				defer func() { assert.NotNil(t, recover()) }()
				_ = g.WithLock(context.Background(), "p", func(ctx context.Context) error { panic("handler bug") })
			}()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.NoError(t, g.WithLock(ctx, "p", func(ctx context.Context) error { return nil }))
		})
	}
}

func TestGate_TimesOutWhileHeld(t *testing.T) {
	for name, g := range testGates(t) {
		t.Run(name, func(t *testing.T) {
			holding := make(chan struct{})
			release := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = g.WithLock(context.Background(), "busy", func(ctx context.Context) error {
					close(holding)
					<-release
					return nil
				})
			}()
			<-holding

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			called := false
			err := g.WithLock(ctx, "busy", func(ctx context.Context) error {
				called = true
				return nil
			})
			assert.ErrorIs(t, err, ErrLockTimeout)
			assert.False(t, called)

			close(release)
			<-done
		})
	}
}

func TestMemoryGate_ForgetsIdleKeys(t *testing.T) {
	g := NewMemoryGate()
	for i := 0; i < 5; i++ {
		require.NoError(t, g.WithLock(context.Background(), Key("c", "s"), func(ctx context.Context) error { return nil }))
	}
	assert.Equal(t, 0, g.Len())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "store-1:5511999990000", Key("5511999990000", "store-1"))
	assert.NotEqual(t, Key("a", "s1"), Key("a", "s2"))
}
