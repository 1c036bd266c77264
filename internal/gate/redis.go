// ABOUTME: Redis-backed Gate for deployments running several gateway instances
// ABOUTME: SET NX PX with a random token; release is a compare-and-delete Lua script

package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still carries our token.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a RedisGate.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// TTL bounds how long a crashed holder can block a customer.
	TTL time.Duration
	// RetryInterval is the polling period while waiting for a held lock.
	RetryInterval time.Duration
	// Prefix namespaces the lock keys.
	Prefix string
}

// RedisGate implements Gate on a shared Redis.
type RedisGate struct {
	client        redis.UniversalClient
	ttl           time.Duration
	retryInterval time.Duration
	prefix        string
	logger        *slog.Logger
}

// NewRedisGate creates a gate connected to the configured Redis.
func NewRedisGate(opts RedisOptions, logger *slog.Logger) *RedisGate {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisGateWithClient(client, opts, logger)
}

// NewRedisGateWithClient wraps an existing client.
func NewRedisGateWithClient(client redis.UniversalClient, opts RedisOptions, logger *slog.Logger) *RedisGate {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.Prefix == "" {
		opts.Prefix = "order-gateway:lock:"
	}
	return &RedisGate{
		client:        client,
		ttl:           opts.TTL,
		retryInterval: opts.RetryInterval,
		prefix:        opts.Prefix,
		logger:        logger.With("component", "gate"),
	}
}

// WithLock implements Gate.
func (g *RedisGate) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := g.prefix + key
	token := uuid.New().String()

	if err := g.acquire(ctx, lockKey, token); err != nil {
		return err
	}
	defer g.release(lockKey, token)

	return fn(ctx)
}

func (g *RedisGate) acquire(ctx context.Context, lockKey, token string) error {
	ticker := time.NewTicker(g.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := g.client.SetNX(ctx, lockKey, token, g.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w", ErrLockTimeout, lockKey, ctx.Err())
			}
			return fmt.Errorf("acquiring redis lock: %w", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockTimeout, lockKey, ctx.Err())
		case <-ticker.C:
		}
	}
}

// release runs on its own context so a cancelled request still frees the lock.
func (g *RedisGate) release(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, g.client, []string{lockKey}, token).Err(); err != nil {
		g.logger.Error("failed to release lock", "key", lockKey, "error", err)
	}
}

// Ping checks connectivity to Redis.
func (g *RedisGate) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (g *RedisGate) Close() error {
	return g.client.Close()
}

var _ Gate = (*RedisGate)(nil)
