package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

var errLockHeld = errors.New("lock held by another owner")

// unlockScript deletes the key only if it still holds our token, so a lock
// that expired and was re-acquired elsewhere is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every provisioner instance using the same
// Redis. Locks expire after ttl so a crashed holder cannot wedge a stack.
type Redis struct {
	client   redis.UniversalClient
	ttl      time.Duration
	interval time.Duration
	prefix   string
	logger   *slog.Logger
}

// Ensure Redis implements Locker.
var _ Locker = (*Redis)(nil)

// NewRedis creates a Redis-backed Locker.
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:   client,
		ttl:      ttl,
		interval: 100 * time.Millisecond,
		prefix:   "stack-provisioner:lock:",
		logger:   logger,
	}
}

// Connect parses a redis:// URL and verifies the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Lock acquires the lock for key, polling until it is free or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	err := retry.Do(ctx, retry.NewConstant(r.interval), func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if !ok {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
				r.logger.Warn("releasing stack lock failed", "key", key, "error", err)
			}
		})
	}, nil
}
