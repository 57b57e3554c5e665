package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lease taken over by another server is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a Redis locker.
type RedisOptions struct {
	// Prefix is prepended to every key.
	Prefix string
	// Timeout is the bounded wait for acquisition.
	Timeout time.Duration
	// Lease is how long a held key survives a crashed holder.
	Lease time.Duration
	// RetryInterval is the polling period while the key is taken.
	RetryInterval time.Duration
}

// Redis is a Locker shared by every server instance using the same Redis.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	log    *zap.Logger
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client *redis.Client, opts RedisOptions, log *zap.Logger) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "leadqueue:unit-lock:"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 25 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, opts: opts, log: log}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Lock enters the section for key, polling until the timeout or the
// context deadline, whichever comes first.
func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	k := r.opts.Prefix + key
	token := uuid.New().String()
	deadline := time.Now().Add(r.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.opts.Lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: redis lock %s: %v", ErrUnavailable, key, err)
		}
		if ok {
			break
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, key, r.opts.Timeout)
		}
		if wait > r.opts.RetryInterval {
			wait = r.opts.RetryInterval
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{k}, token).Err(); err != nil {
				r.log.Warn("failed to release unit lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
