package keylock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// extendScript resets the TTL only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisOpts configures a Redis locker.
type RedisOpts struct {
	// Prefix is prepended to every lock key.
	Prefix string
	// TTL bounds how long a crashed holder can keep a key locked. A live
	// holder extends it every TTL/3 until unlock, so long ingestions keep
	// the lock.
	TTL time.Duration
	// Poll is the wait between acquisition attempts.
	Poll time.Duration
}

// DefaultRedisOpts provides sensible defaults.
var DefaultRedisOpts = RedisOpts{
	Prefix: "pdfrag:lock:",
	TTL:    2 * time.Minute,
	Poll:   100 * time.Millisecond,
}

// Redis is a Locker shared by every process using the same Redis instance.
type Redis struct {
	client redis.Cmdable
	opts   RedisOpts
	logger *slog.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a Redis locker over client.
func NewRedis(client redis.Cmdable, opts RedisOpts, logger *slog.Logger) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisOpts.Prefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultRedisOpts.TTL
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultRedisOpts.Poll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, opts: opts, logger: logger}
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.opts.Prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("keylock: setnx %s: %w", k, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go r.keepAlive(k, token, stop, done)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					if err := releaseScript.Run(context.Background(), r.client, []string{k}, token).Err(); err != nil {
						r.logger.Warn("keylock: release failed", "key", k, "err", err)
					}
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.opts.Poll):
		}
	}
}

// keepAlive extends the key's TTL until stop is closed or the key is lost.
func (r *Redis) keepAlive(k, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(r.opts.TTL / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			n, err := extendScript.Run(context.Background(), r.client, []string{k}, token, r.opts.TTL.Milliseconds()).Int()
			if err != nil {
				r.logger.Warn("keylock: extend failed", "key", k, "err", err)
				continue
			}
			if n == 0 {
				r.logger.Warn("keylock: lock lost before unlock", "key", k)
				return
			}
		}
	}
}
