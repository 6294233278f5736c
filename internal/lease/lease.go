// Package lease provides a Redis-backed leader lease so only one instance
// runs a periodic sweep at a time.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`
)

type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Lease is held by whoever wrote its token into the key. Holders must keep
// renewing before the TTL lapses.
type Lease struct {
	client client
	key    string
	token  string
	ttl    time.Duration
}

func New(c *redis.Client, key string, ttl time.Duration) *Lease {
	return newLease(c, key, ttl)
}

func newLease(c client, key string, ttl time.Duration) *Lease {
	return &Lease{client: c, key: key, token: uuid.NewString(), ttl: ttl}
}

// Acquire takes the lease or extends it if this holder already owns it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx)
}

// Renew extends the TTL only when this holder owns the key.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	n, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release deletes the key when this holder owns it.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
