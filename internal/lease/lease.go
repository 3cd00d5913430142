// Package lease enforces a single engine per store with a Redis key that
// expires unless its owner keeps renewing it.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrHeld is returned when another owner holds the lease.
	ErrHeld = errors.New("lease held by another owner")
	// ErrLost is returned when the lease expired or was taken over.
	ErrLost = errors.New("lease lost")
)

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Client is the subset of the Redis API the lease uses.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Lease is one owner's claim on a key.
type Lease struct {
	client Client
	key    string
	owner  string
	ttl    time.Duration
	logger *zap.Logger
}

func New(client Client, key, owner string, ttl time.Duration, logger *zap.Logger) (*Lease, error) {
	if key == "" || owner == "" {
		return nil, fmt.Errorf("lease key and owner are required")
	}
	if ttl < 3*time.Millisecond {
		return nil, fmt.Errorf("lease ttl %s too short", ttl)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lease{client: client, key: key, owner: owner, ttl: ttl, logger: logger}, nil
}

// TryAcquire claims the key once.
func (l *Lease) TryAcquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return ErrHeld
	}
	l.logger.Info("lease acquired", zap.String("key", l.key), zap.String("owner", l.owner))
	return nil
}

// Acquire waits until the key is claimed or ctx ends.
func (l *Lease) Acquire(ctx context.Context, retry time.Duration) error {
	for {
		err := l.TryAcquire(ctx)
		if !errors.Is(err, ErrHeld) {
			return err
		}
		l.logger.Info("lease busy, waiting", zap.String("key", l.key), zap.Duration("retry", retry))

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Renew extends the expiry. It returns ErrLost when the key is no longer ours.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release deletes the key if we still own it.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	l.logger.Info("lease released", zap.String("key", l.key))
	return nil
}

// Keep renews the lease every third of its ttl until ctx ends, then releases
// it. It returns ErrLost when renewal fails for a full ttl.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := l.Release(releaseCtx); err != nil {
				l.logger.Warn("lease release failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
		}

		err := l.Renew(ctx)
		switch {
		case err == nil:
			lastRenewed = time.Now()
		case errors.Is(err, ErrLost):
			l.logger.Error("lease taken over", zap.String("key", l.key))
			return ErrLost
		case ctx.Err() != nil:
			continue
		default:
			l.logger.Warn("lease renewal failed", zap.Error(err))
			if time.Since(lastRenewed) >= l.ttl {
				return fmt.Errorf("%w: %v", ErrLost, err)
			}
		}
	}
}
