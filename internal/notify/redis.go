package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Redis connection shared by notifications and
// the lease.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Info("connected to redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return rdb, nil
}

// Publisher is the subset of the Redis API used for notifications.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes changes on per-tier pub/sub channels.
type RedisNotifier struct {
	client Publisher
	logger *zap.Logger
}

func NewRedisNotifier(client Publisher, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, logger: logger}
}

// Notify publishes change. Errors are logged, not returned.
func (n *RedisNotifier) Notify(ctx context.Context, change Change) {
	payload, err := json.Marshal(change)
	if err != nil {
		n.logger.Warn("marshal change failed", zap.Error(err))
		return
	}
	channel := Channel(change.Tier, change.Topic)
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		n.logger.Warn("publish change failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	n.logger.Debug("published change", zap.String("channel", channel), zap.String("tx_hash", change.TxHash))
}
