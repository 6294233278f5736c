package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dmserver/internal/constants"
	"dmserver/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const presencePrefix = "dm:presence:"

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg models.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisPresence keeps one set of connection ids per user. The set expires
// unless refreshed, so a crashed instance cannot pin a user online forever.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresence(client *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = time.Duration(constants.DefaultPresenceTTLSec) * time.Second
	}
	return &RedisPresence{client: client, ttl: ttl}
}

func presenceKey(userID string) string {
	return presencePrefix + userID
}

func (p *RedisPresence) Connect(ctx context.Context, userID, connID string) error {
	key := presenceKey(userID)
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, connID)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add presence: %w", err)
	}
	return nil
}

func (p *RedisPresence) Disconnect(ctx context.Context, userID, connID string) error {
	if err := p.client.SRem(ctx, presenceKey(userID), connID).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// Refresh extends the TTL for users with live local sessions.
func (p *RedisPresence) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, id := range userIDs {
		pipe.Expire(ctx, presenceKey(id), p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

func (p *RedisPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := p.client.SCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence: %w", err)
	}
	return n > 0, nil
}

// RedisBus relays envelopes between instances over a pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger
}

func NewRedisBus(client *redis.Client, channel string, logger *logrus.Logger) *RedisBus {
	if channel == "" {
		channel = constants.DefaultEventsChannel
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Run delivers relayed envelopes to the hub until ctx is cancelled. Envelopes
// that originated on this hub are skipped.
func (b *RedisBus) Run(ctx context.Context, hub *Hub) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, relay := decodeRelayed(msg.Payload, hub.InstanceID())
			if !relay {
				continue
			}
			hub.DeliverLocal(env)
		}
	}
}

func decodeRelayed(payload, self string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, false
	}
	if env.Origin == self || env.UserID == "" {
		return Envelope{}, false
	}
	return env, true
}

// RefreshLoop keeps presence alive for this hub's users until ctx ends.
func RefreshLoop(ctx context.Context, hub *Hub, presence *RedisPresence, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := presence.Refresh(ctx, hub.OnlineUsers()); err != nil {
				logger.WithError(err).Warn("Presence refresh failed")
			}
		}
	}
}
