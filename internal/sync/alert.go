package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/truthforge/forge/internal/logger"
)

// Alerter carries high-priority notifications out of the sync core. A nil
// Alerter is valid everywhere one is accepted; alerting is best-effort.
type Alerter interface {
	Alert(ctx context.Context, subject string, payload any) error
	Close() error
}

// Alert is the wire shape published on the alert channel.
type Alert struct {
	Subject   string    `json:"subject"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type redisAlerter struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

// NewRedisAlerter connects to REDIS_ADDR and publishes alerts on
// REDIS_ALERT_CHANNEL (default "sync_alerts").
func NewRedisAlerter(log *logger.Logger) (Alerter, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_ALERT_CHANNEL"))
	if ch == "" {
		ch = "sync_alerts"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisAlerter{
		log:     log.With("service", "RedisAlerter"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (a *redisAlerter) Alert(ctx context.Context, subject string, payload any) error {
	raw, err := json.Marshal(Alert{Subject: subject, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return a.rdb.Publish(ctx, a.channel, raw).Err()
}

func (a *redisAlerter) Close() error {
	return a.rdb.Close()
}
