package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

// DefaultStateTTL expires the state of locations that stopped reporting.
const DefaultStateTTL = 30 * 24 * time.Hour

// AlertState is the last alert condition published for a location.
type AlertState struct {
	Condition   database.Condition `json:"condition"`
	Date        time.Time          `json:"date"`
	PublishedAt time.Time          `json:"published_at"`
}

// StateStore keeps one AlertState per location. Get returns nil when none is stored.
type StateStore interface {
	Get(ctx context.Context, locationID int64) (*AlertState, error)
	Set(ctx context.Context, locationID int64, state *AlertState) error
}

// RedisStateStore stores alert states as JSON under alert_condition:<location id>.
type RedisStateStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStateStore{redis: client, ttl: ttl}
}

func stateKey(locationID int64) string {
	return fmt.Sprintf("alert_condition:%d", locationID)
}

func (s *RedisStateStore) Get(ctx context.Context, locationID int64) (*AlertState, error) {
	data, err := s.redis.Get(ctx, stateKey(locationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert state from Redis: %w", err)
	}

	var state AlertState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert state: %w", err)
	}
	return &state, nil
}

func (s *RedisStateStore) Set(ctx context.Context, locationID int64, state *AlertState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal alert state: %w", err)
	}
	if err := s.redis.Set(ctx, stateKey(locationID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set alert state in Redis: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
