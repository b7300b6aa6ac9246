// Package idempotency remembers which report a client-supplied
// Idempotency-Key produced, so a resubmitted request is answered from the
// first result instead of being ingested twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInProgress = errors.New("a request with this idempotency key is still in progress")

const (
	statePending   = "pending"
	stateCompleted = "completed"
)

// pendingTTL bounds how long a crashed request can block its key.
const pendingTTL = time.Minute

// entry holds the data stored for each key
type entry struct {
	State     string    `json:"state"`
	ReportID  string    `json:"report_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps idempotency keys in Redis, scoped per user.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed idempotency store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "idem:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(userID, key string) string {
	return s.prefix + userID + ":" + key
}

// Begin claims a key. When the key already completed it returns the report
// it produced with replay=true. A key claimed by a request that has not
// finished yet yields ErrInProgress.
func (s *RedisStore) Begin(ctx context.Context, userID, key string) (reportID string, replay bool, err error) {
	pending, err := json.Marshal(entry{State: statePending, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", false, fmt.Errorf("marshal idempotency entry: %w", err)
	}

	redisKey := s.key(userID, key)
	claimed, err := s.client.SetNX(ctx, redisKey, pending, pendingTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return "", false, nil
	}

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; treat as still racing.
		return "", false, ErrInProgress
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency key: %w", err)
	}

	var existing entry
	if err := json.Unmarshal(raw, &existing); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry: %w", err)
	}
	if existing.State != stateCompleted {
		return "", false, ErrInProgress
	}
	return existing.ReportID, true, nil
}

// Complete records the report a claimed key produced.
func (s *RedisStore) Complete(ctx context.Context, userID, key, reportID string) error {
	payload, err := json.Marshal(entry{State: stateCompleted, ReportID: reportID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID, key), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release frees a claimed key after a failed request so it can be retried.
func (s *RedisStore) Release(ctx context.Context, userID, key string) error {
	if err := s.client.Del(ctx, s.key(userID, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
