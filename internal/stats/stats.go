// Package stats keeps aggregate moderation counters per tenant and per chat
// in Redis hashes:
//
//	stats:<tenant>         tenant totals
//	stats:<tenant>:<chat>  per-chat totals
package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// StatsPrefix is the Redis key prefix for counters.
const StatsPrefix = "stats:"

// Counter names a tracked counter.
type Counter string

const (
	MessagesProcessed  Counter = "messages_processed"
	ViolationsDetected Counter = "violations_detected"
	KicksIssued        Counter = "kicks_issued"
	MessagesDeleted    Counter = "messages_deleted"
)

// Counters is a snapshot of all counters of one scope.
type Counters struct {
	MessagesProcessed  int64 `redis:"messages_processed" json:"messages_processed"`
	ViolationsDetected int64 `redis:"violations_detected" json:"violations_detected"`
	KicksIssued        int64 `redis:"kicks_issued" json:"kicks_issued"`
	MessagesDeleted    int64 `redis:"messages_deleted" json:"messages_deleted"`
}

// Store increments and reads counters.
type Store struct {
	client *redis.Client
}

// NewStore creates a counter store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func tenantKey(tenantID string) string {
	return StatsPrefix + tenantID
}

func chatKey(tenantID, chatID string) string {
	return StatsPrefix + tenantID + ":" + chatID
}

// Incr adds delta to counter for both the tenant and the chat.
func (s *Store) Incr(ctx context.Context, tenantID, chatID string, counter Counter, delta int64) error {
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, tenantKey(tenantID), string(counter), delta)
	if chatID != "" {
		pipe.HIncrBy(ctx, chatKey(tenantID, chatID), string(counter), delta)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stats: incr %s: %w", counter, err)
	}
	return nil
}

// Tenant returns the tenant totals.
func (s *Store) Tenant(ctx context.Context, tenantID string) (Counters, error) {
	return s.read(ctx, tenantKey(tenantID))
}

// Chat returns the totals of one chat.
func (s *Store) Chat(ctx context.Context, tenantID, chatID string) (Counters, error) {
	return s.read(ctx, chatKey(tenantID, chatID))
}

// Get returns a single counter of a chat, or of the tenant when chatID is
// empty.
func (s *Store) Get(ctx context.Context, tenantID, chatID string, counter Counter) (int64, error) {
	k := tenantKey(tenantID)
	if chatID != "" {
		k = chatKey(tenantID, chatID)
	}
	v, err := s.client.HGet(ctx, k, string(counter)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stats: get: %w", err)
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Store) read(ctx context.Context, key string) (Counters, error) {
	var c Counters
	if err := s.client.HGetAll(ctx, key).Scan(&c); err != nil {
		return Counters{}, fmt.Errorf("stats: read: %w", err)
	}
	return c, nil
}
