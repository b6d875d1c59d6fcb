// Package ban keeps the durable per-chat ban list. A banned sender has been
// removed from the chat and must not be re-added; enforcement of re-adds is
// done by the management layer reading this list.
//
//	Key:   ban:<tenant>:<chat>
//	Field: <sender id>
//	Value: JSON {"reason": ..., "category": ..., "banned_at": unix}
package ban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// BanPrefix is the Redis key prefix for ban lists.
const BanPrefix = "ban:"

// Record is one banned sender.
type Record struct {
	SenderID string    `json:"-"`
	Reason   string    `json:"reason"`
	Category string    `json:"category,omitempty"`
	BannedAt time.Time `json:"-"`
	Unix     int64     `json:"banned_at"`
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(tenantID, chatID string) string {
	return BanPrefix + tenantID + ":" + chatID
}

// Ban records senderID as banned from the chat. The first ban is kept: a
// repeated ban returns created=false and leaves the original record alone.
func (s *Store) Ban(ctx context.Context, tenantID, chatID, senderID, reason, category string) (bool, error) {
	now := time.Now()
	raw, err := json.Marshal(Record{Reason: reason, Category: category, Unix: now.Unix()})
	if err != nil {
		return false, fmt.Errorf("ban: encode: %w", err)
	}
	created, err := s.client.HSetNX(ctx, key(tenantID, chatID), senderID, raw).Result()
	if err != nil {
		return false, fmt.Errorf("ban: set: %w", err)
	}
	return created, nil
}

// IsBanned returns the sender's ban record if one exists. Redis errors are
// returned so callers can decide how to handle them.
func (s *Store) IsBanned(ctx context.Context, tenantID, chatID, senderID string) (*Record, error) {
	raw, err := s.client.HGet(ctx, key(tenantID, chatID), senderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban: get: %w", err)
	}
	return decode(senderID, raw)
}

// Unban removes a sender from the chat's ban list.
func (s *Store) Unban(ctx context.Context, tenantID, chatID, senderID string) error {
	if err := s.client.HDel(ctx, key(tenantID, chatID), senderID).Err(); err != nil {
		return fmt.Errorf("ban: unban: %w", err)
	}
	return nil
}

// List returns every ban of the chat, oldest first.
func (s *Store) List(ctx context.Context, tenantID, chatID string) ([]Record, error) {
	all, err := s.client.HGetAll(ctx, key(tenantID, chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ban: list: %w", err)
	}

	records := make([]Record, 0, len(all))
	for sender, raw := range all {
		r, err := decode(sender, []byte(raw))
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].BannedAt.Equal(records[j].BannedAt) {
			return records[i].BannedAt.Before(records[j].BannedAt)
		}
		return records[i].SenderID < records[j].SenderID
	})
	return records, nil
}

func decode(senderID string, raw []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("ban: decode %s: %w", senderID, err)
	}
	r.SenderID = senderID
	r.BannedAt = time.Unix(r.Unix, 0)
	return &r, nil
}
