package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session status hashes.
	SessionPrefix = "wa:session:"

	// IndexKey is the set of tenants that have a status hash.
	IndexKey = "wa:sessions"
)

// Record is a tenant's persisted session status. Keys have no TTL: the
// record outlives the process so sessions can be restored.
type Record struct {
	TenantID    string `redis:"tenant_id"`
	State       string `redis:"state"`
	Owner       string `redis:"owner"`        // own account id once paired
	PushName    string `redis:"push_name"`    // device display name
	Platform    string `redis:"platform"`     // device platform
	NeedsReauth bool   `redis:"needs_reauth"` // set on auth rejection
	LastSeenAt  int64  `redis:"last_seen_at"` // unix timestamp
	UpdatedAt   int64  `redis:"updated_at"`   // unix timestamp
}

// Store manages session status in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a status store on client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(tenantID string) string {
	return SessionPrefix + tenantID
}

// SetState records a state transition. Entering any state other than
// STOPPED clears the re-authentication flag.
func (s *Store) SetState(ctx context.Context, tenantID string, state State, needsReauth bool) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key(tenantID),
		"tenant_id", tenantID,
		"state", string(state),
		"needs_reauth", needsReauth,
		"updated_at", time.Now().Unix(),
	)
	pipe.SAdd(ctx, IndexKey, tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: set state: %w", err)
	}
	return nil
}

// SetDevice stores the identity reported by a completed handshake.
func (s *Store) SetDevice(ctx context.Context, tenantID, owner, pushName, platform string) error {
	err := s.client.HSet(ctx, key(tenantID),
		"owner", owner,
		"push_name", pushName,
		"platform", platform,
		"last_seen_at", time.Now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("session: set device: %w", err)
	}
	return nil
}

// Touch updates last_seen_at.
func (s *Store) Touch(ctx context.Context, tenantID string, at time.Time) error {
	if err := s.client.HSet(ctx, key(tenantID), "last_seen_at", at.Unix()).Err(); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// Get retrieves a tenant's status. Returns nil if not found.
func (s *Store) Get(ctx context.Context, tenantID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, key(tenantID)).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if rec.TenantID == "" {
		return nil, nil
	}
	return &rec, nil
}

// List returns every persisted status ordered by tenant id. Index entries
// whose hash has disappeared are skipped.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	tenants, err := s.client.SMembers(ctx, IndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list index: %w", err)
	}
	sort.Strings(tenants)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(tenants))
	for i, t := range tenants {
		cmds[i] = pipe.HGetAll(ctx, key(t))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}

	out := make([]Record, 0, len(tenants))
	for _, cmd := range cmds {
		var rec Record
		if err := cmd.Scan(&rec); err != nil {
			return nil, fmt.Errorf("session: list scan: %w", err)
		}
		if rec.TenantID != "" {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete removes a tenant's status.
func (s *Store) Delete(ctx context.Context, tenantID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key(tenantID))
	pipe.SRem(ctx, IndexKey, tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}
