package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres reads policy from the tables created by the database migrations.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a policy store backed by db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) ChatPolicy(ctx context.Context, tenantID, chatID string) (*ChatPolicy, error) {
	const query = `
		SELECT name, protection_enabled, auto_kick, auto_delete, allow_owner_bypass,
		       max_warnings_before_kick, mute_duration_seconds, block_links
		FROM chat_policies
		WHERE tenant_id = $1 AND chat_id = $2`

	p := &ChatPolicy{TenantID: tenantID, ChatID: chatID}
	var muteSeconds int64
	err := s.db.QueryRowContext(ctx, query, tenantID, chatID).Scan(
		&p.Name,
		&p.ProtectionEnabled,
		&p.Settings.AutoKick,
		&p.Settings.AutoDelete,
		&p.Settings.AllowOwnerBypass,
		&p.Settings.MaxWarningsBeforeKick,
		&muteSeconds,
		&p.Settings.BlockLinks,
	)
	if errors.Is(err, sql.ErrNoRows) {
		p.Settings = DefaultChatSettings()
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: chat policy: %w", err)
	}
	p.Settings.MuteDuration = time.Duration(muteSeconds) * time.Second

	const exceptionsQuery = `
		SELECT sender_id, name, reason, added_at
		FROM chat_exceptions
		WHERE tenant_id = $1 AND chat_id = $2
		ORDER BY added_at, sender_id`

	rows, err := s.db.QueryContext(ctx, exceptionsQuery, tenantID, chatID)
	if err != nil {
		return nil, fmt.Errorf("policy: chat exceptions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Exception
		if err := rows.Scan(&e.SenderID, &e.Name, &e.Reason, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("policy: scan exception: %w", err)
		}
		p.Exceptions = append(p.Exceptions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy: chat exceptions: %w", err)
	}
	return p, nil
}

func (s *Postgres) ProtectedChats(ctx context.Context, tenantID string) ([]string, error) {
	const query = `
		SELECT chat_id FROM chat_policies
		WHERE tenant_id = $1 AND protection_enabled
		ORDER BY chat_id`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("policy: protected chats: %w", err)
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("policy: scan chat: %w", err)
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// ActiveBannedTerms merges global terms (tenant_id = ”) and the tenant's
// own terms. Global terms come first; within each group rows keep the order
// they were created in.
func (s *Postgres) ActiveBannedTerms(ctx context.Context, tenantID string) ([]BannedTerm, error) {
	const query = `
		SELECT id, tenant_id, term, match_type, severity, action, category,
		       detection_count, last_detected_at
		FROM banned_terms
		WHERE active AND (tenant_id = '' OR tenant_id = $1)
		ORDER BY (tenant_id <> ''), created_at, id`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("policy: banned terms: %w", err)
	}
	defer rows.Close()

	var terms []BannedTerm
	for rows.Next() {
		t := BannedTerm{Active: true}
		var last sql.NullTime
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Term, &t.MatchType, &t.Severity,
			&t.Action, &t.Category, &t.DetectionCount, &last); err != nil {
			return nil, fmt.Errorf("policy: scan term: %w", err)
		}
		if last.Valid {
			t.LastDetectedAt = &last.Time
		}
		terms = append(terms, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy: banned terms: %w", err)
	}
	return terms, nil
}

func (s *Postgres) GlobalPolicy(ctx context.Context, tenantID string) (*GlobalPolicy, error) {
	const query = `
		SELECT g.whitelist, g.auto_kick_enabled, g.auto_reply_enabled,
		       COALESCE(o.owner_number, '')
		FROM global_policy g
		LEFT JOIN tenant_owners o ON o.tenant_id = $1
		WHERE g.id = 1`

	var g GlobalPolicy
	var whitelist pq.StringArray
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&whitelist, &g.AutoKickEnabled, &g.AutoReplyEnabled, &g.OwnerNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return &GlobalPolicy{AutoKickEnabled: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: global policy: %w", err)
	}
	g.Whitelist = whitelist
	return &g, nil
}

// UpsertOwnerNumber records the tenant's own number. Re-running it with the
// same value is a no-op apart from updated_at.
func (s *Postgres) UpsertOwnerNumber(ctx context.Context, tenantID, number string) error {
	const query = `
		INSERT INTO tenant_owners (tenant_id, owner_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tenant_id)
		DO UPDATE SET owner_number = EXCLUDED.owner_number, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, tenantID, number); err != nil {
		return fmt.Errorf("policy: upsert owner: %w", err)
	}
	return nil
}

func (s *Postgres) RecordDetection(ctx context.Context, termID int64) error {
	const query = `
		UPDATE banned_terms
		SET detection_count = detection_count + 1, last_detected_at = NOW()
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, termID); err != nil {
		return fmt.Errorf("policy: record detection: %w", err)
	}
	return nil
}
