// Package report records every moderation decision that led to an
// enforcement action, together with the chat's recent messages so an
// operator can review what happened.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/chat"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
)

// Report is one moderation log entry.
type Report struct {
	ID              string
	TenantID        string
	ChatID          string
	SenderID        string
	SenderName      string
	MessageID       string
	MessageText     string
	Term            string
	Category        string
	Severity        policy.Severity
	RequestedAction policy.Action
	AppliedAction   policy.Action
	Success         bool
	ViolationCount  int64
	Context         []chat.BufferedMessage
	CreatedAt       time.Time
}

// Writer persists reports.
type Writer interface {
	Create(ctx context.Context, r *Report) error
}

func prepare(r *Report) error {
	if !r.RequestedAction.Valid() {
		return fmt.Errorf("report: invalid requested action %q", r.RequestedAction)
	}
	if !r.AppliedAction.Valid() {
		return fmt.Errorf("report: invalid applied action %q", r.AppliedAction)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Store manages reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report. The chat context is stored as JSONB.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if err := prepare(r); err != nil {
		return err
	}

	var contextJSON []byte
	if len(r.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(r.Context)
		if err != nil {
			return fmt.Errorf("report: marshal context: %w", err)
		}
	}

	const query = `
		INSERT INTO moderation_reports (
			id, tenant_id, chat_id, sender_id, sender_name, message_id, message_text,
			term, category, severity, requested_action, applied_action, success,
			violation_count, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.ChatID, r.SenderID, r.SenderName, r.MessageID, r.MessageText,
		r.Term, r.Category, string(r.Severity), string(r.RequestedAction), string(r.AppliedAction), r.Success,
		r.ViolationCount, contextJSON, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns how many reports name the sender in the tenant within
// the window.
func (s *Store) CountRecent(ctx context.Context, tenantID, senderID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_reports
		WHERE tenant_id = $1 AND sender_id = $2
		  AND created_at >= NOW() - make_interval(secs => $3)`

	var count int
	err := s.db.QueryRowContext(ctx, query, tenantID, senderID, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// ListByChat returns the newest reports of a chat, at most limit.
func (s *Store) ListByChat(ctx context.Context, tenantID, chatID string, limit int) ([]Report, error) {
	const query = `
		SELECT id, sender_id, sender_name, message_id, message_text, term, category,
		       severity, requested_action, applied_action, success, violation_count,
		       context, created_at
		FROM moderation_reports
		WHERE tenant_id = $1 AND chat_id = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, tenantID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		r := Report{TenantID: tenantID, ChatID: chatID}
		var severity, requested, applied string
		var contextJSON []byte
		if err := rows.Scan(&r.ID, &r.SenderID, &r.SenderName, &r.MessageID, &r.MessageText,
			&r.Term, &r.Category, &severity, &requested, &applied, &r.Success,
			&r.ViolationCount, &contextJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		r.Severity = policy.Severity(severity)
		r.RequestedAction = policy.Action(requested)
		r.AppliedAction = policy.Action(applied)
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &r.Context); err != nil {
				return nil, fmt.Errorf("report: decode context: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Memory keeps reports in process. It backs tests and deployments without
// a database.
type Memory struct {
	mu      sync.Mutex
	reports []Report
}

// NewMemory creates an empty in-memory report log.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Create(_ context.Context, r *Report) error {
	if err := prepare(r); err != nil {
		return err
	}
	m.mu.Lock()
	m.reports = append(m.reports, *r)
	m.mu.Unlock()
	return nil
}

// All returns every stored report in insertion order.
func (m *Memory) All() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Report(nil), m.reports...)
}
