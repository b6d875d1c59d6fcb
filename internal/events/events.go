// Package events publishes the guard's externally observable events:
// per-tenant lifecycle transitions for the notification layer and
// moderation outcomes for statistics consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/messaging"
)

// LifecycleType names a session lifecycle event.
type LifecycleType string

const (
	AwaitingScan LifecycleType = "AWAITING_SCAN"
	Ready        LifecycleType = "READY"
	Disconnected LifecycleType = "DISCONNECTED"
	Stopped      LifecycleType = "STOPPED"
	Error        LifecycleType = "ERROR"
)

// Lifecycle is a session state change. Code and Image are set for
// AWAITING_SCAN; Image is a PNG data URL when rendering is enabled.
type Lifecycle struct {
	ID          string        `json:"id"`
	Type        LifecycleType `json:"type"`
	TenantID    string        `json:"tenant_id"`
	Code        string        `json:"code,omitempty"`
	Image       string        `json:"image,omitempty"`
	Owner       string        `json:"owner,omitempty"`
	NeedsReauth bool          `json:"needs_reauth,omitempty"`
	Message     string        `json:"message,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ModerationType names a moderation event.
type ModerationType string

const (
	ViolationDetected ModerationType = "violation_detected"
	ActionResult      ModerationType = "action_result"
)

// Moderation is a moderation outcome.
type Moderation struct {
	ID        string         `json:"id"`
	Type      ModerationType `json:"type"`
	TenantID  string         `json:"tenant_id"`
	ChatID    string         `json:"chat_id"`
	SenderID  string         `json:"sender_id,omitempty"`
	Category  string         `json:"category,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Action    string         `json:"action"`
	Applied   string         `json:"applied,omitempty"`
	Success   bool           `json:"success"`
	Count     int64          `json:"count,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for concurrent
// use; delivery is best effort.
type Publisher interface {
	Lifecycle(ctx context.Context, ev Lifecycle) error
	Moderation(ctx context.Context, ev Moderation) error
}

func stamp(id *string, ts *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if ts.IsZero() {
		*ts = time.Now().UTC()
	}
}

// NATSPublisher publishes events as JSON on the tenant's subjects.
type NATSPublisher struct {
	nc     *messaging.NATSClient
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher on nc.
func NewNATSPublisher(nc *messaging.NATSClient, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, logger: logger.Named("events")}
}

func (p *NATSPublisher) Lifecycle(_ context.Context, ev Lifecycle) error {
	stamp(&ev.ID, &ev.Timestamp)
	return p.publish(messaging.LifecycleSubject(ev.TenantID), ev)
}

func (p *NATSPublisher) Moderation(_ context.Context, ev Moderation) error {
	stamp(&ev.ID, &ev.Timestamp)
	return p.publish(messaging.ModerationSubject(ev.TenantID), ev)
}

func (p *NATSPublisher) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	return nil
}

// Recorder keeps published events in memory. It is used in tests and as a
// stand-in when no broker is configured.
type Recorder struct {
	mu         sync.Mutex
	lifecycle  []Lifecycle
	moderation []Moderation
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Lifecycle(_ context.Context, ev Lifecycle) error {
	stamp(&ev.ID, &ev.Timestamp)
	r.mu.Lock()
	r.lifecycle = append(r.lifecycle, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Moderation(_ context.Context, ev Moderation) error {
	stamp(&ev.ID, &ev.Timestamp)
	r.mu.Lock()
	r.moderation = append(r.moderation, ev)
	r.mu.Unlock()
	return nil
}

// Lifecycles returns the lifecycle events recorded for tenantID.
func (r *Recorder) Lifecycles(tenantID string) []Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Lifecycle
	for _, ev := range r.lifecycle {
		if ev.TenantID == tenantID {
			out = append(out, ev)
		}
	}
	return out
}

// LifecycleTypes returns the types of tenantID's lifecycle events in order.
func (r *Recorder) LifecycleTypes(tenantID string) []LifecycleType {
	var out []LifecycleType
	for _, ev := range r.Lifecycles(tenantID) {
		out = append(out, ev.Type)
	}
	return out
}

// Moderations returns the moderation events of the given type.
func (r *Recorder) Moderations(t ModerationType) []Moderation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Moderation
	for _, ev := range r.moderation {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
