// Package admin answers operator requests for the guard. Every operation is
// a NATS request/reply on guard.admin.<op>; requests are JSON objects and
// replies are protocol.Reply envelopes. Subscriptions join a queue group so
// that one guard instance serves each request.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/ban"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/chat"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/messaging"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/metrics"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/protocol"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/ratelimit"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/session"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/violation"
)

// QueueGroup is the NATS queue group shared by all guard instances.
const QueueGroup = "guardd"

// Operation names. The request subject is messaging.AdminSubject(op).
const (
	OpStart            = "start"
	OpStop             = "stop"
	OpStatus           = "status"
	OpSendText         = "send_text"
	OpBroadcast        = "broadcast"
	OpLogout           = "logout"
	OpResetCredentials = "reset_credentials"
	OpListViolations   = "list_violations"
	OpResetViolations  = "reset_violations"
	OpListBans         = "list_bans"
	OpUnban            = "unban"
)

// Sessions is the part of the session manager the handlers drive.
type Sessions interface {
	Start(ctx context.Context, tenantID string) error
	Stop(ctx context.Context, tenantID string) error
	Status(ctx context.Context, tenantID string) session.Status
	SendText(ctx context.Context, tenantID, to, text string) error
	Broadcast(ctx context.Context, tenantID, text string) (int, error)
	Logout(ctx context.Context, tenantID string) error
	ResetCredentials(ctx context.Context, tenantID string) error
}

// Violations lists and clears per-chat violation counts.
type Violations interface {
	List(ctx context.Context, chatID string) ([]violation.Record, error)
	ResetSender(ctx context.Context, chatID, senderID string) error
	ResetChat(ctx context.Context, chatID string) (int, error)
}

// Bans lists and lifts persisted bans.
type Bans interface {
	List(ctx context.Context, tenantID, chatID string) ([]ban.Record, error)
	Unban(ctx context.Context, tenantID, chatID, senderID string) error
}

// Limiter throttles operator sends per tenant.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Config tunes the handlers.
type Config struct {
	Timeout   time.Duration // upper bound for one request
	SendText  ratelimit.Rule
	Broadcast ratelimit.Rule
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		SendText:  ratelimit.RuleSendText,
		Broadcast: ratelimit.RuleBroadcast,
	}
}

// Request is the body of every admin request. Fields an operation does not
// use are ignored.
type Request struct {
	TenantID string `json:"tenant_id"`
	ChatID   string `json:"chat_id,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	To       string `json:"to,omitempty"`
	Text     string `json:"text,omitempty"`
}

// SendResult is the reply data of send_text. Remaining is the number of
// sends the tenant has left in the current window.
type SendResult struct {
	Remaining int `json:"remaining"`
}

// BroadcastResult is the reply data of a broadcast.
type BroadcastResult struct {
	Sent int `json:"sent"`
}

// ResetResult is the reply data of reset_violations.
type ResetResult struct {
	Cleared int `json:"cleared"`
}

// ViolationEntry is one row of list_violations.
type ViolationEntry struct {
	SenderID string    `json:"sender_id"`
	Count    int64     `json:"count"`
	LastAt   time.Time `json:"last_at"`
}

// BanEntry is one row of list_bans.
type BanEntry struct {
	SenderID string    `json:"sender_id"`
	Reason   string    `json:"reason"`
	Category string    `json:"category,omitempty"`
	BannedAt time.Time `json:"banned_at"`
}

// requestError is an error whose code and message go to the caller as is.
type requestError struct {
	code string
	msg  string
}

func (e *requestError) Error() string { return e.code + ": " + e.msg }

func badRequest(format string, args ...interface{}) error {
	return &requestError{code: protocol.CodeBadRequest, msg: fmt.Sprintf(format, args...)}
}

type operation func(ctx context.Context, req Request) (interface{}, error)

// Handler serves the admin operations.
type Handler struct {
	cfg        Config
	sessions   Sessions
	violations Violations
	bans       Bans
	limiter    Limiter
	logger     *zap.Logger
}

// NewHandler creates a handler. violations, bans and limiter may be nil;
// operations that need a missing dependency reply "unavailable" and sends
// go unthrottled.
func NewHandler(cfg Config, sessions Sessions, violations Violations, bans Bans, limiter Limiter, logger *zap.Logger) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:        cfg,
		sessions:   sessions,
		violations: violations,
		bans:       bans,
		limiter:    limiter,
		logger:     logger.Named("admin"),
	}
}

func (h *Handler) operations() map[string]operation {
	return map[string]operation{
		OpStart:            h.start,
		OpStop:             h.stop,
		OpStatus:           h.status,
		OpSendText:         h.sendText,
		OpBroadcast:        h.broadcast,
		OpLogout:           h.logout,
		OpResetCredentials: h.resetCredentials,
		OpListViolations:   h.listViolations,
		OpResetViolations:  h.resetViolations,
		OpListBans:         h.listBans,
		OpUnban:            h.unban,
	}
}

// Register subscribes every operation on nc.
func (h *Handler) Register(nc *messaging.NATSClient) error {
	for name, op := range h.operations() {
		name, op := name, op
		err := nc.QueueSubscribe("admin:"+name, messaging.AdminSubject(name), QueueGroup, func(m *nats.Msg) {
			h.serve(name, op, m)
		})
		if err != nil {
			return fmt.Errorf("admin: register %s: %w", name, err)
		}
	}
	h.logger.Info("admin handlers registered", zap.Int("operations", len(h.operations())))
	return nil
}

func (h *Handler) serve(name string, op operation, m *nats.Msg) {
	reply := h.handle(name, op, m.Data)
	if err := m.Respond(reply); err != nil {
		h.logger.Warn("respond", zap.String("op", name), zap.Error(err))
	}
}

// handle decodes data, runs op and encodes the reply.
func (h *Handler) handle(name string, op operation, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return h.fail(name, req, badRequest("invalid request body"))
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return h.fail(name, req, badRequest("tenant_id is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Timeout)
	defer cancel()

	result, err := op(ctx, req)
	if err != nil {
		return h.fail(name, req, err)
	}
	out, err := protocol.OKReply(result)
	if err != nil {
		return h.fail(name, req, err)
	}
	metrics.AdminRequestsTotal.WithLabelValues(name, "ok").Inc()
	h.logger.Debug("request served", zap.String("op", name), zap.String("tenant", req.TenantID))
	return out
}

// fail maps err onto a reply code. Unclassified errors are logged and
// answered with a fixed message so transport detail stays internal.
func (h *Handler) fail(name string, req Request, err error) []byte {
	code, msg := classify(err)
	metrics.AdminRequestsTotal.WithLabelValues(name, code).Inc()
	if code == protocol.CodeInternal {
		h.logger.Error("request failed",
			zap.String("op", name),
			zap.String("tenant", req.TenantID),
			zap.Error(err),
		)
	}
	return protocol.ErrorReply(code, msg)
}

func classify(err error) (code, msg string) {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.code, re.msg
	case errors.Is(err, session.ErrNotConnected):
		return protocol.CodeNotConnected, "session is not connected"
	case errors.Is(err, session.ErrShutdown):
		return protocol.CodeUnavailable, "guard is shutting down"
	case errors.Is(err, transport.ErrForbidden):
		return protocol.CodeForbidden, "not permitted in this chat"
	case errors.Is(err, transport.ErrNotParticipant):
		return protocol.CodeNotParticipant, "recipient is not a participant"
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeUnavailable, "request timed out"
	default:
		return protocol.CodeInternal, "internal error"
	}
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func (h *Handler) start(ctx context.Context, req Request) (interface{}, error) {
	if err := h.sessions.Start(ctx, req.TenantID); err != nil {
		return nil, err
	}
	return h.sessions.Status(ctx, req.TenantID), nil
}

func (h *Handler) stop(ctx context.Context, req Request) (interface{}, error) {
	if err := h.sessions.Stop(ctx, req.TenantID); err != nil {
		return nil, err
	}
	return h.sessions.Status(ctx, req.TenantID), nil
}

func (h *Handler) status(ctx context.Context, req Request) (interface{}, error) {
	return h.sessions.Status(ctx, req.TenantID), nil
}

func (h *Handler) logout(ctx context.Context, req Request) (interface{}, error) {
	if err := h.sessions.Logout(ctx, req.TenantID); err != nil {
		return nil, err
	}
	return h.sessions.Status(ctx, req.TenantID), nil
}

func (h *Handler) resetCredentials(ctx context.Context, req Request) (interface{}, error) {
	if err := h.sessions.ResetCredentials(ctx, req.TenantID); err != nil {
		return nil, err
	}
	return h.sessions.Status(ctx, req.TenantID), nil
}

func (h *Handler) sendText(ctx context.Context, req Request) (interface{}, error) {
	if strings.TrimSpace(req.To) == "" {
		return nil, badRequest("to is required")
	}
	if err := chat.ValidateText(req.Text); err != nil {
		return nil, badRequest("%s", strings.TrimPrefix(err.Error(), "chat: "))
	}
	if err := h.throttle(ctx, req.TenantID, h.cfg.SendText); err != nil {
		return nil, err
	}
	if err := h.sessions.SendText(ctx, req.TenantID, req.To, req.Text); err != nil {
		return nil, err
	}
	if h.limiter == nil {
		return nil, nil
	}
	remaining, err := h.limiter.Remaining(ctx, req.TenantID, h.cfg.SendText)
	if err != nil {
		h.logger.Debug("remaining sends unknown", zap.String("tenant", req.TenantID), zap.Error(err))
	}
	return SendResult{Remaining: remaining}, nil
}

func (h *Handler) broadcast(ctx context.Context, req Request) (interface{}, error) {
	if err := chat.ValidateText(req.Text); err != nil {
		return nil, badRequest("%s", strings.TrimPrefix(err.Error(), "chat: "))
	}
	if err := h.throttle(ctx, req.TenantID, h.cfg.Broadcast); err != nil {
		return nil, err
	}
	sent, err := h.sessions.Broadcast(ctx, req.TenantID, req.Text)
	if err != nil && sent == 0 {
		return nil, err
	}
	if err != nil {
		h.logger.Warn("broadcast partially failed",
			zap.String("tenant", req.TenantID),
			zap.Int("sent", sent),
			zap.Error(err),
		)
	}
	return BroadcastResult{Sent: sent}, nil
}

// throttle fails open when the limiter itself errors.
func (h *Handler) throttle(ctx context.Context, tenantID string, rule ratelimit.Rule) error {
	if h.limiter == nil {
		return nil
	}
	ok, err := h.limiter.Allow(ctx, tenantID, rule)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", zap.String("tenant", tenantID), zap.Error(err))
	}
	if ok {
		return nil
	}
	wait := h.limiter.RetryAfter(ctx, tenantID, rule)
	return &requestError{
		code: protocol.CodeRateLimited,
		msg:  fmt.Sprintf("limit of %d per %s reached, retry in %s", rule.Limit, rule.Window, wait.Round(time.Second)),
	}
}

func (h *Handler) listViolations(ctx context.Context, req Request) (interface{}, error) {
	if h.violations == nil {
		return nil, &requestError{code: protocol.CodeUnavailable, msg: "violation tracking is disabled"}
	}
	if req.ChatID == "" {
		return nil, badRequest("chat_id is required")
	}
	records, err := h.violations.List(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	out := make([]ViolationEntry, 0, len(records))
	for _, r := range records {
		out = append(out, ViolationEntry{SenderID: r.SenderID, Count: r.Count, LastAt: r.LastAt})
	}
	return out, nil
}

func (h *Handler) resetViolations(ctx context.Context, req Request) (interface{}, error) {
	if h.violations == nil {
		return nil, &requestError{code: protocol.CodeUnavailable, msg: "violation tracking is disabled"}
	}
	if req.ChatID == "" {
		return nil, badRequest("chat_id is required")
	}
	if req.SenderID != "" {
		if err := h.violations.ResetSender(ctx, req.ChatID, req.SenderID); err != nil {
			return nil, err
		}
		return ResetResult{Cleared: 1}, nil
	}
	n, err := h.violations.ResetChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	return ResetResult{Cleared: n}, nil
}

func (h *Handler) listBans(ctx context.Context, req Request) (interface{}, error) {
	if h.bans == nil {
		return nil, &requestError{code: protocol.CodeUnavailable, msg: "ban records are disabled"}
	}
	if req.ChatID == "" {
		return nil, badRequest("chat_id is required")
	}
	records, err := h.bans.List(ctx, req.TenantID, req.ChatID)
	if err != nil {
		return nil, err
	}
	out := make([]BanEntry, 0, len(records))
	for _, r := range records {
		out = append(out, BanEntry{SenderID: r.SenderID, Reason: r.Reason, Category: r.Category, BannedAt: r.BannedAt})
	}
	return out, nil
}

func (h *Handler) unban(ctx context.Context, req Request) (interface{}, error) {
	if h.bans == nil {
		return nil, &requestError{code: protocol.CodeUnavailable, msg: "ban records are disabled"}
	}
	if req.ChatID == "" || req.SenderID == "" {
		return nil, badRequest("chat_id and sender_id are required")
	}
	if err := h.bans.Unban(ctx, req.TenantID, req.ChatID, req.SenderID); err != nil {
		return nil, err
	}
	return nil, nil
}
