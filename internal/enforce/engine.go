// Package enforce carries out moderation actions on a tenant connection.
//
// Actions escalate delete < warn < kick < ban. Every action after delete
// first retracts the offending message; when a removal fails the engine
// falls back to the next weaker action instead of giving up, so the sender
// is always at least warned.
package enforce

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/events"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/metrics"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/stats"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
)

// Config holds engine settings.
type Config struct {
	// QueryTimeout bounds each individual transport call.
	QueryTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{QueryTimeout: 10 * time.Second}
}

// BanRecorder persists per-chat bans. *ban.Store satisfies it.
type BanRecorder interface {
	Ban(ctx context.Context, tenantID, chatID, senderID, reason, category string) (bool, error)
}

// CounterStore increments aggregate counters. *stats.Store satisfies it.
type CounterStore interface {
	Incr(ctx context.Context, tenantID, chatID string, counter stats.Counter, delta int64) error
}

// Request describes one enforcement.
type Request struct {
	TenantID string
	Action   policy.Action
	Message  transport.Message
	Category string

	// Count is the sender's violation count in the chat, used to pick the
	// first-offense or repeat wording of warnings.
	Count int64

	// SkipDelete leaves the message in place. Set when the chat disabled
	// auto delete or the message was already retracted.
	SkipDelete bool

	// Escalated marks a follow-up action for a violation that was already
	// counted.
	Escalated bool

	// Reason is stored with ban records. Defaults to the category.
	Reason string
}

// Result reports what the engine actually did.
type Result struct {
	Requested policy.Action
	Applied   policy.Action
	Success   bool
	Deleted   bool
	Removed   bool
	// RemoveDenied is set when the network refused the removal for lack of
	// admin rights in the chat.
	RemoveDenied bool
}

// Engine executes enforcement actions.
type Engine struct {
	cfg    Config
	bans   BanRecorder
	stats  CounterStore
	pub    events.Publisher
	logger *zap.Logger
}

// NewEngine creates an engine. bans, counters and pub may be nil, in which
// case the corresponding side effect is skipped.
func NewEngine(cfg Config, bans BanRecorder, counters CounterStore, pub events.Publisher, logger *zap.Logger) *Engine {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		bans:   bans,
		stats:  counters,
		pub:    pub,
		logger: logger.Named("enforce"),
	}
}

// Execute performs req on conn. It never returns an error: failures are
// logged, degraded where possible and reflected in the Result.
func (e *Engine) Execute(ctx context.Context, conn transport.Conn, req Request) Result {
	if req.Category == "" {
		req.Category = policy.DefaultCategory
	}
	if !req.Action.Valid() {
		e.logger.Warn("unknown action, falling back to delete",
			zap.String("action", string(req.Action)))
		req.Action = policy.ActionDelete
	}

	res := Result{Requested: req.Action}
	logger := e.logger.With(
		zap.String("tenant", req.TenantID),
		zap.String("chat", req.Message.Key.ChatID),
		zap.String("sender", req.Message.SenderID()),
		zap.String("action", string(req.Action)),
	)

	switch req.Action {
	case policy.ActionDelete:
		res.Applied = policy.ActionDelete
		if req.SkipDelete {
			res.Success = true
			break
		}
		res.Deleted = e.retract(ctx, conn, req, logger)
		res.Success = res.Deleted
	case policy.ActionWarn:
		e.warn(ctx, conn, req, &res, logger)
	case policy.ActionKick:
		e.kick(ctx, conn, req, &res, logger)
	case policy.ActionBan:
		e.ban(ctx, conn, req, &res, logger)
	}

	if res.Applied != res.Requested {
		logger.Info("action degraded", zap.String("applied", string(res.Applied)))
	}
	e.record(ctx, req, res)
	return res
}

func (e *Engine) warn(ctx context.Context, conn transport.Conn, req Request, res *Result, logger *zap.Logger) {
	if !req.SkipDelete {
		res.Deleted = e.retract(ctx, conn, req, logger)
	}
	res.Applied = policy.ActionWarn
	sender := req.Message.SenderID()
	text := WarningText(sender, req.Category, req.Count)
	if err := e.send(ctx, conn, req.Message.Key.ChatID, text, sender); err != nil {
		logger.Warn("warning not sent", zap.Error(err))
		res.Success = false
		return
	}
	res.Success = true
}

func (e *Engine) kick(ctx context.Context, conn transport.Conn, req Request, res *Result, logger *zap.Logger) {
	if !req.SkipDelete {
		res.Deleted = e.retract(ctx, conn, req, logger)
		req.SkipDelete = true
	}
	if !e.remove(ctx, conn, req, res, logger) {
		e.warn(ctx, conn, req, res, logger)
		return
	}
	res.Applied = policy.ActionKick
	res.Removed = true
	res.Success = true

	sender := req.Message.SenderID()
	if err := e.send(ctx, conn, req.Message.Key.ChatID, KickNotice(sender, req.Category), sender); err != nil {
		logger.Debug("kick notice not sent", zap.Error(err))
	}
}

func (e *Engine) ban(ctx context.Context, conn transport.Conn, req Request, res *Result, logger *zap.Logger) {
	if !req.SkipDelete {
		res.Deleted = e.retract(ctx, conn, req, logger)
		req.SkipDelete = true
	}
	// A failed removal would fail again as a kick, so fall through to the
	// warning directly.
	if !e.remove(ctx, conn, req, res, logger) {
		e.warn(ctx, conn, req, res, logger)
		return
	}
	res.Applied = policy.ActionBan
	res.Removed = true
	res.Success = true

	sender := req.Message.SenderID()
	if e.bans != nil {
		reason := req.Reason
		if reason == "" {
			reason = req.Category
		}
		if _, err := e.bans.Ban(ctx, req.TenantID, req.Message.Key.ChatID, sender, reason, req.Category); err != nil {
			logger.Error("ban record not stored", zap.Error(err))
		}
	}
	if err := e.send(ctx, conn, req.Message.Key.ChatID, BanNotice(sender, req.Category), sender); err != nil {
		logger.Debug("ban notice not sent", zap.Error(err))
	}
}

// retract deletes the offending message. Failures are not fatal.
func (e *Engine) retract(ctx context.Context, conn transport.Conn, req Request, logger *zap.Logger) bool {
	err := e.call(ctx, func(ctx context.Context) error {
		return conn.DeleteMessage(ctx, req.Message.Key)
	})
	if err != nil {
		logger.Warn("delete failed", zap.String("message", req.Message.Key.ID), zap.Error(err))
		return false
	}
	return true
}

// remove takes the sender out of the chat. A sender who already left
// counts as removed.
func (e *Engine) remove(ctx context.Context, conn transport.Conn, req Request, res *Result, logger *zap.Logger) bool {
	err := e.call(ctx, func(ctx context.Context) error {
		return conn.RemoveParticipant(ctx, req.Message.Key.ChatID, req.Message.SenderID())
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, transport.ErrNotParticipant):
		logger.Debug("sender already left")
		return true
	case errors.Is(err, transport.ErrForbidden):
		logger.Warn("remove participant refused", zap.Error(err))
		res.RemoveDenied = true
		return false
	default:
		logger.Warn("remove participant failed", zap.Error(err))
		return false
	}
}

func (e *Engine) send(ctx context.Context, conn transport.Conn, chatID, text, mention string) error {
	return e.call(ctx, func(ctx context.Context) error {
		return conn.SendText(ctx, chatID, text, []string{mention})
	})
}

func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	return fn(ctx)
}

// Notify posts the count-aware warning without taking any other action.
func (e *Engine) Notify(ctx context.Context, conn transport.Conn, chatID, senderID, category string, count int64) error {
	return e.send(ctx, conn, chatID, WarningText(senderID, category, count), senderID)
}

func (e *Engine) record(ctx context.Context, req Request, res Result) {
	metrics.ActionsTotal.WithLabelValues(
		string(res.Requested), string(res.Applied), strconv.FormatBool(res.Success),
	).Inc()

	chatID := req.Message.Key.ChatID
	if e.stats != nil {
		incr := func(c stats.Counter) {
			if err := e.stats.Incr(ctx, req.TenantID, chatID, c, 1); err != nil {
				e.logger.Warn("stats update failed", zap.String("counter", string(c)), zap.Error(err))
			}
		}
		if !req.Escalated {
			incr(stats.ViolationsDetected)
		}
		if res.Deleted {
			incr(stats.MessagesDeleted)
		}
		if res.Removed {
			incr(stats.KicksIssued)
		}
	}

	if e.pub != nil {
		ev := events.Moderation{
			Type:     events.ActionResult,
			TenantID: req.TenantID,
			ChatID:   chatID,
			SenderID: req.Message.SenderID(),
			Category: req.Category,
			Action:   string(res.Requested),
			Applied:  string(res.Applied),
			Success:  res.Success,
			Count:    req.Count,
		}
		if err := e.pub.Moderation(ctx, ev); err != nil {
			e.logger.Debug("action event not published", zap.Error(err))
		}
	}
}
