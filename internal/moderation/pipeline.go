package moderation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/chat"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/enforce"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/events"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/exemption"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/metrics"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/report"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/stats"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/textnorm"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/violation"
)

// GlobalKickThreshold is the violation count at which the global auto-kick
// switch removes a sender. It is independent of the per-chat
// MaxWarningsBeforeKick setting.
const GlobalKickThreshold = 2

// Status is how far a message got through the pipeline.
type Status string

const (
	StatusSkipped     Status = "skipped"
	StatusUnprotected Status = "unprotected"
	StatusExempt      Status = "exempt"
	StatusEmpty       Status = "empty"
	StatusClean       Status = "clean"
	StatusViolation   Status = "violation"
)

// Outcome describes what Handle did with one message.
type Outcome struct {
	Status    Status
	Exemption exemption.Decision
	Match     FilterResult
	Count     int64
	Result    enforce.Result

	// Escalation is set when the violation count triggered a removal on
	// top of the term's own action.
	Escalation *enforce.Result
}

// ViolationRecorder is the part of the violation tracker the pipeline uses.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, chatID, senderID string) (int64, error)
	Get(ctx context.Context, chatID, senderID string) (violation.Record, bool, error)
}

// Deps are the pipeline's collaborators. Detections, Counters, Buffer,
// Reports and Events are optional.
type Deps struct {
	Policies   policy.Reader
	Detections policy.Writer
	Filter     *Filter
	Exemptions *exemption.Resolver
	Violations ViolationRecorder
	Enforcer   *enforce.Engine
	Counters   enforce.CounterStore
	Buffer     *chat.MessageBuffer
	Reports    report.Writer
	Events     events.Publisher
}

// Pipeline runs every inbound message of a tenant through protection,
// exemption, matching and enforcement.
type Pipeline struct {
	d      Deps
	logger *zap.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(d Deps, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Filter == nil {
		d.Filter = NewFilter(nil, ModeIncludes)
	}
	return &Pipeline{d: d, logger: logger.Named("pipeline")}
}

// Handle processes one inbound message on conn. Messages of one tenant must
// be handed in sequentially in arrival order.
func (p *Pipeline) Handle(ctx context.Context, conn transport.Conn, tenantID string, msg transport.Message) Outcome {
	if !msg.IsGroup() || msg.Key.FromMe {
		return Outcome{Status: StatusSkipped}
	}

	start := time.Now()
	out := p.handle(ctx, conn, tenantID, msg)
	metrics.MessagesTotal.WithLabelValues(string(out.Status)).Inc()
	metrics.PipelineLatency.Observe(time.Since(start).Seconds())
	return out
}

func (p *Pipeline) handle(ctx context.Context, conn transport.Conn, tenantID string, msg transport.Message) Outcome {
	chatID := msg.Key.ChatID
	senderID := msg.SenderID()
	logger := p.logger.With(
		zap.String("tenant", tenantID),
		zap.String("chat", chatID),
		zap.String("sender", senderID),
	)

	// Policy reads fail closed: without a known configuration nothing is
	// enforced.
	cp, err := p.d.Policies.ChatPolicy(ctx, tenantID, chatID)
	if err != nil {
		p.policyReadFailed(logger, "chat policy", err)
		return Outcome{Status: StatusUnprotected}
	}
	if !cp.ProtectionEnabled {
		return Outcome{Status: StatusUnprotected}
	}
	global, err := p.d.Policies.GlobalPolicy(ctx, tenantID)
	if err != nil {
		p.policyReadFailed(logger, "global policy", err)
		return Outcome{Status: StatusUnprotected}
	}

	text := transport.ExtractText(msg.Content)
	p.incr(ctx, logger, tenantID, chatID, stats.MessagesProcessed)
	if p.d.Buffer != nil && text != "" {
		p.d.Buffer.Add(tenantID, chatID, chat.BufferedMessage{
			MessageID: msg.Key.ID,
			SenderID:  senderID,
			PushName:  msg.PushName,
			Text:      text,
			At:        msg.Timestamp,
		})
	}

	out := Outcome{}
	if p.d.Exemptions != nil {
		out.Exemption = p.d.Exemptions.IsExempt(ctx, exemption.Input{
			TenantID: tenantID,
			ChatID:   chatID,
			SenderID: senderID,
			Chat:     cp,
			Global:   global,
			Admins:   conn,
		})
		if out.Exemption.Exempt {
			logger.Debug("sender exempt", zap.String("reason", string(out.Exemption.Reason)))
			out.Status = StatusExempt
			return out
		}
	}

	normalized := textnorm.Normalize(text)
	if normalized == "" {
		out.Status = StatusEmpty
		return out
	}

	terms, err := p.d.Policies.ActiveBannedTerms(ctx, tenantID)
	if err != nil {
		p.policyReadFailed(logger, "banned terms", err)
		out.Status = StatusUnprotected
		return out
	}
	out.Match = p.d.Filter.Check(normalized, terms)
	if !out.Match.Blocked && cp.Settings.BlockLinks {
		out.Match = p.d.Filter.CheckSpam(text)
	}
	if !out.Match.Blocked {
		out.Status = StatusClean
		return out
	}
	out.Status = StatusViolation

	term := out.Match.Term
	category := out.Match.Category()
	logger = logger.With(
		zap.String("category", category),
		zap.String("severity", string(term.Severity)),
		zap.String("action", string(term.Action)),
	)
	logger.Info("violation detected")

	if term.ID != 0 && p.d.Detections != nil {
		if err := p.d.Detections.RecordDetection(ctx, term.ID); err != nil {
			logger.Warn("detection metadata not updated", zap.Error(err))
		}
	}

	// The warning wording depends on the count this violation will have.
	expected := int64(1)
	if rec, ok, err := p.d.Violations.Get(ctx, chatID, senderID); err == nil && ok {
		expected = rec.Count + 1
	}

	out.Result = p.d.Enforcer.Execute(ctx, conn, enforce.Request{
		TenantID:   tenantID,
		Action:     term.Action,
		Message:    msg,
		Category:   category,
		Count:      expected,
		SkipDelete: !cp.Settings.AutoDelete,
		Reason:     out.Match.Reason,
	})
	p.refreshAdmins(tenantID, chatID, out.Result)

	out.Count, err = p.d.Violations.RecordViolation(ctx, chatID, senderID)
	if err != nil {
		logger.Error("violation not recorded", zap.Error(err))
		out.Count = expected
	}

	if global.AutoReplyEnabled && term.Action == policy.ActionDelete {
		if err := p.d.Enforcer.Notify(ctx, conn, chatID, senderID, category, out.Count); err != nil {
			logger.Warn("auto reply not sent", zap.Error(err))
		}
	}

	if !term.Action.Removes() && p.shouldEscalate(cp, global, out.Count) {
		logger.Info("escalating to kick", zap.Int64("count", out.Count))
		esc := p.d.Enforcer.Execute(ctx, conn, enforce.Request{
			TenantID:   tenantID,
			Action:     policy.ActionKick,
			Message:    msg,
			Category:   category,
			Count:      out.Count,
			SkipDelete: true,
			Escalated:  true,
		})
		p.refreshAdmins(tenantID, chatID, esc)
		out.Escalation = &esc
	}

	p.publish(ctx, logger, tenantID, msg, out)
	p.writeReport(ctx, logger, tenantID, msg, text, out)
	return out
}

// refreshAdmins drops the cached admin list of a chat where a removal was
// refused: our own rights or the sender's role changed since it was read.
func (p *Pipeline) refreshAdmins(tenantID, chatID string, res enforce.Result) {
	if res.RemoveDenied && p.d.Exemptions != nil {
		p.d.Exemptions.Forget(tenantID, chatID)
	}
}

// shouldEscalate applies the two independent escalation levels: the chat's
// own warning budget and the deployment-wide auto-kick switch.
func (p *Pipeline) shouldEscalate(cp *policy.ChatPolicy, global *policy.GlobalPolicy, count int64) bool {
	s := cp.Settings
	if s.AutoKick && s.MaxWarningsBeforeKick > 0 && count >= int64(s.MaxWarningsBeforeKick) {
		return true
	}
	return global.AutoKickEnabled && count >= GlobalKickThreshold
}

func (p *Pipeline) policyReadFailed(logger *zap.Logger, what string, err error) {
	metrics.PolicyReadErrors.Inc()
	logger.Error("policy read failed, treating chat as unprotected",
		zap.String("read", what), zap.Error(err))
}

func (p *Pipeline) incr(ctx context.Context, logger *zap.Logger, tenantID, chatID string, c stats.Counter) {
	if p.d.Counters == nil {
		return
	}
	if err := p.d.Counters.Incr(ctx, tenantID, chatID, c, 1); err != nil {
		logger.Warn("stats update failed", zap.String("counter", string(c)), zap.Error(err))
	}
}

func (p *Pipeline) publish(ctx context.Context, logger *zap.Logger, tenantID string, msg transport.Message, out Outcome) {
	if p.d.Events == nil {
		return
	}
	ev := events.Moderation{
		Type:     events.ViolationDetected,
		TenantID: tenantID,
		ChatID:   msg.Key.ChatID,
		SenderID: msg.SenderID(),
		Category: out.Match.Category(),
		Severity: string(out.Match.Term.Severity),
		Action:   string(out.Result.Requested),
		Applied:  string(out.final().Applied),
		Success:  out.final().Success,
		Count:    out.Count,
	}
	if err := p.d.Events.Moderation(ctx, ev); err != nil {
		logger.Debug("violation event not published", zap.Error(err))
	}
}

func (p *Pipeline) writeReport(ctx context.Context, logger *zap.Logger, tenantID string, msg transport.Message, text string, out Outcome) {
	if p.d.Reports == nil {
		return
	}
	r := &report.Report{
		TenantID:        tenantID,
		ChatID:          msg.Key.ChatID,
		SenderID:        msg.SenderID(),
		SenderName:      msg.PushName,
		MessageID:       msg.Key.ID,
		MessageText:     text,
		Term:            out.Match.Term.Term,
		Category:        out.Match.Category(),
		Severity:        out.Match.Term.Severity,
		RequestedAction: out.Result.Requested,
		AppliedAction:   out.final().Applied,
		Success:         out.final().Success,
		ViolationCount:  out.Count,
	}
	if p.d.Buffer != nil {
		r.Context = p.d.Buffer.Get(tenantID, msg.Key.ChatID)
	}
	if err := p.d.Reports.Create(ctx, r); err != nil {
		logger.Warn("moderation report not stored", zap.Error(err))
	}
}

// final is the last enforcement that ran for the message.
func (o Outcome) final() enforce.Result {
	if o.Escalation != nil {
		return *o.Escalation
	}
	return o.Result
}
