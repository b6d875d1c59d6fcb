// Package exemption decides whether a sender is above moderation in a chat.
//
// Rules are evaluated in a fixed order and the first match wins: owner
// bypass, global whitelist, chat admin, chat exception. The chat-admin fact
// comes from the network and may be unknown; Unknown is kept distinct until
// the final decision, where it counts as not exempt.
package exemption

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/jid"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
)

// AdminStatus is the tri-state result of a chat-admin lookup.
type AdminStatus int

const (
	AdminNotChecked AdminStatus = iota
	AdminUnknown
	AdminNo
	AdminYes
)

func (s AdminStatus) String() string {
	switch s {
	case AdminUnknown:
		return "unknown"
	case AdminNo:
		return "no"
	case AdminYes:
		return "yes"
	default:
		return "not_checked"
	}
}

// Reason names the rule that produced a decision.
type Reason string

const (
	ReasonOwner     Reason = "owner"
	ReasonWhitelist Reason = "whitelist"
	ReasonChatAdmin Reason = "chat_admin"
	ReasonException Reason = "exception"
	ReasonNone      Reason = "none"
)

// Decision is the outcome of IsExempt.
type Decision struct {
	Exempt bool
	Reason Reason
	Admin  AdminStatus
}

// AdminSource answers group metadata queries. transport.Conn satisfies it.
type AdminSource interface {
	GroupMetadata(ctx context.Context, chatID string) (*transport.GroupMetadata, error)
}

// Input is everything one decision needs. Chat and Global may be nil.
type Input struct {
	TenantID string
	ChatID   string
	SenderID string
	Chat     *policy.ChatPolicy
	Global   *policy.GlobalPolicy
	Admins   AdminSource
}

// Config tunes the resolver.
type Config struct {
	CacheSize    int
	CacheTTL     time.Duration
	QueryTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:    1024,
		CacheTTL:     time.Minute,
		QueryTimeout: 10 * time.Second,
	}
}

// Resolver evaluates exemptions. Admin lists are cached per chat.
type Resolver struct {
	admins  *expirable.LRU[string, map[string]struct{}]
	timeout time.Duration
	logger  *zap.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	return &Resolver{
		admins:  expirable.NewLRU[string, map[string]struct{}](cfg.CacheSize, nil, cfg.CacheTTL),
		timeout: cfg.QueryTimeout,
		logger:  logger.Named("exemption"),
	}
}

// IsExempt evaluates the rules for in. It never fails: a failed admin
// lookup yields AdminUnknown and evaluation continues.
func (r *Resolver) IsExempt(ctx context.Context, in Input) Decision {
	settings := policy.DefaultChatSettings()
	if in.Chat != nil {
		settings = in.Chat.Settings
	}

	if in.Global != nil {
		if settings.AllowOwnerBypass && jid.SameAccount(in.SenderID, in.Global.OwnerNumber) {
			return Decision{Exempt: true, Reason: ReasonOwner}
		}
		for _, number := range in.Global.Whitelist {
			if jid.SameAccount(in.SenderID, number) {
				return Decision{Exempt: true, Reason: ReasonWhitelist}
			}
		}
	}

	admin := r.AdminStatus(ctx, in)
	if admin == AdminYes {
		return Decision{Exempt: true, Reason: ReasonChatAdmin, Admin: admin}
	}
	if admin == AdminUnknown {
		r.logger.Info("chat admin status unknown, treating as member",
			zap.String("tenant_id", in.TenantID),
			zap.String("chat_id", in.ChatID),
			zap.String("sender_id", in.SenderID),
		)
	}

	if in.Chat != nil {
		sender := jid.Digits(in.SenderID)
		for _, e := range in.Chat.Exceptions {
			if sender != "" && jid.Digits(e.SenderID) == sender {
				return Decision{Exempt: true, Reason: ReasonException, Admin: admin}
			}
		}
	}

	return Decision{Reason: ReasonNone, Admin: admin}
}

// AdminStatus reports whether the sender is an admin of the chat.
func (r *Resolver) AdminStatus(ctx context.Context, in Input) AdminStatus {
	if in.Admins == nil {
		return AdminUnknown
	}
	sender := jid.Digits(in.SenderID)
	if sender == "" {
		return AdminNo
	}

	key := in.TenantID + "|" + in.ChatID
	admins, ok := r.admins.Get(key)
	if !ok {
		qctx, cancel := context.WithTimeout(ctx, r.timeout)
		md, err := in.Admins.GroupMetadata(qctx, in.ChatID)
		cancel()
		if err != nil {
			r.logger.Warn("group metadata lookup failed",
				zap.String("tenant_id", in.TenantID),
				zap.String("chat_id", in.ChatID),
				zap.Error(err),
			)
			return AdminUnknown
		}
		admins = make(map[string]struct{})
		for _, p := range md.Participants {
			if p.IsAdmin() {
				admins[jid.Digits(p.ID)] = struct{}{}
			}
		}
		r.admins.Add(key, admins)
	}

	if _, ok := admins[sender]; ok {
		return AdminYes
	}
	return AdminNo
}

// Forget drops the cached admin list of a chat.
func (r *Resolver) Forget(tenantID, chatID string) {
	r.admins.Remove(tenantID + "|" + chatID)
}
