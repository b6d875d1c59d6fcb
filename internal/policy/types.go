// Package policy holds the moderation configuration the guard reads for
// every message: banned terms, per-chat protection settings, and the
// deployment-wide global policy. Policy management itself happens
// elsewhere; this package only reads it and performs the two writes the
// guard owns (owner number and term detection metadata).
package policy

import (
	"context"
	"time"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type Action string

const (
	ActionDelete Action = "delete"
	ActionWarn   Action = "warn"
	ActionKick   Action = "kick"
	ActionBan    Action = "ban"
)

// Valid reports whether a is one of the known enforcement actions.
func (a Action) Valid() bool {
	switch a {
	case ActionDelete, ActionWarn, ActionKick, ActionBan:
		return true
	}
	return false
}

// Removes reports whether the action takes the sender out of the chat.
func (a Action) Removes() bool {
	return a == ActionKick || a == ActionBan
}

type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchWildcard MatchType = "wildcard"
	MatchRegex    MatchType = "regex"
)

// DefaultCategory labels banned terms that were stored without one.
const DefaultCategory = "banned_word"

// BannedTerm is one configured term. TenantID is empty for global terms.
type BannedTerm struct {
	ID             int64
	TenantID       string
	Term           string
	MatchType      MatchType
	Severity       Severity
	Action         Action
	Category       string
	Active         bool
	DetectionCount int64
	LastDetectedAt *time.Time
}

// CategoryOrDefault never returns an empty label.
func (t BannedTerm) CategoryOrDefault() string {
	if t.Category == "" {
		return DefaultCategory
	}
	return t.Category
}

// ChatSettings are the per-chat enforcement knobs.
type ChatSettings struct {
	AutoKick              bool
	AutoDelete            bool
	AllowOwnerBypass      bool
	MaxWarningsBeforeKick int
	MuteDuration          time.Duration
	BlockLinks            bool
}

// DefaultChatSettings mirrors what a freshly protected chat starts with.
func DefaultChatSettings() ChatSettings {
	return ChatSettings{
		AutoDelete:            true,
		AllowOwnerBypass:      true,
		MaxWarningsBeforeKick: 3,
	}
}

// Exception exempts one sender inside one chat.
type Exception struct {
	SenderID string
	Name     string
	Reason   string
	AddedAt  time.Time
}

// ChatPolicy is the protection configuration of a single chat.
type ChatPolicy struct {
	TenantID          string
	ChatID            string
	Name              string
	ProtectionEnabled bool
	Settings          ChatSettings
	Exceptions        []Exception
}

// AddException appends e unless the sender is already listed.
func (p *ChatPolicy) AddException(e Exception) bool {
	for _, existing := range p.Exceptions {
		if existing.SenderID == e.SenderID {
			return false
		}
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}
	p.Exceptions = append(p.Exceptions, e)
	return true
}

// GlobalPolicy is the deployment-wide configuration as seen by one tenant:
// OwnerNumber is that tenant's own connected number.
type GlobalPolicy struct {
	OwnerNumber      string
	Whitelist        []string
	AutoKickEnabled  bool
	AutoReplyEnabled bool
}

// Reader is the read side the pipeline and exemption resolver consume.
// A ChatPolicy lookup for an unknown chat returns an unprotected policy,
// not an error.
type Reader interface {
	ChatPolicy(ctx context.Context, tenantID, chatID string) (*ChatPolicy, error)
	ProtectedChats(ctx context.Context, tenantID string) ([]string, error)
	ActiveBannedTerms(ctx context.Context, tenantID string) ([]BannedTerm, error)
	GlobalPolicy(ctx context.Context, tenantID string) (*GlobalPolicy, error)
}

// Writer covers the writes the guard performs autonomously.
type Writer interface {
	UpsertOwnerNumber(ctx context.Context, tenantID, number string) error
	RecordDetection(ctx context.Context, termID int64) error
}

// Store is a full policy backend.
type Store interface {
	Reader
	Writer
}
