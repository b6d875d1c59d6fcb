package moderation

import "github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"

// Reasons a FilterResult can be blocked for.
const (
	ReasonBannedTerm  = "banned_term"
	ReasonSpamPattern = "spam_pattern"
)

// Categories reported for the built-in spam checks. Configured terms carry
// their own category (policy.DefaultCategory when unset).
const (
	CategoryLink  = "link"
	CategoryPhone = "phone"
	CategoryFlood = "flood"
)

// FilterResult is the outcome of evaluating one message. When Blocked, Term
// is the rule that fired; built-in spam rules have a zero Term.ID.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    policy.BannedTerm
}

// Category is the label shown to chat members instead of the matched word.
func (r FilterResult) Category() string {
	return r.Term.CategoryOrDefault()
}
