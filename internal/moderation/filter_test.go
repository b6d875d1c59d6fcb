package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/textnorm"
)

func term(raw string, mt policy.MatchType, sev policy.Severity, action policy.Action) policy.BannedTerm {
	return policy.BannedTerm{Term: raw, MatchType: mt, Severity: sev, Action: action, Active: true}
}

func TestCheck_SingleTerm(t *testing.T) {
	f := NewFilter(nil, ModeIncludes)
	terms := []policy.BannedTerm{term("سبام", policy.MatchContains, policy.SeverityMedium, policy.ActionDelete)}

	res := f.Check(textnorm.Normalize("هذا سبام واضح"), terms)
	assert.True(t, res.Blocked)
	assert.Equal(t, ReasonBannedTerm, res.Reason)
	assert.Equal(t, "سبام", res.Term.Term)
	assert.Equal(t, policy.DefaultCategory, res.Category())

	clean := f.Check(textnorm.Normalize("صباح الخير"), terms)
	assert.False(t, clean.Blocked)
	assert.Empty(t, clean.Reason)
}

func TestCheck_HighestSeverityWins(t *testing.T) {
	f := NewFilter(nil, ModeIncludes)
	terms := []policy.BannedTerm{
		term("spam", policy.MatchContains, policy.SeverityLow, policy.ActionDelete),
		term("scam", policy.MatchContains, policy.SeverityHigh, policy.ActionKick),
		term("sca", policy.MatchContains, policy.SeverityHigh, policy.ActionBan),
		term("am", policy.MatchContains, policy.SeverityMedium, policy.ActionWarn),
	}

	res := f.Check("spam and scam", terms)
	assert.True(t, res.Blocked)
	assert.Equal(t, "scam", res.Term.Term, "tie on high goes to the first stored term")
	assert.Equal(t, policy.ActionKick, res.Term.Action)
}

func TestCheck_MatchTypes(t *testing.T) {
	f := NewFilter(nil, ModeIncludes)

	tests := []struct {
		name    string
		term    policy.BannedTerm
		text    string
		blocked bool
	}{
		{"exact whole word", term("منع", policy.MatchExact, policy.SeverityLow, policy.ActionDelete), "هذا منع", true},
		{"exact inside word", term("منع", policy.MatchExact, policy.SeverityLow, policy.ActionDelete), "يمنع", false},
		{"contains inside word", term("منع", policy.MatchContains, policy.SeverityLow, policy.ActionDelete), "يمنع", true},
		{"wildcard", term("b*d", policy.MatchWildcard, policy.SeverityLow, policy.ActionDelete), "so bored", true},
		{"bare regex", term(`\d{4}`, policy.MatchRegex, policy.SeverityLow, policy.ActionDelete), "pin 1234", true},
		{"delimited regex", term(`/^hi$/`, policy.MatchRegex, policy.SeverityLow, policy.ActionDelete), "hi there", false},
		{"broken regex", term(`/(?<=a)b/`, policy.MatchRegex, policy.SeverityHigh, policy.ActionBan), "ab", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Check(textnorm.Normalize(tt.text), []policy.BannedTerm{tt.term})
			assert.Equal(t, tt.blocked, res.Blocked)
		})
	}
}

func TestCheck_WordModeForContains(t *testing.T) {
	f := NewFilter(nil, ModeWord)
	terms := []policy.BannedTerm{term("منع", policy.MatchContains, policy.SeverityLow, policy.ActionDelete)}
	assert.False(t, f.Check(textnorm.Normalize("يمنع"), terms).Blocked)
}

func TestCheck_EmptyText(t *testing.T) {
	f := NewFilter(nil, ModeIncludes)
	terms := []policy.BannedTerm{term("a", policy.MatchContains, policy.SeverityLow, policy.ActionDelete)}
	assert.False(t, f.Check("", terms).Blocked)
}
