// Package moderation decides whether an inbound chat message violates the
// tenant's content policy and drives the enforcement that follows. Terms are
// matched against normalized text; the optional spam checks run on the raw
// text so URLs and phone numbers keep their punctuation.
package moderation

import (
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
)

// Filter evaluates banned terms through a shared MatcherCache.
type Filter struct {
	cache        *MatcherCache
	containsMode Mode
}

// NewFilter returns a Filter. containsMode is the mode used for "contains"
// terms; exact terms always use ModeWord.
func NewFilter(cache *MatcherCache, containsMode Mode) *Filter {
	if cache == nil {
		cache = NewMatcherCache()
	}
	if containsMode == "" {
		containsMode = ModeIncludes
	}
	return &Filter{cache: cache, containsMode: containsMode}
}

func (f *Filter) matcherFor(t policy.BannedTerm) *Matcher {
	switch t.MatchType {
	case policy.MatchRegex:
		raw := t.Term
		if !regexLiteral.MatchString(raw) {
			raw = "/" + raw + "/i"
		}
		return f.cache.Get(raw, ModeIncludes)
	case policy.MatchExact:
		return f.cache.Get(t.Term, ModeWord)
	case policy.MatchWildcard:
		return f.cache.Get(t.Term, ModeIncludes)
	default:
		return f.cache.Get(t.Term, f.containsMode)
	}
}

// Check evaluates normalized text against terms. When several terms match,
// the one with the highest severity wins; ties go to the earliest term in
// the given order.
func (f *Filter) Check(normalized string, terms []policy.BannedTerm) FilterResult {
	if normalized == "" {
		return FilterResult{}
	}

	var (
		best     policy.BannedTerm
		bestRank = -1
	)
	for _, t := range terms {
		if !f.matcherFor(t).Test(normalized) {
			continue
		}
		if rank := t.Severity.Rank(); rank > bestRank {
			best, bestRank = t, rank
		}
	}
	if bestRank < 0 {
		return FilterResult{}
	}
	return FilterResult{Blocked: true, Reason: ReasonBannedTerm, Term: best}
}
