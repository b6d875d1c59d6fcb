package moderation

import (
	"regexp"
	"strings"
	"sync"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/textnorm"
)

// Mode selects how a literal term is located inside normalized text.
type Mode string

const (
	// ModeIncludes matches the term anywhere, including inside longer words.
	ModeIncludes Mode = "includes"
	// ModeWord only matches the term bounded by whitespace or text edges.
	ModeWord Mode = "word"
)

const wildcard = "*"

// regexLiteral recognizes "/body/flags" term specifications.
var regexLiteral = regexp.MustCompile(`(?i)^/(.+)/([a-z]*)$`)

// Matcher tests normalized text against one compiled term. A nil *Matcher
// never matches, which is how malformed terms are represented.
type Matcher struct {
	literal string
	re      *regexp.Regexp
}

// Test reports whether normalized (already passed through textnorm) text
// contains the term.
func (m *Matcher) Test(normalized string) bool {
	switch {
	case m == nil:
		return false
	case m.re != nil:
		return m.re.MatchString(normalized)
	default:
		return strings.Contains(normalized, m.literal)
	}
}

// Compile builds a Matcher for raw. It returns nil when the term normalizes
// to nothing or is an invalid regular expression; it never panics.
func Compile(raw string, mode Mode) *Matcher {
	if textnorm.Normalize(raw) == "" {
		return nil
	}

	if m := regexLiteral.FindStringSubmatch(raw); m != nil {
		re, err := regexp.Compile(regexFlags(m[2]) + m[1])
		if err != nil {
			return nil
		}
		return &Matcher{re: re}
	}

	if strings.Contains(raw, wildcard) {
		parts := strings.Split(raw, wildcard)
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(textnorm.Normalize(p))
		}
		return anchored(strings.Join(parts, ".*"), mode)
	}

	source := textnorm.Normalize(raw)
	if mode == ModeWord {
		return anchored(regexp.QuoteMeta(source), mode)
	}
	return &Matcher{literal: source}
}

func anchored(pattern string, mode Mode) *Matcher {
	if mode == ModeWord {
		pattern = `(^|\s)` + pattern + `($|\s)`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return &Matcher{re: re}
}

// regexFlags translates "/.../flags" suffixes into an RE2 flag group.
// No flags means case-insensitive; g, u and y have no RE2 equivalent.
func regexFlags(flags string) string {
	if flags == "" {
		return "(?i)"
	}
	var b strings.Builder
	for _, f := range strings.ToLower(flags) {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(b.String(), f) {
				b.WriteRune(f)
			}
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "(?" + b.String() + ")"
}

// MatcherCache memoizes Compile per (mode, raw term). Failed compilations
// are cached as well so a broken term costs one attempt. Terms shared by
// several tenants share one compiled matcher.
type MatcherCache struct {
	m sync.Map // "mode::raw" -> *Matcher
}

// NewMatcherCache returns an empty cache.
func NewMatcherCache() *MatcherCache {
	return &MatcherCache{}
}

// Get returns the cached matcher for raw, compiling it on first use.
func (c *MatcherCache) Get(raw string, mode Mode) *Matcher {
	key := string(mode) + "::" + raw
	if v, ok := c.m.Load(key); ok {
		return v.(*Matcher)
	}
	v, _ := c.m.LoadOrStore(key, Compile(raw, mode))
	return v.(*Matcher)
}
