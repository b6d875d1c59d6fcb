package moderation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
)

// Compiled once; safe for concurrent use.
var (
	// urlPattern matches http/https URLs, www. hosts, invite links and bare
	// domains followed by a path. The bare-domain form needs the trailing "/"
	// so "v2.0" or "3.14" stay clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|chat\.whatsapp\.com/\S+|\S+\.(com|net|org|io|co|me|xyz|info|biz|ru|cn|tk|ml|ga|cf|sa|ly)/\S*)`)

	// phonePattern matches numbers such as +966 50 123 4567, (555) 123-4567 or
	// 0501234567, bounded by whitespace or the text edges.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamCheck is one built-in rule enabled per chat through BlockLinks.
type spamCheck struct {
	name     string
	category string
	match    func(string) bool
}

// Order matters: the first match wins.
var spamChecks = []spamCheck{
	{name: "url", category: CategoryLink, match: urlPattern.MatchString},
	{name: "phone", category: CategoryPhone, match: phonePattern.MatchString},
	{name: "char_flood", category: CategoryFlood, match: hasCharFlood},
	{name: "word_flood", category: CategoryFlood, match: hasWordFlood},
}

// hasCharFlood reports 8 or more consecutive identical letters. Arabic
// chat routinely stretches words to four or five repeats, so the threshold
// sits above that. RE2 has no backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 8

	count := 0
	prev := rune(-1)
	for _, r := range text {
		if !unicode.IsLetter(r) {
			count, prev = 0, -1
			continue
		}
		if r == prev {
			count++
		} else {
			count, prev = 1, r
		}
		if count >= threshold {
			return true
		}
	}
	return false
}

// hasWordFlood reports the same word repeated 4 or more times in a row,
// case-insensitively.
func hasWordFlood(text string) bool {
	const threshold = 4

	words := strings.Fields(text)
	if len(words) < threshold {
		return false
	}

	count := 0
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
		} else {
			count, prev = 1, lower
		}
		if count >= threshold {
			return true
		}
	}
	return false
}

// CheckSpam runs the built-in checks against raw message text. The
// synthetic term it reports always asks for deletion at medium severity.
func (f *Filter) CheckSpam(raw string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(raw) {
			return FilterResult{
				Blocked: true,
				Reason:  ReasonSpamPattern,
				Term: policy.BannedTerm{
					Term:      sc.name,
					Severity:  policy.SeverityMedium,
					Action:    policy.ActionDelete,
					Category:  sc.category,
					Active:    true,
					MatchType: policy.MatchRegex,
				},
			}
		}
	}
	return FilterResult{}
}
