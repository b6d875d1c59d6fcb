// Package jid handles the chat-network address strings used for chats and
// participants ("9665xxxxxxx@s.whatsapp.net", "1203...@g.us", device
// qualified "9665xxxxxxx:12@s.whatsapp.net").
package jid

import "strings"

const (
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// IsGroup reports whether id addresses a group chat.
func IsGroup(id string) bool {
	return strings.HasSuffix(id, "@"+GroupServer)
}

// Digits returns the numeric account part of id. The server and any device
// qualifier are dropped before all non-digit characters are removed, so
// "+966 50-000:3@s.whatsapp.net" and "96650000" yield the same value.
func Digits(id string) string {
	user, _, _ := strings.Cut(id, "@")
	user, _, _ = strings.Cut(user, ":")
	var b strings.Builder
	b.Grow(len(user))
	for _, r := range user {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameAccount reports whether sender refers to the account number ref by
// numeric suffix match. An empty side never matches.
func SameAccount(sender, ref string) bool {
	s, r := Digits(sender), Digits(ref)
	if s == "" || r == "" {
		return false
	}
	return strings.HasSuffix(s, r)
}

// User builds a user address from a phone number or passes a full address
// through unchanged.
func User(numberOrID string) string {
	if strings.Contains(numberOrID, "@") {
		return numberOrID
	}
	return Digits(numberOrID) + "@" + UserServer
}
