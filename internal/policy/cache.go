package policy

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached fronts a Reader with short-lived LRU caches so the per-message
// policy reads do not hit the database at message rate. Errors are never
// cached. Edits made through the management surface become visible within
// ttl.
type Cached struct {
	Reader
	chats  *expirable.LRU[string, *ChatPolicy]
	terms  *expirable.LRU[string, []BannedTerm]
	global *expirable.LRU[string, *GlobalPolicy]
}

// NewCached wraps r. size bounds each cache independently.
func NewCached(r Reader, size int, ttl time.Duration) *Cached {
	return &Cached{
		Reader: r,
		chats:  expirable.NewLRU[string, *ChatPolicy](size, nil, ttl),
		terms:  expirable.NewLRU[string, []BannedTerm](size, nil, ttl),
		global: expirable.NewLRU[string, *GlobalPolicy](size, nil, ttl),
	}
}

func (c *Cached) ChatPolicy(ctx context.Context, tenantID, chatID string) (*ChatPolicy, error) {
	key := chatKey(tenantID, chatID)
	if p, ok := c.chats.Get(key); ok {
		return p, nil
	}
	p, err := c.Reader.ChatPolicy(ctx, tenantID, chatID)
	if err != nil {
		return nil, err
	}
	c.chats.Add(key, p)
	return p, nil
}

func (c *Cached) ActiveBannedTerms(ctx context.Context, tenantID string) ([]BannedTerm, error) {
	if t, ok := c.terms.Get(tenantID); ok {
		return t, nil
	}
	t, err := c.Reader.ActiveBannedTerms(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.terms.Add(tenantID, t)
	return t, nil
}

func (c *Cached) GlobalPolicy(ctx context.Context, tenantID string) (*GlobalPolicy, error) {
	if g, ok := c.global.Get(tenantID); ok {
		return g, nil
	}
	g, err := c.Reader.GlobalPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.global.Add(tenantID, g)
	return g, nil
}

// Invalidate drops everything cached for tenantID, e.g. after the owner
// number changed.
func (c *Cached) Invalidate(tenantID string) {
	c.global.Remove(tenantID)
	c.terms.Remove(tenantID)
	for _, key := range c.chats.Keys() {
		if len(key) > len(tenantID) && key[:len(tenantID)+1] == tenantID+"|" {
			c.chats.Remove(key)
		}
	}
}
