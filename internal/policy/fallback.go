package policy

import (
	"context"
	"slices"
)

// Fallbacks are deployment-level defaults layered over a Reader: a static
// owner number for tenants that never completed a handshake, extra
// whitelist entries, and a switch that treats every chat as protected.
type Fallbacks struct {
	OwnerNumber      string
	Whitelist        []string
	ProtectAllGroups bool
}

// WithFallbacks wraps r. A zero Fallbacks returns r unchanged.
func WithFallbacks(r Reader, f Fallbacks) Reader {
	if f.OwnerNumber == "" && len(f.Whitelist) == 0 && !f.ProtectAllGroups {
		return r
	}
	return &fallbackReader{Reader: r, f: f}
}

type fallbackReader struct {
	Reader
	f Fallbacks
}

func (r *fallbackReader) ChatPolicy(ctx context.Context, tenantID, chatID string) (*ChatPolicy, error) {
	p, err := r.Reader.ChatPolicy(ctx, tenantID, chatID)
	if err != nil {
		return nil, err
	}
	if r.f.ProtectAllGroups {
		p.ProtectionEnabled = true
	}
	return p, nil
}

func (r *fallbackReader) GlobalPolicy(ctx context.Context, tenantID string) (*GlobalPolicy, error) {
	g, err := r.Reader.GlobalPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if g.OwnerNumber == "" {
		g.OwnerNumber = r.f.OwnerNumber
	}
	for _, w := range r.f.Whitelist {
		if !slices.Contains(g.Whitelist, w) {
			g.Whitelist = append(g.Whitelist, w)
		}
	}
	return g, nil
}
