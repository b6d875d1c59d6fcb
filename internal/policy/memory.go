package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs tests and single-node
// deployments that manage policy through the admin subjects only.
type Memory struct {
	mu     sync.RWMutex
	chats  map[string]ChatPolicy // tenant|chat
	terms  []BannedTerm
	global GlobalPolicy
	owners map[string]string
	nextID int64
}

// NewMemory returns an empty store with the global auto-kick toggle on,
// matching a fresh deployment.
func NewMemory() *Memory {
	return &Memory{
		chats:  make(map[string]ChatPolicy),
		owners: make(map[string]string),
		global: GlobalPolicy{AutoKickEnabled: true},
	}
}

func chatKey(tenantID, chatID string) string { return tenantID + "|" + chatID }

// PutChat stores p, replacing any previous policy for the same chat.
func (m *Memory) PutChat(p ChatPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Exceptions = append([]Exception(nil), p.Exceptions...)
	m.chats[chatKey(p.TenantID, p.ChatID)] = p
}

// AddTerm appends t in stored order and returns its assigned id.
func (m *Memory) AddTerm(t BannedTerm) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	m.terms = append(m.terms, t)
	return t.ID
}

// SetGlobal replaces the global toggles and whitelist. Owner numbers are
// tenant-scoped and left untouched.
func (m *Memory) SetGlobal(g GlobalPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.Whitelist = append([]string(nil), g.Whitelist...)
	g.OwnerNumber = ""
	m.global = g
}

// Term returns the stored copy of a term, for detection bookkeeping checks.
func (m *Memory) Term(id int64) (BannedTerm, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.terms {
		if t.ID == id {
			return t, true
		}
	}
	return BannedTerm{}, false
}

func (m *Memory) ChatPolicy(_ context.Context, tenantID, chatID string) (*ChatPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.chats[chatKey(tenantID, chatID)]
	if !ok {
		return &ChatPolicy{TenantID: tenantID, ChatID: chatID, Settings: DefaultChatSettings()}, nil
	}
	p.Exceptions = append([]Exception(nil), p.Exceptions...)
	return &p, nil
}

func (m *Memory) ProtectedChats(_ context.Context, tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, p := range m.chats {
		if p.TenantID == tenantID && p.ProtectionEnabled {
			out = append(out, p.ChatID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ActiveBannedTerms returns global terms first, then the tenant's own, each
// in insertion order.
func (m *Memory) ActiveBannedTerms(_ context.Context, tenantID string) ([]BannedTerm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var global, own []BannedTerm
	for _, t := range m.terms {
		if !t.Active {
			continue
		}
		switch t.TenantID {
		case "":
			global = append(global, t)
		case tenantID:
			own = append(own, t)
		}
	}
	return append(global, own...), nil
}

func (m *Memory) GlobalPolicy(_ context.Context, tenantID string) (*GlobalPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g := m.global
	g.Whitelist = append([]string(nil), g.Whitelist...)
	g.OwnerNumber = m.owners[tenantID]
	return &g, nil
}

func (m *Memory) UpsertOwnerNumber(_ context.Context, tenantID, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[tenantID] = number
	return nil
}

func (m *Memory) RecordDetection(_ context.Context, termID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.terms {
		if m.terms[i].ID == termID {
			now := time.Now()
			m.terms[i].DetectionCount++
			m.terms[i].LastDetectedAt = &now
			return nil
		}
	}
	return nil
}
