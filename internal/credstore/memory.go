package credstore

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Backend. Creds are kept serialized so a round
// trip behaves like the durable backends.
type Memory struct {
	mu    sync.RWMutex
	creds map[string][]byte
	keys  map[string]map[string]map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		creds: make(map[string][]byte),
		keys:  make(map[string]map[string]map[string][]byte),
	}
}

func (m *Memory) LoadCreds(_ context.Context, tenantID string) (*Creds, error) {
	m.mu.RLock()
	raw, ok := m.creds[tenantID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var c Creds
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (m *Memory) SaveCreds(_ context.Context, tenantID string, creds *Creds) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.creds[tenantID] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetKeys(_ context.Context, tenantID, keyType string, ids []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(ids))
	byID := m.keys[tenantID][keyType]
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out[id] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) SetKeys(_ context.Context, tenantID string, updates KeyUpdates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.keys[tenantID]
	if !ok {
		tenant = make(map[string]map[string][]byte)
		m.keys[tenantID] = tenant
	}
	for keyType, byID := range updates {
		bucket, ok := tenant[keyType]
		if !ok {
			bucket = make(map[string][]byte)
			tenant[keyType] = bucket
		}
		for id, v := range byID {
			if v == nil {
				delete(bucket, id)
				continue
			}
			bucket[id] = append([]byte(nil), v...)
		}
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, tenantID string) error {
	m.mu.Lock()
	delete(m.creds, tenantID)
	delete(m.keys, tenantID)
	m.mu.Unlock()
	return nil
}
