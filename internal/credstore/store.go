// Package credstore persists the credential state each tenant's protocol
// session needs: one credential document plus a keyed store of signal keys.
//
// All writes for a tenant are serialized. Reads go straight to the backend.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFound is returned by a Backend when a tenant has no stored creds.
var ErrNotFound = errors.New("credstore: not found")

// KeyUpdates maps key type to key id to value. A nil value deletes the key.
type KeyUpdates map[string]map[string][]byte

// Backend is the durable storage behind a Store.
type Backend interface {
	LoadCreds(ctx context.Context, tenantID string) (*Creds, error)
	SaveCreds(ctx context.Context, tenantID string, creds *Creds) error
	GetKeys(ctx context.Context, tenantID, keyType string, ids []string) (map[string][]byte, error)
	SetKeys(ctx context.Context, tenantID string, updates KeyUpdates) error
	Delete(ctx context.Context, tenantID string) error
}

// KeyStore is the tenant-bound key view handed to the protocol engine.
type KeyStore interface {
	Get(ctx context.Context, keyType string, ids []string) (map[string][]byte, error)
	Set(ctx context.Context, updates KeyUpdates) error
}

// AuthState is what a session needs to connect.
type AuthState struct {
	TenantID string
	Creds    *Creds
	Keys     KeyStore
}

// LoadResult describes how Load obtained the credentials.
type LoadResult struct {
	Fresh     bool
	Recovered bool
	Missing   []string
}

// Store wraps a Backend with per-tenant write serialization and corruption
// recovery.
type Store struct {
	backend Backend
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store over backend.
func New(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) lock(tenantID string) func() {
	s.mu.Lock()
	l, ok := s.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[tenantID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Load returns the tenant's auth state. Missing credentials are generated
// and saved. Credentials without their private keys are discarded along
// with every stored key, replaced, and reported through LoadResult so the
// caller can surface that a new pairing is required.
func (s *Store) Load(ctx context.Context, tenantID string) (AuthState, LoadResult, error) {
	unlock := s.lock(tenantID)
	defer unlock()

	var res LoadResult
	creds, err := s.backend.LoadCreds(ctx, tenantID)
	switch {
	case errors.Is(err, ErrNotFound):
		res.Fresh = true
	case err != nil:
		return AuthState{}, res, fmt.Errorf("credstore: load %s: %w", tenantID, err)
	default:
		if missing := creds.Missing(); len(missing) > 0 {
			s.logger.Warn("stored credentials are corrupt, resetting",
				zap.String("tenant_id", tenantID),
				zap.Strings("missing", missing),
			)
			if err := s.backend.Delete(ctx, tenantID); err != nil {
				return AuthState{}, res, fmt.Errorf("credstore: reset %s: %w", tenantID, err)
			}
			res.Fresh = true
			res.Recovered = true
			res.Missing = missing
		}
	}

	if res.Fresh {
		creds, err = NewCreds()
		if err != nil {
			return AuthState{}, res, err
		}
		if err := s.backend.SaveCreds(ctx, tenantID, creds); err != nil {
			return AuthState{}, res, fmt.Errorf("credstore: save %s: %w", tenantID, err)
		}
	}

	return AuthState{TenantID: tenantID, Creds: creds, Keys: s.KeysFor(tenantID)}, res, nil
}

// SaveCreds persists an updated credential document.
func (s *Store) SaveCreds(ctx context.Context, tenantID string, creds *Creds) error {
	if creds == nil {
		return errors.New("credstore: nil creds")
	}
	unlock := s.lock(tenantID)
	defer unlock()

	if err := s.backend.SaveCreds(ctx, tenantID, creds); err != nil {
		return fmt.Errorf("credstore: save %s: %w", tenantID, err)
	}
	return nil
}

// Reset discards everything stored for the tenant and saves fresh creds.
func (s *Store) Reset(ctx context.Context, tenantID string) (*Creds, error) {
	unlock := s.lock(tenantID)
	defer unlock()

	if err := s.backend.Delete(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("credstore: reset %s: %w", tenantID, err)
	}
	creds, err := NewCreds()
	if err != nil {
		return nil, err
	}
	if err := s.backend.SaveCreds(ctx, tenantID, creds); err != nil {
		return nil, fmt.Errorf("credstore: reset %s: %w", tenantID, err)
	}
	return creds, nil
}

// Delete removes the tenant's creds and keys.
func (s *Store) Delete(ctx context.Context, tenantID string) error {
	unlock := s.lock(tenantID)
	defer unlock()

	if err := s.backend.Delete(ctx, tenantID); err != nil {
		return fmt.Errorf("credstore: delete %s: %w", tenantID, err)
	}
	return nil
}

// KeysFor returns the key view bound to tenantID.
func (s *Store) KeysFor(tenantID string) KeyStore {
	return &tenantKeys{store: s, tenantID: tenantID}
}

type tenantKeys struct {
	store    *Store
	tenantID string
}

func (k *tenantKeys) Get(ctx context.Context, keyType string, ids []string) (map[string][]byte, error) {
	if len(ids) == 0 {
		return map[string][]byte{}, nil
	}
	keys, err := k.store.backend.GetKeys(ctx, k.tenantID, keyType, ids)
	if err != nil {
		return nil, fmt.Errorf("credstore: get %s keys: %w", keyType, err)
	}
	return keys, nil
}

func (k *tenantKeys) Set(ctx context.Context, updates KeyUpdates) error {
	if len(updates) == 0 {
		return nil
	}
	unlock := k.store.lock(k.tenantID)
	defer unlock()

	if err := k.store.backend.SetKeys(ctx, k.tenantID, updates); err != nil {
		return fmt.Errorf("credstore: set keys: %w", err)
	}
	return nil
}
