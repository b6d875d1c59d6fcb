package credstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/database"
)

func TestPostgresBackend(t *testing.T) {
	db := database.OpenTest(t)
	backend := NewPostgres(db)
	ctx := context.Background()
	const tenant = "credstore-test"

	require.NoError(t, backend.Delete(ctx, tenant))
	t.Cleanup(func() { backend.Delete(context.Background(), tenant) })

	_, err := backend.LoadCreds(ctx, tenant)
	require.ErrorIs(t, err, ErrNotFound)

	s := New(backend, nil)
	state, res, err := s.Load(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, res.Fresh)

	stored, err := backend.LoadCreds(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, state.Creds.SignedPreKey.KeyPair.Private, stored.SignedPreKey.KeyPair.Private)

	binary := []byte{0x00, 0xff, 0x10, 0x00, 0x7f}
	require.NoError(t, state.Keys.Set(ctx, KeyUpdates{"session": {"a": binary, "b": {1}}}))
	require.NoError(t, state.Keys.Set(ctx, KeyUpdates{"session": {"b": nil}}))

	got, err := state.Keys.Get(ctx, "session", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": binary}, got)
}
