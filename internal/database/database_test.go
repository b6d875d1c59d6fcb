package database

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	assert.Positive(t, up)
	assert.Equal(t, up, down, "every up migration needs a down migration")
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := OpenTest(t)
	require.NoError(t, Migrate(db), "second run must be a no-op")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM global_policy`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	mr.Close()
	_, err = OpenRedis(context.Background(), mr.Addr(), "", 0)
	assert.Error(t, err)
}
