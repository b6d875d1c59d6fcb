package policy

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/database"
)

const pgTenant = "policy-test"

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	cleanup := func() {
		db.ExecContext(context.Background(), `DELETE FROM chat_policies WHERE tenant_id = $1`, pgTenant)
		db.ExecContext(context.Background(), `DELETE FROM banned_terms WHERE tenant_id = $1`, pgTenant)
		db.ExecContext(context.Background(), `DELETE FROM tenant_owners WHERE tenant_id = $1`, pgTenant)
	}
	cleanup()
	t.Cleanup(cleanup)

	stmts := []string{
		`INSERT INTO chat_policies (tenant_id, chat_id, name, protection_enabled, auto_kick,
			max_warnings_before_kick, mute_duration_seconds, block_links)
		 VALUES ($1, 'g1@g.us', 'Main', TRUE, TRUE, 2, 60, TRUE),
		        ($1, 'g2@g.us', 'Quiet', FALSE, FALSE, 3, 0, FALSE)`,
		`INSERT INTO chat_exceptions (tenant_id, chat_id, sender_id, name, reason)
		 VALUES ($1, 'g1@g.us', '966500000009', 'Moderator', 'staff')`,
		`INSERT INTO banned_terms (tenant_id, term, normalized_term, match_type, severity, action, category)
		 VALUES ($1, 'spam', 'spam', 'contains', 'high', 'kick', 'banned_word'),
		        ($1, 'old', 'old', 'exact', 'low', 'delete', 'banned_word')`,
		`UPDATE banned_terms SET active = FALSE WHERE tenant_id = $1 AND term = 'old'`,
	}
	for _, q := range stmts {
		_, err := db.ExecContext(ctx, q, pgTenant)
		require.NoError(t, err, q)
	}
}

func TestPostgresChatPolicy(t *testing.T) {
	db := database.OpenTest(t)
	seed(t, db)
	s := NewPostgres(db)
	ctx := context.Background()

	p, err := s.ChatPolicy(ctx, pgTenant, "g1@g.us")
	require.NoError(t, err)
	assert.True(t, p.ProtectionEnabled)
	assert.True(t, p.Settings.AutoKick)
	assert.True(t, p.Settings.BlockLinks)
	assert.Equal(t, 2, p.Settings.MaxWarningsBeforeKick)
	assert.Equal(t, float64(60), p.Settings.MuteDuration.Seconds())
	require.Len(t, p.Exceptions, 1)
	assert.Equal(t, "966500000009", p.Exceptions[0].SenderID)

	missing, err := s.ChatPolicy(ctx, pgTenant, "unknown@g.us")
	require.NoError(t, err)
	assert.False(t, missing.ProtectionEnabled)
	assert.Equal(t, DefaultChatSettings(), missing.Settings)

	chats, err := s.ProtectedChats(ctx, pgTenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1@g.us"}, chats)
}

func TestPostgresBannedTermsAndDetections(t *testing.T) {
	db := database.OpenTest(t)
	seed(t, db)
	s := NewPostgres(db)
	ctx := context.Background()

	terms, err := s.ActiveBannedTerms(ctx, pgTenant)
	require.NoError(t, err)

	var own *BannedTerm
	for i := range terms {
		if terms[i].TenantID == pgTenant {
			require.Nil(t, own, "only the active tenant term is returned")
			own = &terms[i]
		}
	}
	require.NotNil(t, own)
	assert.Equal(t, "spam", own.Term)
	assert.Equal(t, ActionKick, own.Action)
	assert.Nil(t, own.LastDetectedAt)

	require.NoError(t, s.RecordDetection(ctx, own.ID))
	require.NoError(t, s.RecordDetection(ctx, own.ID))

	terms, err = s.ActiveBannedTerms(ctx, pgTenant)
	require.NoError(t, err)
	for _, term := range terms {
		if term.ID == own.ID {
			assert.EqualValues(t, 2, term.DetectionCount)
			assert.NotNil(t, term.LastDetectedAt)
		}
	}
}

func TestPostgresOwnerNumber(t *testing.T) {
	db := database.OpenTest(t)
	seed(t, db)
	s := NewPostgres(db)
	ctx := context.Background()

	g, err := s.GlobalPolicy(ctx, pgTenant)
	require.NoError(t, err)
	assert.Empty(t, g.OwnerNumber)

	require.NoError(t, s.UpsertOwnerNumber(ctx, pgTenant, "966500000000"))
	require.NoError(t, s.UpsertOwnerNumber(ctx, pgTenant, "966500000001"))

	g, err = s.GlobalPolicy(ctx, pgTenant)
	require.NoError(t, err)
	assert.Equal(t, "966500000001", g.OwnerNumber)
}
