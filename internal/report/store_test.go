package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/chat"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/database"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
)

func sample() *Report {
	return &Report{
		TenantID:        "t1",
		ChatID:          "1203@g.us",
		SenderID:        "966511111111@s.whatsapp.net",
		MessageID:       "M1",
		MessageText:     "هذا سبام واضح",
		Term:            "سبام",
		Category:        policy.DefaultCategory,
		Severity:        policy.SeverityMedium,
		RequestedAction: policy.ActionKick,
		AppliedAction:   policy.ActionWarn,
		ViolationCount:  2,
		Context:         []chat.BufferedMessage{{MessageID: "M0", Text: "مرحبا"}},
	}
}

func TestMemoryCreate(t *testing.T) {
	m := NewMemory()
	r := sample()
	require.NoError(t, m.Create(context.Background(), r))

	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())
	all := m.All()
	require.Len(t, all, 1)
	assert.Equal(t, policy.ActionWarn, all[0].AppliedAction)
}

func TestCreateRejectsUnknownActions(t *testing.T) {
	m := NewMemory()

	r := sample()
	r.RequestedAction = "mute"
	assert.Error(t, m.Create(context.Background(), r))

	r = sample()
	r.AppliedAction = ""
	assert.Error(t, m.Create(context.Background(), r))
	assert.Empty(t, m.All())
}

func TestPostgresStore(t *testing.T) {
	db := database.OpenTest(t)
	s := NewStore(db)
	ctx := context.Background()

	r := sample()
	r.TenantID = "report-test-" + time.Now().Format("150405.000000")
	require.NoError(t, s.Create(ctx, r))
	t.Cleanup(func() {
		db.Exec(`DELETE FROM moderation_reports WHERE tenant_id = $1`, r.TenantID)
	})

	n, err := s.CountRecent(ctx, r.TenantID, r.SenderID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.ListByChat(ctx, r.TenantID, r.ChatID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.ID, list[0].ID)
	assert.Equal(t, policy.ActionKick, list[0].RequestedAction)
	require.Len(t, list[0].Context, 1)
	assert.Equal(t, "مرحبا", list[0].Context[0].Text)
}
