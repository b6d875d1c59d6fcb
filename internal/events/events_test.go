package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/messaging"
)

func TestNATSPublisher(t *testing.T) {
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go server.Start()
	require.True(t, server.ReadyForConnections(5*time.Second))
	defer server.Shutdown()

	cfg := messaging.DefaultNATSConfig()
	cfg.URL = server.ClientURL()
	client, err := messaging.NewNATSClient(cfg, nil)
	require.NoError(t, err)
	defer client.Close()

	got := make(chan *nats.Msg, 4)
	require.NoError(t, client.Subscribe("test", "guard.>", func(m *nats.Msg) { got <- m }))
	require.NoError(t, client.Flush())

	pub := NewNATSPublisher(client, nil)
	ctx := context.Background()
	require.NoError(t, pub.Lifecycle(ctx, Lifecycle{Type: Stopped, TenantID: "t1", NeedsReauth: true}))
	require.NoError(t, pub.Moderation(ctx, Moderation{Type: ViolationDetected, TenantID: "t1", ChatID: "c@g.us", Action: "delete"}))

	msg := receive(t, got)
	assert.Equal(t, "guard.lifecycle.t1", msg.Subject)
	var lc Lifecycle
	require.NoError(t, json.Unmarshal(msg.Data, &lc))
	assert.Equal(t, Stopped, lc.Type)
	assert.True(t, lc.NeedsReauth)
	assert.NotEmpty(t, lc.ID)
	assert.False(t, lc.Timestamp.IsZero())

	msg = receive(t, got)
	assert.Equal(t, "guard.moderation.t1", msg.Subject)
	var mod Moderation
	require.NoError(t, json.Unmarshal(msg.Data, &mod))
	assert.Equal(t, ViolationDetected, mod.Type)
	assert.Equal(t, "c@g.us", mod.ChatID)
}

func receive(t *testing.T, ch <-chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	r.Lifecycle(ctx, Lifecycle{Type: AwaitingScan, TenantID: "t1"})
	r.Lifecycle(ctx, Lifecycle{Type: Ready, TenantID: "t1"})
	r.Lifecycle(ctx, Lifecycle{Type: Ready, TenantID: "t2"})
	r.Moderation(ctx, Moderation{Type: ActionResult})

	assert.Equal(t, []LifecycleType{AwaitingScan, Ready}, r.LifecycleTypes("t1"))
	assert.Len(t, r.Moderations(ActionResult), 1)
	assert.Empty(t, r.Moderations(ViolationDetected))
}
