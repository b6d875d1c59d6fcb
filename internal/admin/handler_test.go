package admin

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/ban"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/messaging"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/protocol"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/ratelimit"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/session"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/violation"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fakeSessions struct {
	mu      sync.Mutex
	calls   []string
	state   map[string]session.State
	sent    []string
	sendErr error
	sentN   int
	bcErr   error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{state: make(map[string]session.State)}
}

func (f *fakeSessions) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSessions) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSessions) Start(_ context.Context, tenantID string) error {
	f.record("start:" + tenantID)
	f.mu.Lock()
	f.state[tenantID] = session.StateConnecting
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) Stop(_ context.Context, tenantID string) error {
	f.record("stop:" + tenantID)
	f.mu.Lock()
	f.state[tenantID] = session.StateStopped
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) Status(_ context.Context, tenantID string) session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[tenantID]
	if !ok {
		st = session.StateInactive
	}
	return session.Status{TenantID: tenantID, State: st, Connected: st == session.StateReady}
}

func (f *fakeSessions) SendText(_ context.Context, tenantID, to, text string) error {
	f.record("send:" + tenantID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, to+"|"+text)
	return nil
}

func (f *fakeSessions) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSessions) fail(sendErr error, broadcastN int, broadcastErr error) {
	f.mu.Lock()
	f.sendErr, f.sentN, f.bcErr = sendErr, broadcastN, broadcastErr
	f.mu.Unlock()
}

func (f *fakeSessions) Broadcast(_ context.Context, tenantID, _ string) (int, error) {
	f.record("broadcast:" + tenantID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentN, f.bcErr
}

func (f *fakeSessions) Logout(_ context.Context, tenantID string) error {
	f.record("logout:" + tenantID)
	return nil
}

func (f *fakeSessions) ResetCredentials(_ context.Context, tenantID string) error {
	f.record("reset_credentials:" + tenantID)
	return nil
}

type harness struct {
	nc         *messaging.NATSClient
	sessions   *fakeSessions
	violations *violation.Tracker
	bans       *ban.Store
}

func startServer(t *testing.T) string {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(server.Shutdown)
	return server.ClientURL()
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = startServer(t)
	nc, err := messaging.NewNATSClient(natsCfg, nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	h := &harness{
		nc:         nc,
		sessions:   newFakeSessions(),
		violations: violation.NewTracker(rdb),
		bans:       ban.NewStore(rdb),
	}
	handler := NewHandler(cfg, h.sessions, h.violations, h.bans, ratelimit.NewLimiter(rdb, nil), nil)
	require.NoError(t, handler.Register(nc))
	require.NoError(t, nc.Flush())
	return h
}

func (h *harness) call(t *testing.T, op string, req interface{}) protocol.Reply {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := h.nc.Request(ctx, messaging.AdminSubject(op), body)
	require.NoError(t, err)
	reply, err := protocol.ParseReply(raw)
	require.NoError(t, err)
	return reply
}

// ---------------------------------------------------------------------------
// Lifecycle operations
// ---------------------------------------------------------------------------

func TestStartStopStatus(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	reply := h.call(t, OpStart, Request{TenantID: "t1"})
	require.True(t, reply.OK, reply.Error)
	var st session.Status
	require.NoError(t, json.Unmarshal(reply.Data, &st))
	assert.Equal(t, session.StateConnecting, st.State)

	reply = h.call(t, OpStop, Request{TenantID: "t1"})
	require.True(t, reply.OK)
	require.NoError(t, json.Unmarshal(reply.Data, &st))
	assert.Equal(t, session.StateStopped, st.State)

	reply = h.call(t, OpStatus, Request{TenantID: "other"})
	require.True(t, reply.OK)
	require.NoError(t, json.Unmarshal(reply.Data, &st))
	assert.Equal(t, session.StateInactive, st.State)

	assert.Equal(t, []string{"start:t1", "stop:t1"}, h.sessions.Calls())
}

func TestLogoutAndResetCredentials(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.True(t, h.call(t, OpLogout, Request{TenantID: "t1"}).OK)
	require.True(t, h.call(t, OpResetCredentials, Request{TenantID: "t2"}).OK)
	assert.Equal(t, []string{"logout:t1", "reset_credentials:t2"}, h.sessions.Calls())
}

func TestMissingTenantIsBadRequest(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	reply := h.call(t, OpStart, Request{TenantID: "  "})
	assert.False(t, reply.OK)
	assert.Equal(t, protocol.CodeBadRequest, reply.ErrorCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := h.nc.Request(ctx, messaging.AdminSubject(OpStart), []byte("{not json"))
	require.NoError(t, err)
	r, err := protocol.ParseReply(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadRequest, r.ErrorCode)

	assert.Empty(t, h.sessions.Calls())
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func TestSendText(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	reply := h.call(t, OpSendText, Request{TenantID: "t1", To: "966500000001", Text: "hello"})
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, []string{"966500000001|hello"}, h.sessions.Sent())

	var res SendResult
	require.NoError(t, json.Unmarshal(reply.Data, &res))
	assert.Equal(t, ratelimit.RuleSendText.Limit-1, res.Remaining)
}

func TestSendTextValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	tests := []struct {
		name string
		req  Request
	}{
		{"missing recipient", Request{TenantID: "t1", Text: "hi"}},
		{"blank text", Request{TenantID: "t1", To: "9665", Text: "   "}},
		{"too long", Request{TenantID: "t1", To: "9665", Text: strings.Repeat("ا", 5000)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := h.call(t, OpSendText, tt.req)
			assert.False(t, reply.OK)
			assert.Equal(t, protocol.CodeBadRequest, reply.ErrorCode)
		})
	}
	assert.Empty(t, h.sessions.Calls())
}

func TestSendTextErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"not connected", session.ErrNotConnected, protocol.CodeNotConnected},
		{"forbidden", transport.ErrForbidden, protocol.CodeForbidden},
		{"shutdown", session.ErrShutdown, protocol.CodeUnavailable},
		{"other", errors.New("socket reset by peer"), protocol.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.sessions.fail(tt.err, 0, nil)

			reply := h.call(t, OpSendText, Request{TenantID: "t1", To: "9665", Text: "hi"})
			assert.False(t, reply.OK)
			assert.Equal(t, tt.code, reply.ErrorCode)
			assert.NotContains(t, reply.Error, "socket")
		})
	}
}

func TestSendTextIsRateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendText = ratelimit.Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}
	h := newHarness(t, cfg)

	for i := 0; i < 2; i++ {
		reply := h.call(t, OpSendText, Request{TenantID: "t1", To: "9665", Text: "hi"})
		require.True(t, reply.OK)
		var res SendResult
		require.NoError(t, json.Unmarshal(reply.Data, &res))
		assert.Equal(t, 1-i, res.Remaining)
	}
	reply := h.call(t, OpSendText, Request{TenantID: "t1", To: "9665", Text: "hi"})
	assert.False(t, reply.OK)
	assert.Equal(t, protocol.CodeRateLimited, reply.ErrorCode)

	// Limits are per tenant.
	assert.True(t, h.call(t, OpSendText, Request{TenantID: "t2", To: "9665", Text: "hi"}).OK)
	assert.Len(t, h.sessions.Sent(), 3)
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.sessions.fail(nil, 3, errors.New("one chat failed"))

	reply := h.call(t, OpBroadcast, Request{TenantID: "t1", Text: "announcement"})
	require.True(t, reply.OK, reply.Error)
	var res BroadcastResult
	require.NoError(t, json.Unmarshal(reply.Data, &res))
	assert.Equal(t, 3, res.Sent)
}

func TestBroadcastNothingSent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.sessions.fail(nil, 0, session.ErrNotConnected)

	reply := h.call(t, OpBroadcast, Request{TenantID: "t1", Text: "announcement"})
	assert.False(t, reply.OK)
	assert.Equal(t, protocol.CodeNotConnected, reply.ErrorCode)
}

// ---------------------------------------------------------------------------
// Violations and bans
// ---------------------------------------------------------------------------

func TestViolationsListAndReset(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	for _, sender := range []string{"a", "a", "b"} {
		_, err := h.violations.RecordViolation(ctx, "g1@g.us", sender)
		require.NoError(t, err)
	}

	reply := h.call(t, OpListViolations, Request{TenantID: "t1", ChatID: "g1@g.us"})
	require.True(t, reply.OK, reply.Error)
	var entries []ViolationEntry
	require.NoError(t, json.Unmarshal(reply.Data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].SenderID)
	assert.EqualValues(t, 2, entries[0].Count)

	reply = h.call(t, OpResetViolations, Request{TenantID: "t1", ChatID: "g1@g.us", SenderID: "a"})
	require.True(t, reply.OK)
	_, ok, err := h.violations.Get(ctx, "g1@g.us", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	reply = h.call(t, OpResetViolations, Request{TenantID: "t1", ChatID: "g1@g.us"})
	require.True(t, reply.OK)
	var res ResetResult
	require.NoError(t, json.Unmarshal(reply.Data, &res))
	assert.Equal(t, 1, res.Cleared)

	reply = h.call(t, OpResetViolations, Request{TenantID: "t1"})
	assert.Equal(t, protocol.CodeBadRequest, reply.ErrorCode)
}

func TestBansListAndUnban(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.bans.Ban(ctx, "t1", "g1@g.us", "9665001", "spam", "link")
	require.NoError(t, err)

	reply := h.call(t, OpListBans, Request{TenantID: "t1", ChatID: "g1@g.us"})
	require.True(t, reply.OK, reply.Error)
	var entries []BanEntry
	require.NoError(t, json.Unmarshal(reply.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "9665001", entries[0].SenderID)
	assert.Equal(t, "link", entries[0].Category)

	require.True(t, h.call(t, OpUnban, Request{TenantID: "t1", ChatID: "g1@g.us", SenderID: "9665001"}).OK)
	rec, err := h.bans.IsBanned(ctx, "t1", "g1@g.us", "9665001")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMissingDependencyIsUnavailable(t *testing.T) {
	handler := NewHandler(DefaultConfig(), newFakeSessions(), nil, nil, nil, nil)
	out := handler.handle(OpListBans, handler.listBans, []byte(`{"tenant_id":"t1","chat_id":"g"}`))
	reply, err := protocol.ParseReply(out)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeUnavailable, reply.ErrorCode)
}
