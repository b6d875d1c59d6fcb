package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/credstore"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/events"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/jid"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/metrics"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
)

var (
	// ErrNotConnected is returned by send operations on a tenant whose
	// session is not READY.
	ErrNotConnected = errors.New("session: not connected")

	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("session: manager shut down")

	errHandshakeTimeout = errors.New("session: handshake timed out")
	errCredsLoad        = errors.New("session: load credentials")
)

// Lifecycle ERROR events carry this text instead of the underlying error.
const credentialsUnavailable = "credentials unavailable"

// lastSeenPersistInterval throttles last_seen_at writes on busy sessions.
const lastSeenPersistInterval = time.Minute

// MessageHandler receives every inbound message of a tenant, one at a
// time and in arrival order.
type MessageHandler func(ctx context.Context, conn transport.Conn, tenantID string, msg transport.Message)

// PolicyStore is the policy access the manager needs.
type PolicyStore interface {
	UpsertOwnerNumber(ctx context.Context, tenantID, number string) error
	ProtectedChats(ctx context.Context, tenantID string) ([]string, error)
}

// Config holds manager settings.
type Config struct {
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	QueryTimeout     time.Duration
	QRImage          bool
	QRSize           int
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:   2 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		QueryTimeout:     10 * time.Second,
		QRImage:          true,
		QRSize:           DefaultQRSize,
	}
}

// Deps are the manager's collaborators. Engine and Creds are required.
type Deps struct {
	Engine   transport.Engine
	Creds    *credstore.Store
	Status   *Store
	Policies PolicyStore
	Events   events.Publisher
	Handler  MessageHandler
}

// Status is a tenant's current session status.
type Status struct {
	TenantID    string    `json:"tenant_id"`
	Connected   bool      `json:"connected"`
	State       State     `json:"state"`
	Owner       string    `json:"owner,omitempty"`
	NeedsReauth bool      `json:"needs_reauth,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// slot is the registry entry of one tenant. op serializes lifecycle
// operations; mu guards the fields. gen is bumped whenever the active
// connection is replaced or torn down, so work started for an older
// connection can tell it is stale.
type slot struct {
	op sync.Mutex

	mu            sync.Mutex
	gen           uint64
	state         State
	conn          transport.Conn
	cancel        context.CancelFunc
	done          chan struct{}
	reconnect     *time.Timer
	owner         string
	needsReauth   bool
	lastSeen      time.Time
	lastPersisted time.Time
}

// setStateLocked must be called with s.mu held.
func (s *slot) setStateLocked(st State) {
	if s.state == st {
		return
	}
	metrics.SessionsByState.WithLabelValues(string(s.state)).Dec()
	metrics.SessionsByState.WithLabelValues(string(st)).Inc()
	s.state = st
}

// Manager is the registry of tenant sessions.
type Manager struct {
	cfg    Config
	d      Deps
	logger *zap.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// NewManager creates a manager.
func NewManager(cfg Config, d Deps, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		d:      d,
		logger: logger.Named("session"),
		slots:  make(map[string]*slot),
	}
}

func (m *Manager) acquire(tenantID string) (*slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	s, ok := m.slots[tenantID]
	if !ok {
		s = &slot{state: StateInactive}
		metrics.SessionsByState.WithLabelValues(string(StateInactive)).Inc()
		m.slots[tenantID] = s
	}
	return s, nil
}

func (m *Manager) lookup(tenantID string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[tenantID]
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Counts returns how many tenant sessions are in each state.
func (m *Manager) Counts() map[State]int {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	out := make(map[State]int)
	for _, s := range slots {
		s.mu.Lock()
		out[s.state]++
		s.mu.Unlock()
	}
	return out
}

// Start connects tenantID, replacing any connection it already has. The
// call returns once the connection attempt is under way; progress is
// reported through lifecycle events.
func (m *Manager) Start(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("session: start: empty tenant id")
	}
	s, err := m.acquire(tenantID)
	if err != nil {
		return err
	}
	s.op.Lock()
	defer s.op.Unlock()
	return m.start(ctx, tenantID, s)
}

// start must be called with s.op held.
func (m *Manager) start(ctx context.Context, tenantID string, s *slot) error {
	logger := m.logger.With(zap.String("tenant", tenantID))
	m.detach(s)

	state, res, err := m.d.Creds.Load(ctx, tenantID)
	if err != nil {
		logger.Error("load credentials", zap.Error(err))
		m.publish(tenantID, events.Lifecycle{Type: events.Error, Message: credentialsUnavailable})
		return fmt.Errorf("%w: %w", errCredsLoad, err)
	}
	switch {
	case res.Recovered:
		logger.Warn("stored credentials were incomplete, starting fresh",
			zap.Strings("missing", res.Missing))
	case res.Fresh:
		logger.Info("no stored credentials, pairing required")
	}

	conn, err := m.d.Engine.Connect(ctx, state)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if err != nil {
		logger.Warn("connect failed", zap.Error(err))
		m.onClose(tenantID, s, gen, err)
		return fmt.Errorf("session: connect: %w", err)
	}

	supCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.conn, s.cancel, s.done = conn, cancel, done
	s.needsReauth = false
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	m.persistState(tenantID, StateConnecting, false)

	go m.supervise(supCtx, tenantID, s, gen, conn, done)
	logger.Info("session starting")
	return nil
}

// detach tears down the slot's connection and waits for its supervisor to
// exit. Must be called with s.op held.
func (m *Manager) detach(s *slot) {
	s.mu.Lock()
	s.gen++
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	conn, cancel, done := s.conn, s.cancel, s.done
	s.conn, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close connection", zap.Error(err))
		}
	}
	if done != nil {
		<-done
	}
}

// supervise is the single consumer of one connection's event stream.
func (m *Manager) supervise(ctx context.Context, tenantID string, s *slot, gen uint64, conn transport.Conn, done chan struct{}) {
	defer close(done)
	logger := m.logger.With(zap.String("tenant", tenantID))

	handshake := time.NewTimer(m.cfg.HandshakeTimeout)
	defer handshake.Stop()
	timeout := handshake.C

	stream := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case <-timeout:
			logger.Warn("handshake timed out", zap.Duration("after", m.cfg.HandshakeTimeout))
			m.onClose(tenantID, s, gen, errHandshakeTimeout)
			return

		case ev, ok := <-stream:
			if !ok {
				m.onClose(tenantID, s, gen, transport.ErrClosed)
				return
			}
			switch ev := ev.(type) {
			case transport.QR:
				timeout = nil
				m.onQR(tenantID, s, gen, ev.Code)

			case transport.Opened:
				timeout = nil
				m.onOpened(ctx, tenantID, s, gen, ev)

			case transport.Closed:
				m.onClose(tenantID, s, gen, ev.Err)
				return

			case transport.CredsUpdated:
				if err := m.d.Creds.SaveCreds(ctx, tenantID, ev.Creds); err != nil {
					logger.Error("save credentials", zap.Error(err))
				}

			case transport.MessageReceived:
				m.touch(tenantID, s, gen)
				if m.d.Handler != nil {
					m.d.Handler(ctx, conn, tenantID, ev.Message)
				}
			}
		}
	}
}

func (m *Manager) onQR(tenantID string, s *slot, gen uint64, code string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateAwaitingScan)
	s.mu.Unlock()

	ev := events.Lifecycle{Type: events.AwaitingScan, Code: code}
	if m.cfg.QRImage {
		img, err := RenderQR(code, m.cfg.QRSize)
		if err != nil {
			m.logger.Warn("qr image not rendered", zap.String("tenant", tenantID), zap.Error(err))
		} else {
			ev.Image = img
		}
	}
	m.persistState(tenantID, StateAwaitingScan, false)
	m.publish(tenantID, ev)
}

func (m *Manager) onOpened(ctx context.Context, tenantID string, s *slot, gen uint64, ev transport.Opened) {
	owner := jid.Digits(ev.Self)
	now := time.Now()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.owner = owner
	s.lastSeen, s.lastPersisted = now, now
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	logger := m.logger.With(zap.String("tenant", tenantID), zap.String("owner", owner))
	logger.Info("session ready")

	qctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()
	if m.d.Policies != nil && owner != "" {
		if err := m.d.Policies.UpsertOwnerNumber(qctx, tenantID, owner); err != nil {
			logger.Warn("owner number not stored", zap.Error(err))
		}
	}
	if m.d.Status != nil {
		if err := m.d.Status.SetDevice(qctx, tenantID, ev.Self, ev.PushName, ev.Platform); err != nil {
			logger.Warn("device not stored", zap.Error(err))
		}
	}
	m.persistState(tenantID, StateReady, false)
	m.publish(tenantID, events.Lifecycle{Type: events.Ready, Owner: owner})
}

// onClose handles the end of connection gen. Auth rejection is terminal;
// anything else schedules exactly one reconnect.
func (m *Manager) onClose(tenantID string, s *slot, gen uint64, cause error) {
	logger := m.logger.With(zap.String("tenant", tenantID))

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil

	if errors.Is(cause, transport.ErrAuthRejected) {
		s.needsReauth = true
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		release(conn, cancel)

		logger.Warn("credentials rejected, re-authentication required")
		ctx, done := context.WithTimeout(context.Background(), m.cfg.QueryTimeout)
		defer done()
		if _, err := m.d.Creds.Reset(ctx, tenantID); err != nil {
			logger.Error("reset credentials", zap.Error(err))
		}
		m.persistState(tenantID, StateStopped, true)
		m.publish(tenantID, events.Lifecycle{Type: events.Stopped, NeedsReauth: true})
		return
	}

	s.setStateLocked(StateDisconnected)
	s.reconnect = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnect(tenantID, s, gen)
	})
	s.mu.Unlock()
	release(conn, cancel)

	metrics.ReconnectsTotal.Inc()
	logger.Info("connection closed, reconnect scheduled",
		zap.Duration("delay", m.cfg.ReconnectDelay), zap.NamedError("cause", cause))
	m.persistState(tenantID, StateDisconnected, false)
	m.publish(tenantID, events.Lifecycle{Type: events.Disconnected})
}

func release(conn transport.Conn, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) reconnect(tenantID string, s *slot, gen uint64) {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	stale := s.gen != gen
	if !stale {
		s.reconnect = nil
	}
	s.mu.Unlock()
	if stale || m.isClosed() {
		return
	}
	err := m.start(context.Background(), tenantID, s)
	if err == nil {
		return
	}
	m.logger.Warn("reconnect failed", zap.String("tenant", tenantID), zap.Error(err))
	// Connect failures schedule their own retry inside start. A load failure
	// happens before any connection exists, so the retry is scheduled here.
	if errors.Is(err, errCredsLoad) {
		s.mu.Lock()
		s.gen++
		gen := s.gen
		s.mu.Unlock()
		m.onClose(tenantID, s, gen, err)
	}
}

func (m *Manager) touch(tenantID string, s *slot, gen uint64) {
	now := time.Now()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lastSeen = now
	persist := now.Sub(s.lastPersisted) >= lastSeenPersistInterval
	if persist {
		s.lastPersisted = now
	}
	s.mu.Unlock()

	if persist && m.d.Status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.QueryTimeout)
		defer cancel()
		if err := m.d.Status.Touch(ctx, tenantID, now); err != nil {
			m.logger.Debug("last seen not stored", zap.String("tenant", tenantID), zap.Error(err))
		}
	}
}

// Stop disconnects tenantID and cancels any pending reconnect. Stopping a
// tenant without a session is a no-op. Teardown errors are logged, not
// returned.
func (m *Manager) Stop(ctx context.Context, tenantID string) error {
	s := m.lookup(tenantID)
	if s == nil {
		return nil
	}
	s.op.Lock()
	defer s.op.Unlock()

	m.detach(s)
	s.mu.Lock()
	s.setStateLocked(StateStopped)
	s.mu.Unlock()

	m.persistState(tenantID, StateStopped, false)
	m.publish(tenantID, events.Lifecycle{Type: events.Stopped})
	m.logger.Info("session stopped", zap.String("tenant", tenantID))
	return nil
}

// Logout unlinks the device from the account, stops the session and
// deletes the stored credentials. The next Start pairs from scratch.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	return m.reset(ctx, tenantID, true)
}

// ResetCredentials stops the session and deletes the stored credentials
// without contacting the network.
func (m *Manager) ResetCredentials(ctx context.Context, tenantID string) error {
	return m.reset(ctx, tenantID, false)
}

func (m *Manager) reset(ctx context.Context, tenantID string, remote bool) error {
	s, err := m.acquire(tenantID)
	if err != nil {
		return err
	}
	s.op.Lock()
	defer s.op.Unlock()

	// Fence first so the close caused by the logout is not handled as an
	// auth rejection by the supervisor.
	s.mu.Lock()
	s.gen++
	conn := s.conn
	s.mu.Unlock()

	if remote && conn != nil {
		lctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
		if err := conn.Logout(lctx); err != nil {
			m.logger.Warn("remote logout failed", zap.String("tenant", tenantID), zap.Error(err))
		}
		cancel()
	}
	m.detach(s)

	if err := m.d.Creds.Delete(ctx, tenantID); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}

	s.mu.Lock()
	s.needsReauth = true
	s.owner = ""
	s.setStateLocked(StateStopped)
	s.mu.Unlock()

	m.persistState(tenantID, StateStopped, true)
	m.publish(tenantID, events.Lifecycle{Type: events.Stopped, NeedsReauth: true})
	m.logger.Info("credentials reset", zap.String("tenant", tenantID), zap.Bool("remote", remote))
	return nil
}

// Status returns the tenant's session status. Tenants this process has not
// touched are reported from the persisted record, never as connected.
func (m *Manager) Status(ctx context.Context, tenantID string) Status {
	if s := m.lookup(tenantID); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return Status{
			TenantID:    tenantID,
			Connected:   s.state == StateReady && s.conn != nil,
			State:       s.state,
			Owner:       s.owner,
			NeedsReauth: s.needsReauth,
			LastSeenAt:  s.lastSeen,
		}
	}

	st := Status{TenantID: tenantID, State: StateInactive}
	if m.d.Status == nil {
		return st
	}
	rec, err := m.d.Status.Get(ctx, tenantID)
	if err != nil {
		m.logger.Warn("status lookup failed", zap.String("tenant", tenantID), zap.Error(err))
		return st
	}
	if rec != nil {
		st.State = State(rec.State)
		st.Owner = jid.Digits(rec.Owner)
		st.NeedsReauth = rec.NeedsReauth
		if rec.LastSeenAt > 0 {
			st.LastSeenAt = time.Unix(rec.LastSeenAt, 0)
		}
	}
	return st
}

func (m *Manager) readyConn(tenantID string) (transport.Conn, error) {
	s := m.lookup(tenantID)
	if s == nil {
		return nil, ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// SendText sends text to a chat or a phone number from the tenant's
// account.
func (m *Manager) SendText(ctx context.Context, tenantID, to, text string) error {
	conn, err := m.readyConn(tenantID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()
	if err := conn.SendText(ctx, jid.User(to), text, nil); err != nil {
		return fmt.Errorf("session: send text: %w", err)
	}
	return nil
}

// Broadcast sends text to every protected chat of the tenant and returns
// how many sends succeeded. Individual failures are joined into the error.
func (m *Manager) Broadcast(ctx context.Context, tenantID, text string) (int, error) {
	conn, err := m.readyConn(tenantID)
	if err != nil {
		return 0, err
	}
	if m.d.Policies == nil {
		return 0, nil
	}
	chats, err := m.d.Policies.ProtectedChats(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("session: broadcast: %w", err)
	}

	sent := 0
	var errs []error
	for _, chatID := range chats {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
		err := conn.SendText(sctx, chatID, text, nil)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", chatID, err))
			continue
		}
		sent++
	}
	if len(errs) > 0 {
		return sent, fmt.Errorf("session: broadcast: %w", errors.Join(errs...))
	}
	return sent, nil
}

// RestoreAll starts every tenant whose persisted status shows it was
// connected when the previous process exited. It returns how many starts
// succeeded.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	if m.d.Status == nil {
		return 0, nil
	}
	recs, err := m.d.Status.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: restore: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		if !State(rec.State).Restorable() {
			continue
		}
		if err := m.Start(ctx, rec.TenantID); err != nil {
			m.logger.Warn("restore failed", zap.String("tenant", rec.TenantID), zap.Error(err))
			continue
		}
		restored++
	}
	m.logger.Info("sessions restored", zap.Int("count", restored))
	return restored, nil
}

// Shutdown stops every supervisor. Persisted states are left as they are
// so RestoreAll can resume the sessions on the next boot.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			s.op.Lock()
			defer s.op.Unlock()
			m.detach(s)
		}(s)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) persistState(tenantID string, st State, needsReauth bool) {
	if m.d.Status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.QueryTimeout)
	defer cancel()
	if err := m.d.Status.SetState(ctx, tenantID, st, needsReauth); err != nil {
		m.logger.Warn("status not stored", zap.String("tenant", tenantID), zap.Error(err))
	}
}

func (m *Manager) publish(tenantID string, ev events.Lifecycle) {
	if m.d.Events == nil {
		return
	}
	ev.TenantID = tenantID
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.QueryTimeout)
	defer cancel()
	if err := m.d.Events.Lifecycle(ctx, ev); err != nil {
		m.logger.Debug("lifecycle event not published",
			zap.String("tenant", tenantID), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
