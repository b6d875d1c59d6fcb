// Package bridge implements transport.Engine on top of NATS. An external
// protocol engine process owns the network sockets and the cryptographic
// handshake; the guard exchanges JSON messages with it per tenant:
//
//	<prefix>.<tenant>.cmd     guard -> engine requests (connect, send_text, ...)
//	<prefix>.<tenant>.events  engine -> guard events (qr, open, close, creds, message)
//	<prefix>.<tenant>.keys    engine -> guard key store requests
//
// Outbound requests are paced per tenant so a burst of enforcement actions
// cannot flood the engine.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/credstore"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/messaging"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/protocol"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
)

// Config controls the bridge.
type Config struct {
	SubjectPrefix  string
	RequestsPerSec float64
	Burst          int
	EventBuffer    int
	KeysTimeout    time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix:  "wa.bridge",
		RequestsPerSec: 5,
		Burst:          10,
		EventBuffer:    256,
		KeysTimeout:    10 * time.Second,
	}
}

// Engine connects tenants through the bridge.
type Engine struct {
	nc     *messaging.NATSClient
	cfg    Config
	logger *zap.Logger
}

// New creates a bridge engine.
func New(nc *messaging.NATSClient, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if cfg.KeysTimeout <= 0 {
		cfg.KeysTimeout = DefaultConfig().KeysTimeout
	}
	return &Engine{nc: nc, cfg: cfg, logger: logger.Named("bridge")}
}

func (e *Engine) subject(tenantID, kind string) string {
	return e.cfg.SubjectPrefix + "." + tenantID + "." + kind
}

// Connect subscribes to the tenant's event and key subjects, then asks the
// engine to open the connection with the given credentials.
func (e *Engine) Connect(ctx context.Context, state credstore.AuthState) (transport.Conn, error) {
	if state.TenantID == "" || state.Creds == nil || state.Keys == nil {
		return nil, errors.New("bridge: connect: incomplete auth state")
	}

	limit := rate.Inf
	if e.cfg.RequestsPerSec > 0 {
		limit = rate.Limit(e.cfg.RequestsPerSec)
	}
	burst := e.cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &conn{
		engine:   e,
		tenantID: state.TenantID,
		keys:     state.Keys,
		limiter:  rate.NewLimiter(limit, burst),
		events:   make(chan transport.Event, e.cfg.EventBuffer),
		done:     make(chan struct{}),
		logger:   e.logger.With(zap.String("tenant_id", state.TenantID)),
		subKeys:  []string{subKey(state.TenantID, "events"), subKey(state.TenantID, "keys")},
	}

	if err := e.nc.Subscribe(c.subKeys[0], e.subject(state.TenantID, "events"), c.handleEvent); err != nil {
		return nil, fmt.Errorf("bridge: connect: %w", err)
	}
	if err := e.nc.Subscribe(c.subKeys[1], e.subject(state.TenantID, "keys"), c.handleKeys); err != nil {
		c.unsubscribe()
		return nil, fmt.Errorf("bridge: connect: %w", err)
	}

	creds, err := json.Marshal(state.Creds)
	if err != nil {
		c.unsubscribe()
		return nil, fmt.Errorf("bridge: connect: encode creds: %w", err)
	}
	cmd := protocol.ConnectCommand{
		Type:     protocol.TypeConnect,
		TenantID: state.TenantID,
		Creds:    creds,
	}
	if _, err := c.request(ctx, &cmd.RequestID, &cmd); err != nil {
		c.finish(nil)
		return nil, fmt.Errorf("bridge: connect: %w", err)
	}
	return c, nil
}

func subKey(tenantID, kind string) string {
	return "bridge:" + tenantID + ":" + kind
}

// replyError maps an engine error reply onto the transport sentinels.
func replyError(r protocol.Reply) error {
	var base error
	switch r.ErrorCode {
	case protocol.CodeAuthRejected:
		base = transport.ErrAuthRejected
	case protocol.CodeNotParticipant:
		base = transport.ErrNotParticipant
	case protocol.CodeForbidden:
		base = transport.ErrForbidden
	case protocol.CodeClosed:
		base = transport.ErrClosed
	default:
		if r.Error == "" {
			return fmt.Errorf("engine error %q", r.ErrorCode)
		}
		return fmt.Errorf("engine error %q: %s", r.ErrorCode, r.Error)
	}
	if r.Error == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, r.Error)
}
