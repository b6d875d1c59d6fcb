// Package messaging provides a NATS client wrapper shared by the guard's
// event publisher, admin handlers and the protocol engine bridge. It owns
// the connection lifecycle and keeps subscriptions keyed for cleanup.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subject patterns used by the guard.
const (
	SubjectLifecycle  = "guard.lifecycle"  // + .<tenant_id>
	SubjectModeration = "guard.moderation" // + .<tenant_id>
	SubjectAdmin      = "guard.admin"      // + .<op>
)

// LifecycleSubject returns the lifecycle event subject of a tenant.
func LifecycleSubject(tenantID string) string {
	return SubjectLifecycle + "." + tenantID
}

// ModerationSubject returns the moderation event subject of a tenant.
func ModerationSubject(tenantID string) string {
	return SubjectModeration + "." + tenantID
}

// AdminSubject returns the request subject of an admin operation.
func AdminSubject(op string) string {
	return SubjectAdmin + "." + op
}

// NATSClient wraps the NATS connection with helper methods for pub/sub and
// request/reply.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "guardd",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}
	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Conn exposes the underlying connection.
func (c *NATSClient) Conn() *nats.Conn {
	return c.conn
}

// Connected reports whether the connection is currently usable.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Publish sends data to the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Request sends data and waits for a single reply, bounded by ctx.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("messaging: request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe registers handler for subject. The subscription is stored under
// key so several subscriptions to one subject can coexist and be removed
// independently. An existing subscription under key is replaced.
func (c *NATSClient) Subscribe(key, subject string, handler nats.MsgHandler) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	c.store(key, sub)
	return nil
}

// QueueSubscribe is Subscribe with a queue group, so only one guard
// instance handles each message.
func (c *NATSClient) QueueSubscribe(key, subject, queue string, handler nats.MsgHandler) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("messaging: queue subscribe %s: %w", subject, err)
	}
	c.store(key, sub)
	return nil
}

func (c *NATSClient) store(key string, sub *nats.Subscription) {
	c.mu.Lock()
	old, ok := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if ok {
		if err := old.Unsubscribe(); err != nil {
			c.logger.Debug("replace subscription", zap.String("key", key), zap.Error(err))
		}
	}
}

// Unsubscribe removes the subscription stored under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("messaging: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", key, err)
	}
	return nil
}

// Flush waits until the server has processed everything sent so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", zap.String("key", key), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("drain connection", zap.Error(err))
	}
}
