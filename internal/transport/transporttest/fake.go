// Package transporttest provides an in-process transport.Engine for tests.
// Tests drive the event stream by hand and inspect the calls the code under
// test made.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/credstore"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
)

// Call records one operation made on a Conn.
type Call struct {
	Op       string
	ChatID   string
	Target   string
	Text     string
	Mentions []string
}

// Engine hands out Conns and remembers every one of them.
type Engine struct {
	mu         sync.Mutex
	conns      []*Conn
	connectErr error
	notify     chan *Conn

	// Metadata is returned by every Conn's GroupMetadata.
	Metadata map[string]*transport.GroupMetadata
}

// NewEngine creates an engine.
func NewEngine() *Engine {
	return &Engine{
		notify:   make(chan *Conn, 64),
		Metadata: make(map[string]*transport.GroupMetadata),
	}
}

// FailConnect makes subsequent Connect calls return err.
func (e *Engine) FailConnect(err error) {
	e.mu.Lock()
	e.connectErr = err
	e.mu.Unlock()
}

func (e *Engine) Connect(ctx context.Context, state credstore.AuthState) (transport.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connectErr != nil {
		return nil, e.connectErr
	}
	c := NewConn(state)
	c.metadata = e.Metadata
	e.conns = append(e.conns, c)
	select {
	case e.notify <- c:
	default:
	}
	return c, nil
}

// Connected returns the channel each new Conn is announced on.
func (e *Engine) Connected() <-chan *Conn {
	return e.notify
}

// Conns returns every Conn handed out so far.
func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

// Active counts the Conns that have not been closed.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.conns {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

// Conn is a scripted transport.Conn.
type Conn struct {
	State credstore.AuthState

	events   chan transport.Event
	metadata map[string]*transport.GroupMetadata

	mu       sync.Mutex
	calls    []Call
	failures map[string]error
	closed   bool
}

// NewConn creates a standalone Conn.
func NewConn(state credstore.AuthState) *Conn {
	return &Conn{
		State:    state,
		events:   make(chan transport.Event, 64),
		metadata: make(map[string]*transport.GroupMetadata),
		failures: make(map[string]error),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (c *Conn) Fail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// SetGroup registers the metadata GroupMetadata returns for md.ID.
func (c *Conn) SetGroup(md *transport.GroupMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[md.ID] = md
}

// Emit pushes an event to the stream. It is a no-op once closed.
func (c *Conn) Emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// Drop emits a Closed event with err and ends the stream, as if the
// network dropped the connection.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- transport.Closed{Err: err}
	c.closed = true
	close(c.events)
}

// Calls returns the recorded operations.
func (c *Conn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsOf returns the recorded operations named op.
func (c *Conn) CallsOf(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// IsClosed reports whether Close or Drop was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) record(call Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if c.closed && call.Op != "close" {
		return transport.ErrClosed
	}
	return c.failures[call.Op]
}

func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

func (c *Conn) SendText(ctx context.Context, chatID, text string, mentions []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.record(Call{Op: "send_text", ChatID: chatID, Text: text, Mentions: mentions})
}

func (c *Conn) DeleteMessage(ctx context.Context, key transport.MessageKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.record(Call{Op: "delete", ChatID: key.ChatID, Target: key.ID})
}

func (c *Conn) RemoveParticipant(ctx context.Context, chatID, participantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.record(Call{Op: "remove_participant", ChatID: chatID, Target: participantID})
}

func (c *Conn) GroupMetadata(ctx context.Context, chatID string) (*transport.GroupMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.record(Call{Op: "group_metadata", ChatID: chatID}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	md, ok := c.metadata[chatID]
	c.mu.Unlock()
	if !ok {
		return nil, errors.New("transporttest: unknown group")
	}
	return md, nil
}

func (c *Conn) Logout(ctx context.Context) error {
	return c.record(Call{Op: "logout"})
}

func (c *Conn) Close() error {
	c.record(Call{Op: "close"})
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}
