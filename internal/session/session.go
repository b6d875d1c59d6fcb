// Package session owns the long-lived chat-network connection of every
// tenant. A Manager keeps one slot per tenant; each active slot runs a
// single supervisor goroutine that consumes the connection's event stream,
// persists credentials, forwards messages to moderation and schedules
// reconnects. Lifecycle status is mirrored to Redis so sessions can be
// restored after a restart.
package session

// State is a tenant session's lifecycle state.
type State string

const (
	StateInactive     State = "INACTIVE"
	StateAwaitingScan State = "AWAITING_SCAN"
	StateConnecting   State = "CONNECTING"
	StateReady        State = "READY"
	StateDisconnected State = "DISCONNECTED"
	StateStopped      State = "STOPPED"
)

// Restorable reports whether a session persisted in state s should be
// reconnected on boot.
func (s State) Restorable() bool {
	switch s {
	case StateReady, StateConnecting, StateDisconnected:
		return true
	}
	return false
}
