// Package transport describes the connection a tenant session holds to the
// chat network. The cryptographic protocol itself lives in an external
// engine; this package only fixes the typed event stream and the handful
// of operations moderation needs.
package transport

import (
	"context"
	"errors"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/credstore"
)

var (
	// ErrAuthRejected means the network logged the device out. Reconnecting
	// with the same credentials will not succeed.
	ErrAuthRejected = errors.New("transport: authentication rejected")

	// ErrNotParticipant is returned when removing someone who already left.
	ErrNotParticipant = errors.New("transport: not a participant")

	// ErrForbidden means the account lacks the group role for the operation.
	ErrForbidden = errors.New("transport: forbidden")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
)

// Event is one item of a connection's event stream. The concrete types are
// QR, Opened, Closed, CredsUpdated and MessageReceived.
type Event interface {
	isEvent()
}

// QR carries a pairing code to be scanned by the account's phone.
type QR struct {
	Code string
}

// Opened reports a completed handshake.
type Opened struct {
	Self     string
	PushName string
	Platform string
}

// Closed reports the end of the connection. Err wraps ErrAuthRejected when
// the credentials are no longer accepted.
type Closed struct {
	Err error
}

// CredsUpdated carries a new credential document to persist.
type CredsUpdated struct {
	Creds *credstore.Creds
}

// MessageReceived carries one inbound chat message.
type MessageReceived struct {
	Message Message
}

func (QR) isEvent()              {}
func (Opened) isEvent()          {}
func (Closed) isEvent()          {}
func (CredsUpdated) isEvent()    {}
func (MessageReceived) isEvent() {}

// AuthRejected reports whether the close was caused by the network
// rejecting the credentials.
func (c Closed) AuthRejected() bool {
	return errors.Is(c.Err, ErrAuthRejected)
}

// Participant is a member of a group chat. Admin is "", "admin" or
// "superadmin".
type Participant struct {
	ID    string `json:"id"`
	Admin string `json:"admin,omitempty"`
}

// IsAdmin reports whether the participant holds an admin role.
func (p Participant) IsAdmin() bool {
	return p.Admin == "admin" || p.Admin == "superadmin"
}

// GroupMetadata describes a group chat.
type GroupMetadata struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	Owner        string        `json:"owner,omitempty"`
	Participants []Participant `json:"participants"`
}

// Conn is a live tenant connection. Events is closed after the final
// Closed event has been delivered.
type Conn interface {
	Events() <-chan Event
	SendText(ctx context.Context, chatID, text string, mentions []string) error
	DeleteMessage(ctx context.Context, key MessageKey) error
	RemoveParticipant(ctx context.Context, chatID, participantID string) error
	GroupMetadata(ctx context.Context, chatID string) (*GroupMetadata, error)
	Logout(ctx context.Context) error
	Close() error
}

// Engine opens connections using a tenant's persisted auth state.
type Engine interface {
	Connect(ctx context.Context, state credstore.AuthState) (Conn, error)
}
