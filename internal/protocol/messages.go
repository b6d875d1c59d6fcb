// Package protocol defines the JSON messages exchanged with the protocol
// engine bridge over NATS. Every message carries a "type" discriminator so
// the receiver can decode the payload into the matching struct.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Engine -> guard event types, published on <prefix>.<tenant>.events.
const (
	TypeQR      = "qr"
	TypeOpen    = "open"
	TypeClose   = "close"
	TypeCreds   = "creds"
	TypeMessage = "message"
)

// Guard -> engine command types, sent as requests on <prefix>.<tenant>.cmd.
const (
	TypeConnect           = "connect"
	TypeSendText          = "send_text"
	TypeDelete            = "delete"
	TypeRemoveParticipant = "remove_participant"
	TypeGroupMetadata     = "group_metadata"
	TypeLogout            = "logout"
	TypeDisconnect        = "disconnect"
)

// Engine -> guard key store requests, sent on <prefix>.<tenant>.keys.
const (
	TypeKeysGet = "keys_get"
	TypeKeysSet = "keys_set"
)

// Reply error codes.
const (
	CodeAuthRejected   = "auth_rejected"
	CodeNotParticipant = "not_participant"
	CodeForbidden      = "forbidden"
	CodeClosed         = "closed"
	CodeBadRequest     = "bad_request"
	CodeInternal       = "internal"
	CodeNotConnected   = "not_connected"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "unavailable"
)

// CloseReasonLoggedOut is the close reason the engine reports when the
// network rejected the device's credentials.
const CloseReasonLoggedOut = "logged_out"

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full payload and extracts only the type field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = append(e.Raw[:0], data...)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// QREvent carries a pairing code.
type QREvent struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// OpenEvent reports a completed handshake.
type OpenEvent struct {
	Type     string `json:"type"`
	Self     string `json:"self"`
	PushName string `json:"push_name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// CloseEvent reports the end of the connection.
type CloseEvent struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// CredsEvent carries the full updated credential document.
type CredsEvent struct {
	Type  string          `json:"type"`
	Creds json.RawMessage `json:"creds"`
}

// MessageKey identifies a message.
type MessageKey struct {
	ID          string `json:"id"`
	RemoteJID   string `json:"remote_jid"`
	Participant string `json:"participant,omitempty"`
	FromMe      bool   `json:"from_me"`
}

// MessageEvent carries an inbound message in the network's own nested
// content shape.
type MessageEvent struct {
	Type      string       `json:"type"`
	Key       MessageKey   `json:"key"`
	PushName  string       `json:"push_name,omitempty"`
	Timestamp int64        `json:"timestamp"`
	Message   *WireContent `json:"message"`
}

// WireContent mirrors the network's message object. At most one field is
// expected to be set.
type WireContent struct {
	Conversation               string            `json:"conversation,omitempty"`
	ExtendedTextMessage        *TextPayload      `json:"extendedTextMessage,omitempty"`
	ImageMessage               *CaptionPayload   `json:"imageMessage,omitempty"`
	VideoMessage               *CaptionPayload   `json:"videoMessage,omitempty"`
	DocumentMessage            *CaptionPayload   `json:"documentMessage,omitempty"`
	AudioMessage               *CaptionPayload   `json:"audioMessage,omitempty"`
	TemplateButtonReplyMessage *SelectionPayload `json:"templateButtonReplyMessage,omitempty"`
	ButtonsResponseMessage     *SelectionPayload `json:"buttonsResponseMessage,omitempty"`
	ListResponseMessage        *ListPayload      `json:"listResponseMessage,omitempty"`
	ViewOnceMessage            *FuturePayload    `json:"viewOnceMessage,omitempty"`
	ViewOnceMessageV2          *FuturePayload    `json:"viewOnceMessageV2,omitempty"`
	EphemeralMessage           *FuturePayload    `json:"ephemeralMessage,omitempty"`
	StickerMessage             json.RawMessage   `json:"stickerMessage,omitempty"`
	ReactionMessage            json.RawMessage   `json:"reactionMessage,omitempty"`
	ProtocolMessage            json.RawMessage   `json:"protocolMessage,omitempty"`
}

type TextPayload struct {
	Text string `json:"text"`
}

type CaptionPayload struct {
	Caption string `json:"caption,omitempty"`
}

type SelectionPayload struct {
	SelectedDisplayText string `json:"selectedDisplayText"`
}

type ListPayload struct {
	Title string `json:"title"`
}

// FuturePayload wraps another message (view-once, ephemeral).
type FuturePayload struct {
	Message *WireContent `json:"message"`
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// ConnectCommand asks the engine to open the tenant's connection.
type ConnectCommand struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	TenantID  string          `json:"tenant_id"`
	Creds     json.RawMessage `json:"creds"`
}

// SendTextCommand posts a text message, optionally mentioning users.
type SendTextCommand struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id"`
	ChatID    string   `json:"chat_id"`
	Text      string   `json:"text"`
	Mentions  []string `json:"mentions,omitempty"`
}

// DeleteCommand retracts a message for everyone.
type DeleteCommand struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id"`
	Key       MessageKey `json:"key"`
}

// RemoveParticipantCommand removes a member from a group.
type RemoveParticipantCommand struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id"`
	ChatID      string `json:"chat_id"`
	Participant string `json:"participant"`
}

// GroupMetadataCommand fetches a group's metadata.
type GroupMetadataCommand struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	ChatID    string `json:"chat_id"`
}

// SimpleCommand is a command without arguments (logout, disconnect).
type SimpleCommand struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// ---------------------------------------------------------------------------
// Key store
// ---------------------------------------------------------------------------

// KeysGetRequest reads signal keys of one type.
type KeysGetRequest struct {
	Type    string   `json:"type"`
	KeyType string   `json:"key_type"`
	IDs     []string `json:"ids"`
}

// KeysSetRequest writes signal keys. A null value deletes the key.
type KeysSetRequest struct {
	Type    string                       `json:"type"`
	Updates map[string]map[string][]byte `json:"updates"`
}

// ---------------------------------------------------------------------------
// Reply
// ---------------------------------------------------------------------------

// Reply answers any command or key store request.
type Reply struct {
	OK        bool            `json:"ok"`
	ErrorCode string          `json:"error_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OKReply builds a successful reply carrying data, which may be nil.
func OKReply(data interface{}) ([]byte, error) {
	r := Reply{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal reply data: %w", err)
		}
		r.Data = raw
	}
	return json.Marshal(r)
}

// ErrorReply builds a failed reply.
func ErrorReply(code, message string) []byte {
	out, _ := json.Marshal(Reply{ErrorCode: code, Error: message})
	return out
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseEvent decodes an engine event into its typed struct.
func ParseEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeQR:
		var m QREvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpen:
		var m OpenEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeClose:
		var m CloseEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreds:
		var m CredsEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseKeysRequest decodes a key store request.
func ParseKeysRequest(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: parse keys request: %w", err)
	}

	switch env.Type {
	case TypeKeysGet:
		var m KeysGetRequest
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	case TypeKeysSet:
		var m KeysSetRequest
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown keys request type: %q", env.Type)
	}
}

// ParseReply decodes a reply.
func ParseReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("protocol: parse reply: %w", err)
	}
	return r, nil
}
