package transport

import (
	"time"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/jid"
)

// MessageKey identifies a message within a chat.
type MessageKey struct {
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	Participant string `json:"participant,omitempty"`
	FromMe      bool   `json:"from_me"`
}

// Message is an inbound chat message.
type Message struct {
	Key       MessageKey
	PushName  string
	Timestamp time.Time
	Content   Content
}

// SenderID is the author of the message. In direct chats the chat itself
// is the sender.
func (m Message) SenderID() string {
	if m.Key.Participant != "" {
		return m.Key.Participant
	}
	return m.Key.ChatID
}

// IsGroup reports whether the message was posted in a group chat.
func (m Message) IsGroup() bool {
	return jid.IsGroup(m.Key.ChatID)
}

// Content is the payload of a message. Only the variants below carry text
// moderation can inspect.
type Content interface {
	isContent()
}

// MediaKind names the media variants that may carry a caption.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
)

type (
	// Text is a plain conversation message.
	Text struct{ Body string }

	// ExtendedText is a text message with a preview or quote attached.
	ExtendedText struct{ Text string }

	// Media is an image, video, document or audio message.
	Media struct {
		Kind    MediaKind
		Caption string
	}

	// ButtonReply is the reply to a buttons or template-buttons message.
	ButtonReply struct{ DisplayText string }

	// ListReply is the reply to a list message.
	ListReply struct{ Title string }

	// Wrapped is a view-once or ephemeral envelope around another message.
	Wrapped struct{ Inner Content }

	// Unsupported is any other content kind.
	Unsupported struct{ Kind string }
)

func (Text) isContent()         {}
func (ExtendedText) isContent() {}
func (Media) isContent()        {}
func (ButtonReply) isContent()  {}
func (ListReply) isContent()    {}
func (Wrapped) isContent()      {}
func (Unsupported) isContent()  {}

// ExtractText returns the user-visible text of c, unwrapping envelopes.
// Content without text yields "".
func ExtractText(c Content) string {
	for {
		switch v := c.(type) {
		case Text:
			return v.Body
		case ExtendedText:
			return v.Text
		case Media:
			return v.Caption
		case ButtonReply:
			return v.DisplayText
		case ListReply:
			return v.Title
		case Wrapped:
			c = v.Inner
		default:
			return ""
		}
	}
}
