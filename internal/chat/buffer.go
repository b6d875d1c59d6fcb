// Package chat holds the recent-message context the guard keeps per chat
// and the checks applied to text the guard sends on a tenant's behalf.
package chat

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultBufferMessages is the number of recent messages kept per chat.
	DefaultBufferMessages = 5

	// DefaultBufferChats bounds how many chats are tracked at once; the
	// least recently active chat is evicted first.
	DefaultBufferChats = 4096
)

// BufferedMessage is one recent message of a chat.
type BufferedMessage struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	PushName  string    `json:"push_name,omitempty"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// MessageBuffer stores the last N messages of each chat in memory. It is
// goroutine-safe.
type MessageBuffer struct {
	size    int
	buffers *lru.Cache[string, *ringBuffer]
}

// ringBuffer is a fixed-size circular buffer guarded by its own lock.
type ringBuffer struct {
	mu    sync.Mutex
	items []BufferedMessage
	pos   int
	count int
}

// NewMessageBuffer creates a buffer keeping size messages for up to chats
// chats. Non-positive arguments fall back to the defaults.
func NewMessageBuffer(size, chats int) *MessageBuffer {
	if size <= 0 {
		size = DefaultBufferMessages
	}
	if chats <= 0 {
		chats = DefaultBufferChats
	}
	cache, _ := lru.New[string, *ringBuffer](chats)
	return &MessageBuffer{size: size, buffers: cache}
}

func bufferKey(tenantID, chatID string) string {
	return tenantID + "|" + chatID
}

// Add appends a message to the chat's buffer, overwriting the oldest one
// when full.
func (mb *MessageBuffer) Add(tenantID, chatID string, msg BufferedMessage) {
	key := bufferKey(tenantID, chatID)
	rb, ok := mb.buffers.Get(key)
	if !ok {
		rb = &ringBuffer{items: make([]BufferedMessage, mb.size)}
		if prev, found, _ := mb.buffers.PeekOrAdd(key, rb); found {
			rb = prev
		}
	}

	rb.mu.Lock()
	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % len(rb.items)
	if rb.count < len(rb.items) {
		rb.count++
	}
	rb.mu.Unlock()
}

// Get returns the chat's recent messages oldest first. A chat without a
// buffer yields an empty slice.
func (mb *MessageBuffer) Get(tenantID, chatID string) []BufferedMessage {
	rb, ok := mb.buffers.Peek(bufferKey(tenantID, chatID))
	if !ok {
		return []BufferedMessage{}
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	n := len(rb.items)
	result := make([]BufferedMessage, rb.count)
	start := (rb.pos - rb.count + n) % n
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%n]
	}
	return result
}

// Remove drops the chat's buffer.
func (mb *MessageBuffer) Remove(tenantID, chatID string) {
	mb.buffers.Remove(bufferKey(tenantID, chatID))
}

// Len reports how many chats currently have a buffer.
func (mb *MessageBuffer) Len() int {
	return mb.buffers.Len()
}
