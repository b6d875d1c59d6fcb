package chat

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

const tenant = "t1"

func TestAddAndGet(t *testing.T) {
	mb := NewMessageBuffer(0, 0)

	mb.Add(tenant, "chat1", BufferedMessage{SenderID: "a", Text: "hello"})
	mb.Add(tenant, "chat1", BufferedMessage{SenderID: "b", Text: "hi"})
	mb.Add(tenant, "chat1", BufferedMessage{SenderID: "a", Text: "how are you?"})

	msgs := mb.Get(tenant, "chat1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"hello", "hi", "how are you?"} {
		if msgs[i].Text != want {
			t.Errorf("index %d: expected %q, got %q", i, want, msgs[i].Text)
		}
	}
}

func TestRingBufferWraparound(t *testing.T) {
	mb := NewMessageBuffer(0, 0)

	// Add 7 messages; the buffer holds only the default 5.
	for i := 1; i <= 7; i++ {
		mb.Add(tenant, "chat1", BufferedMessage{Text: fmt.Sprintf("msg-%d", i)})
	}

	msgs := mb.Get(tenant, "chat1")
	if len(msgs) != DefaultBufferMessages {
		t.Fatalf("expected %d messages, got %d", DefaultBufferMessages, len(msgs))
	}
	for i, msg := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if msg.Text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, msg.Text)
		}
	}
}

func TestCustomSize(t *testing.T) {
	mb := NewMessageBuffer(2, 0)
	for i := 1; i <= 3; i++ {
		mb.Add(tenant, "chat1", BufferedMessage{Text: fmt.Sprintf("msg-%d", i)})
	}
	msgs := mb.Get(tenant, "chat1")
	if len(msgs) != 2 || msgs[0].Text != "msg-2" || msgs[1].Text != "msg-3" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestGetNonExistentChat(t *testing.T) {
	mb := NewMessageBuffer(0, 0)

	msgs := mb.Get(tenant, "does-not-exist")
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestRemove(t *testing.T) {
	mb := NewMessageBuffer(0, 0)

	mb.Add(tenant, "chat1", BufferedMessage{Text: "hello"})
	mb.Remove(tenant, "chat1")
	mb.Remove(tenant, "does-not-exist")

	if msgs := mb.Get(tenant, "chat1"); len(msgs) != 0 {
		t.Fatalf("expected 0 messages after remove, got %d", len(msgs))
	}
}

func TestChatsAreTenantScoped(t *testing.T) {
	mb := NewMessageBuffer(0, 0)

	mb.Add("t1", "chat1", BufferedMessage{Text: "from t1"})
	mb.Add("t2", "chat1", BufferedMessage{Text: "from t2"})

	if msgs := mb.Get("t1", "chat1"); len(msgs) != 1 || msgs[0].Text != "from t1" {
		t.Errorf("t1 unexpected messages: %+v", msgs)
	}
	if msgs := mb.Get("t2", "chat1"); len(msgs) != 1 || msgs[0].Text != "from t2" {
		t.Errorf("t2 unexpected messages: %+v", msgs)
	}
}

func TestLeastRecentChatEvicted(t *testing.T) {
	mb := NewMessageBuffer(0, 2)

	mb.Add(tenant, "old", BufferedMessage{Text: "1"})
	mb.Add(tenant, "mid", BufferedMessage{Text: "2"})
	mb.Add(tenant, "old", BufferedMessage{Text: "3"})
	mb.Add(tenant, "new", BufferedMessage{Text: "4"})

	if mb.Len() != 2 {
		t.Fatalf("expected 2 buffered chats, got %d", mb.Len())
	}
	if msgs := mb.Get(tenant, "mid"); len(msgs) != 0 {
		t.Errorf("expected mid to be evicted, got %+v", msgs)
	}
	if msgs := mb.Get(tenant, "old"); len(msgs) != 2 {
		t.Errorf("expected old to survive with 2 messages, got %+v", msgs)
	}
}

func TestConcurrentAccess(t *testing.T) {
	mb := NewMessageBuffer(0, 0)
	goroutines := 100
	messagesPerGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < messagesPerGoroutine; m++ {
				mb.Add(tenant, "concurrent-chat", BufferedMessage{Text: fmt.Sprintf("g%d-m%d", id, m)})
				_ = mb.Get(tenant, "concurrent-chat")
			}
		}(g)
	}
	wg.Wait()

	if msgs := mb.Get(tenant, "concurrent-chat"); len(msgs) != DefaultBufferMessages {
		t.Fatalf("expected %d messages after concurrent writes, got %d", DefaultBufferMessages, len(msgs))
	}
}

// ---------------------------------------------------------------------------
// ValidateText
// ---------------------------------------------------------------------------

func TestValidateText(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "السلام عليكم", false},
		{"blank", "  \n ", true},
		{"empty", "", true},
		{"invalid utf8", "a\xffb", true},
		{"too many chars", strings.Repeat("ب", MaxTextChars+1), true},
		{"at char limit", strings.Repeat("a", MaxTextChars), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateText(tc.text)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateText(%q) error = %v, wantErr %v", tc.name, err, tc.wantErr)
			}
		})
	}
	if err := ValidateText(""); err != ErrEmptyText {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
}
