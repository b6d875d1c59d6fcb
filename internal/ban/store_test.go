package ban

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store backed by an in-process Redis.
func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client), mr
}

const (
	tenant = "t1"
	chat   = "1203@g.us"
)

func TestIsBanned_NotBanned(t *testing.T) {
	s, _ := newTestStore(t)

	r, err := s.IsBanned(context.Background(), tenant, chat, "a@s.whatsapp.net")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != nil {
		t.Fatalf("expected no ban, got %+v", r)
	}
}

func TestBan_KeepsFirstRecord(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.Ban(ctx, tenant, chat, "a@s.whatsapp.net", "banned term", "link")
	if err != nil || !created {
		t.Fatalf("first ban: created=%v err=%v", created, err)
	}
	created, err = s.Ban(ctx, tenant, chat, "a@s.whatsapp.net", "again", "flood")
	if err != nil {
		t.Fatalf("second ban: %v", err)
	}
	if created {
		t.Fatal("expected second ban to be a no-op")
	}

	r, err := s.IsBanned(ctx, tenant, chat, "a@s.whatsapp.net")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r == nil || r.Reason != "banned term" || r.Category != "link" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.BannedAt.IsZero() {
		t.Error("expected banned_at to be set")
	}
}

func TestBan_ScopedPerChatAndTenant(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Ban(ctx, tenant, chat, "a@s.whatsapp.net", "x", ""); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct{ tenant, chat string }{{tenant, "other@g.us"}, {"t2", chat}} {
		r, err := s.IsBanned(ctx, tc.tenant, tc.chat, "a@s.whatsapp.net")
		if err != nil {
			t.Fatal(err)
		}
		if r != nil {
			t.Errorf("ban leaked into %s/%s", tc.tenant, tc.chat)
		}
	}
}

func TestUnbanAndList(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for _, sender := range []string{"b@s.whatsapp.net", "a@s.whatsapp.net"} {
		if _, err := s.Ban(ctx, tenant, chat, sender, "x", ""); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.List(ctx, tenant, chat)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].SenderID != "a@s.whatsapp.net" {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := s.Unban(ctx, tenant, chat, "a@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	if err := s.Unban(ctx, tenant, chat, "a@s.whatsapp.net"); err != nil {
		t.Fatalf("unban must be idempotent: %v", err)
	}
	list, _ = s.List(ctx, tenant, chat)
	if len(list) != 1 || list[0].SenderID != "b@s.whatsapp.net" {
		t.Fatalf("unexpected list after unban: %+v", list)
	}

	if mr.TTL(BanPrefix+tenant+":"+chat) != 0 {
		t.Error("ban lists must not expire")
	}
}

func TestIsBanned_RedisDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()
	if _, err := s.IsBanned(context.Background(), tenant, chat, "a@s.whatsapp.net"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
