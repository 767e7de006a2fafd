package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/agentgate/agentgate/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2, // separate DB for store tests
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.FlushDB(ctx); client.Close() })

	s, err := New(Config{Client: client, KeyPrefix: "agentgate-test:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRedisMessageLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.AppendMessage(ctx, "sess-1", storage.RoleUser, "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.AppendMessage(ctx, "sess-1", storage.RoleAssistant, "hi there",
		storage.WithMeta(map[string]string{"model": "test"})); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.LoadMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].Meta["model"] != "test" {
		t.Errorf("meta not round-tripped: %+v", msgs[1])
	}
}

func TestRedisSessionRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SaveSession(ctx, storage.SessionRecord{SessionID: "sess-1", PendingHandle: "pending_a", TurnCount: 1}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	// Upsert bumps the turn count in place.
	if err := s.SaveSession(ctx, storage.SessionRecord{SessionID: "sess-1", PendingHandle: "pending_a", TurnCount: 2}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	recs, err := s.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(recs) != 1 || recs[0].TurnCount != 2 {
		t.Fatalf("LoadSessions = %+v", recs)
	}

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "sess-1"); !errors.Is(err, storage.ErrSessionUnknown) {
		t.Errorf("second delete err = %v, want ErrSessionUnknown", err)
	}
}
