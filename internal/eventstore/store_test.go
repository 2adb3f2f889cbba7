package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-consult/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open session journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestEphemeralStoreKeepsNothing(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := es.BeginSession(ctx, "s1", "whisper", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s1", Type: "started"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected nothing stored, got %v (%v)", events, err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.BeginSession(ctx, "session-123", "assemblyai", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for _, typ := range []string{"started", "fell_back", "stopped"} {
		if err := es.AppendEvent(ctx, Event{SessionID: "session-123", Backend: "assemblyai", Type: typ, Payload: []byte(`{"k":1}`)}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "started" || events[2].Type != "stopped" {
		t.Fatalf("events out of order: %+v", events)
	}
	if string(events[1].Payload) != `{"k":1}` {
		t.Fatalf("unexpected payload: %s", events[1].Payload)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Events != 3 || sessions[0].Language != "en-US" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "native", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "started"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "native", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
