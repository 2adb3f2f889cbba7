package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-consult/internal/bus"
	"github.com/loqalabs/loqa-consult/internal/config"
	"github.com/loqalabs/loqa-consult/internal/eventstore"
	"github.com/loqalabs/loqa-consult/internal/llm"
	"github.com/loqalabs/loqa-consult/internal/natsserver"
	"github.com/loqalabs/loqa-consult/internal/protocol"
	"github.com/loqalabs/loqa-consult/internal/stt"
)

type capturingGenerator struct {
	req llm.Request
}

func (g *capturingGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.req = req
	if err := consumer(llm.Chunk{Content: "Please describe ", Partial: true}); err != nil {
		return err
	}
	return consumer(llm.Chunk{Content: "the pain."})
}

func newTestService(t *testing.T, f *fakeFactory, busClient *bus.Client, gen llm.Generator) (*Service, *eventstore.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.STT.Backend = "assemblyai"
	cfg.EventStore = config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "session"}

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewService(context.Background(), ServiceOptions{
		Config:    cfg,
		Factory:   f,
		Bus:       busClient,
		Store:     store,
		Generator: gen,
		Logger:    newLogger(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, store
}

func TestServiceJournalsLifecycleWithoutTranscript(t *testing.T) {
	f := newFakeFactory()
	f.startErrs[stt.AssemblyAI] = stt.ErrBackend
	svc, store := newTestService(t, f, nil, llm.NewMockGenerator())

	result, err := svc.Start(context.Background(), true)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !result.FellBack {
		t.Fatalf("expected fallback, got %+v", result)
	}
	sessionID := svc.SessionID()
	if sessionID == "" {
		t.Fatal("expected a session id")
	}
	f.last().emit(stt.Segment{Text: "sharp chest pain", Final: true})
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	events, err := store.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != protocol.EventFellBack || events[1].Type != protocol.EventStopped {
		t.Fatalf("unexpected journal %+v", events)
	}
	for _, e := range events {
		if bytes.Contains(e.Payload, []byte("chest")) {
			t.Fatalf("journal must not contain transcript text: %s", e.Payload)
		}
	}

	status := svc.Status()
	if status.API != "assemblyai" || status.Active != "native" || status.Transcript != "sharp chest pain" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestServiceFreshStartResetsTranscript(t *testing.T) {
	f := newFakeFactory()
	svc, _ := newTestService(t, f, nil, nil)

	if _, err := svc.Start(context.Background(), false); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := svc.SessionID()
	f.last().emit(stt.Segment{Text: "first", Final: true})
	_ = svc.Stop()

	if _, err := svc.Start(context.Background(), false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if svc.SessionID() != first {
		t.Fatal("resuming must keep the session")
	}
	f.last().emit(stt.Segment{Text: "second", Final: true})
	if got := svc.Status().Transcript; got != "first second" {
		t.Fatalf("expected accumulated transcript, got %q", got)
	}
	_ = svc.Stop()

	if _, err := svc.Start(context.Background(), true); err != nil {
		t.Fatalf("fresh start: %v", err)
	}
	if svc.SessionID() == first {
		t.Fatal("fresh start must open a new session")
	}
	if got := svc.Status().Transcript; got != "" {
		t.Fatalf("fresh start must clear the transcript, got %q", got)
	}
	_ = svc.Stop()
}

func TestServiceConsultSendsTranscript(t *testing.T) {
	f := newFakeFactory()
	gen := &capturingGenerator{}
	svc, _ := newTestService(t, f, nil, gen)

	if err := svc.Consult(context.Background(), "", func(llm.Chunk) error { return nil }); !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("expected empty transcript error, got %v", err)
	}

	if _, err := svc.Start(context.Background(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.last().emit(stt.Segment{Text: "headache", Final: true})
	f.last().emit(stt.Segment{Text: "and nausea", Final: true})

	var answer string
	err := svc.Consult(context.Background(), "", func(c llm.Chunk) error {
		answer += c.Content
		return nil
	})
	if err != nil {
		t.Fatalf("consult: %v", err)
	}
	if gen.req.Prompt != "headache and nausea" {
		t.Fatalf("unexpected prompt %q", gen.req.Prompt)
	}
	if gen.req.System != config.DefaultConsultPrompt {
		t.Fatalf("expected default consultation framing, got %q", gen.req.System)
	}
	if answer != "Please describe the pain." {
		t.Fatalf("unexpected answer %q", answer)
	}
}

func TestServiceFeedReceivesTranscripts(t *testing.T) {
	f := newFakeFactory()
	svc, _ := newTestService(t, f, nil, nil)
	feed, cancel := svc.Subscribe(16)
	defer cancel()

	if _, err := svc.Start(context.Background(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.last().emit(stt.Segment{Text: "dizzy"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-feed:
			if msg.Type != "transcript" {
				continue
			}
			if msg.Display != "dizzy" || msg.Final || msg.Transcript != "" {
				t.Fatalf("unexpected feed message %+v", msg)
			}
			return
		case <-deadline:
			t.Fatal("no transcript on feed")
		}
	}
}

func TestServicePublishesOnBus(t *testing.T) {
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "recognition-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	finals := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, finals)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	statuses := make(chan *nats.Msg, 8)
	statusSub, err := client.Conn().ChanSubscribe(protocol.SubjectRecognitionStatus, statuses)
	if err != nil {
		t.Fatalf("subscribe status: %v", err)
	}
	defer statusSub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	f := newFakeFactory()
	svc, _ := newTestService(t, f, client, nil)
	if _, err := svc.Start(context.Background(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.last().emit(stt.Segment{Text: "fever", Final: true})

	select {
	case msg := <-finals:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if tr.Text != "fever" || tr.Partial || tr.SessionID != svc.SessionID() || tr.Backend != "assemblyai" {
			t.Fatalf("unexpected transcript message %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no final transcript published")
	}

	select {
	case msg := <-statuses:
		var st protocol.RecognitionStatus
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if st.Event != protocol.EventStarted || !st.Listening {
			t.Fatalf("unexpected status %+v", st)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no status published")
	}
}
