package persistence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/ainoteslabs/ainotes-core/internal/bus"
	"github.com/ainoteslabs/ainotes-core/internal/config"
	"github.com/ainoteslabs/ainotes-core/internal/notestore"
	"github.com/ainoteslabs/ainotes-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newFixture(t *testing.T) (*Service, *notestore.Store, *bus.Client, notestore.Question) {
	t.Helper()
	client := startBus(t)

	store, err := notestore.Open(context.Background(),
		config.NoteStoreConfig{Path: filepath.Join(t.TempDir(), "notes.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	note, err := store.CreateNote(context.Background(), "note")
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	q, err := store.AddQuestion(context.Background(), note.ID, "question")
	if err != nil {
		t.Fatalf("add question: %v", err)
	}

	svc := NewService(client, store, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start persistence: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, store, client, q
}

func publish(t *testing.T, client *bus.Client, subject string, evt any) {
	t.Helper()
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := client.Conn().Publish(subject, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitQuestion(t *testing.T, store *notestore.Store, id string, cond func(notestore.Question) bool) notestore.Question {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		q, err := store.GetQuestion(context.Background(), id)
		if err != nil {
			t.Fatalf("get question: %v", err)
		}
		if cond(q) {
			return q
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, question: %+v", q)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnswerEventStoresTranscript(t *testing.T) {
	_, store, client, q := newFixture(t)

	publish(t, client, protocol.SubjectAnswerCaptured, protocol.AnswerCaptured{
		QuestionID: q.ID,
		Transcript: "the captured answer",
		Timestamp:  time.Now().UTC(),
	})

	waitQuestion(t, store, q.ID, func(q notestore.Question) bool {
		return q.Answer == "the captured answer"
	})
}

func TestSummaryAndReviewEvents(t *testing.T) {
	_, store, client, q := newFixture(t)

	publish(t, client, protocol.SubjectSummaryReady, protocol.SummaryReady{
		QuestionID: q.ID,
		Summary:    "bullet points",
	})
	publish(t, client, protocol.SubjectReviewReady, protocol.ReviewReady{
		QuestionID: q.ID,
		Review:     "thorough",
		Score:      9,
	})

	got := waitQuestion(t, store, q.ID, func(q notestore.Question) bool {
		return q.Summary != "" && q.Review != ""
	})
	if got.Summary != "bullet points" || got.Review != "thorough" || got.Score != 9 {
		t.Fatalf("unexpected question state: %+v", got)
	}
}

func TestUnknownQuestionIsSkipped(t *testing.T) {
	_, store, client, q := newFixture(t)

	publish(t, client, protocol.SubjectAnswerCaptured, protocol.AnswerCaptured{
		QuestionID: "no-such-question",
		Transcript: "orphaned",
	})
	// Follow with a valid event and wait for it, proving the handler
	// survived the unknown id.
	publish(t, client, protocol.SubjectAnswerCaptured, protocol.AnswerCaptured{
		QuestionID: q.ID,
		Transcript: "valid",
	})

	waitQuestion(t, store, q.ID, func(q notestore.Question) bool {
		return q.Answer == "valid"
	})
}

func TestEmptyPayloadIgnored(t *testing.T) {
	_, store, client, q := newFixture(t)

	publish(t, client, protocol.SubjectSummaryReady, protocol.SummaryReady{
		QuestionID: q.ID,
		Summary:    "",
	})
	publish(t, client, protocol.SubjectSummaryReady, protocol.SummaryReady{
		QuestionID: q.ID,
		Summary:    "real",
	})

	got := waitQuestion(t, store, q.ID, func(q notestore.Question) bool {
		return q.Summary != ""
	})
	if got.Summary != "real" {
		t.Fatalf("empty summary should be ignored, got %q", got.Summary)
	}
}
