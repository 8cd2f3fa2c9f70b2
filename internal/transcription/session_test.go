package transcription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ainoteslabs/ainotes-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) WriteBinary(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) ReadText() ([]byte, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type snapshotLog struct {
	mu   sync.Mutex
	last Snapshot
}

func (l *snapshotLog) record(s Snapshot) {
	l.mu.Lock()
	l.last = s
	l.mu.Unlock()
}

func (l *snapshotLog) snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"websocket_url":"wss://stream.test/v3/ws","sample_rate":16000,"api_key":"secret"}`))
	}))
}

// newConnectedSession returns a session wired to a fake transport with the
// given silence-flush delay, already connected.
func newConnectedSession(t *testing.T, silenceMS int) (*Session, *fakeConn, *snapshotLog) {
	t.Helper()

	srv := tokenServer(t)
	t.Cleanup(srv.Close)

	cfg := config.TranscriptionConfig{
		TokenURL:       srv.URL,
		TokenTimeoutMS: 1000,
		DialTimeoutMS:  1000,
		SilenceFlushMS: silenceMS,
		SampleRate:     16000,
	}
	sess := NewSession(cfg, NewTokenClient(srv.URL, time.Second), newLogger())

	fc := newFakeConn()
	sess.SetDialer(func(ctx context.Context, url, apiKey string) (Conn, error) {
		if apiKey != "secret" {
			t.Errorf("expected credential forwarded, got %q", apiKey)
		}
		return fc, nil
	})

	log := &snapshotLog{}
	sess.Notify(log.record)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sess.State() != StateConnected {
		t.Fatalf("expected connected, got %v", sess.State())
	}
	return sess, fc, log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPartialsOnlyUpdatePending(t *testing.T) {
	sess, fc, log := newConnectedSession(t, 60000)
	defer sess.Disconnect()

	fc.inbound <- []byte(`{"transcript":"hel"}`)
	fc.inbound <- []byte(`{"transcript":"hello"}`)
	fc.inbound <- []byte(`{"transcript":"hello wor"}`)

	waitFor(t, func() bool { return log.snapshot().Pending == "hello wor" })

	snap := log.snapshot()
	if snap.Committed != "" {
		t.Fatalf("partials must not touch committed text, got %q", snap.Committed)
	}
	if got := sess.Transcript(); got != "hello wor" {
		t.Fatalf("consolidated transcript mismatch: %q", got)
	}
}

func TestFinalFlushesAndCancelsTimer(t *testing.T) {
	sess, fc, log := newConnectedSession(t, 40)
	defer sess.Disconnect()

	fc.inbound <- []byte(`{"transcript":"hi there"}`)
	waitFor(t, func() bool { return log.snapshot().Pending == "hi there" })

	fc.inbound <- []byte(`{"transcript":"hi there","end_of_turn":true,"turn_is_formatted":true}`)
	waitFor(t, func() bool { return log.snapshot().Committed == "hi there " })

	snap := log.snapshot()
	if snap.Pending != "" {
		t.Fatalf("final must clear pending, got %q", snap.Pending)
	}

	// The cancelled silence timer must not flush a second copy.
	time.Sleep(120 * time.Millisecond)
	if got := sess.Transcript(); got != "hi there" {
		t.Fatalf("silence timer fired after final: %q", got)
	}
}

func TestSilenceTimeoutFlushesOnce(t *testing.T) {
	sess, fc, log := newConnectedSession(t, 30)
	defer sess.Disconnect()

	fc.inbound <- []byte(`{"transcript":"hello"}`)
	waitFor(t, func() bool { return log.snapshot().Committed == "hello " })

	snap := log.snapshot()
	if snap.Pending != "" {
		t.Fatalf("timeout must clear pending, got %q", snap.Pending)
	}

	// Timer with empty pending is a no-op.
	time.Sleep(80 * time.Millisecond)
	if got := sess.Transcript(); got != "hello" {
		t.Fatalf("expected single flush, got %q", got)
	}
}

func TestConsolidatedTranscriptAcrossTurns(t *testing.T) {
	sess, fc, log := newConnectedSession(t, 60000)
	defer sess.Disconnect()

	fc.inbound <- []byte(`{"transcript":"first turn","end_of_turn":true,"turn_is_formatted":true}`)
	fc.inbound <- []byte(`{"transcript":"second"}`)

	waitFor(t, func() bool { return log.snapshot().Pending == "second" })

	if got := sess.Transcript(); got != "first turn second" {
		t.Fatalf("unexpected consolidated transcript: %q", got)
	}
}

func TestSendOnlyWhileConnected(t *testing.T) {
	sess, fc, _ := newConnectedSession(t, 60000)

	sess.Send([]byte{1, 2})
	waitFor(t, func() bool { return fc.sentCount() == 1 })

	sess.Disconnect()
	sess.Send([]byte{3, 4})
	time.Sleep(20 * time.Millisecond)
	if fc.sentCount() != 1 {
		t.Fatalf("send after disconnect must be a no-op, got %d frames", fc.sentCount())
	}
}

func TestDisconnectIdempotentAndPreservesCommitted(t *testing.T) {
	sess, fc, log := newConnectedSession(t, 60000)

	fc.inbound <- []byte(`{"transcript":"kept","end_of_turn":true,"turn_is_formatted":true}`)
	fc.inbound <- []byte(`{"transcript":"interim"}`)
	waitFor(t, func() bool { return log.snapshot().Pending == "interim" })

	sess.Disconnect()
	sess.Disconnect()

	if sess.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %v", sess.State())
	}
	// Interim text is dropped, committed text survives for the final read.
	if got := sess.Transcript(); got != "kept" {
		t.Fatalf("expected committed text preserved, got %q", got)
	}
}

func TestResetClearsEverything(t *testing.T) {
	sess, fc, log := newConnectedSession(t, 60000)
	defer sess.Disconnect()

	fc.inbound <- []byte(`{"transcript":"old","end_of_turn":true,"turn_is_formatted":true}`)
	waitFor(t, func() bool { return log.snapshot().Committed != "" })

	sess.Reset()
	if got := sess.Transcript(); got != "" {
		t.Fatalf("expected empty transcript after reset, got %q", got)
	}
}

func TestTransportErrorKeepsTranscript(t *testing.T) {
	sess, fc, log := newConnectedSession(t, 60000)

	fc.inbound <- []byte(`{"transcript":"before drop","end_of_turn":true,"turn_is_formatted":true}`)
	waitFor(t, func() bool { return log.snapshot().Committed == "before drop " })

	fc.Close()
	waitFor(t, func() bool { return sess.State() == StateDisconnected })

	if got := sess.Transcript(); got != "before drop" {
		t.Fatalf("transcript must survive transport error, got %q", got)
	}
}

func TestConnectTokenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := config.TranscriptionConfig{TokenURL: srv.URL, TokenTimeoutMS: 1000, DialTimeoutMS: 1000, SilenceFlushMS: 1200, SampleRate: 16000}
	sess := NewSession(cfg, NewTokenClient(srv.URL, time.Second), newLogger())

	err := sess.Connect(context.Background())
	if !errors.Is(err, ErrToken) {
		t.Fatalf("expected ErrToken, got %v", err)
	}
	if sess.State() != StateDisconnected {
		t.Fatalf("expected disconnected after token failure, got %v", sess.State())
	}
}

func TestDisconnectDuringConnectWins(t *testing.T) {
	srv := tokenServer(t)
	defer srv.Close()

	cfg := config.TranscriptionConfig{TokenURL: srv.URL, TokenTimeoutMS: 1000, DialTimeoutMS: 1000, SilenceFlushMS: 1200, SampleRate: 16000}
	sess := NewSession(cfg, NewTokenClient(srv.URL, time.Second), newLogger())

	fc := newFakeConn()
	dialing := make(chan struct{})
	release := make(chan struct{})
	sess.SetDialer(func(ctx context.Context, url, apiKey string) (Conn, error) {
		close(dialing)
		<-release
		return fc, nil
	})

	done := make(chan error, 1)
	go func() { done <- sess.Connect(context.Background()) }()

	<-dialing
	sess.Disconnect()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("superseded connect should not error: %v", err)
	}
	if sess.State() != StateDisconnected {
		t.Fatalf("stale connect resurrected the session: %v", sess.State())
	}
	// The stale dial's connection must have been closed.
	select {
	case <-fc.closed:
	case <-time.After(time.Second):
		t.Fatal("stale connection was not closed")
	}
}

func TestConnectReplacesPriorConnection(t *testing.T) {
	sess, fc, _ := newConnectedSession(t, 60000)
	defer sess.Disconnect()

	fc2 := newFakeConn()
	sess.SetDialer(func(ctx context.Context, url, apiKey string) (Conn, error) {
		return fc2, nil
	})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	select {
	case <-fc.closed:
	case <-time.After(time.Second):
		t.Fatal("prior connection not closed on reconnect")
	}

	sess.Send([]byte{9})
	waitFor(t, func() bool { return fc2.sentCount() == 1 })
}
