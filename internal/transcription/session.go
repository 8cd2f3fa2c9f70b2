// Package transcription manages the duplex stream to the realtime
// speech-to-text service and folds partial and final transcript events into a
// consolidated transcript.
package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ainoteslabs/ainotes-core/internal/config"
	"github.com/gorilla/websocket"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Snapshot is an immutable view of observable session state, delivered to the
// subscriber after every change.
type Snapshot struct {
	State      State
	Pending    string
	Committed  string
	Transcript string
}

// Conn abstracts the duplex transport so tests can substitute the WebSocket.
type Conn interface {
	// WriteBinary sends one audio frame.
	WriteBinary(data []byte) error
	// ReadText blocks for the next inbound text message.
	ReadText() ([]byte, error)
	Close() error
}

// Dialer opens the duplex stream, authenticating with the credential from the
// token endpoint.
type Dialer func(ctx context.Context, url, apiKey string) (Conn, error)

// Session owns one streaming transcription connection at a time. All state
// mutation is serialized behind a single mutex; completions from the read
// loop, the silence timer, and callers carry a generation counter so a stale
// goroutine from a torn-down connection can never touch newer state.
type Session struct {
	cfg    config.TranscriptionConfig
	tokens *TokenClient
	dial   Dialer
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	gen       uint64
	pending   string
	committed string
	silence   *time.Timer
	notify    func(Snapshot)
}

func NewSession(cfg config.TranscriptionConfig, tokens *TokenClient, log *slog.Logger) *Session {
	s := &Session{
		cfg:    cfg,
		tokens: tokens,
		log:    log.With(slog.String("component", "transcription")),
	}
	s.dial = gorillaDialer(time.Duration(cfg.DialTimeoutMS) * time.Millisecond)
	return s
}

// Notify registers the single subscriber for state snapshots. The callback is
// invoked outside the session lock, so it may call back into the session.
func (s *Session) Notify(fn func(Snapshot)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Connect establishes a fresh streaming connection, implicitly tearing down
// any prior one. It blocks until the transport is open or fails; callers that
// must not block run it in a goroutine.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.disconnectLocked()
	s.state = StateConnecting
	gen := s.gen
	snap, fn := s.snapshotLocked()
	s.mu.Unlock()
	emit(fn, snap)

	tok, err := s.tokens.Fetch(ctx)
	if err != nil {
		s.failConnect(gen)
		return err
	}

	conn, err := s.dial(ctx, tok.WebsocketURL, tok.APIKey)
	if err != nil {
		s.failConnect(gen)
		return fmt.Errorf("dial transcription stream: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// A Disconnect or newer Connect won the race while we were dialing.
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.state = StateConnected
	snap, fn = s.snapshotLocked()
	s.mu.Unlock()
	emit(fn, snap)

	go s.readLoop(gen, conn)

	s.log.Info("transcription session connected", slog.Int("sample_rate", tok.SampleRate))
	return nil
}

// failConnect rolls the state back to Disconnected unless a newer generation
// already took over.
func (s *Session) failConnect(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	snap, fn := s.snapshotLocked()
	s.mu.Unlock()
	emit(fn, snap)
}

// Send writes one audio frame. It is a no-op unless the session is connected;
// write failures are logged and the frame dropped, never surfaced.
func (s *Session) Send(frame []byte) {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return
	}
	if err := conn.WriteBinary(frame); err != nil {
		s.log.Warn("dropped audio frame", slog.String("error", err.Error()))
	}
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadText()
		if err != nil {
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			// Transport error or server close: drop to Disconnected but keep
			// both pending and committed text readable.
			s.stopSilenceLocked()
			s.conn = nil
			s.state = StateDisconnected
			snap, fn := s.snapshotLocked()
			s.mu.Unlock()
			emit(fn, snap)
			s.log.Warn("transcription stream closed", slog.String("error", err.Error()))
			return
		}

		ev, ok := parseEvent(data)
		if !ok {
			continue
		}
		s.apply(gen, ev)
	}
}

func (s *Session) apply(gen uint64, ev Event) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if ev.Final {
		s.flushLocked(ev.Text)
	} else {
		s.pending = ev.Text
		s.armSilenceLocked(gen)
	}
	snap, fn := s.snapshotLocked()
	s.mu.Unlock()
	emit(fn, snap)
}

// flushLocked appends trimmed text plus one trailing space to the committed
// transcript, clears the interim text, and disarms the silence timer.
func (s *Session) flushLocked(text string) {
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		s.committed += trimmed + " "
	}
	s.pending = ""
	s.stopSilenceLocked()
}

// armSilenceLocked restarts the silence-flush timer. Arming always cancels
// the prior timer so at most one is live.
func (s *Session) armSilenceLocked(gen uint64) {
	s.stopSilenceLocked()
	delay := time.Duration(s.cfg.SilenceFlushMS) * time.Millisecond
	s.silence = time.AfterFunc(delay, func() { s.silenceFire(gen) })
}

func (s *Session) stopSilenceLocked() {
	if s.silence != nil {
		s.silence.Stop()
		s.silence = nil
	}
}

// silenceFire commits the buffered interim text after the inactivity delay
// when the service never sent an explicit turn-final signal.
func (s *Session) silenceFire(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.pending == "" {
		s.mu.Unlock()
		return
	}
	s.flushLocked(s.pending)
	snap, fn := s.snapshotLocked()
	s.mu.Unlock()
	emit(fn, snap)
}

// Disconnect tears the transport down immediately. Pending interim text is
// cleared; committed text is preserved so the last consolidated transcript
// stays readable. Safe to call repeatedly and while a connect is in flight.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.disconnectLocked()
	snap, fn := s.snapshotLocked()
	s.mu.Unlock()
	emit(fn, snap)
}

func (s *Session) disconnectLocked() {
	s.gen++
	s.stopSilenceLocked()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateDisconnected
	s.pending = ""
}

// Reset clears both committed and pending text. The coordinator calls this
// when a new detection starts; Disconnect deliberately does not.
func (s *Session) Reset() {
	s.mu.Lock()
	s.stopSilenceLocked()
	s.pending = ""
	s.committed = ""
	snap, fn := s.snapshotLocked()
	s.mu.Unlock()
	emit(fn, snap)
}

// Transcript returns trim(committed + pending). It has no side effects and is
// valid in every state, including after disconnect.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.committed + s.pending)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) snapshotLocked() (Snapshot, func(Snapshot)) {
	return Snapshot{
		State:      s.state,
		Pending:    s.pending,
		Committed:  s.committed,
		Transcript: strings.TrimSpace(s.committed + s.pending),
	}, s.notify
}

func emit(fn func(Snapshot), snap Snapshot) {
	if fn != nil {
		fn(snap)
	}
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) WriteBinary(data []byte) error {
	return w.c.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) ReadText() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
		// Binary payloads from the server carry no transcript content.
	}
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

func gorillaDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url, apiKey string) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		header := http.Header{}
		header.Set("Authorization", apiKey)
		c, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
			}
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		return &wsConn{c: c}, nil
	}
}

// SetDialer overrides the transport dialer. Tests use it to inject a fake
// stream.
func (s *Session) SetDialer(d Dialer) {
	s.mu.Lock()
	s.dial = d
	s.mu.Unlock()
}
