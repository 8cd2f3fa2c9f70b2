// Package postproc calls the summarize and review endpoints after a detection
// ends. Each client keeps at most one request in flight; results are fanned
// out through subscriber callbacks, never written to storage directly.
package postproc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ainoteslabs/ainotes-core/internal/config"
)

// SummarizeState is the observable state of the summarizer.
type SummarizeState struct {
	Busy    bool
	Summary string
}

// Summarizer posts a finished transcript to the summarize endpoint.
type Summarizer struct {
	url        string
	httpClient *http.Client
	watchdog   time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	gen     uint64
	busy    bool
	summary string
	timer   *time.Timer
	notify  func(SummarizeState)
}

func NewSummarizer(cfg config.PostProcessConfig, log *slog.Logger) *Summarizer {
	return &Summarizer{
		url:        cfg.SummarizeURL,
		httpClient: &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond},
		watchdog:   time.Duration(cfg.WatchdogMS) * time.Millisecond,
		log:        log.With(slog.String("component", "summarize")),
	}
}

// Notify registers the subscriber for state changes. Invoked outside the lock.
func (s *Summarizer) Notify(fn func(SummarizeState)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Summarize starts a summarization request. A new call supersedes any
// in-flight one: the older completion and its watchdog are ignored.
func (s *Summarizer) Summarize(transcript string) {
	if transcript == "" {
		return
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.busy = true
	s.armWatchdogLocked(gen)
	state, fn := s.stateLocked()
	s.mu.Unlock()
	emitSummarize(fn, state)

	go s.run(gen, transcript)
}

func (s *Summarizer) run(gen uint64, transcript string) {
	var out struct {
		Summary string `json:"summary"`
	}
	err := postJSON(s.httpClient, s.url, map[string]string{"transcript": transcript}, &out)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.stopWatchdogLocked()
	s.busy = false
	if err != nil {
		s.log.Warn("summarize failed", slog.String("error", err.Error()))
	} else if out.Summary != "" {
		// preserveOnEmpty: an empty successful payload keeps the prior
		// summary instead of clobbering it.
		s.summary = out.Summary
	}
	state, fn := s.stateLocked()
	s.mu.Unlock()
	emitSummarize(fn, state)
}

// Reset clears the result and invalidates any in-flight request.
func (s *Summarizer) Reset() {
	s.mu.Lock()
	s.gen++
	s.stopWatchdogLocked()
	s.busy = false
	s.summary = ""
	state, fn := s.stateLocked()
	s.mu.Unlock()
	emitSummarize(fn, state)
}

// State returns the current observable state.
func (s *Summarizer) State() SummarizeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SummarizeState{Busy: s.busy, Summary: s.summary}
}

// armWatchdogLocked restarts the defensive timeout that clears the busy flag
// if the network completion never arrives. Longer than the transport timeout.
func (s *Summarizer) armWatchdogLocked(gen uint64) {
	s.stopWatchdogLocked()
	s.timer = time.AfterFunc(s.watchdog, func() {
		s.mu.Lock()
		if s.gen != gen || !s.busy {
			s.mu.Unlock()
			return
		}
		s.busy = false
		state, fn := s.stateLocked()
		s.mu.Unlock()
		s.log.Warn("summarize watchdog fired")
		emitSummarize(fn, state)
	})
}

func (s *Summarizer) stopWatchdogLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Summarizer) stateLocked() (SummarizeState, func(SummarizeState)) {
	return SummarizeState{Busy: s.busy, Summary: s.summary}, s.notify
}

func emitSummarize(fn func(SummarizeState), state SummarizeState) {
	if fn != nil {
		fn(state)
	}
}

// postJSON posts the payload and decodes a 200 response into out. Non-200,
// unreachable, and unparsable responses are all errors; callers treat any
// error as "no result update".
func postJSON(client *http.Client, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
