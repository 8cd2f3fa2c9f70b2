package postproc

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ainoteslabs/ainotes-core/internal/config"
)

// ReviewState is the observable state of the reviewer.
type ReviewState struct {
	Busy   bool
	Review string
	Score  int
}

// Reviewer posts the question and its answered transcript to the review
// endpoint, which returns a short critique and a 0-10 score.
type Reviewer struct {
	url        string
	httpClient *http.Client
	watchdog   time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	gen    uint64
	busy   bool
	review string
	score  int
	timer  *time.Timer
	notify func(ReviewState)
}

func NewReviewer(cfg config.PostProcessConfig, log *slog.Logger) *Reviewer {
	return &Reviewer{
		url:        cfg.ReviewURL,
		httpClient: &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond},
		watchdog:   time.Duration(cfg.WatchdogMS) * time.Millisecond,
		log:        log.With(slog.String("component", "review")),
	}
}

// Notify registers the subscriber for state changes. Invoked outside the lock.
func (r *Reviewer) Notify(fn func(ReviewState)) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

// Review starts a review request. A new call supersedes any in-flight one.
// Both arguments must be non-empty.
func (r *Reviewer) Review(question, transcript string) {
	if question == "" || transcript == "" {
		return
	}

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.busy = true
	r.armWatchdogLocked(gen)
	state, fn := r.stateLocked()
	r.mu.Unlock()
	emitReview(fn, state)

	go r.run(gen, question, transcript)
}

func (r *Reviewer) run(gen uint64, question, transcript string) {
	var out struct {
		Review string `json:"review"`
		Score  int    `json:"score"`
	}
	err := postJSON(r.httpClient, r.url, map[string]string{
		"question":   question,
		"transcript": transcript,
	}, &out)

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.stopWatchdogLocked()
	r.busy = false
	if err != nil {
		r.log.Warn("review failed", slog.String("error", err.Error()))
	} else if out.Review != "" {
		// preserveOnEmpty, same policy as the summarizer.
		r.review = out.Review
		r.score = out.Score
	}
	state, fn := r.stateLocked()
	r.mu.Unlock()
	emitReview(fn, state)
}

// Reset clears the result and invalidates any in-flight request.
func (r *Reviewer) Reset() {
	r.mu.Lock()
	r.gen++
	r.stopWatchdogLocked()
	r.busy = false
	r.review = ""
	r.score = 0
	state, fn := r.stateLocked()
	r.mu.Unlock()
	emitReview(fn, state)
}

// State returns the current observable state.
func (r *Reviewer) State() ReviewState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReviewState{Busy: r.busy, Review: r.review, Score: r.score}
}

func (r *Reviewer) armWatchdogLocked(gen uint64) {
	r.stopWatchdogLocked()
	r.timer = time.AfterFunc(r.watchdog, func() {
		r.mu.Lock()
		if r.gen != gen || !r.busy {
			r.mu.Unlock()
			return
		}
		r.busy = false
		state, fn := r.stateLocked()
		r.mu.Unlock()
		r.log.Warn("review watchdog fired")
		emitReview(fn, state)
	})
}

func (r *Reviewer) stopWatchdogLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reviewer) stateLocked() (ReviewState, func(ReviewState)) {
	return ReviewState{Busy: r.busy, Review: r.review, Score: r.score}, r.notify
}

func emitReview(fn func(ReviewState), state ReviewState) {
	if fn != nil {
		fn(state)
	}
}
