package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ainoteslabs/ainotes-core/internal/bus"
	"github.com/ainoteslabs/ainotes-core/internal/capture"
	"github.com/ainoteslabs/ainotes-core/internal/postproc"
	"github.com/ainoteslabs/ainotes-core/internal/protocol"
	"github.com/ainoteslabs/ainotes-core/internal/recording"
	"github.com/ainoteslabs/ainotes-core/internal/transcription"
)

// QuestionRef identifies the question a detection run captures an answer for.
type QuestionRef struct {
	ID   string
	Text string
}

// Coordinator drives one detection run at a time: it resets the session and
// post-processing clients, connects, streams captured audio, and on stop
// publishes the consolidated answer and fires summarization and review.
// Results leave the coordinator only as bus events; the persistence adapter
// owns all store writes.
type Coordinator struct {
	session    *transcription.Session
	pipeline   *capture.Pipeline
	summarizer *postproc.Summarizer
	reviewer   *postproc.Reviewer
	recorder   *recording.Writer
	bus        *bus.Client
	log        *slog.Logger

	mu           sync.Mutex
	gen          uint64
	detecting    bool
	canSendAudio bool
	question     QuestionRef

	lastState   string
	lastSummary string
	lastReview  string
}

func New(session *transcription.Session, pipeline *capture.Pipeline, summarizer *postproc.Summarizer, reviewer *postproc.Reviewer, recorder *recording.Writer, busClient *bus.Client, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		session:    session,
		pipeline:   pipeline,
		summarizer: summarizer,
		reviewer:   reviewer,
		recorder:   recorder,
		bus:        busClient,
		log:        log.With(slog.String("component", "coordinator")),
	}
	session.Notify(c.onSessionSnapshot)
	summarizer.Notify(c.onSummarizeState)
	reviewer.Notify(c.onReviewState)
	return c
}

// StartDetection begins capturing an answer for the given question. A run
// already in progress is stopped first, completing its post-processing.
func (c *Coordinator) StartDetection(ctx context.Context, q QuestionRef) error {
	c.mu.Lock()
	wasDetecting := c.detecting
	c.mu.Unlock()
	if wasDetecting {
		c.StopDetection(ctx)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.detecting = true
	c.canSendAudio = false
	c.question = q
	c.lastSummary = ""
	c.lastReview = ""
	c.mu.Unlock()

	c.session.Reset()
	c.summarizer.Reset()
	c.reviewer.Reset()

	if err := c.session.Connect(ctx); err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.detecting = false
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		// Stopped while the connect was in flight.
		c.mu.Unlock()
		c.session.Disconnect()
		return nil
	}
	c.canSendAudio = true
	c.mu.Unlock()

	if err := c.recorder.Begin(q.ID); err != nil {
		c.log.Warn("recording start failed", slog.String("error", err.Error()))
	}

	if err := c.pipeline.Start(func(frame []byte) {
		c.mu.Lock()
		ok := c.detecting && c.canSendAudio && c.gen == gen
		c.mu.Unlock()
		if !ok {
			return
		}
		c.session.Send(frame)
		c.recorder.Append(frame)
	}); err != nil {
		c.StopDetection(ctx)
		return err
	}

	c.log.Info("detection started", slog.String("question_id", q.ID))
	return nil
}

// StopDetection ends the current run. It is a no-op when idle. For a
// non-empty transcript it publishes the captured answer and fires summarize
// and review; both complete asynchronously and surface via bus events.
func (c *Coordinator) StopDetection(ctx context.Context) {
	c.mu.Lock()
	if !c.detecting {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.detecting = false
	c.canSendAudio = false
	q := c.question
	c.mu.Unlock()

	c.pipeline.Stop()
	c.recorder.End()

	transcript := c.session.Transcript()
	c.session.Disconnect()

	if transcript == "" {
		c.log.Info("detection stopped with empty transcript", slog.String("question_id", q.ID))
		return
	}

	c.publish(protocol.SubjectAnswerCaptured, protocol.AnswerCaptured{
		QuestionID: q.ID,
		Transcript: transcript,
		Timestamp:  time.Now().UTC(),
	})

	c.summarizer.Summarize(transcript)
	c.reviewer.Review(q.Text, transcript)

	c.log.Info("detection stopped",
		slog.String("question_id", q.ID),
		slog.Int("transcript_len", len(transcript)))
}

// Detecting reports whether a run is in progress.
func (c *Coordinator) Detecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detecting
}

func (c *Coordinator) onSessionSnapshot(snap transcription.Snapshot) {
	c.mu.Lock()
	q := c.question
	state := snap.State.String()
	stateChanged := state != c.lastState
	c.lastState = state
	if c.detecting && snap.State != transcription.StateConnected {
		// The transport dropped mid-run; stop feeding it frames. The
		// transcript so far stays available for StopDetection.
		c.canSendAudio = false
	}
	c.mu.Unlock()

	if stateChanged {
		c.publish(protocol.SubjectSessionState, protocol.SessionState{
			QuestionID: q.ID,
			State:      state,
			Timestamp:  time.Now().UTC(),
		})
	}
	if snap.Transcript != "" || snap.Pending != "" {
		c.publish(protocol.SubjectTranscriptUpdate, protocol.TranscriptUpdate{
			QuestionID: q.ID,
			Committed:  snap.Committed,
			Pending:    snap.Pending,
			Transcript: snap.Transcript,
			Partial:    snap.Pending != "",
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (c *Coordinator) onSummarizeState(st postproc.SummarizeState) {
	c.mu.Lock()
	q := c.question
	publish := !st.Busy && st.Summary != "" && st.Summary != c.lastSummary
	if publish {
		c.lastSummary = st.Summary
	}
	c.mu.Unlock()

	if publish {
		c.publish(protocol.SubjectSummaryReady, protocol.SummaryReady{
			QuestionID: q.ID,
			Summary:    st.Summary,
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (c *Coordinator) onReviewState(st postproc.ReviewState) {
	c.mu.Lock()
	q := c.question
	publish := !st.Busy && st.Review != "" && st.Review != c.lastReview
	if publish {
		c.lastReview = st.Review
	}
	c.mu.Unlock()

	if publish {
		c.publish(protocol.SubjectReviewReady, protocol.ReviewReady{
			QuestionID: q.ID,
			Review:     st.Review,
			Score:      st.Score,
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (c *Coordinator) publish(subject string, evt any) {
	data, err := json.Marshal(evt)
	if err != nil {
		c.log.Warn("marshal event failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := c.bus.Conn().Publish(subject, data); err != nil {
		c.log.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
