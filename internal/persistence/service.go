package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ainoteslabs/ainotes-core/internal/bus"
	"github.com/ainoteslabs/ainotes-core/internal/notestore"
	"github.com/ainoteslabs/ainotes-core/internal/protocol"
)

// Service subscribes to session and post-processing events and mirrors them
// into the note store. The session core itself never writes the store.
type Service struct {
	bus    *bus.Client
	store  *notestore.Store
	logger *slog.Logger

	subAnswer  *nats.Subscription
	subSummary *nats.Subscription
	subReview  *nats.Subscription
}

func NewService(busClient *bus.Client, store *notestore.Store, logger *slog.Logger) *Service {
	return &Service{
		bus:    busClient,
		store:  store,
		logger: logger.With(slog.String("component", "persistence")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAnswerCaptured, s.handleAnswer)
	if err != nil {
		return err
	}
	s.subAnswer = sub

	subSummary, err := s.bus.Conn().Subscribe(protocol.SubjectSummaryReady, s.handleSummary)
	if err != nil {
		s.subAnswer.Drain()
		return err
	}
	s.subSummary = subSummary

	subReview, err := s.bus.Conn().Subscribe(protocol.SubjectReviewReady, s.handleReview)
	if err != nil {
		s.subAnswer.Drain()
		s.subSummary.Drain()
		return err
	}
	s.subReview = subReview
	return nil
}

func (s *Service) Close() {
	if s.subAnswer != nil {
		_ = s.subAnswer.Drain()
	}
	if s.subSummary != nil {
		_ = s.subSummary.Drain()
	}
	if s.subReview != nil {
		_ = s.subReview.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.subAnswer != nil && s.subSummary != nil && s.subReview != nil
}

func (s *Service) handleAnswer(msg *nats.Msg) {
	var evt protocol.AnswerCaptured
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("failed to decode answer event", slogError(err))
		return
	}
	if evt.QuestionID == "" || evt.Transcript == "" {
		return
	}
	ctx, cancel := opCtx()
	defer cancel()
	if err := s.store.SetAnswer(ctx, evt.QuestionID, evt.Transcript); err != nil {
		s.logUpdateFailure("answer", evt.QuestionID, err)
	}
}

func (s *Service) handleSummary(msg *nats.Msg) {
	var evt protocol.SummaryReady
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("failed to decode summary event", slogError(err))
		return
	}
	if evt.QuestionID == "" || evt.Summary == "" {
		return
	}
	ctx, cancel := opCtx()
	defer cancel()
	if err := s.store.SetSummary(ctx, evt.QuestionID, evt.Summary); err != nil {
		s.logUpdateFailure("summary", evt.QuestionID, err)
	}
}

func (s *Service) handleReview(msg *nats.Msg) {
	var evt protocol.ReviewReady
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("failed to decode review event", slogError(err))
		return
	}
	if evt.QuestionID == "" || evt.Review == "" {
		return
	}
	ctx, cancel := opCtx()
	defer cancel()
	if err := s.store.SetReview(ctx, evt.QuestionID, evt.Review, evt.Score); err != nil {
		s.logUpdateFailure("review", evt.QuestionID, err)
	}
}

func (s *Service) logUpdateFailure(kind, questionID string, err error) {
	// An unknown question usually means the note was deleted after capture.
	level := slog.LevelWarn
	if errors.Is(err, notestore.ErrNotFound) {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, "store update skipped",
		slog.String("kind", kind),
		slog.String("question_id", questionID),
		slogError(err))
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
