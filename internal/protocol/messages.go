package protocol

import "time"

// TranscriptUpdate is published whenever the consolidated transcript of an
// active session changes.
type TranscriptUpdate struct {
	QuestionID string    `json:"question_id"`
	Committed  string    `json:"committed"`
	Pending    string    `json:"pending"`
	Transcript string    `json:"transcript"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionState announces transcription session lifecycle transitions.
type SessionState struct {
	QuestionID string    `json:"question_id"`
	State      string    `json:"state"`
	Timestamp  time.Time `json:"timestamp"`
}

// AnswerCaptured carries the final transcript captured when detection stops.
type AnswerCaptured struct {
	QuestionID string    `json:"question_id"`
	Transcript string    `json:"transcript"`
	Timestamp  time.Time `json:"timestamp"`
}

// SummaryReady carries a completed summarization result.
type SummaryReady struct {
	QuestionID string    `json:"question_id"`
	Summary    string    `json:"summary"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReviewReady carries a completed review result with its score.
type ReviewReady struct {
	QuestionID string    `json:"question_id"`
	Review     string    `json:"review"`
	Score      int       `json:"score"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectSessionState     = "session.state"
	SubjectTranscriptUpdate = "session.transcript"
	SubjectAnswerCaptured   = "session.answer.captured"
	SubjectSummaryReady     = "postproc.summary.ready"
	SubjectReviewReady      = "postproc.review.ready"
)
