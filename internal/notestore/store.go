package notestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ainoteslabs/ainotes-core/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a note or question does not exist.
var ErrNotFound = errors.New("notestore: not found")

// Note is an interview note grouping a set of questions.
type Note struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Question is a single question within a note, together with the captured
// answer and its post-processing results.
type Question struct {
	ID        string    `json:"id"`
	NoteID    string    `json:"note_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Summary   string    `json:"summary"`
	Review    string    `json:"review"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the SQLite-backed note database.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the note store according to config.
func Open(ctx context.Context, cfg config.NoteStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("note store vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    modified_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS questions (
    id TEXT PRIMARY KEY,
    note_id TEXT NOT NULL,
    question TEXT NOT NULL,
    answer TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    review TEXT NOT NULL DEFAULT '',
    score INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(note_id) REFERENCES notes(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_questions_note ON questions(note_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateNote inserts a new note and returns it.
func (s *Store) CreateNote(ctx context.Context, title string) (Note, error) {
	now := s.clock().UTC()
	n := Note{ID: uuid.NewString(), Title: title, CreatedAt: now, ModifiedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes(id, title, created_at, modified_at) VALUES(?, ?, ?, ?)`,
		n.ID, n.Title, n.CreatedAt.Format(time.RFC3339Nano), n.ModifiedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	return n, nil
}

// RenameNote updates a note's title and touches modified_at.
func (s *Store) RenameNote(ctx context.Context, noteID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET title = ?, modified_at = ? WHERE id = ?`,
		title, s.clock().UTC().Format(time.RFC3339Nano), noteID)
	if err != nil {
		return fmt.Errorf("rename note: %w", err)
	}
	return requireRow(res)
}

// DeleteNote removes a note; its questions cascade.
func (s *Store) DeleteNote(ctx context.Context, noteID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, noteID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return requireRow(res)
}

// ListNotes retrieves all notes ordered by most recently modified first.
func (s *Store) ListNotes(ctx context.Context) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, modified_at FROM notes ORDER BY modified_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var created, modified string
		if err := rows.Scan(&n.ID, &n.Title, &created, &modified); err != nil {
			return nil, err
		}
		n.CreatedAt, n.ModifiedAt = parseTS(created), parseTS(modified)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// GetNote fetches a single note by id.
func (s *Store) GetNote(ctx context.Context, noteID string) (Note, error) {
	var n Note
	var created, modified string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, modified_at FROM notes WHERE id = ?`, noteID).
		Scan(&n.ID, &n.Title, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}
	n.CreatedAt, n.ModifiedAt = parseTS(created), parseTS(modified)
	return n, nil
}

// AddQuestion appends a question to a note and touches the note.
func (s *Store) AddQuestion(ctx context.Context, noteID, question string) (Question, error) {
	now := s.clock().UTC()
	q := Question{ID: uuid.NewString(), NoteID: noteID, Question: question, CreatedAt: now}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Question{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO questions(id, note_id, question, created_at) VALUES(?, ?, ?, ?)`,
		q.ID, q.NoteID, q.Question, now.Format(time.RFC3339Nano)); err != nil {
		return Question{}, fmt.Errorf("insert question: %w", err)
	}
	if err := touchNoteTx(ctx, tx, noteID, now); err != nil {
		return Question{}, err
	}
	return q, tx.Commit()
}

// DeleteQuestion removes a question and touches its note.
func (s *Store) DeleteQuestion(ctx context.Context, questionID string) error {
	return s.mutateQuestion(ctx, questionID, `DELETE FROM questions WHERE id = ?`)
}

// ListQuestions retrieves a note's questions in creation order.
func (s *Store) ListQuestions(ctx context.Context, noteID string) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, note_id, question, answer, summary, review, score, created_at
		 FROM questions WHERE note_id = ? ORDER BY created_at ASC`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var qs []Question
	for rows.Next() {
		var q Question
		var created string
		if err := rows.Scan(&q.ID, &q.NoteID, &q.Question, &q.Answer, &q.Summary, &q.Review, &q.Score, &created); err != nil {
			return nil, err
		}
		q.CreatedAt = parseTS(created)
		qs = append(qs, q)
	}
	return qs, rows.Err()
}

// GetQuestion fetches a single question by id.
func (s *Store) GetQuestion(ctx context.Context, questionID string) (Question, error) {
	var q Question
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, note_id, question, answer, summary, review, score, created_at
		 FROM questions WHERE id = ?`, questionID).
		Scan(&q.ID, &q.NoteID, &q.Question, &q.Answer, &q.Summary, &q.Review, &q.Score, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, ErrNotFound
	}
	if err != nil {
		return Question{}, err
	}
	q.CreatedAt = parseTS(created)
	return q, nil
}

// SetAnswer stores the captured answer transcript for a question.
func (s *Store) SetAnswer(ctx context.Context, questionID, answer string) error {
	return s.mutateQuestion(ctx, questionID,
		`UPDATE questions SET answer = ? WHERE id = ?`, answer)
}

// SetSummary stores the summarization result for a question.
func (s *Store) SetSummary(ctx context.Context, questionID, summary string) error {
	return s.mutateQuestion(ctx, questionID,
		`UPDATE questions SET summary = ? WHERE id = ?`, summary)
}

// SetReview stores the review text and score for a question.
func (s *Store) SetReview(ctx context.Context, questionID, review string, score int) error {
	return s.mutateQuestion(ctx, questionID,
		`UPDATE questions SET review = ?, score = ? WHERE id = ?`, review, score)
}

// ClearDetection discards the answer and all derived results for a question,
// leaving the question text itself in place.
func (s *Store) ClearDetection(ctx context.Context, questionID string) error {
	return s.mutateQuestion(ctx, questionID,
		`UPDATE questions SET answer = '', summary = '', review = '', score = 0 WHERE id = ?`)
}

// mutateQuestion runs a question mutation and touches the parent note's
// modified_at in the same transaction. The question id is appended as the
// final statement argument.
func (s *Store) mutateQuestion(ctx context.Context, questionID, stmt string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var noteID string
	err = tx.QueryRowContext(ctx, `SELECT note_id FROM questions WHERE id = ?`, questionID).Scan(&noteID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	args = append(args, questionID)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("mutate question: %w", err)
	}
	if err := touchNoteTx(ctx, tx, noteID, s.clock().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func touchNoteTx(ctx context.Context, tx *sql.Tx, noteID string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE notes SET modified_at = ? WHERE id = ?`, now.Format(time.RFC3339Nano), noteID)
	if err != nil {
		return fmt.Errorf("touch note: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
