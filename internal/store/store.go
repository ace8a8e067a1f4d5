// ABOUTME: Store interface and data types for interview-gateway persistence
// ABOUTME: Defines session, evaluation, transcript, and report records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// SessionRecord is the persisted form of an interview session
type SessionRecord struct {
	ID            string
	CandidateName string
	Position      string
	Status        string
	QuestionIndex int
	QuestionCount int
	PersonaJSON   string
	QuestionsJSON string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EvaluationRecord is one committed per-question assessment. Records are
// append-only: a re-evaluation of the same question gets a new record with
// Supersedes pointing at the old one, never an overwrite.
type EvaluationRecord struct {
	ID            string
	SessionID     string
	QuestionIndex int
	Scores        map[string]float64
	Evidence      string
	Confidence    float64
	Degraded      bool
	Annotations   []string
	Supersedes    string
	CreatedAt     time.Time
}

// TranscriptEntry is one transcribed utterance, keyed by its sequence
// number within the session
type TranscriptEntry struct {
	ID         string
	SessionID  string
	Seq        uint64
	Text       string
	Language   string
	Confidence float64
	CreatedAt  time.Time
}

// Report is the final Markdown interview report for a completed session
type Report struct {
	SessionID string
	Markdown  string
	CreatedAt time.Time
}

// Store defines the persistence operations used by the gateway
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, sess *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	UpdateSession(ctx context.Context, sess *SessionRecord) error
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	// Evaluation operations (append-only)
	AppendEvaluation(ctx context.Context, rec *EvaluationRecord) error
	ListEvaluations(ctx context.Context, sessionID string) ([]*EvaluationRecord, error)

	// Transcript operations
	AppendTranscript(ctx context.Context, entry *TranscriptEntry) error
	ListTranscript(ctx context.Context, sessionID string) ([]*TranscriptEntry, error)

	// Report operations
	SaveReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, sessionID string) (*Report, error)

	// Close releases any resources held by the store
	Close() error
}
