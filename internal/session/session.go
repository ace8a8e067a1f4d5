// ABOUTME: Interview session state machine and runtime session type.
// ABOUTME: Defines statuses, legal transitions, and per-session state.

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/2389/interview-gateway/internal/media"
)

// Status is an interview session's lifecycle state.
type Status string

const (
	StatusCreated          Status = "created"
	StatusActive           Status = "active"
	StatusAwaitingAnalysis Status = "awaiting_analysis"
	StatusFinalizing       Status = "finalizing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusAbandoned        Status = "abandoned"
)

// Terminal reports whether a session in this status accepts no further
// input. Terminal sessions stay readable: summaries, transcripts, and
// committed evaluation records remain available.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// validTransitions is the closed set of legal status moves. Anything not
// listed here is a programming error surfaced as ErrInvalidState.
var validTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusActive:    true,
		StatusFailed:    true,
		StatusAbandoned: true,
	},
	StatusActive: {
		StatusAwaitingAnalysis: true,
		StatusFinalizing:       true,
		StatusFailed:           true,
		StatusAbandoned:        true,
	},
	StatusAwaitingAnalysis: {
		StatusActive:     true,
		StatusFinalizing: true,
		StatusFailed:     true,
		StatusAbandoned:  true,
	},
	StatusFinalizing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusAbandoned: true,
	},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	return validTransitions[s][next]
}

// ErrNotFound indicates the requested session does not exist.
var ErrNotFound = errors.New("session not found")

// ErrInvalidState indicates the operation is not legal in the session's
// current status.
var ErrInvalidState = errors.New("invalid session state")

// ErrNotEvaluated indicates the current question has no committed
// evaluation record yet, so the session cannot advance past it.
var ErrNotEvaluated = errors.New("current question not yet evaluated")

// Persona describes the generated interviewer identity.
type Persona struct {
	Name         string `json:"name"`
	Style        string `json:"style"`
	Introduction string `json:"introduction"`
}

// Question is one entry in the generated question bank.
type Question struct {
	Text       string `json:"text"`
	Competency string `json:"competency"`
}

// Evaluation is the decoded per-question assessment produced by the
// evaluation model.
type Evaluation struct {
	Scores     map[string]float64 `json:"scores"`
	Evidence   string             `json:"evidence"`
	Confidence float64            `json:"confidence"`
}

// Session is the in-memory runtime state of one interview. All mutable
// fields are guarded by mu; the dispatch and results goroutines and the
// HTTP/WebSocket handlers all touch it.
type Session struct {
	ID            string
	CandidateName string
	Position      string
	Competencies  []string
	CreatedAt     time.Time

	mu            sync.Mutex
	status        Status
	persona       *Persona
	questions     []Question
	questionIndex int
	answered      map[int]string // question index -> latest evaluation record ID
	buffer        *media.Buffer
	cancel        func()

	// emitMu serializes emitters so overflow shedding stays consistent;
	// dropped counts events shed to a slow client.
	emitMu  sync.Mutex
	events  chan *Event
	dropped uint64
}

// Status returns the session's current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// transitionLocked moves the session to next, enforcing the transition
// table. Callers hold mu.
func (s *Session) transitionLocked(next Status) error {
	if !s.status.CanTransitionTo(next) {
		return ErrInvalidState
	}
	s.status = next
	return nil
}

// Summary is a point-in-time snapshot of a session, safe to serialize.
type Summary struct {
	ID              string     `json:"id"`
	CandidateName   string     `json:"candidate_name"`
	Position        string     `json:"position"`
	Status          Status     `json:"status"`
	Persona         *Persona   `json:"persona,omitempty"`
	QuestionIndex   int        `json:"question_index"`
	QuestionCount   int        `json:"question_count"`
	CurrentQuestion *Question  `json:"current_question,omitempty"`
	Competencies    []string   `json:"competencies,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Snapshot builds a Summary from the session's current state.
func (s *Session) Snapshot() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := &Summary{
		ID:            s.ID,
		CandidateName: s.CandidateName,
		Position:      s.Position,
		Status:        s.status,
		Persona:       s.persona,
		QuestionIndex: s.questionIndex,
		QuestionCount: len(s.questions),
		Competencies:  s.Competencies,
		CreatedAt:     s.CreatedAt,
	}
	if s.questionIndex < len(s.questions) {
		q := s.questions[s.questionIndex]
		summary.CurrentQuestion = &q
	}
	return summary
}

// currentQuestionLocked returns the question under discussion, or nil when
// the bank is exhausted. Callers hold mu.
func (s *Session) currentQuestionLocked() *Question {
	if s.questionIndex >= len(s.questions) {
		return nil
	}
	q := s.questions[s.questionIndex]
	return &q
}
