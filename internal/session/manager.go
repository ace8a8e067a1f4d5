// ABOUTME: Manages interview sessions, owning their lifecycle and run loops.
// ABOUTME: Central coordinator between media buffers, analysis, and storage.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/interview-gateway/internal/aggregate"
	"github.com/2389/interview-gateway/internal/analysis"
	"github.com/2389/interview-gateway/internal/media"
	"github.com/2389/interview-gateway/internal/prompts"
	"github.com/2389/interview-gateway/internal/store"
)

const (
	eventBufferSize      = 64
	defaultQuestionCount = 3
)

// defaultCompetencies is used when a start request names none.
var defaultCompetencies = []string{"communication", "technical_depth", "problem_solving"}

// Config wires a Manager to its collaborators.
type Config struct {
	Store        store.Store
	Gateway      *analysis.Gateway
	Aggregator   *aggregate.Aggregator
	Prompts      *prompts.Registry
	LLM          analysis.Service
	Media        media.Config
	VideoEnabled bool
	Logger       *slog.Logger
}

// Manager coordinates all live interview sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store        store.Store
	gateway      *analysis.Gateway
	agg          *aggregate.Aggregator
	prompts      *prompts.Registry
	llm          analysis.Service
	mediaCfg     media.Config
	videoEnabled bool
	logger       *slog.Logger
}

// NewManager creates a Manager from its wired collaborators.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:     make(map[string]*Session),
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		agg:          cfg.Aggregator,
		prompts:      cfg.Prompts,
		llm:          cfg.LLM,
		mediaCfg:     cfg.Media,
		videoEnabled: cfg.VideoEnabled,
		logger:       logger.With("component", "sessions"),
	}
}

// StartParams describes a new interview session.
type StartParams struct {
	CandidateName string
	Position      string
	Competencies  []string
	QuestionCount int
}

// Start creates a session, generates its interviewer persona and question
// bank, and launches its run loops. The session is active on return. If
// setup generation fails the session is recorded as failed.
func (m *Manager) Start(ctx context.Context, p StartParams) (*Session, error) {
	if p.QuestionCount <= 0 {
		p.QuestionCount = defaultQuestionCount
	}
	if len(p.Competencies) == 0 {
		p.Competencies = defaultCompetencies
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	rec := &store.SessionRecord{
		ID:            id,
		CandidateName: p.CandidateName,
		Position:      p.Position,
		Status:        string(StatusCreated),
		QuestionCount: p.QuestionCount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating session record: %w", err)
	}

	persona, questions, err := m.generateSetup(ctx, p)
	if err != nil {
		rec.Status = string(StatusFailed)
		if uerr := m.store.UpdateSession(ctx, rec); uerr != nil {
			m.logger.Error("recording setup failure", "session_id", id, "error", uerr)
		}
		return nil, fmt.Errorf("generating interview setup: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:            id,
		CandidateName: p.CandidateName,
		Position:      p.Position,
		Competencies:  p.Competencies,
		CreatedAt:     now,
		status:        StatusActive,
		persona:       persona,
		questions:     questions,
		answered:      make(map[int]string),
		buffer:        media.NewBuffer(id, m.mediaCfg, m.logger),
		events:        make(chan *Event, eventBufferSize),
		cancel:        cancel,
	}

	if err := m.persist(ctx, s); err != nil {
		cancel()
		return nil, fmt.Errorf("persisting active session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	results := m.agg.Register(id)
	go m.dispatchLoop(runCtx, s)
	go m.resultsLoop(runCtx, s, results)

	m.logger.Info("session started",
		"session_id", id,
		"candidate", p.CandidateName,
		"position", p.Position,
		"questions", len(questions),
	)

	s.emit(&Event{Type: EventStatus, Message: "interview started", Data: s.Snapshot()})
	return s, nil
}

// generateSetup produces the persona and question bank in parallel.
func (m *Manager) generateSetup(ctx context.Context, p StartParams) (*Persona, []Question, error) {
	competencies := strings.Join(p.Competencies, ", ")

	var persona Persona
	var bank struct {
		Questions []Question `json:"questions"`
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		prompt, err := m.prompts.Format(prompts.TemplatePersona, map[string]string{
			"position":     p.Position,
			"competencies": competencies,
		})
		if err != nil {
			return fmt.Errorf("formatting persona prompt: %w", err)
		}
		result, err := m.llm.Invoke(gctx, analysis.Input{Prompt: prompt})
		if err != nil {
			return fmt.Errorf("generating persona: %w", err)
		}
		return analysis.DecodeJSON(result.Text, &persona)
	})

	g.Go(func() error {
		prompt, err := m.prompts.Format(prompts.TemplateQuestionBank, map[string]string{
			"position":       p.Position,
			"competencies":   competencies,
			"question_count": strconv.Itoa(p.QuestionCount),
		})
		if err != nil {
			return fmt.Errorf("formatting question bank prompt: %w", err)
		}
		result, err := m.llm.Invoke(gctx, analysis.Input{Prompt: prompt})
		if err != nil {
			return fmt.Errorf("generating question bank: %w", err)
		}
		return analysis.DecodeJSON(result.Text, &bank)
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if len(bank.Questions) == 0 {
		return nil, nil, fmt.Errorf("question bank came back empty")
	}

	return &persona, bank.Questions, nil
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// SubmitMedia appends a media chunk to the session's buffer. Only active
// and awaiting_analysis sessions accept media; anything else returns
// ErrInvalidState. A full analysis pipeline surfaces media.ErrOverloaded.
func (m *Manager) SubmitMedia(id string, chunk []byte) error {
	s, ok := m.Get(id)
	if !ok {
		status, err := m.storedStatus(context.Background(), id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot accept media while %s", ErrInvalidState, status)
	}

	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	if status != StatusActive && status != StatusAwaitingAnalysis {
		return fmt.Errorf("%w: cannot accept media while %s", ErrInvalidState, status)
	}

	return s.buffer.Append(chunk)
}

// EndOfTurn flushes the session's media buffer, emitting the utterance
// for analysis, and parks the session in awaiting_analysis until its
// evaluation commits.
func (m *Manager) EndOfTurn(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		status, err := m.storedStatus(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot end turn while %s", ErrInvalidState, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive && s.status != StatusAwaitingAnalysis {
		return fmt.Errorf("%w: cannot end turn while %s", ErrInvalidState, s.status)
	}

	if err := s.buffer.Flush(); err != nil {
		return err
	}
	if s.status == StatusActive {
		if err := s.transitionLocked(StatusAwaitingAnalysis); err != nil {
			return err
		}
		m.persistStatusAsync(s)
	}
	return nil
}

// AdvanceQuestion moves the session to the next question in the bank.
// The current question must have a committed evaluation record first.
// When the bank is exhausted the session moves to finalizing and report
// generation starts; the returned question is nil in that case.
func (m *Manager) AdvanceQuestion(ctx context.Context, id string) (*Question, error) {
	s, ok := m.Get(id)
	if !ok {
		status, err := m.storedStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cannot advance while %s", ErrInvalidState, status)
	}

	s.mu.Lock()

	if s.status != StatusActive && s.status != StatusAwaitingAnalysis {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot advance while %s", ErrInvalidState, s.status)
	}
	if _, evaluated := s.answered[s.questionIndex]; !evaluated {
		s.mu.Unlock()
		return nil, ErrNotEvaluated
	}

	s.questionIndex++
	if next := s.currentQuestionLocked(); next != nil {
		s.mu.Unlock()
		m.persistStatusAsync(s)
		s.emit(&Event{Type: EventStatus, Message: "next question", Data: next})
		return next, nil
	}

	// Bank exhausted: the interview body is over.
	if err := s.transitionLocked(StatusFinalizing); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	m.persistStatusAsync(s)
	s.emit(&Event{Type: EventStatus, Message: "generating report"})
	go m.finalize(s)
	return nil, nil
}

// Abandon cancels a session's in-flight work and discards queued media.
// Already-committed evaluation records and transcripts are preserved.
func (m *Manager) Abandon(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		status, err := m.storedStatus(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: session already %s", ErrInvalidState, status)
	}

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already %s", ErrInvalidState, s.status)
	}
	s.status = StatusAbandoned
	s.mu.Unlock()

	s.emit(&Event{Type: EventStatus, Message: "interview abandoned"})
	m.teardown(s)

	if err := m.persist(ctx, s); err != nil {
		return fmt.Errorf("persisting abandoned session: %w", err)
	}

	m.logger.Info("session abandoned", "session_id", id)
	return nil
}

// Finalize ends the interview body and starts report generation. Reached
// implicitly when AdvanceQuestion exhausts the question bank; calling it
// directly cuts the interview short with whatever has been evaluated.
func (m *Manager) Finalize(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		status, err := m.storedStatus(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot finalize while %s", ErrInvalidState, status)
	}

	s.mu.Lock()
	if err := s.transitionLocked(StatusFinalizing); err != nil {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot finalize while %s", ErrInvalidState, status)
	}
	s.mu.Unlock()

	m.persistStatusAsync(s)
	s.emit(&Event{Type: EventStatus, Message: "generating report"})
	go m.finalize(s)
	return nil
}

// UpdateStatus applies an externally requested lifecycle change. Callers
// may abandon the interview or cut it short into report generation; every
// other status move is owned by the orchestrator.
func (m *Manager) UpdateStatus(ctx context.Context, id string, target Status) error {
	switch target {
	case StatusAbandoned:
		return m.Abandon(ctx, id)
	case StatusFinalizing:
		return m.Finalize(ctx, id)
	default:
		return fmt.Errorf("%w: status %q cannot be requested", ErrInvalidState, target)
	}
}

// AmendEvaluation appends a corrected evaluation record for a question.
// The new record supersedes the latest one for that question; nothing is
// revised in place, preserving the audit trail.
func (m *Manager) AmendEvaluation(ctx context.Context, id string, questionIndex int, eval Evaluation) (*store.EvaluationRecord, error) {
	summary, err := m.Summary(ctx, id)
	if err != nil {
		return nil, err
	}
	if questionIndex < 0 || questionIndex >= summary.QuestionCount {
		return nil, fmt.Errorf("%w: question index %d out of range", ErrInvalidState, questionIndex)
	}

	records, err := m.store.ListEvaluations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading evaluations: %w", err)
	}
	supersedes := ""
	for _, rec := range records {
		if rec.QuestionIndex == questionIndex {
			supersedes = rec.ID
		}
	}
	if supersedes == "" {
		return nil, fmt.Errorf("%w: question %d has no record to amend", ErrNotEvaluated, questionIndex)
	}

	rec := &store.EvaluationRecord{
		ID:            uuid.New().String(),
		SessionID:     id,
		QuestionIndex: questionIndex,
		Scores:        eval.Scores,
		Evidence:      eval.Evidence,
		Confidence:    eval.Confidence,
		Supersedes:    supersedes,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.AppendEvaluation(ctx, rec); err != nil {
		return nil, fmt.Errorf("appending amended record: %w", err)
	}

	if s, ok := m.Get(id); ok {
		s.mu.Lock()
		s.answered[questionIndex] = rec.ID
		s.mu.Unlock()
	}
	return rec, nil
}

// Summary returns a snapshot of a session, falling back to the store for
// sessions no longer resident in memory.
func (m *Manager) Summary(ctx context.Context, id string) (*Summary, error) {
	if s, ok := m.Get(id); ok {
		return s.Snapshot(), nil
	}

	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return summaryFromRecord(rec)
}

// List returns summaries for stored sessions, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]*Summary, error) {
	recs, err := m.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, err
	}
	summaries := make([]*Summary, 0, len(recs))
	for _, rec := range recs {
		summary, err := summaryFromRecord(rec)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Close abandons every live session. Used during shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		if !s.Status().Terminal() {
			if err := m.Abandon(context.Background(), s.ID); err != nil {
				m.logger.Warn("abandoning session on shutdown", "session_id", s.ID, "error", err)
			}
		}
	}
}

// teardown stops a session's pipeline: buffer closed, pending analysis
// released, aggregation state dropped, and the session evicted from the
// live map. Reads after teardown come from the store.
func (m *Manager) teardown(s *Session) {
	s.cancel()
	s.buffer.Close()
	m.agg.Close(s.ID)
	m.gateway.ReleaseSession(s.ID)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}

// storedStatus resolves the status of a session not resident in memory.
func (m *Manager) storedStatus(ctx context.Context, id string) (Status, error) {
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return Status(rec.Status), nil
}

// persist writes the session's current state to the store.
func (m *Manager) persist(ctx context.Context, s *Session) error {
	s.mu.Lock()
	rec := &store.SessionRecord{
		ID:            s.ID,
		CandidateName: s.CandidateName,
		Position:      s.Position,
		Status:        string(s.status),
		QuestionIndex: s.questionIndex,
		QuestionCount: len(s.questions),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
	}
	if s.persona != nil {
		data, err := json.Marshal(s.persona)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("encoding persona: %w", err)
		}
		rec.PersonaJSON = string(data)
	}
	if len(s.questions) > 0 {
		data, err := json.Marshal(s.questions)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("encoding questions: %w", err)
		}
		rec.QuestionsJSON = string(data)
	}
	s.mu.Unlock()

	return m.store.UpdateSession(ctx, rec)
}

// persistStatusAsync persists off the caller's critical path. Status
// writes are advisory; the in-memory session stays authoritative while
// the process lives.
func (m *Manager) persistStatusAsync(s *Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.persist(ctx, s); err != nil {
			m.logger.Warn("persisting session state", "session_id", s.ID, "error", err)
		}
	}()
}

// summaryFromRecord rebuilds a Summary from a stored session record.
func summaryFromRecord(rec *store.SessionRecord) (*Summary, error) {
	summary := &Summary{
		ID:            rec.ID,
		CandidateName: rec.CandidateName,
		Position:      rec.Position,
		Status:        Status(rec.Status),
		QuestionIndex: rec.QuestionIndex,
		QuestionCount: rec.QuestionCount,
		CreatedAt:     rec.CreatedAt,
	}
	if rec.PersonaJSON != "" {
		var persona Persona
		if err := json.Unmarshal([]byte(rec.PersonaJSON), &persona); err != nil {
			return nil, fmt.Errorf("decoding persona: %w", err)
		}
		summary.Persona = &persona
	}
	if rec.QuestionsJSON != "" {
		var questions []Question
		if err := json.Unmarshal([]byte(rec.QuestionsJSON), &questions); err != nil {
			return nil, fmt.Errorf("decoding questions: %w", err)
		}
		if rec.QuestionIndex < len(questions) {
			q := questions[rec.QuestionIndex]
			summary.CurrentQuestion = &q
		}
	}
	return summary, nil
}
