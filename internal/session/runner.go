// ABOUTME: Per-session run loops: media dispatch and ordered result handling.
// ABOUTME: Drives evaluation, follow-up, and report generation for a session.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/interview-gateway/internal/aggregate"
	"github.com/2389/interview-gateway/internal/analysis"
	"github.com/2389/interview-gateway/internal/prompts"
	"github.com/2389/interview-gateway/internal/store"
)

// finalizeTimeout bounds report generation end to end, across retries.
const finalizeTimeout = 5 * time.Minute

// dispatchLoop consumes flushed utterances and hands them to the analysis
// gateway. Dispatch blocks while the per-session slot for a kind is taken,
// which is what lets the media buffer fill and signal overload upstream.
func (m *Manager) dispatchLoop(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case utt, ok := <-s.buffer.Out():
			if !ok {
				return
			}

			kinds := []analysis.Kind{analysis.KindTranscription}
			if m.videoEnabled {
				kinds = append(kinds, analysis.KindVideoSignal)
			}
			m.agg.Expect(s.ID, utt.Seq, kinds...)

			for _, kind := range kinds {
				task := analysis.NewTask(s.ID, kind, utt.Seq, analysis.Input{Utterance: utt})
				if err := m.gateway.Dispatch(ctx, task, m.agg.Offer); err != nil {
					if ctx.Err() != nil {
						return
					}
					m.logger.Warn("dispatching analysis task",
						"session_id", s.ID, "seq", utt.Seq, "kind", kind, "error", err)
				}
			}
		}
	}
}

// resultsLoop consumes joined, sequence-ordered results and commits their
// evaluations. Running in a single goroutine gives each session exclusive,
// in-order evaluation without extra locking.
func (m *Manager) resultsLoop(ctx context.Context, s *Session, results <-chan *aggregate.UtteranceResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			if r == nil {
				return
			}
			m.handleResult(ctx, s, r)
		}
	}
}

// handleResult persists the transcript, notifies the client, and runs the
// evaluation and follow-up for one utterance.
func (m *Manager) handleResult(ctx context.Context, s *Session, r *aggregate.UtteranceResult) {
	if r.Transcription != nil {
		entry := &store.TranscriptEntry{
			ID:         uuid.New().String(),
			SessionID:  s.ID,
			Seq:        r.Seq,
			Text:       r.Transcription.Text,
			Language:   r.Transcription.Language,
			Confidence: r.Transcription.Confidence,
			CreatedAt:  time.Now().UTC(),
		}
		if err := m.store.AppendTranscript(ctx, entry); err != nil {
			m.logger.Error("persisting transcript", "session_id", s.ID, "seq", r.Seq, "error", err)
		}
		s.emit(&Event{Type: EventTranscription, Data: r.Transcription})
	}
	if r.VideoSignal != nil {
		s.emit(&Event{Type: EventVideoAnalysis, Data: r.VideoSignal})
	}
	if r.Degraded {
		s.emit(&Event{
			Type:    EventStatus,
			Message: "analysis degraded",
			Data:    map[string]any{"seq": r.Seq, "annotations": r.Annotations},
		})
	}

	s.mu.Lock()
	question := s.currentQuestionLocked()
	questionIndex := s.questionIndex
	personaName := ""
	if s.persona != nil {
		personaName = s.persona.Name
	}
	s.mu.Unlock()

	if question == nil {
		// Media that straggles in after the bank is exhausted carries no
		// question to evaluate against.
		return
	}

	answer := ""
	if r.Transcription != nil {
		answer = r.Transcription.Text
	}

	m.evaluate(ctx, s, r, question, questionIndex, answer)
	m.followUp(ctx, s, r.Seq, question, personaName, answer)
}

// evaluate runs the multimodal evaluation for one utterance and appends
// the resulting record. Evaluation failure never stalls the session: a
// degraded record is committed instead so the interview can advance.
func (m *Manager) evaluate(ctx context.Context, s *Session, r *aggregate.UtteranceResult, question *Question, questionIndex int, answer string) {
	rec := &store.EvaluationRecord{
		ID:            uuid.New().String(),
		SessionID:     s.ID,
		QuestionIndex: questionIndex,
		Degraded:      r.Degraded,
		Annotations:   append([]string(nil), r.Annotations...),
		CreatedAt:     time.Now().UTC(),
	}

	prompt, err := m.prompts.Format(prompts.TemplateEvaluation, map[string]string{
		"position":     s.Position,
		"competency":   question.Competency,
		"competencies": strings.Join(s.Competencies, ", "),
		"question":     question.Text,
		"transcript":   answer,
		"observations": observations(r),
	})
	if err != nil {
		m.logger.Error("formatting evaluation prompt", "session_id", s.ID, "error", err)
		return
	}

	task := analysis.NewTask(s.ID, analysis.KindEvaluation, r.Seq, analysis.Input{Prompt: prompt})
	outcome, err := m.dispatchWait(ctx, task)
	switch {
	case err != nil:
		return
	case outcome.Failed():
		rec.Degraded = true
		rec.Annotations = append(rec.Annotations, fmt.Sprintf("evaluation failed: %v", outcome.Err))
		s.emit(&Event{Type: EventError, Message: "evaluation unavailable for this answer"})
	default:
		var eval Evaluation
		if err := analysis.DecodeJSON(outcome.Result.Text, &eval); err != nil {
			rec.Degraded = true
			rec.Annotations = append(rec.Annotations, fmt.Sprintf("evaluation unreadable: %v", err))
		} else {
			rec.Scores = eval.Scores
			rec.Evidence = eval.Evidence
			rec.Confidence = eval.Confidence
		}
	}

	s.mu.Lock()
	rec.Supersedes = s.answered[questionIndex]
	s.mu.Unlock()

	if err := m.store.AppendEvaluation(ctx, rec); err != nil {
		m.logger.Error("persisting evaluation record", "session_id", s.ID, "error", err)
		return
	}

	s.mu.Lock()
	s.answered[questionIndex] = rec.ID
	if s.status == StatusAwaitingAnalysis {
		s.status = StatusActive
	}
	s.mu.Unlock()
	m.persistStatusAsync(s)

	s.emit(&Event{
		Type:    EventEvaluation,
		Message: "evaluation committed",
		Data: map[string]any{
			"question_index": questionIndex,
			"degraded":       rec.Degraded,
			"confidence":     rec.Confidence,
		},
	})
}

// followUp asks the interviewer persona for a probing follow-up question.
// Failures are logged and swallowed; a missing follow-up costs nothing.
func (m *Manager) followUp(ctx context.Context, s *Session, seq uint64, question *Question, personaName, answer string) {
	if answer == "" {
		return
	}

	prompt, err := m.prompts.Format(prompts.TemplateFollowUp, map[string]string{
		"persona_name": personaName,
		"position":     s.Position,
		"question":     question.Text,
		"answer":       answer,
	})
	if err != nil {
		m.logger.Error("formatting follow-up prompt", "session_id", s.ID, "error", err)
		return
	}

	task := analysis.NewTask(s.ID, analysis.KindFollowUp, seq, analysis.Input{Prompt: prompt})
	outcome, err := m.dispatchWait(ctx, task)
	if err != nil || outcome.Failed() {
		m.logger.Warn("follow-up generation failed", "session_id", s.ID, "seq", seq)
		return
	}

	var reply struct {
		FollowUp string `json:"follow_up"`
		Reason   string `json:"reason"`
	}
	if err := analysis.DecodeJSON(outcome.Result.Text, &reply); err != nil {
		m.logger.Warn("follow-up unreadable", "session_id", s.ID, "error", err)
		return
	}
	if reply.FollowUp == "" {
		return
	}

	s.emit(&Event{
		Type: EventFollowUp,
		Data: map[string]string{"question": reply.FollowUp, "reason": reply.Reason},
	})
}

// finalize generates the hiring report and seals the session. Called once,
// from AdvanceQuestion, after the question bank is exhausted.
func (m *Manager) finalize(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	markdown, err := m.generateReport(ctx, s)
	if err != nil {
		m.logger.Error("report generation failed", "session_id", s.ID, "error", err)
		s.mu.Lock()
		terr := s.transitionLocked(StatusFailed)
		s.mu.Unlock()
		if terr != nil {
			// The session went terminal while the report was in flight
			// (abandoned mid-finalize). That outcome stands; whoever
			// moved it there already persisted and tore it down.
			m.logger.Info("finalize superseded by terminal state",
				"session_id", s.ID, "status", s.Status())
			return
		}
		s.emit(&Event{Type: EventError, Message: "report generation failed"})
	} else {
		s.mu.Lock()
		terr := s.transitionLocked(StatusCompleted)
		s.mu.Unlock()
		if terr != nil {
			m.logger.Info("finalize superseded by terminal state",
				"session_id", s.ID, "status", s.Status())
			return
		}
		if err := m.store.SaveReport(ctx, &store.Report{
			SessionID: s.ID,
			Markdown:  markdown,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			m.logger.Error("persisting report", "session_id", s.ID, "error", err)
		}
		s.emit(&Event{Type: EventFinalized, Message: "interview completed, report ready"})
		m.logger.Info("session completed", "session_id", s.ID)
	}

	if err := m.persist(ctx, s); err != nil {
		m.logger.Error("persisting final session state", "session_id", s.ID, "error", err)
	}
	m.teardown(s)
}

// generateReport builds the report prompt from the latest evaluation per
// question and invokes the report model.
func (m *Manager) generateReport(ctx context.Context, s *Session) (string, error) {
	records, err := m.store.ListEvaluations(ctx, s.ID)
	if err != nil {
		return "", fmt.Errorf("loading evaluations: %w", err)
	}

	// Later records supersede earlier ones for the same question.
	latest := make(map[int]*store.EvaluationRecord)
	for _, rec := range records {
		latest[rec.QuestionIndex] = rec
	}

	type reportEntry struct {
		QuestionIndex int                `json:"question_index"`
		Question      string             `json:"question"`
		Scores        map[string]float64 `json:"scores"`
		Evidence      string             `json:"evidence"`
		Confidence    float64            `json:"confidence"`
		Degraded      bool               `json:"degraded"`
	}

	s.mu.Lock()
	questions := s.questions
	s.mu.Unlock()

	entries := make([]reportEntry, 0, len(latest))
	for idx, q := range questions {
		rec, ok := latest[idx]
		if !ok {
			continue
		}
		entries = append(entries, reportEntry{
			QuestionIndex: idx,
			Question:      q.Text,
			Scores:        rec.Scores,
			Evidence:      rec.Evidence,
			Confidence:    rec.Confidence,
			Degraded:      rec.Degraded,
		})
	}

	evalJSON, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encoding evaluations: %w", err)
	}

	prompt, err := m.prompts.Format(prompts.TemplateReport, map[string]string{
		"position":     s.Position,
		"competencies": strings.Join(s.Competencies, ", "),
		"evaluations":  string(evalJSON),
	})
	if err != nil {
		return "", fmt.Errorf("formatting report prompt: %w", err)
	}

	task := analysis.NewTask(s.ID, analysis.KindReport, 0, analysis.Input{Prompt: prompt})
	outcome, err := m.dispatchWait(ctx, task)
	if err != nil {
		return "", err
	}
	if outcome.Failed() {
		return "", outcome.Err
	}

	return stripMarkdownFence(outcome.Result.Text), nil
}

// dispatchWait routes a task through the gateway's concurrency limits and
// blocks until its outcome is delivered.
func (m *Manager) dispatchWait(ctx context.Context, task *analysis.Task) (*analysis.Outcome, error) {
	done := make(chan *analysis.Outcome, 1)
	if err := m.gateway.Dispatch(ctx, task, func(o *analysis.Outcome) { done <- o }); err != nil {
		return nil, err
	}
	select {
	case o := <-done:
		return o, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// observations summarizes the non-verbal signal for the evaluation prompt.
func observations(r *aggregate.UtteranceResult) string {
	if r.VideoSignal == nil {
		if len(r.Annotations) > 0 {
			return "degraded: " + strings.Join(r.Annotations, "; ")
		}
		return "not available"
	}
	data, err := json.Marshal(r.VideoSignal)
	if err != nil {
		return "not available"
	}
	return string(data)
}

// stripMarkdownFence removes a surrounding ``` fence if the model wrapped
// its Markdown output in one.
func stripMarkdownFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
