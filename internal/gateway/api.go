// ABOUTME: HTTP API routes and handlers for interview session management
// ABOUTME: JSON endpoints for lifecycle, results, and report retrieval

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/interview-gateway/internal/auth"
	"github.com/2389/interview-gateway/internal/session"
	"github.com/2389/interview-gateway/internal/store"
)

// StartRequest is the JSON body for POST /api/interview/start.
type StartRequest struct {
	CandidateName string   `json:"candidate_name"`
	Position      string   `json:"position"`
	Competencies  []string `json:"competencies,omitempty"`
	QuestionCount int      `json:"question_count,omitempty"`
}

// UpdateStatusRequest is the JSON body for PUT /api/interview/{id}/status.
type UpdateStatusRequest struct {
	Status session.Status `json:"status"`
}

// UpdateResultsRequest is the JSON body for PUT /api/interview/{id}/results.
// It records a corrected evaluation for one question.
type UpdateResultsRequest struct {
	QuestionIndex int                `json:"question_index"`
	Scores        map[string]float64 `json:"scores"`
	Evidence      string             `json:"evidence,omitempty"`
	Confidence    float64            `json:"confidence,omitempty"`
}

// ResultsResponse is the JSON response for GET /api/interview/{id}/results.
type ResultsResponse struct {
	SessionID   string                    `json:"session_id"`
	Status      session.Status            `json:"status"`
	Evaluations []*store.EvaluationRecord `json:"evaluations"`
	Transcript  []*store.TranscriptEntry  `json:"transcript"`
}

// ReportResponse is the JSON response for GET /api/interview/{id}/report.
type ReportResponse struct {
	SessionID string `json:"session_id"`
	Markdown  string `json:"markdown"`
	CreatedAt string `json:"created_at"`
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Group(func(r chi.Router) {
		if g.verifier != nil {
			r.Use(auth.Middleware(g.verifier))
		}

		r.Route("/api/interview", func(r chi.Router) {
			r.Post("/start", g.handleStart)
			r.Get("/", g.handleList)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", g.handleSummary)
				r.Post("/advance", g.handleAdvance)
				r.Put("/status", g.handleUpdateStatus)
				r.Post("/finalize", g.handleFinalize)
				r.Delete("/", g.handleDelete)
				r.Get("/results", g.handleResults)
				r.Put("/results", g.handleUpdateResults)
				r.Get("/report", g.handleReport)
			})
		})

		r.Get("/ws/interview/{sessionID}", g.handleStream)
	})

	return r
}

// handleStart handles POST /api/interview/start. It creates the session,
// generates its persona and question bank, and returns the initial summary.
func (g *Gateway) handleStart(w http.ResponseWriter, r *http.Request) {
	req, err := parseStartRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := g.sessions.Start(r.Context(), session.StartParams{
		CandidateName: req.CandidateName,
		Position:      req.Position,
		Competencies:  req.Competencies,
		QuestionCount: req.QuestionCount,
	})
	if err != nil {
		g.logger.Error("starting session", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "failed to start interview")
		return
	}

	g.sendJSON(w, http.StatusCreated, s.Snapshot())
}

// parseStartRequest parses and validates a StartRequest from the given reader.
func parseStartRequest(r io.Reader) (*StartRequest, error) {
	var req StartRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.CandidateName == "" {
		return nil, errors.New("candidate_name is required")
	}
	if req.Position == "" {
		return nil, errors.New("position is required")
	}
	return &req, nil
}

// handleList handles GET /api/interview. Supports an optional ?limit=N.
func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	summaries, err := g.sessions.List(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list interviews")
		return
	}

	g.sendJSON(w, http.StatusOK, summaries)
}

// handleSummary handles GET /api/interview/{sessionID}.
func (g *Gateway) handleSummary(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	summary, err := g.sessions.Summary(r.Context(), sessionID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, summary)
}

// handleAdvance handles POST /api/interview/{sessionID}/advance. The
// response carries the next question, or a finalizing status when the
// bank is exhausted and report generation has started.
func (g *Gateway) handleAdvance(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	question, err := g.sessions.AdvanceQuestion(r.Context(), sessionID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}

	if question == nil {
		g.sendJSON(w, http.StatusOK, map[string]any{"status": session.StatusFinalizing})
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"status": session.StatusActive, "question": question})
}

// handleUpdateStatus handles PUT /api/interview/{sessionID}/status. Only
// abandoning or cutting into report generation can be requested from the
// outside; the orchestrator owns every other transition.
func (g *Gateway) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status == "" {
		g.sendJSONError(w, http.StatusBadRequest, "status is required")
		return
	}

	if err := g.sessions.UpdateStatus(r.Context(), sessionID, req.Status); err != nil {
		g.sendSessionError(w, err)
		return
	}

	summary, err := g.sessions.Summary(r.Context(), sessionID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, summary)
}

// handleFinalize handles POST /api/interview/{sessionID}/finalize. It cuts
// the interview short and starts report generation with whatever questions
// have been evaluated so far.
func (g *Gateway) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := g.sessions.Finalize(r.Context(), sessionID); err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"status": session.StatusFinalizing})
}

// handleUpdateResults handles PUT /api/interview/{sessionID}/results. The
// correction is appended as a superseding record, never an overwrite.
func (g *Gateway) handleUpdateResults(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req UpdateResultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Scores) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "scores are required")
		return
	}

	rec, err := g.sessions.AmendEvaluation(r.Context(), sessionID, req.QuestionIndex, session.Evaluation{
		Scores:     req.Scores,
		Evidence:   req.Evidence,
		Confidence: req.Confidence,
	})
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, rec)
}

// handleDelete handles DELETE /api/interview/{sessionID}. A live session
// is abandoned first; then the stored records are removed.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if s, ok := g.sessions.Get(sessionID); ok && !s.Status().Terminal() {
		if err := g.sessions.Abandon(r.Context(), sessionID); err != nil {
			g.sendSessionError(w, err)
			return
		}
	}

	if err := g.store.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "interview not found")
			return
		}
		g.logger.Error("deleting session", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to delete interview")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleResults handles GET /api/interview/{sessionID}/results.
func (g *Gateway) handleResults(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	summary, err := g.sessions.Summary(r.Context(), sessionID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}

	evaluations, err := g.store.ListEvaluations(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("listing evaluations", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	transcript, err := g.store.ListTranscript(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("listing transcript", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load results")
		return
	}

	g.sendJSON(w, http.StatusOK, &ResultsResponse{
		SessionID:   sessionID,
		Status:      summary.Status,
		Evaluations: evaluations,
		Transcript:  transcript,
	})
}

// handleReport handles GET /api/interview/{sessionID}/report. The report
// is stored as Markdown; ?format=html renders it with goldmark.
func (g *Gateway) handleReport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	report, err := g.store.GetReport(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "report not available")
			return
		}
		g.logger.Error("loading report", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load report")
		return
	}

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		md := goldmark.New(goldmark.WithExtensions(extension.GFM))
		if err := md.Convert([]byte(report.Markdown), &buf); err != nil {
			g.logger.Error("rendering report", "session_id", sessionID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to render report")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
		return
	}

	g.sendJSON(w, http.StatusOK, &ReportResponse{
		SessionID: report.SessionID,
		Markdown:  report.Markdown,
		CreatedAt: report.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// handleStream hands the connection to the WebSocket stream gateway.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	g.stream.HandleSession(w, r, chi.URLParam(r, "sessionID"))
}

// sendSessionError maps session manager errors onto HTTP statuses.
func (g *Gateway) sendSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "interview not found")
	case errors.Is(err, session.ErrNotEvaluated):
		g.sendJSONError(w, http.StatusConflict, "current question has no evaluation yet")
	case errors.Is(err, session.ErrInvalidState):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("session operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON writes a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
