// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Drives the router with httptest against real components

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/interview-gateway/internal/aggregate"
	"github.com/2389/interview-gateway/internal/analysis"
	"github.com/2389/interview-gateway/internal/auth"
	"github.com/2389/interview-gateway/internal/config"
	"github.com/2389/interview-gateway/internal/media"
	"github.com/2389/interview-gateway/internal/prompts"
	"github.com/2389/interview-gateway/internal/session"
	"github.com/2389/interview-gateway/internal/store"
	"github.com/2389/interview-gateway/internal/stream"
)

func fakeLLM() analysis.Service {
	return analysis.ServiceFunc(func(_ context.Context, in analysis.Input) (*analysis.Result, error) {
		switch {
		case strings.Contains(in.Prompt, "interview questions"):
			return &analysis.Result{Text: `{"questions": [{"text": "Tell me about a project.", "competency": "communication"}]}`}, nil
		case strings.Contains(in.Prompt, "interviewer"):
			return &analysis.Result{Text: `{"name": "Morgan", "style": "direct", "introduction": "hi"}`}, nil
		case strings.Contains(in.Prompt, "follow-up"):
			return &analysis.Result{Text: `{"follow_up": "", "reason": ""}`}, nil
		case strings.Contains(in.Prompt, "Evaluate"):
			return &analysis.Result{Text: `{"scores": {"communication": 0.7}, "evidence": "solid", "confidence": 0.8}`}, nil
		default:
			return &analysis.Result{Text: "# Interview Report\n\n| Competency | Score |\n|---|---|\n| communication | 0.7 |"}, nil
		}
	})
}

// newTestGateway wires a Gateway with fake analysis services and a real
// SQLite store in a temp dir.
func newTestGateway(t *testing.T, jwtSecret string) *Gateway {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	llm := fakeLLM()
	transcribe := analysis.ServiceFunc(func(_ context.Context, _ analysis.Input) (*analysis.Result, error) {
		return &analysis.Result{Transcription: &analysis.TranscriptionResult{Text: "an answer", Language: "en", Confidence: 0.9}}, nil
	})

	policies := make(map[analysis.Kind]analysis.Policy)
	for _, kind := range analysis.Kinds {
		policies[kind] = analysis.Policy{Deadline: 2 * time.Second, MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond, MaxInFlight: 1}
	}
	analysisGW := analysis.NewGateway(analysis.Config{
		Services: map[analysis.Kind]analysis.Service{
			analysis.KindTranscription: transcribe,
			analysis.KindFollowUp:      llm,
			analysis.KindEvaluation:    llm,
			analysis.KindReport:        llm,
		},
		Policies:    policies,
		MaxInFlight: 8,
	})
	t.Cleanup(analysisGW.Close)

	registry, err := prompts.Load("")
	require.NoError(t, err)

	aggregator := aggregate.New(time.Second, nil)
	sessions := session.NewManager(session.Config{
		Store:      st,
		Gateway:    analysisGW,
		Aggregator: aggregator,
		Prompts:    registry,
		LLM:        llm,
		Media:      media.Config{MaxBytes: 1 << 20, MaxDuration: time.Minute, QueueDepth: 4},
	})

	g := &Gateway{
		config:     config.Default(),
		store:      st,
		analysis:   analysisGW,
		aggregator: aggregator,
		sessions:   sessions,
		stream:     stream.NewGateway(sessions, nil),
		logger:     slog.Default(),
	}
	if jwtSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(jwtSecret))
	}
	return g
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func startInterview(t *testing.T, handler http.Handler) *session.Summary {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/interview/start", &StartRequest{
		CandidateName: "Ada Lovelace",
		Position:      "Staff Engineer",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var summary session.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	return &summary
}

func TestStartInterview(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()

	summary := startInterview(t, handler)
	assert.Equal(t, session.StatusActive, summary.Status)
	assert.Equal(t, 1, summary.QuestionCount)
	require.NotNil(t, summary.Persona)
	assert.Equal(t, "Morgan", summary.Persona.Name)
	require.NotNil(t, summary.CurrentQuestion)
}

func TestStartInterview_Validation(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()

	rec := doJSON(t, handler, http.MethodPost, "/api/interview/start", map[string]string{"position": "SRE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/interview/start", map[string]string{"candidate_name": "Ada"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSummary(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()

	summary := startInterview(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/interview/"+summary.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got session.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, summary.ID, got.ID)

	rec = doJSON(t, handler, http.MethodGet, "/api/interview/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListInterviews(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()

	startInterview(t, handler)
	startInterview(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/interview/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []*session.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	assert.Len(t, summaries, 2)

	rec = doJSON(t, handler, http.MethodGet, "/api/interview/?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdvance_WithoutEvaluation(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()

	summary := startInterview(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/interview/"+summary.ID+"/advance", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// runInterview drives a one-question interview to completion through the
// session manager.
func runInterview(t *testing.T, g *Gateway, id string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, g.sessions.SubmitMedia(id, []byte("chunk")))
	require.NoError(t, g.sessions.EndOfTurn(ctx, id))

	deadline := time.Now().Add(5 * time.Second)
	for {
		records, err := g.store.ListEvaluations(ctx, id)
		require.NoError(t, err)
		if len(records) > 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "evaluation never committed")
		time.Sleep(10 * time.Millisecond)
	}

	_, err := g.sessions.AdvanceQuestion(ctx, id)
	require.NoError(t, err)

	deadline = time.Now().Add(5 * time.Second)
	for {
		summary, err := g.sessions.Summary(ctx, id)
		require.NoError(t, err)
		if summary.Status == session.StatusCompleted {
			return
		}
		require.True(t, time.Now().Before(deadline), "session never completed")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResultsAndReport(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()

	summary := startInterview(t, handler)

	// No report until the interview finishes.
	rec := doJSON(t, handler, http.MethodGet, "/api/interview/"+summary.ID+"/report", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	runInterview(t, g, summary.ID)

	rec = doJSON(t, handler, http.MethodGet, "/api/interview/"+summary.ID+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results ResultsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Equal(t, session.StatusCompleted, results.Status)
	require.Len(t, results.Evaluations, 1)
	require.Len(t, results.Transcript, 1)
	assert.Equal(t, "an answer", results.Transcript[0].Text)

	rec = doJSON(t, handler, http.MethodGet, "/api/interview/"+summary.ID+"/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report ReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Contains(t, report.Markdown, "Interview Report")

	rec = doJSON(t, handler, http.MethodGet, "/api/interview/"+summary.ID+"/report?format=html", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<h1")
	assert.Contains(t, rec.Body.String(), "<table")
}

func TestUpdateStatus_Abandon(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()

	summary := startInterview(t, handler)

	rec := doJSON(t, handler, http.MethodPut, "/api/interview/"+summary.ID+"/status",
		&UpdateStatusRequest{Status: session.StatusAbandoned})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got session.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, session.StatusAbandoned, got.Status)
}

func TestUpdateStatus_Rejected(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()

	summary := startInterview(t, handler)

	// Completion is owned by the orchestrator, not the caller.
	rec := doJSON(t, handler, http.MethodPut, "/api/interview/"+summary.ID+"/status",
		&UpdateStatusRequest{Status: session.StatusCompleted})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, handler, http.MethodPut, "/api/interview/"+summary.ID+"/status",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinalizeEndpoint(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()
	ctx := context.Background()

	summary := startInterview(t, handler)

	require.NoError(t, g.sessions.SubmitMedia(summary.ID, []byte("chunk")))
	require.NoError(t, g.sessions.EndOfTurn(ctx, summary.ID))
	waitForEvaluations(t, g, summary.ID, 1)

	rec := doJSON(t, handler, http.MethodPost, "/api/interview/"+summary.ID+"/finalize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), string(session.StatusFinalizing))

	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := g.sessions.Summary(ctx, summary.ID)
		require.NoError(t, err)
		if s.Status == session.StatusCompleted {
			break
		}
		require.True(t, time.Now().Before(deadline), "session never completed")
		time.Sleep(10 * time.Millisecond)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/interview/"+summary.ID+"/report", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateResults(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()
	ctx := context.Background()

	summary := startInterview(t, handler)

	// Nothing committed yet, so there is nothing to amend.
	rec := doJSON(t, handler, http.MethodPut, "/api/interview/"+summary.ID+"/results",
		&UpdateResultsRequest{QuestionIndex: 0, Scores: map[string]float64{"communication": 0.3}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, g.sessions.SubmitMedia(summary.ID, []byte("chunk")))
	require.NoError(t, g.sessions.EndOfTurn(ctx, summary.ID))
	waitForEvaluations(t, g, summary.ID, 1)

	rec = doJSON(t, handler, http.MethodPut, "/api/interview/"+summary.ID+"/results",
		&UpdateResultsRequest{
			QuestionIndex: 0,
			Scores:        map[string]float64{"communication": 0.3},
			Evidence:      "reviewer override",
			Confidence:    1.0,
		})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var amended store.EvaluationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &amended))
	assert.NotEmpty(t, amended.Supersedes)

	records, err := g.store.ListEvaluations(ctx, summary.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, records[0].ID, records[1].Supersedes)

	// Out-of-range question index and missing scores are rejected.
	rec = doJSON(t, handler, http.MethodPut, "/api/interview/"+summary.ID+"/results",
		&UpdateResultsRequest{QuestionIndex: 5, Scores: map[string]float64{"communication": 0.3}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, handler, http.MethodPut, "/api/interview/"+summary.ID+"/results",
		&UpdateResultsRequest{QuestionIndex: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func waitForEvaluations(t *testing.T, g *Gateway, id string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		records, err := g.store.ListEvaluations(context.Background(), id)
		require.NoError(t, err)
		if len(records) >= want {
			return
		}
		require.True(t, time.Now().Before(deadline), "evaluation never committed")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeleteInterview(t *testing.T) {
	g := newTestGateway(t, "")
	handler := g.routes()

	summary := startInterview(t, handler)

	rec := doJSON(t, handler, http.MethodDelete, "/api/interview/"+summary.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/interview/"+summary.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, "/api/interview/"+summary.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuth_Required(t *testing.T) {
	g := newTestGateway(t, "test-secret")
	handler := g.routes()

	rec := doJSON(t, handler, http.MethodGet, "/api/interview/", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health probes stay open.
	rec = doJSON(t, handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A valid token passes.
	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate("admin", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/interview/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
}
