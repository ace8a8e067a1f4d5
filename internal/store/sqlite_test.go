// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers session CRUD, append-only evaluations, transcripts, and reports

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string) *SessionRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &SessionRecord{
		ID:            id,
		CandidateName: "Ada Lovelace",
		Position:      "Staff Engineer",
		Status:        "created",
		QuestionCount: 3,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("sess-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.CandidateName, got.CandidateName)
	assert.Equal(t, sess.Position, got.Position)
	assert.Equal(t, "created", got.Status)
	assert.Equal(t, 3, got.QuestionCount)
}

func TestCreateSession_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, testSession("sess-1")))
	err := s.CreateSession(ctx, testSession("sess-1"))
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("sess-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	sess.Status = "active"
	sess.QuestionIndex = 1
	require.NoError(t, s.UpdateSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "active", got.Status)
	assert.Equal(t, 1, got.QuestionIndex)
}

func TestUpdateSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateSession(context.Background(), testSession("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := testSession("sess-old")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, older))
	require.NoError(t, s.CreateSession(ctx, testSession("sess-new")))

	sessions, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-new", sessions[0].ID)
	assert.Equal(t, "sess-old", sessions[1].ID)

	limited, err := s.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestEvaluations_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, testSession("sess-1")))

	first := &EvaluationRecord{
		ID:            "eval-1",
		SessionID:     "sess-1",
		QuestionIndex: 0,
		Scores:        map[string]float64{"communication": 3.5, "depth": 4.0},
		Evidence:      "explained tradeoffs clearly",
		Confidence:    0.9,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.AppendEvaluation(ctx, first))

	second := &EvaluationRecord{
		ID:            "eval-2",
		SessionID:     "sess-1",
		QuestionIndex: 0,
		Scores:        map[string]float64{"communication": 4.0},
		Evidence:      "revised after follow-up",
		Confidence:    0.7,
		Degraded:      true,
		Annotations:   []string{"video_signal missing: join timeout"},
		Supersedes:    "eval-1",
		CreatedAt:     time.Now().UTC().Add(time.Second),
	}
	require.NoError(t, s.AppendEvaluation(ctx, second))

	records, err := s.ListEvaluations(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Both records survive; the superseding one points at the old one.
	assert.Equal(t, "eval-1", records[0].ID)
	assert.Equal(t, "eval-2", records[1].ID)
	assert.Equal(t, "eval-1", records[1].Supersedes)
	assert.True(t, records[1].Degraded)
	assert.Equal(t, 3.5, records[0].Scores["communication"])
	require.Len(t, records[1].Annotations, 1)
}

func TestTranscript_IdempotentAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, testSession("sess-1")))

	entry := &TranscriptEntry{
		ID:         "tr-1",
		SessionID:  "sess-1",
		Seq:        0,
		Text:       "my background is in distributed systems",
		Language:   "en",
		Confidence: 0.92,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.AppendTranscript(ctx, entry))

	// A retried commit of the same seq must not duplicate the row.
	dup := *entry
	dup.ID = "tr-1-retry"
	require.NoError(t, s.AppendTranscript(ctx, &dup))

	entries, err := s.ListTranscript(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tr-1", entries[0].ID)
}

func TestTranscript_OrderedBySeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, testSession("sess-1")))

	for _, seq := range []uint64{2, 0, 1} {
		require.NoError(t, s.AppendTranscript(ctx, &TranscriptEntry{
			ID:        "tr-" + string(rune('a'+seq)),
			SessionID: "sess-1",
			Seq:       seq,
			Text:      "answer",
			CreatedAt: time.Now().UTC(),
		}))
	}

	entries, err := s.ListTranscript(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Seq)
	}
}

func TestReport_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, testSession("sess-1")))

	_, err := s.GetReport(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveReport(ctx, &Report{
		SessionID: "sess-1",
		Markdown:  "# Interview Report\n\ndraft",
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SaveReport(ctx, &Report{
		SessionID: "sess-1",
		Markdown:  "# Interview Report\n\nfinal",
		CreatedAt: time.Now().UTC(),
	}))

	report, err := s.GetReport(ctx, "sess-1")
	require.NoError(t, err)
	assert.Contains(t, report.Markdown, "final")
}

func TestDeleteSession_RemovesDependents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, testSession("sess-1")))

	require.NoError(t, s.AppendEvaluation(ctx, &EvaluationRecord{
		ID:        "eval-1",
		SessionID: "sess-1",
		Scores:    map[string]float64{"depth": 3.0},
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.AppendTranscript(ctx, &TranscriptEntry{
		ID:        "tr-1",
		SessionID: "sess-1",
		Text:      "answer",
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))

	_, err := s.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	evals, err := s.ListEvaluations(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, evals)

	err = s.DeleteSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
