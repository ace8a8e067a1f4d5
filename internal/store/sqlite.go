// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/evaluation/transcript persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			candidate_name TEXT NOT NULL,
			position TEXT NOT NULL,
			status TEXT NOT NULL,
			question_index INTEGER NOT NULL DEFAULT 0,
			question_count INTEGER NOT NULL DEFAULT 0,
			persona_json TEXT NOT NULL DEFAULT '',
			questions_json TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status
			ON sessions(status);

		CREATE TABLE IF NOT EXISTS evaluation_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			question_index INTEGER NOT NULL,
			scores_json TEXT NOT NULL,
			evidence TEXT NOT NULL,
			confidence REAL NOT NULL,
			degraded INTEGER NOT NULL DEFAULT 0,
			annotations_json TEXT NOT NULL DEFAULT '[]',
			supersedes TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_evaluations_session
			ON evaluation_records(session_id, created_at);

		CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_transcripts_session_seq
			ON transcripts(session_id, seq);

		CREATE TABLE IF NOT EXISTS reports (
			session_id TEXT PRIMARY KEY,
			markdown TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateSession inserts a new session record.
// Returns ErrDuplicateSession if a session with the same ID already exists.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *SessionRecord) error {
	query := `
		INSERT INTO sessions (id, candidate_name, position, status, question_index,
			question_count, persona_json, questions_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.CandidateName,
		sess.Position,
		sess.Status,
		sess.QuestionIndex,
		sess.QuestionCount,
		sess.PersonaJSON,
		sess.QuestionsJSON,
		sess.CreatedAt.UTC().Format(time.RFC3339),
		sess.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "candidate", sess.CandidateName)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `
		SELECT id, candidate_name, position, status, question_index,
			question_count, persona_json, questions_json, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	return s.scanSession(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*SessionRecord, error) {
	var sess SessionRecord
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&sess.ID,
		&sess.CandidateName,
		&sess.Position,
		&sess.Status,
		&sess.QuestionIndex,
		&sess.QuestionCount,
		&sess.PersonaJSON,
		&sess.QuestionsJSON,
		&createdAtStr,
		&updatedAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &sess, nil
}

// UpdateSession updates an existing session record.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *SessionRecord) error {
	query := `
		UPDATE sessions
		SET candidate_name = ?, position = ?, status = ?, question_index = ?,
			question_count = ?, persona_json = ?, questions_json = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		sess.CandidateName,
		sess.Position,
		sess.Status,
		sess.QuestionIndex,
		sess.QuestionCount,
		sess.PersonaJSON,
		sess.QuestionsJSON,
		time.Now().UTC().Format(time.RFC3339),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListSessions returns sessions ordered by creation time, newest first.
// A limit of 0 or less returns all sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	query := `
		SELECT id, candidate_name, position, status, question_index,
			question_count, persona_json, questions_json, created_at, updated_at
		FROM sessions
		ORDER BY created_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		var sess SessionRecord
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(
			&sess.ID,
			&sess.CandidateName,
			&sess.Position,
			&sess.Status,
			&sess.QuestionIndex,
			&sess.QuestionCount,
			&sess.PersonaJSON,
			&sess.QuestionsJSON,
			&createdAtStr,
			&updatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}

		sess.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

// DeleteSession removes a session and all its dependent rows.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM reports WHERE session_id = ?",
		"DELETE FROM transcripts WHERE session_id = ?",
		"DELETE FROM evaluation_records WHERE session_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("deleting session rows: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted session", "id", id)
	return nil
}

// AppendEvaluation inserts an evaluation record. Records are never updated
// in place; a superseding record carries the old record's ID in Supersedes.
func (s *SQLiteStore) AppendEvaluation(ctx context.Context, rec *EvaluationRecord) error {
	scoresJSON, err := json.Marshal(rec.Scores)
	if err != nil {
		return fmt.Errorf("encoding scores: %w", err)
	}
	annotationsJSON, err := json.Marshal(rec.Annotations)
	if err != nil {
		return fmt.Errorf("encoding annotations: %w", err)
	}

	query := `
		INSERT INTO evaluation_records (id, session_id, question_index, scores_json,
			evidence, confidence, degraded, annotations_json, supersedes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.SessionID,
		rec.QuestionIndex,
		string(scoresJSON),
		rec.Evidence,
		rec.Confidence,
		boolToInt(rec.Degraded),
		string(annotationsJSON),
		rec.Supersedes,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting evaluation record: %w", err)
	}

	return nil
}

// ListEvaluations returns a session's evaluation records in insertion order
func (s *SQLiteStore) ListEvaluations(ctx context.Context, sessionID string) ([]*EvaluationRecord, error) {
	query := `
		SELECT id, session_id, question_index, scores_json, evidence,
			confidence, degraded, annotations_json, supersedes, created_at
		FROM evaluation_records
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing evaluations: %w", err)
	}
	defer rows.Close()

	var records []*EvaluationRecord
	for rows.Next() {
		var rec EvaluationRecord
		var scoresJSON, annotationsJSON, createdAtStr string
		var degraded int

		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.QuestionIndex,
			&scoresJSON,
			&rec.Evidence,
			&rec.Confidence,
			&degraded,
			&annotationsJSON,
			&rec.Supersedes,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning evaluation record: %w", err)
		}

		if err := json.Unmarshal([]byte(scoresJSON), &rec.Scores); err != nil {
			return nil, fmt.Errorf("decoding scores: %w", err)
		}
		if err := json.Unmarshal([]byte(annotationsJSON), &rec.Annotations); err != nil {
			return nil, fmt.Errorf("decoding annotations: %w", err)
		}
		rec.Degraded = degraded != 0
		rec.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		records = append(records, &rec)
	}

	return records, rows.Err()
}

// AppendTranscript inserts a transcript entry. Re-inserting the same
// session/seq pair is a no-op so retried commits stay idempotent.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, entry *TranscriptEntry) error {
	query := `
		INSERT OR IGNORE INTO transcripts (id, session_id, seq, text, language, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.SessionID,
		entry.Seq,
		entry.Text,
		entry.Language,
		entry.Confidence,
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting transcript entry: %w", err)
	}

	return nil
}

// ListTranscript returns a session's transcript entries in sequence order
func (s *SQLiteStore) ListTranscript(ctx context.Context, sessionID string) ([]*TranscriptEntry, error) {
	query := `
		SELECT id, session_id, seq, text, language, confidence, created_at
		FROM transcripts
		WHERE session_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing transcript: %w", err)
	}
	defer rows.Close()

	var entries []*TranscriptEntry
	for rows.Next() {
		var entry TranscriptEntry
		var createdAtStr string

		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.Seq,
			&entry.Text,
			&entry.Language,
			&entry.Confidence,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning transcript entry: %w", err)
		}

		entry.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// SaveReport stores the final report for a session, replacing any previous one
func (s *SQLiteStore) SaveReport(ctx context.Context, report *Report) error {
	query := `
		INSERT INTO reports (session_id, markdown, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET markdown = excluded.markdown, created_at = excluded.created_at
	`

	_, err := s.db.ExecContext(ctx, query,
		report.SessionID,
		report.Markdown,
		report.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving report: %w", err)
	}

	return nil
}

// GetReport retrieves a session's report.
// Returns ErrNotFound if no report has been generated.
func (s *SQLiteStore) GetReport(ctx context.Context, sessionID string) (*Report, error) {
	query := `
		SELECT session_id, markdown, created_at
		FROM reports
		WHERE session_id = ?
	`

	var report Report
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&report.SessionID,
		&report.Markdown,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying report: %w", err)
	}

	report.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &report, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
