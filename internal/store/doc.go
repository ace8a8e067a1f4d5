// ABOUTME: Package documentation for the persistence layer.
// ABOUTME: Describes the SQLite-backed store and its record types.

// Package store persists interview sessions and their artifacts: session
// records, append-only evaluation records, ordered transcripts, and final
// reports.
//
// The only implementation is SQLiteStore, backed by modernc.org/sqlite
// with WAL mode enabled. The schema is created automatically on first
// open, so deployments need no separate migration step.
package store
