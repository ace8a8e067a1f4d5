// ABOUTME: Package documentation for session orchestration.
// ABOUTME: Describes the lifecycle, run loops, and evaluation flow.

// Package session orchestrates interview sessions end to end: lifecycle
// state, media intake, analysis dispatch, evaluation commits, and report
// generation.
//
// Each session runs two goroutines. The dispatch loop drains the media
// buffer and hands utterances to the analysis gateway; when analysis
// saturates, dispatch blocks, the buffer backs up, and submissions start
// returning an overload error — backpressure reaches the client instead
// of memory growing without bound. The results loop consumes joined,
// sequence-ordered results from the aggregator and commits evaluation
// records one at a time, so a session's record history is always ordered.
//
// Evaluation records are append-only. Re-evaluating a question appends a
// superseding record; nothing committed is ever rewritten, which keeps
// the assessment trail auditable.
package session
