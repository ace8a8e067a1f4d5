// Package analysis is the uniform client layer over the external analysis
// and generation services (transcription, video signal, follow-up,
// evaluation, report).
//
// # Dispatch Policy
//
// Each task kind carries its own deadline, retry ceiling, and backoff
// curve. Transient failures (timeouts, rate limits, 5xx) are retried with
// exponential backoff and jitter; terminal failures (malformed input, auth
// rejection) fail immediately. Exhausted retries produce an explicit
// terminal-failure Outcome rather than silence, so downstream consumers
// can distinguish failed from pending.
//
// # Concurrency
//
// In-flight calls are capped per session per kind (one transcription, one
// video analysis, one report at a time) and by a process-wide semaphore
// across all sessions. Dispatch blocks on the per-session permit, which is
// how backpressure reaches the media queue.
//
// # Idempotence
//
// Committed results are deduplicated by (session, sequence, kind): a
// retried call that races an earlier committed attempt never delivers a
// second result.
package analysis
