// Package media segments a session's continuous byte stream into bounded
// utterances ready for analysis.
//
// A Buffer flushes on an explicit end-of-turn signal, on a size ceiling, or
// on a duration ceiling, whichever comes first. Each flush yields exactly
// one Utterance with a strictly increasing sequence number. The buffer never
// reorders input and never drops a byte unless the session is torn down.
//
// Backpressure: flushed utterances queue up to a bounded depth; exceeding it
// surfaces ErrOverloaded to the caller, which the stream gateway relays to
// the client as a transient slow-down notice.
package media
