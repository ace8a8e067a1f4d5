// Package dedupe provides commit deduplication for analysis results using a
// time-based cache, so a retried external call never commits a second result
// for the same utterance and task kind.
package dedupe
