// ABOUTME: Package documentation for the result aggregation layer.
// ABOUTME: Describes the reorder buffer and per-utterance join barrier.

// Package aggregate reorders asynchronous analysis outcomes so downstream
// consumers see one joined result per utterance, in strict sequence order
// per session.
//
// Analysis services complete in arbitrary order: a later utterance's
// transcription can finish before an earlier one's. The aggregator holds
// completed joins in a per-session reorder buffer and releases only the
// head of the line, so evaluation always observes utterances in the order
// the candidate spoke them.
//
// Each utterance's modalities (transcription, video signal) pass through a
// join barrier armed by Expect. If a modality fails terminally or the join
// timeout elapses, the utterance is released degraded, with annotations
// naming what is missing, instead of stalling the session.
package aggregate
