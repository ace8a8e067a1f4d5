// ABOUTME: Package documentation for the WebSocket stream gateway.
// ABOUTME: Describes the wire protocol and connection rules.

// Package stream is the WebSocket face of an interview session.
//
// Clients send binary frames carrying media chunks and text frames
// carrying JSON control messages (end_of_turn, next_question,
// end_of_session). The gateway pushes JSON envelopes back: connection
// acks, transcription and video analysis results, follow-up questions,
// status changes, and errors.
//
// Each session accepts exactly one connection at a time; a second
// connect attempt is rejected with 409 and the existing connection is
// left untouched. When the analysis pipeline saturates, media
// submissions are answered with a slow-down status instead of closing
// the connection.
package stream
