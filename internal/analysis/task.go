// ABOUTME: Task kinds, inputs, results, and error taxonomy for the analysis gateway.
// ABOUTME: Task kinds form a closed set; the gateway switches on kind for policy.

package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/interview-gateway/internal/media"
)

// Kind identifies one of the external analysis/generation services.
// The set is closed: the gateway switches on kind to select endpoint,
// deadline, and retry ceiling.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindVideoSignal   Kind = "video_signal"
	KindFollowUp      Kind = "follow_up_generation"
	KindEvaluation    Kind = "multimodal_evaluation"
	KindReport        Kind = "report_generation"
)

// Kinds lists every task kind, in dispatch-policy order.
var Kinds = []Kind{KindTranscription, KindVideoSignal, KindFollowUp, KindEvaluation, KindReport}

// TaskState tracks an AnalysisTask through its in-flight lifetime.
type TaskState string

const (
	TaskPending         TaskState = "pending"
	TaskInFlight        TaskState = "in_flight"
	TaskSucceeded       TaskState = "succeeded"
	TaskFailedRetryable TaskState = "failed_retryable"
	TaskFailedTerminal  TaskState = "failed_terminal"
)

// Input carries the payload for one task. Media kinds use Utterance;
// generation kinds use Prompt.
type Input struct {
	Utterance *media.Utterance
	Prompt    string
}

// Task is one outstanding call to an external service. It is owned by the
// gateway for its in-flight lifetime; result delivery transfers ownership
// of the output to the aggregator.
type Task struct {
	ID        string
	SessionID string
	Kind      Kind

	// Seq is the utterance sequence number for media-bound kinds and the
	// question index for generation kinds.
	Seq uint64

	Input    Input
	Attempts int
	State    TaskState
	Deadline time.Time
}

// TranscriptionResult is the speech-to-text service output.
type TranscriptionResult struct {
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
	Segments   []Segment `json:"segments"`
}

// Segment is a time-bounded slice of a transcription.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// VideoSignalResult is the non-verbal analysis service output.
type VideoSignalResult struct {
	Emotions     []Emotion `json:"emotions"`
	Gestures     []Gesture `json:"gestures"`
	EyeContact   float64   `json:"eye_contact"`
	PostureScore float64   `json:"posture_score"`
}

// Emotion is one detected emotion sample.
type Emotion struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
	Timestamp  float64 `json:"timestamp"`
}

// Gesture is one detected gesture sample.
type Gesture struct {
	Gesture    string  `json:"gesture"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Timestamp  float64 `json:"timestamp"`
}

// Result is the typed output of one task. Exactly one payload field is set,
// matching the task kind; generation kinds use Text.
type Result struct {
	Kind          Kind
	Transcription *TranscriptionResult
	VideoSignal   *VideoSignalResult
	Text          string
}

// Outcome is what the gateway delivers downstream for every dispatched
// task: either a result, or an explicit terminal-failure marker. Absent-
// with-failure-marker is distinct from absent-pending; consumers must not
// treat the two alike.
type Outcome struct {
	Task   *Task
	Result *Result
	Err    error
}

// Failed reports whether the outcome is a terminal-failure marker.
func (o *Outcome) Failed() bool {
	return o.Err != nil
}

// ServiceError is an error from an external service call, classified as
// transient (retryable) or terminal.
type ServiceError struct {
	Code      string
	Transient bool
	Err       error
}

func (e *ServiceError) Error() string {
	class := "terminal"
	if e.Transient {
		class = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s service error %s: %v", class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s service error %s", class, e.Code)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable service error (timeout,
// rate-limit, 5xx-equivalent).
func TransientError(code string, err error) error {
	return &ServiceError{Code: code, Transient: true, Err: err}
}

// TerminalError wraps err as a non-retryable service error (malformed
// input, authentication failure, permanent rejection).
func TerminalError(code string, err error) error {
	return &ServiceError{Code: code, Transient: false, Err: err}
}

// IsTransient reports whether err should be retried. Deadline expiry is
// treated identically to a transient failure.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}
