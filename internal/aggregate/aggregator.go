// ABOUTME: Result aggregator that reorders analysis outcomes by sequence number.
// ABOUTME: Joins per-utterance modalities with a timeout before in-order release.

package aggregate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/interview-gateway/internal/analysis"
)

const (
	// releaseBufferSize is the channel buffer for each session's released
	// results. Matches the broadcaster pattern used elsewhere (64 events).
	releaseBufferSize = 64
)

// UtteranceResult is the joined, ordered unit released to the orchestrator:
// every expected modality for one utterance, or a degraded stand-in for the
// ones that failed or timed out.
type UtteranceResult struct {
	SessionID string
	Seq       uint64

	Transcription *analysis.TranscriptionResult
	VideoSignal   *analysis.VideoSignalResult

	// Degraded is set when any expected modality is absent. Annotations
	// name each missing modality and why, so evaluation can proceed with
	// reduced confidence instead of stalling.
	Degraded    bool
	Annotations []string
}

// joinState tracks one utterance's modalities until the join completes.
type joinState struct {
	expected map[analysis.Kind]bool
	arrived  map[analysis.Kind]*analysis.Outcome
	timer    *time.Timer
	timedOut bool
	ready    bool
}

// sessionAgg is the per-session reorder buffer.
type sessionAgg struct {
	nextSeq   uint64
	pending   map[uint64]*joinState
	out       chan *UtteranceResult
	done      chan struct{}
	closed    bool
	releasing bool
}

// Aggregator merges asynchronous, out-of-order analysis outcomes into
// strictly sequence-ordered releases per session. A later-arriving but
// earlier-sequenced result unblocks any already-arrived results held
// behind it.
type Aggregator struct {
	mu          sync.Mutex
	sessions    map[string]*sessionAgg
	joinTimeout time.Duration
	logger      *slog.Logger
}

// New creates an Aggregator. joinTimeout bounds how long an utterance's
// join barrier waits for a missing modality before degrading it.
func New(joinTimeout time.Duration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		sessions:    make(map[string]*sessionAgg),
		joinTimeout: joinTimeout,
		logger:      logger.With("component", "aggregator"),
	}
}

// Register creates the per-session release channel. Results are delivered
// on it in non-decreasing sequence order. The channel is never closed; the
// consumer stops reading when it tears the session down and calls Close.
func (a *Aggregator) Register(sessionID string) <-chan *UtteranceResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions[sessionID]
	if !ok {
		sess = &sessionAgg{
			pending: make(map[uint64]*joinState),
			out:     make(chan *UtteranceResult, releaseBufferSize),
			done:    make(chan struct{}),
		}
		a.sessions[sessionID] = sess
	}
	return sess.out
}

// Expect arms the join barrier for one utterance: kinds lists the
// modalities that will be offered for seq. The join timeout starts now;
// when it fires, missing modalities are converted to degraded inputs
// rather than blocking the session forever.
func (a *Aggregator) Expect(sessionID string, seq uint64, kinds ...analysis.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions[sessionID]
	if !ok || sess.closed {
		return
	}

	state := &joinState{
		expected: make(map[analysis.Kind]bool, len(kinds)),
		arrived:  make(map[analysis.Kind]*analysis.Outcome, len(kinds)),
	}
	for _, k := range kinds {
		state.expected[k] = true
	}
	sess.pending[seq] = state

	state.timer = time.AfterFunc(a.joinTimeout, func() {
		a.expireJoin(sessionID, seq)
	})
}

// Offer hands a completed or terminally-failed outcome to the aggregator.
// Outcomes for unknown sessions or un-expected sequences are dropped; that
// only happens after teardown, when the session no longer wants them.
func (a *Aggregator) Offer(outcome *analysis.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions[outcome.Task.SessionID]
	if !ok || sess.closed {
		return
	}
	state, ok := sess.pending[outcome.Task.Seq]
	if !ok {
		a.logger.Debug("dropping outcome with no armed join",
			"session_id", outcome.Task.SessionID,
			"seq", outcome.Task.Seq,
			"kind", outcome.Task.Kind,
		)
		return
	}
	if !state.expected[outcome.Task.Kind] {
		return
	}

	state.arrived[outcome.Task.Kind] = outcome
	if len(state.arrived) == len(state.expected) {
		a.completeJoin(sess, outcome.Task.SessionID, outcome.Task.Seq, state)
	}
}

// expireJoin fires when an utterance's join timeout elapses with
// modalities still missing.
func (a *Aggregator) expireJoin(sessionID string, seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions[sessionID]
	if !ok || sess.closed {
		return
	}
	state, ok := sess.pending[seq]
	if !ok || state.ready {
		return
	}

	state.timedOut = true
	a.logger.Warn("join barrier timed out",
		"session_id", sessionID,
		"seq", seq,
		"arrived", len(state.arrived),
		"expected", len(state.expected),
	)
	a.completeJoin(sess, sessionID, seq, state)
}

// completeJoin marks a join ready and releases everything now unblocked.
// Must be called with mu held.
func (a *Aggregator) completeJoin(sess *sessionAgg, sessionID string, seq uint64, state *joinState) {
	state.ready = true
	if state.timer != nil {
		state.timer.Stop()
	}
	a.releaseReady(sess, sessionID)
}

// releaseReady walks the head of the reorder buffer, releasing every
// consecutive ready utterance starting at nextSeq. Head-of-line ordering:
// a ready seq behind an unready one stays held. Must be called with mu held.
func (a *Aggregator) releaseReady(sess *sessionAgg, sessionID string) {
	// Only one walker per session. A release that blocks on a full channel
	// drops mu; joins completing in that window must not walk the same
	// head entry and send it twice — they leave their entries for this
	// walker to pick up when it resumes.
	if sess.releasing {
		return
	}
	sess.releasing = true
	defer func() { sess.releasing = false }()

	for {
		state, ok := sess.pending[sess.nextSeq]
		if !ok || !state.ready {
			return
		}

		// Claim the head entry before any send can drop the lock.
		result := buildResult(sessionID, sess.nextSeq, state)
		delete(sess.pending, sess.nextSeq)
		sess.nextSeq++

		select {
		case sess.out <- result:
			continue
		default:
		}

		// Release channel full: the consumer has fallen far behind.
		// Block with the lock dropped rather than drop the result;
		// ordering and completeness outrank latency here.
		a.mu.Unlock()
		select {
		case sess.out <- result:
		case <-sess.done:
			a.mu.Lock()
			return
		}
		a.mu.Lock()
		if sess.closed {
			return
		}
	}
}

// buildResult assembles the released unit, degrading absent modalities.
func buildResult(sessionID string, seq uint64, state *joinState) *UtteranceResult {
	result := &UtteranceResult{SessionID: sessionID, Seq: seq}

	for kind := range state.expected {
		outcome, ok := state.arrived[kind]
		switch {
		case !ok:
			result.Degraded = true
			result.Annotations = append(result.Annotations,
				fmt.Sprintf("%s missing: join timeout", kind))
		case outcome.Failed():
			result.Degraded = true
			result.Annotations = append(result.Annotations,
				fmt.Sprintf("%s failed: %v", kind, outcome.Err))
		default:
			switch kind {
			case analysis.KindTranscription:
				result.Transcription = outcome.Result.Transcription
			case analysis.KindVideoSignal:
				result.VideoSignal = outcome.Result.VideoSignal
			}
		}
	}

	return result
}

// Close tears down a session's aggregation state, cancelling join timers
// and unblocking any stalled release. Pending joins are discarded.
func (a *Aggregator) Close(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	for _, state := range sess.pending {
		if state.timer != nil {
			state.timer.Stop()
		}
	}
	sess.closed = true
	close(sess.done)
	delete(a.sessions, sessionID)
}
