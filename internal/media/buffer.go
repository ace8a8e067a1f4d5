// ABOUTME: Media buffer that segments a session's byte stream into utterances.
// ABOUTME: Flushes on end-of-turn, size ceiling, or duration ceiling; bounded queue.

package media

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOverloaded indicates the flushed-utterance queue is full. The stream
// gateway surfaces this to the client as a transient slow-down notice, not
// a connection close.
var ErrOverloaded = errors.New("media buffer overloaded")

// ErrClosed indicates the buffer has been torn down with the session.
var ErrClosed = errors.New("media buffer closed")

// FlushReason records what boundary condition produced an utterance.
type FlushReason string

const (
	FlushEndOfTurn FlushReason = "end_of_turn"
	FlushSize      FlushReason = "size_ceiling"
	FlushDuration  FlushReason = "duration_ceiling"
	FlushTeardown  FlushReason = "teardown"
)

// overloadFactor bounds how far pending bytes may grow past MaxBytes while
// the downstream queue is full. Beyond it, chunks are rejected outright so
// a stalled pipeline cannot grow memory without bound.
const overloadFactor = 2

// Utterance is a bounded unit of captured media ready for analysis.
type Utterance struct {
	SessionID string
	Seq       uint64
	Payload   []byte
	Start     time.Time
	End       time.Time
	Reason    FlushReason
}

// Config controls segmentation and backpressure.
type Config struct {
	// MaxBytes forces a flush once the buffered payload reaches this size.
	MaxBytes int
	// MaxDuration forces a flush once the oldest buffered byte is this old.
	// Prevents unbounded growth if the client never signals a boundary.
	MaxDuration time.Duration
	// QueueDepth bounds the number of flushed utterances awaiting dispatch.
	QueueDepth int
}

// Buffer accumulates binary chunks for one session into utterances.
// Input is never reordered and no byte is dropped unless the session is
// torn down. Flushed utterances carry strictly increasing sequence numbers.
type Buffer struct {
	sessionID string
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	pending []byte
	start   time.Time // capture time of the first pending byte
	nextSeq uint64
	closed  bool

	out chan *Utterance

	// now is swappable for tests
	now func() time.Time
}

// NewBuffer creates a buffer for one session. Flushed utterances are
// delivered on Out in flush order.
func NewBuffer(sessionID string, cfg Config, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger.With("component", "media-buffer", "session_id", sessionID),
		out:       make(chan *Utterance, cfg.QueueDepth),
		now:       time.Now,
	}
}

// Out returns the channel of flushed utterances. It is closed by Close.
func (b *Buffer) Out() <-chan *Utterance {
	return b.out
}

// Append adds a binary chunk to the buffer. If the size or duration ceiling
// is reached, the pending bytes are flushed as one utterance. Returns
// ErrOverloaded when the downstream queue cannot accept another utterance;
// the chunk is still buffered in that case, so no byte is lost — up to a
// hard ceiling of overloadFactor*MaxBytes of pending bytes, past which the
// chunk is rejected and the client must resend after backing off.
func (b *Buffer) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if b.cfg.MaxBytes > 0 && len(b.pending)+len(chunk) > overloadFactor*b.cfg.MaxBytes {
		b.logger.Warn("rejecting chunk, pending bytes at overload ceiling",
			"pending", len(b.pending),
			"chunk", len(chunk),
		)
		return ErrOverloaded
	}

	if len(b.pending) == 0 {
		b.start = b.now()
	}
	b.pending = append(b.pending, chunk...)

	switch {
	case len(b.pending) >= b.cfg.MaxBytes:
		return b.flushLocked(FlushSize)
	case b.cfg.MaxDuration > 0 && b.now().Sub(b.start) >= b.cfg.MaxDuration:
		return b.flushLocked(FlushDuration)
	}
	return nil
}

// Flush emits the pending bytes as one utterance in response to an explicit
// end-of-turn signal. An empty buffer is a no-op: the turn boundary produced
// no media, so there is nothing to analyze.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if len(b.pending) == 0 {
		return nil
	}
	return b.flushLocked(FlushEndOfTurn)
}

// flushLocked packages pending bytes into an utterance and enqueues it.
// Must be called with mu held. On a full queue the pending bytes stay
// buffered and ErrOverloaded is returned.
func (b *Buffer) flushLocked(reason FlushReason) error {
	utt := &Utterance{
		SessionID: b.sessionID,
		Seq:       b.nextSeq,
		Payload:   b.pending,
		Start:     b.start,
		End:       b.now(),
		Reason:    reason,
	}

	select {
	case b.out <- utt:
		b.nextSeq++
		b.pending = nil
		b.logger.Debug("utterance flushed",
			"seq", utt.Seq,
			"bytes", len(utt.Payload),
			"reason", reason,
		)
		return nil
	default:
		b.logger.Warn("utterance queue full",
			"seq", b.nextSeq,
			"queued", len(b.out),
		)
		return ErrOverloaded
	}
}

// Pending returns the number of buffered-but-unflushed bytes.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// NextSeq returns the sequence number the next flushed utterance will carry.
func (b *Buffer) NextSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Close tears the buffer down, discarding pending bytes and closing Out.
// Queued-but-undispatched utterances are discarded with the session.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.pending = nil
	close(b.out)
}
