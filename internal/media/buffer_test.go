// ABOUTME: Tests for media buffer segmentation, ordering, and backpressure.
// ABOUTME: Validates byte round-trips, sequence numbering, and Overloaded signaling.

package media

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxBytes:    64,
		MaxDuration: time.Minute,
		QueueDepth:  8,
	}
}

func drain(b *Buffer) []*Utterance {
	var out []*Utterance
	for {
		select {
		case u := <-b.Out():
			if u == nil {
				return out
			}
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestBuffer_FlushOnEndOfTurn(t *testing.T) {
	b := NewBuffer("session-1", testConfig(), nil)
	defer b.Close()

	if err := b.Append([]byte("hello ")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Append([]byte("world")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	utts := drain(b)
	if len(utts) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(utts))
	}
	if !bytes.Equal(utts[0].Payload, []byte("hello world")) {
		t.Errorf("payload mismatch: %q", utts[0].Payload)
	}
	if utts[0].Seq != 0 {
		t.Errorf("expected seq 0, got %d", utts[0].Seq)
	}
	if utts[0].Reason != FlushEndOfTurn {
		t.Errorf("expected end_of_turn reason, got %s", utts[0].Reason)
	}
}

func TestBuffer_FlushOnSizeCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBytes = 8
	b := NewBuffer("session-1", cfg, nil)
	defer b.Close()

	if err := b.Append(bytes.Repeat([]byte("x"), 10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	utts := drain(b)
	if len(utts) != 1 {
		t.Fatalf("expected size-triggered flush, got %d utterances", len(utts))
	}
	if utts[0].Reason != FlushSize {
		t.Errorf("expected size_ceiling reason, got %s", utts[0].Reason)
	}
	if b.Pending() != 0 {
		t.Errorf("expected empty pending buffer, got %d bytes", b.Pending())
	}
}

func TestBuffer_FlushOnDurationCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDuration = 10 * time.Second
	b := NewBuffer("session-1", cfg, nil)
	defer b.Close()

	current := time.Unix(1000, 0)
	b.now = func() time.Time { return current }

	if err := b.Append([]byte("first")); err != nil {
		t.Fatal(err)
	}

	current = current.Add(11 * time.Second)
	if err := b.Append([]byte("second")); err != nil {
		t.Fatal(err)
	}

	utts := drain(b)
	if len(utts) != 1 {
		t.Fatalf("expected duration-triggered flush, got %d utterances", len(utts))
	}
	if utts[0].Reason != FlushDuration {
		t.Errorf("expected duration_ceiling reason, got %s", utts[0].Reason)
	}
	if !bytes.Equal(utts[0].Payload, []byte("firstsecond")) {
		t.Errorf("payload mismatch: %q", utts[0].Payload)
	}
}

func TestBuffer_EmptyFlushIsNoop(t *testing.T) {
	b := NewBuffer("session-1", testConfig(), nil)
	defer b.Close()

	if err := b.Flush(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(drain(b)) != 0 {
		t.Error("expected no utterance from empty flush")
	}
}

func TestBuffer_RoundTripAndSequenceOrder(t *testing.T) {
	// For all sequences of submitted chunks: the concatenation of utterance
	// payloads equals the original stream, and sequence numbers strictly
	// increase.
	cfg := testConfig()
	cfg.MaxBytes = 32
	cfg.QueueDepth = 64
	b := NewBuffer("session-1", cfg, nil)
	defer b.Close()

	var want bytes.Buffer
	for i := 0; i < 40; i++ {
		chunk := []byte(fmt.Sprintf("chunk-%02d|", i))
		want.Write(chunk)
		if err := b.Append(chunk); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if i%7 == 6 {
			if err := b.Flush(); err != nil {
				t.Fatalf("flush at %d: %v", i, err)
			}
		}
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}

	var got bytes.Buffer
	var lastSeq uint64
	for i, u := range drain(b) {
		got.Write(u.Payload)
		if i > 0 && u.Seq <= lastSeq {
			t.Errorf("sequence numbers not strictly increasing: %d after %d", u.Seq, lastSeq)
		}
		lastSeq = u.Seq
	}

	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", got.Len(), want.Len())
	}
}

func TestBuffer_OverloadedKeepsBytes(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepth = 1
	b := NewBuffer("session-1", cfg, nil)
	defer b.Close()

	if err := b.Append([]byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}

	// Queue is now full; next flush must signal Overloaded without dropping
	if err := b.Append([]byte("two")); err != nil {
		t.Fatal(err)
	}
	err := b.Flush()
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	if b.Pending() != 3 {
		t.Errorf("expected pending bytes retained, got %d", b.Pending())
	}

	// Draining the queue lets the retained bytes flush
	<-b.Out()
	if err := b.Flush(); err != nil {
		t.Fatalf("flush after drain: %v", err)
	}
	u := <-b.Out()
	if !bytes.Equal(u.Payload, []byte("two")) {
		t.Errorf("expected retained payload, got %q", u.Payload)
	}
	if u.Seq != 1 {
		t.Errorf("expected seq 1, got %d", u.Seq)
	}
}

func TestBuffer_OverloadCeilingBoundsPending(t *testing.T) {
	cfg := Config{MaxBytes: 8, MaxDuration: time.Minute, QueueDepth: 1}
	b := NewBuffer("session-1", cfg, nil)
	defer b.Close()

	// Fill the queue so size-triggered flushes start failing.
	if err := b.Append(bytes.Repeat([]byte("a"), 8)); err != nil {
		t.Fatal(err)
	}
	if err := b.Append(bytes.Repeat([]byte("b"), 8)); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded from blocked flush, got %v", err)
	}
	if err := b.Append(bytes.Repeat([]byte("c"), 8)); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded from blocked flush, got %v", err)
	}
	if b.Pending() != 16 {
		t.Fatalf("expected 16 pending bytes, got %d", b.Pending())
	}

	// Past the ceiling the chunk is rejected before buffering, so pending
	// stops growing no matter how long the pipeline stays saturated.
	for i := 0; i < 3; i++ {
		if err := b.Append([]byte("d")); !errors.Is(err, ErrOverloaded) {
			t.Fatalf("expected ErrOverloaded past ceiling, got %v", err)
		}
	}
	if b.Pending() != 16 {
		t.Errorf("pending bytes grew past the ceiling: %d", b.Pending())
	}

	// Draining the queue lets the retained bytes through untouched.
	<-b.Out()
	if err := b.Flush(); err != nil {
		t.Fatalf("flush after drain: %v", err)
	}
	u := <-b.Out()
	if !bytes.Equal(u.Payload, append(bytes.Repeat([]byte("b"), 8), bytes.Repeat([]byte("c"), 8)...)) {
		t.Errorf("retained payload mismatch: %q", u.Payload)
	}
}

func TestBuffer_CloseDiscardsAndCloses(t *testing.T) {
	b := NewBuffer("session-1", testConfig(), nil)

	if err := b.Append([]byte("pending")); err != nil {
		t.Fatal(err)
	}
	b.Close()

	if err := b.Append([]byte("more")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := b.Flush(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	// Out closes so consumers terminate
	if _, ok := <-b.Out(); ok {
		t.Error("expected closed output channel")
	}
}
