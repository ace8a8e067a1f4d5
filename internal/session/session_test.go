// ABOUTME: Tests for the session state machine and transition table.
// ABOUTME: Covers legal moves, terminal statuses, and snapshots.

package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCreated, StatusActive, true},
		{StatusCreated, StatusFailed, true},
		{StatusActive, StatusAwaitingAnalysis, true},
		{StatusAwaitingAnalysis, StatusActive, true},
		{StatusAwaitingAnalysis, StatusFinalizing, true},
		{StatusFinalizing, StatusCompleted, true},
		{StatusFinalizing, StatusFailed, true},
		{StatusActive, StatusAbandoned, true},

		{StatusCreated, StatusCompleted, false},
		{StatusCompleted, StatusActive, false},
		{StatusFailed, StatusActive, false},
		{StatusAbandoned, StatusActive, false},
		{StatusActive, StatusCreated, false},
		{StatusCompleted, StatusAbandoned, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusAbandoned.Terminal())
	assert.False(t, StatusCreated.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusAwaitingAnalysis.Terminal())
	assert.False(t, StatusFinalizing.Terminal())
}

func TestSnapshot(t *testing.T) {
	s := &Session{
		ID:            "sess-1",
		CandidateName: "Ada",
		Position:      "Staff Engineer",
		status:        StatusActive,
		persona:       &Persona{Name: "Morgan"},
		questions: []Question{
			{Text: "Tell me about a hard bug.", Competency: "problem_solving"},
			{Text: "Describe a system you designed.", Competency: "technical_depth"},
		},
		questionIndex: 1,
	}

	snap := s.Snapshot()
	assert.Equal(t, "sess-1", snap.ID)
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, 1, snap.QuestionIndex)
	assert.Equal(t, 2, snap.QuestionCount)
	assert.NotNil(t, snap.CurrentQuestion)
	assert.Equal(t, "technical_depth", snap.CurrentQuestion.Competency)
}

func TestEmit_OverflowSurfacesLoss(t *testing.T) {
	s := &Session{events: make(chan *Event, 4)}

	for i := 0; i < 4; i++ {
		s.emit(&Event{Type: EventStatus, Message: fmt.Sprintf("event %d", i)})
	}
	// Buffer is full; the next emit must shed the oldest events, inject a
	// loss marker, and keep the newest event.
	s.emit(&Event{Type: EventTranscription, Message: "newest"})

	var got []*Event
drain:
	for {
		select {
		case evt := <-s.events:
			got = append(got, evt)
		default:
			break drain
		}
	}

	require.Len(t, got, 4)
	assert.Equal(t, "event 2", got[0].Message)
	assert.Equal(t, "event 3", got[1].Message)

	marker := got[2]
	assert.Equal(t, EventStatus, marker.Type)
	assert.Contains(t, marker.Message, "dropped")
	assert.Equal(t, map[string]uint64{"dropped_total": 2}, marker.Data)

	assert.Equal(t, EventTranscription, got[3].Type)
	assert.Equal(t, "newest", got[3].Message)
}

func TestSnapshot_ExhaustedBank(t *testing.T) {
	s := &Session{
		ID:            "sess-1",
		status:        StatusFinalizing,
		questions:     []Question{{Text: "q"}},
		questionIndex: 1,
	}

	snap := s.Snapshot()
	assert.Nil(t, snap.CurrentQuestion)
}
