// ABOUTME: Outbound session event types consumed by the stream gateway.
// ABOUTME: Event names match the WebSocket wire protocol message types.

package session

// EventType names an outbound event. The stream gateway forwards these
// verbatim as the WebSocket message type field.
type EventType string

const (
	EventTranscription EventType = "transcription_result"
	EventVideoAnalysis EventType = "video_analysis_result"
	EventFollowUp      EventType = "follow_up_question"
	EventEvaluation    EventType = "evaluation_update"
	EventFinalized     EventType = "session_finalized"
	EventStatus        EventType = "status"
	EventError         EventType = "error"
)

// Event is one outbound notification for a session's connected client.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// emit delivers an event to the session's outbound channel. When the
// client has fallen behind and the buffer is full, the oldest queued
// events are shed to make room and a status marker carrying the running
// drop count is injected, so the gap is visible on the wire rather than
// silent. Committed records in the store remain authoritative.
func (s *Session) emit(evt *Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	select {
	case s.events <- evt:
		return
	default:
	}

	// Two slots: one for the loss marker, one for the new event. Only
	// emitters send on the channel and they hold emitMu, so after the
	// shed both sends succeed without blocking.
	for i := 0; i < 2; i++ {
		select {
		case <-s.events:
			s.dropped++
		default:
		}
	}
	s.events <- &Event{
		Type:    EventStatus,
		Message: "client falling behind, oldest events dropped",
		Data:    map[string]uint64{"dropped_total": s.dropped},
	}
	s.events <- evt
}

// Events exposes the session's outbound event channel.
func (s *Session) Events() <-chan *Event {
	return s.events
}
