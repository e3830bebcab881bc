package roomkit

import "encoding/json"

// ============================================================================
// Transport Event Types
// ============================================================================
//
// All inbound transport traffic is carried on a single JSON envelope
// {type, payload}. The envelope is decoded into one of two tagged unions at
// the transport boundary so the reconcilers switch exhaustively on event
// kinds instead of probing payload fields.

// Envelope is the wire format for all topic and subscription events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ConnEventKind enumerates transport connection lifecycle callbacks.
type ConnEventKind string

const (
	ConnConnecting   ConnEventKind = "connecting"
	ConnConnected    ConnEventKind = "connected"
	ConnDisconnected ConnEventKind = "disconnected"
	ConnFailed       ConnEventKind = "failed"
	ConnError        ConnEventKind = "error"
)

// ConnectionEvent is a transport-level lifecycle notification. Detail is
// populated for disconnected/failed/error kinds.
type ConnectionEvent struct {
	Kind   ConnEventKind
	Detail string
}

// TopicEventKind enumerates events delivered on the room topic.
type TopicEventKind string

const (
	TopicMessageCreated    TopicEventKind = "message-created"
	TopicParticipantJoined TopicEventKind = "participant-joined"
	TopicParticipantLeft   TopicEventKind = "participant-left"
	TopicTypingStarted     TopicEventKind = "typing-started"
	TopicTypingStopped     TopicEventKind = "typing-stopped"
	TopicSubscribed        TopicEventKind = "subscribed"
	TopicSubscribeError    TopicEventKind = "subscription-error"
)

// TypingStartedPayload is the wire payload of a typing-started event.
type TypingStartedPayload struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	StartedAt     string `json:"startedAt,omitempty"`
}

// TypingStoppedPayload is the wire payload of a typing-stopped event.
type TypingStoppedPayload struct {
	ParticipantID string `json:"participantId"`
}

// TopicEvent is one decoded event from the room topic. Exactly one of the
// pointer fields matching Kind is non-nil; malformed payloads are dropped
// before a TopicEvent is produced.
type TopicEvent struct {
	Kind        TopicEventKind
	Message     *ChatMessage
	Participant *Participant
	TypingStart *TypingStartedPayload
	TypingStop  *TypingStoppedPayload
	Detail      string // subscription-error detail
}

// decodeTopicEvent maps a wire envelope onto the tagged union. It returns
// false for unknown types and for payloads that fail to decode: duplicates
// and malformed events are an expected consequence of multi-path delivery,
// not a fault, so they are dropped silently.
func decodeTopicEvent(env Envelope) (TopicEvent, bool) {
	switch TopicEventKind(env.Type) {
	case TopicMessageCreated:
		var m ChatMessage
		if json.Unmarshal(env.Payload, &m) != nil || m.SenderID == "" {
			return TopicEvent{}, false
		}
		return TopicEvent{Kind: TopicMessageCreated, Message: &m}, true
	case TopicParticipantJoined:
		var p Participant
		if json.Unmarshal(env.Payload, &p) != nil || p.ID == "" {
			return TopicEvent{}, false
		}
		return TopicEvent{Kind: TopicParticipantJoined, Participant: &p}, true
	case TopicParticipantLeft:
		var p Participant
		if json.Unmarshal(env.Payload, &p) != nil || p.ID == "" {
			return TopicEvent{}, false
		}
		return TopicEvent{Kind: TopicParticipantLeft, Participant: &p}, true
	case TopicTypingStarted:
		var t TypingStartedPayload
		if json.Unmarshal(env.Payload, &t) != nil || t.ParticipantID == "" {
			return TopicEvent{}, false
		}
		return TopicEvent{Kind: TopicTypingStarted, TypingStart: &t}, true
	case TopicTypingStopped:
		var t TypingStoppedPayload
		if json.Unmarshal(env.Payload, &t) != nil || t.ParticipantID == "" {
			return TopicEvent{}, false
		}
		return TopicEvent{Kind: TopicTypingStopped, TypingStop: &t}, true
	case TopicSubscribed:
		return TopicEvent{Kind: TopicSubscribed}, true
	case TopicSubscribeError:
		var d struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Payload, &d)
		return TopicEvent{Kind: TopicSubscribeError, Detail: d.Message}, true
	}
	return TopicEvent{}, false
}

// ConnectionHandler receives transport lifecycle events.
type ConnectionHandler func(ConnectionEvent)

// TopicHandler receives decoded room topic events.
type TopicHandler func(TopicEvent)
