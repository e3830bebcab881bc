package roomkit

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the Roomkit API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrMissingConfig is returned by Acquire when the transport cannot be
// created because required connection parameters are absent or malformed.
// Retrying cannot fix missing configuration, so callers should not retry.
var ErrMissingConfig = errors.New("roomkit: missing or invalid transport configuration")

// ErrNotConnected is returned when an operation requires a live transport
// connection and there is none.
var ErrNotConnected = errors.New("roomkit: not connected")

// ErrSessionClosed is returned by session operations after Leave.
var ErrSessionClosed = errors.New("roomkit: session closed")

// FailReason classifies an RPC failure for the caller.
type FailReason string

const (
	ReasonNetwork    FailReason = "network"
	ReasonTimeout    FailReason = "timeout"
	ReasonValidation FailReason = "validation"
	ReasonServer     FailReason = "server"
)

// CallError is a typed RPC failure surfaced to the caller. The session layer
// never retries these itself (heartbeat excepted); the UI decides.
type CallError struct {
	Reason FailReason
	Op     string
	Err    error
}

func (e *CallError) Error() string {
	return "roomkit: " + e.Op + " (" + string(e.Reason) + "): " + e.Err.Error()
}

func (e *CallError) Unwrap() error { return e.Err }

// ============================================================================
// Data Model
// ============================================================================

// Participant is one member of the room roster. Exactly one Participant per
// ID is authoritative at any time.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	JoinedAt    string `json:"joinedAt,omitempty"`
	LeftAt      string `json:"leftAt,omitempty"`
}

// ChatMessage is a single chat entry. Immutable once created; identity is
// defined by SameMessage.
type ChatMessage struct {
	ID                string `json:"id"`
	Text              string `json:"text"`
	SenderID          string `json:"senderId"`
	SenderDisplayName string `json:"senderDisplayName,omitempty"`
	SenderAvatarRef   string `json:"senderAvatarRef,omitempty"`
	SentAt            string `json:"sentAt"`
	IsSystem          bool   `json:"isSystem,omitempty"`
}

// sentTime parses the message timestamp. A zero time is returned for
// unparseable values, which disables the near-duplicate fallback for them.
func (m *ChatMessage) sentTime() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.SentAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DefaultDuplicateWindow is the tolerance applied by the near-duplicate
// fallback: two messages from the same sender with the same text whose
// timestamps fall within this window collapse to one logical message.
const DefaultDuplicateWindow = 5 * time.Second

// SameMessage reports whether a and b are the same logical message: ids
// match, or (fallback for legacy id paths and clock skew) sender and text
// match with timestamps within window.
func SameMessage(a, b *ChatMessage, window time.Duration) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.SenderID != b.SenderID || a.Text != b.Text {
		return false
	}
	at, bt := a.sentTime(), b.sentTime()
	if at.IsZero() || bt.IsZero() {
		return false
	}
	d := at.Sub(bt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// TypingSignal is a live "currently typing" marker. Never persisted.
type TypingSignal struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	StartedAt     time.Time `json:"startedAt"`
}

// ConnState is the transport connection state.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
)

// ============================================================================
// API Result Envelope
// ============================================================================

// RoomResult is the generic Roomkit API response.
type RoomResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *RoomResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// SendMessageData is the Data payload of a successful SendMessage call.
type SendMessageData struct {
	ServerMessageID string `json:"serverMessageId"`
}

// JoinRoomData is the Data payload of a successful JoinRoom call.
type JoinRoomData struct {
	AlreadyPresent bool `json:"alreadyPresent"`
}

// HeartbeatData is the Data payload of a Heartbeat call.
type HeartbeatData struct {
	Found bool `json:"found"`
}
