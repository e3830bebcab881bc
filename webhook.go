package roomkit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// ============================================================================
// Push Delivery Sink
// ============================================================================
//
// While the session is backgrounded the platform may deliver messages
// through a push channel instead of the live topic. This receiver verifies
// and parses those pushes and buffers them; on the foreground transition the
// buffer is replayed into the message log, where the normal dedup rules
// collapse any overlap with live delivery.

// PushPayload is a Roomkit push delivery (POST to the registered endpoint).
type PushPayload struct {
	Source    string      `json:"source"`
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	RoomID    string      `json:"roomId"`
	Message   ChatMessage `json:"message"`
}

// VerifyPushSignature verifies a Roomkit push signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyPushSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParsePushPayload parses a raw push body into a typed PushPayload.
func ParsePushPayload(body string) (*PushPayload, error) {
	var payload PushPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in push body: %w", err)
	}

	if payload.Source != "roomkit" {
		return nil, fmt.Errorf("unknown push source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in push payload")
	}
	if payload.Message.ID == "" || payload.Message.SenderID == "" || payload.RoomID == "" {
		return nil, fmt.Errorf("missing required fields in push payload (message, sender, room)")
	}

	return &payload, nil
}

// BackgroundBuffer queues messages captured while the client was not
// foregrounded, for later replay into the message log.
type BackgroundBuffer struct {
	mu      sync.Mutex
	pending []ChatMessage
}

// Add appends a message to the buffer.
func (b *BackgroundBuffer) Add(m ChatMessage) {
	b.mu.Lock()
	b.pending = append(b.pending, m)
	b.mu.Unlock()
}

// Drain returns and clears the buffered messages.
func (b *BackgroundBuffer) Drain() []ChatMessage {
	b.mu.Lock()
	out := b.pending
	b.pending = nil
	b.mu.Unlock()
	return out
}

// Len returns the number of buffered messages.
func (b *BackgroundBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PushReceiver handles Roomkit push verification, parsing, and buffering.
type PushReceiver struct {
	secret string
	roomID string
	buffer *BackgroundBuffer
}

// NewPushReceiver creates a receiver that buffers pushes for the given room.
func NewPushReceiver(secret, roomID string, buffer *BackgroundBuffer) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if buffer == nil {
		buffer = &BackgroundBuffer{}
	}
	return &PushReceiver{secret: secret, roomID: roomID, buffer: buffer}, nil
}

// Buffer returns the receiver's background buffer.
func (w *PushReceiver) Buffer() *BackgroundBuffer { return w.buffer }

// Verify verifies an HMAC-SHA256 signature.
func (w *PushReceiver) Verify(body, signature string) bool {
	return VerifyPushSignature(body, signature, w.secret)
}

// Handle processes one push request (verify + parse + buffer). Returns the
// status code and response body for the caller to write.
func (w *PushReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParsePushPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if payload.RoomID != w.roomID || payload.Event != "message-created" {
		// Pushes for other rooms or event kinds are acknowledged and
		// dropped; this sink only feeds one room's log.
		return http.StatusOK, map[string]bool{"ok": true}
	}

	w.buffer.Add(payload.Message)
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes push requests.
//
// Example:
//
//	rcv, _ := roomkit.NewPushReceiver("secret", "lobby", nil)
//	http.Handle("/push", rcv.HTTPHandler())
func (w *PushReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Roomkit-Signature"))

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *PushReceiver) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
