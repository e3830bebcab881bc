// Package roomkit provides the official Go SDK for the Roomkit hosted
// group-chat service.
//
// The SDK is built around a resilient session layer: one shared transport
// connection handed out through reference-counted handles, a connection
// state machine with bounded backoff, and reconcilers that keep the roster,
// message log and typing indicators consistent across duplicate delivery,
// buffered background replay and consumer remounts.
//
// Example:
//
//	client := roomkit.NewClient("rk-token-...", roomkit.WithBaseURL("https://chat.example.com"))
//	session, _ := roomkit.NewSession(client, roomkit.SessionConfig{
//		RoomID: "lobby",
//		Self:   roomkit.Participant{ID: "u1", DisplayName: "Ada", AvatarRef: "a3"},
//	})
//	_ = session.Connect(ctx)
//	_ = session.Send(ctx, "hello")
package roomkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Client
// ============================================================================

const (
	// DefaultBaseURL is the hosted Roomkit endpoint.
	DefaultBaseURL = "https://api.roomkit.dev"
	// DefaultTimeout bounds every RPC.
	DefaultTimeout = 30 * time.Second
	// MobileTimeout replaces DefaultTimeout when the host reports a
	// cellular-class network.
	MobileTimeout = 45 * time.Second
	// MaxMessageLen bounds outbound message text.
	MaxMessageLen = 2000
)

// Client is the request/response boundary to the Roomkit API. It carries no
// session state; Session composes it with the transport layer.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a non-production deployment.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the RPC timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithMobileNetwork stretches the RPC timeout for high-latency cellular
// links.
func WithMobileNetwork() ClientOption {
	return func(c *Client) { c.httpClient.Timeout = MobileTimeout }
}

// WithHTTPClient substitutes the HTTP client, e.g. for tests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a Roomkit API client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TransportConfig derives the realtime transport configuration for a room
// topic from the client's endpoint and token.
func (c *Client) TransportConfig(topic string) TransportConfig {
	return TransportConfig{URL: c.baseURL, Token: c.token, Topic: topic}
}

// Logger exposes the configured logger so composed components share it.
func (c *Client) Logger() zerolog.Logger { return c.log }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, headers map[string]string) ([]byte, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// call performs one RPC and folds transport, decode and API failures into a
// typed CallError the UI can route on.
func (c *Client) call(ctx context.Context, op, method, path string, body interface{}, headers map[string]string) (*RoomResult, error) {
	data, err := c.doRequest(ctx, method, path, body, headers)
	if err != nil {
		return nil, &CallError{Reason: classifyTransportErr(err), Op: op, Err: err}
	}
	result, err := decodeJSON[RoomResult](data)
	if err != nil {
		return nil, &CallError{Reason: ReasonServer, Op: op, Err: err}
	}
	if !result.OK {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UNKNOWN", Message: "request failed"}
		}
		reason := ReasonServer
		if strings.HasPrefix(apiErr.Code, "VALIDATION") || strings.HasPrefix(apiErr.Code, "INVALID") {
			reason = ReasonValidation
		}
		return result, &CallError{Reason: reason, Op: op, Err: apiErr}
	}
	return result, nil
}

func classifyTransportErr(err error) FailReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return ReasonTimeout
	}
	return ReasonNetwork
}

// ============================================================================
// Room RPC Boundary
// ============================================================================

// OutboundMessage is the payload of SendMessage. ClientMessageID preserves
// optimistic-send identity: the server MUST echo the message through the
// transport with id equal to ClientMessageID when provided.
type OutboundMessage struct {
	ClientMessageID string      `json:"clientMessageId,omitempty"`
	Text            string      `json:"text"`
	Sender          Participant `json:"sender"`
}

func validateOutbound(m *OutboundMessage) error {
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(m.Text) > MaxMessageLen {
		return fmt.Errorf("message text exceeds %d characters", MaxMessageLen)
	}
	if m.Sender.ID == "" || m.Sender.DisplayName == "" || m.Sender.AvatarRef == "" {
		return fmt.Errorf("sender must carry id, displayName and avatarRef")
	}
	return nil
}

// SendMessage relays an outbound message to the room. The server echoes it
// back through the transport; dedup on the client collapses the echo with
// the optimistic entry.
func (c *Client) SendMessage(ctx context.Context, roomID string, msg OutboundMessage) (*SendMessageData, error) {
	if err := validateOutbound(&msg); err != nil {
		return nil, &CallError{Reason: ReasonValidation, Op: "send-message", Err: err}
	}
	headers := map[string]string{"X-Idempotency-Key": "sdk-" + msg.ClientMessageID}
	if msg.ClientMessageID == "" {
		headers["X-Idempotency-Key"] = "sdk-" + uuid.NewString()
	}
	result, err := c.call(ctx, "send-message", "POST", "/api/rooms/"+roomID+"/messages", msg, headers)
	if err != nil {
		return nil, err
	}
	var data SendMessageData
	if err := result.Decode(&data); err != nil {
		return nil, &CallError{Reason: ReasonServer, Op: "send-message", Err: err}
	}
	return &data, nil
}

// JoinRoom adds the participant to the shared roster. Idempotent from the
// caller's perspective: joining twice reports AlreadyPresent.
func (c *Client) JoinRoom(ctx context.Context, roomID string, p Participant) (*JoinRoomData, error) {
	result, err := c.call(ctx, "join-room", "POST", "/api/rooms/"+roomID+"/participants", p, nil)
	if err != nil {
		return nil, err
	}
	var data JoinRoomData
	if err := result.Decode(&data); err != nil {
		return nil, &CallError{Reason: ReasonServer, Op: "join-room", Err: err}
	}
	return &data, nil
}

// LeaveRoom removes the participant. Best-effort: callers proceed with local
// cleanup regardless of the response.
func (c *Client) LeaveRoom(ctx context.Context, roomID string, p Participant) error {
	_, err := c.call(ctx, "leave-room", "DELETE", "/api/rooms/"+roomID+"/participants/"+p.ID, nil, nil)
	return err
}

// Heartbeat is the periodic liveness signal. Found=false means the server
// dropped the participant and the caller should rejoin.
func (c *Client) Heartbeat(ctx context.Context, roomID, participantID string) (*HeartbeatData, error) {
	result, err := c.call(ctx, "heartbeat", "PUT", "/api/rooms/"+roomID+"/participants/"+participantID+"/heartbeat", nil, nil)
	if err != nil {
		var callErr *CallError
		// A not-found heartbeat is an answer, not a transport fault.
		if errors.As(err, &callErr) && callErr.Reason == ReasonServer {
			var apiErr *APIError
			if errors.As(callErr.Err, &apiErr) && apiErr.Code == "NOT_FOUND" {
				return &HeartbeatData{Found: false}, nil
			}
		}
		return nil, err
	}
	var data HeartbeatData
	if err := result.Decode(&data); err != nil {
		return nil, &CallError{Reason: ReasonServer, Op: "heartbeat", Err: err}
	}
	return &data, nil
}

// ActiveParticipants returns the authoritative roster snapshot.
func (c *Client) ActiveParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	result, err := c.call(ctx, "active-participants", "GET", "/api/rooms/"+roomID+"/participants", nil, nil)
	if err != nil {
		return nil, err
	}
	var data []Participant
	if err := result.Decode(&data); err != nil {
		return nil, &CallError{Reason: ReasonServer, Op: "active-participants", Err: err}
	}
	return data, nil
}

// TypingStart broadcasts a typing indicator. Fire-and-forget.
func (c *Client) TypingStart(ctx context.Context, roomID string, p Participant) error {
	_, err := c.call(ctx, "typing-start", "POST", "/api/rooms/"+roomID+"/typing", map[string]string{
		"participantId": p.ID,
		"displayName":   p.DisplayName,
	}, nil)
	return err
}

// TypingStop broadcasts the end of a typing burst. Fire-and-forget.
func (c *Client) TypingStop(ctx context.Context, roomID, participantID string) error {
	_, err := c.call(ctx, "typing-stop", "DELETE", "/api/rooms/"+roomID+"/typing/"+participantID, nil, nil)
	return err
}
