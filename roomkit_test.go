package roomkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func okResult(data any) []byte {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(RoomResult{OK: true, Data: raw})
	return b
}

func errResult(code, message string) []byte {
	b, _ := json.Marshal(RoomResult{OK: false, Error: &APIError{Code: code, Message: message}})
	return b
}

func testClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient("rk-test-token", WithBaseURL(srv.URL)), srv
}

func testSender() Participant {
	return Participant{ID: "u1", DisplayName: "Ada", AvatarRef: "a1"}
}

// ============================================================================
// Client Options
// ============================================================================

func TestClientOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("tok")
		if c.baseURL != DefaultBaseURL {
			t.Fatalf("expected default base URL, got %s", c.baseURL)
		}
		if c.httpClient.Timeout != DefaultTimeout {
			t.Fatalf("expected default timeout, got %v", c.httpClient.Timeout)
		}
	})

	t.Run("mobile network stretches the timeout", func(t *testing.T) {
		c := NewClient("tok", WithMobileNetwork())
		if c.httpClient.Timeout != MobileTimeout {
			t.Fatalf("expected mobile timeout, got %v", c.httpClient.Timeout)
		}
	})

	t.Run("base url trailing slash is trimmed", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("https://x.example.com/"))
		if c.baseURL != "https://x.example.com" {
			t.Fatalf("got %s", c.baseURL)
		}
	})

	t.Run("transport config derives from client", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("https://x.example.com"))
		cfg := c.TransportConfig("lobby")
		if cfg.URL != "https://x.example.com" || cfg.Token != "tok" || cfg.Topic != "lobby" {
			t.Fatalf("unexpected config %+v", cfg)
		}
	})
}

// ============================================================================
// SendMessage
// ============================================================================

func TestSendMessage(t *testing.T) {
	t.Run("posts with idempotency key", func(t *testing.T) {
		var gotPath, gotAuth, gotKey string
		var gotBody OutboundMessage
		client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.Method + " " + r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			gotKey = r.Header.Get("X-Idempotency-Key")
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write(okResult(SendMessageData{ServerMessageID: "srv-1"}))
		})
		defer srv.Close()

		data, err := client.SendMessage(context.Background(), "lobby", OutboundMessage{
			ClientMessageID: "c1",
			Text:            "hello",
			Sender:          testSender(),
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if data.ServerMessageID != "srv-1" {
			t.Fatalf("unexpected data %+v", data)
		}
		if gotPath != "POST /api/rooms/lobby/messages" {
			t.Fatalf("unexpected request %s", gotPath)
		}
		if gotAuth != "Bearer rk-test-token" {
			t.Fatalf("unexpected auth %q", gotAuth)
		}
		if gotKey != "sdk-c1" {
			t.Fatalf("expected idempotency key derived from client message id, got %q", gotKey)
		}
		if gotBody.Text != "hello" || gotBody.Sender.ID != "u1" {
			t.Fatalf("unexpected body %+v", gotBody)
		}
	})

	t.Run("validation failures never reach the wire", func(t *testing.T) {
		requests := 0
		client, srv := testClient(func(w http.ResponseWriter, r *http.Request) { requests++ })
		defer srv.Close()

		cases := []OutboundMessage{
			{Text: "   ", Sender: testSender()},
			{Text: strings.Repeat("x", MaxMessageLen+1), Sender: testSender()},
			{Text: "hi", Sender: Participant{ID: "u1"}}, // incomplete sender
		}
		for _, msg := range cases {
			_, err := client.SendMessage(context.Background(), "lobby", msg)
			var callErr *CallError
			if !errors.As(err, &callErr) || callErr.Reason != ReasonValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		}
		if requests != 0 {
			t.Fatalf("expected no requests, got %d", requests)
		}
	})
}

// ============================================================================
// JoinRoom / LeaveRoom / Heartbeat
// ============================================================================

func TestJoinRoom(t *testing.T) {
	client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/rooms/lobby/participants" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write(okResult(JoinRoomData{AlreadyPresent: true}))
	})
	defer srv.Close()

	data, err := client.JoinRoom(context.Background(), "lobby", testSender())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !data.AlreadyPresent {
		t.Fatal("expected AlreadyPresent to decode")
	}
}

func TestLeaveRoom(t *testing.T) {
	var gotPath string
	client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.Write(okResult(nil))
	})
	defer srv.Close()

	if err := client.LeaveRoom(context.Background(), "lobby", testSender()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if gotPath != "DELETE /api/rooms/lobby/participants/u1" {
		t.Fatalf("unexpected request %s", gotPath)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPut {
				t.Errorf("expected PUT, got %s", r.Method)
			}
			w.Write(okResult(HeartbeatData{Found: true}))
		})
		defer srv.Close()

		data, err := client.Heartbeat(context.Background(), "lobby", "u1")
		if err != nil || !data.Found {
			t.Fatalf("expected found heartbeat, got %+v %v", data, err)
		}
	})

	t.Run("not found is an answer, not an error", func(t *testing.T) {
		client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
			w.Write(errResult("NOT_FOUND", "participant not on roster"))
		})
		defer srv.Close()

		data, err := client.Heartbeat(context.Background(), "lobby", "u1")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if data.Found {
			t.Fatal("expected Found=false so the caller rejoins")
		}
	})
}

// ============================================================================
// ActiveParticipants
// ============================================================================

func TestActiveParticipants(t *testing.T) {
	client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write(okResult([]Participant{{ID: "u1"}, {ID: "u2"}}))
	})
	defer srv.Close()

	got, err := client.ActiveParticipants(context.Background(), "lobby")
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(got) != 2 || got[0].ID != "u1" {
		t.Fatalf("unexpected snapshot %v", got)
	}
}

// ============================================================================
// Error Classification
// ============================================================================

func TestCallErrorClassification(t *testing.T) {
	t.Run("server validation codes", func(t *testing.T) {
		client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
			w.Write(errResult("VALIDATION_TEXT_EMPTY", "text required"))
		})
		defer srv.Close()

		_, err := client.JoinRoom(context.Background(), "lobby", testSender())
		var callErr *CallError
		if !errors.As(err, &callErr) || callErr.Reason != ReasonValidation {
			t.Fatalf("expected validation reason, got %v", err)
		}
	})

	t.Run("other server codes", func(t *testing.T) {
		client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
			w.Write(errResult("RATE_LIMITED", "slow down"))
		})
		defer srv.Close()

		_, err := client.JoinRoom(context.Background(), "lobby", testSender())
		var callErr *CallError
		if !errors.As(err, &callErr) || callErr.Reason != ReasonServer {
			t.Fatalf("expected server reason, got %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "RATE_LIMITED" {
			t.Fatalf("expected wrapped APIError, got %v", err)
		}
	})

	t.Run("network failure", func(t *testing.T) {
		client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {})
		srv.Close() // refuse connections

		_, err := client.JoinRoom(context.Background(), "lobby", testSender())
		var callErr *CallError
		if !errors.As(err, &callErr) || callErr.Reason != ReasonNetwork {
			t.Fatalf("expected network reason, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.Write(okResult(nil))
		}))
		defer srv.Close()
		client := NewClient("rk-test-token", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))

		_, err := client.JoinRoom(context.Background(), "lobby", testSender())
		var callErr *CallError
		if !errors.As(err, &callErr) || callErr.Reason != ReasonTimeout {
			t.Fatalf("expected timeout reason, got %v", err)
		}
	})
}
