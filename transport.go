package roomkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport Boundary
// ============================================================================

// TransportConfig carries the parameters needed to reach the hosted pub/sub
// channel. All three fields are required.
type TransportConfig struct {
	URL   string // service base URL (http(s) or ws(s))
	Token string // bearer token for the realtime endpoint
	Topic string // the shared room topic all participants subscribe to
}

func (c *TransportConfig) valid() bool {
	return c != nil && c.URL != "" && c.Token != "" && c.Topic != ""
}

// Transport is the duplex channel to the hosted pub/sub service. The SDK
// treats it as a black box: connect, subscribe to the one room topic,
// publish, and receive push events. Implementations must deliver topic
// events in arrival order and may re-deliver; dedup is the reconcilers' job.
type Transport interface {
	// Connect establishes the underlying connection and starts event
	// delivery. It is an error to call Connect on a live transport.
	Connect(ctx context.Context) error
	// Subscribe attaches to the room topic. The service acks with a
	// subscribed (or subscription-error) topic event.
	Subscribe(ctx context.Context, topic string) error
	// Publish sends an envelope to the topic. Fire-and-forget semantics.
	Publish(ctx context.Context, env Envelope) error
	// Close tears the connection down. Idempotent.
	Close() error
	// OnConnection appends a lifecycle handler. The handle manager installs
	// its fan-out here once per connection; consumers attach through
	// Acquire instead of binding at this level.
	OnConnection(h ConnectionHandler)
	// OnTopic appends a topic event handler. Same binding rule.
	OnTopic(h TopicHandler)
}

// ============================================================================
// WebSocket Transport
// ============================================================================

// wsTransport is the production Transport over a WebSocket connection.
type wsTransport struct {
	cfg TransportConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	cancelFn         context.CancelFunc
	intentionalClose bool

	handlerMu     sync.RWMutex
	connHandlers  []ConnectionHandler
	topicHandlers []TopicHandler
}

// NewWebSocketTransport creates the production transport. The connection is
// not established until Connect.
func NewWebSocketTransport(cfg TransportConfig) Transport {
	return &wsTransport{cfg: cfg}
}

func (t *wsTransport) OnConnection(h ConnectionHandler) {
	t.handlerMu.Lock()
	t.connHandlers = append(t.connHandlers, h)
	t.handlerMu.Unlock()
}

func (t *wsTransport) OnTopic(h TopicHandler) {
	t.handlerMu.Lock()
	t.topicHandlers = append(t.topicHandlers, h)
	t.handlerMu.Unlock()
}

func (t *wsTransport) emitConn(ev ConnectionEvent) {
	t.handlerMu.RLock()
	handlers := append([]ConnectionHandler{}, t.connHandlers...)
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (t *wsTransport) emitTopic(ev TopicEvent) {
	t.handlerMu.RLock()
	handlers := append([]TopicHandler{}, t.topicHandlers...)
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (t *wsTransport) wsURL() string {
	u := strings.Replace(t.cfg.URL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/rt?token=" + t.cfg.Token
}

// Connect dials the realtime endpoint and starts the read loop.
func (t *wsTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("roomkit: transport already connected")
	}
	t.intentionalClose = false
	t.mu.Unlock()

	t.emitConn(ConnectionEvent{Kind: ConnConnecting})

	conn, _, err := websocket.Dial(ctx, t.wsURL(), nil)
	if err != nil {
		t.emitConn(ConnectionEvent{Kind: ConnFailed, Detail: err.Error()})
		return fmt.Errorf("websocket dial: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancelFn = cancel
	t.mu.Unlock()

	t.emitConn(ConnectionEvent{Kind: ConnConnected})

	go t.readLoop(readCtx, conn)
	return nil
}

// Subscribe announces interest in the room topic. The ack arrives on the
// topic stream as a subscribed event.
func (t *wsTransport) Subscribe(ctx context.Context, topic string) error {
	return t.Publish(ctx, Envelope{
		Type:    "subscribe",
		Payload: json.RawMessage(`{"topic":"` + topic + `"}`),
	})
}

func (t *wsTransport) Publish(ctx context.Context, env Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (t *wsTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			if intentional {
				return
			}
			t.emitConn(ConnectionEvent{Kind: ConnDisconnected, Detail: err.Error()})
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == "error" {
			var p struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(env.Payload, &p)
			// The transport may recover on its own; record, don't drop.
			t.emitConn(ConnectionEvent{Kind: ConnError, Detail: p.Message})
			continue
		}
		if ev, ok := decodeTopicEvent(env); ok {
			t.emitTopic(ev)
		}
	}
}
