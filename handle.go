package roomkit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ============================================================================
// Transport Handle Manager
// ============================================================================
//
// At most one live transport connection + topic subscription exists per
// manager, shared across repeated acquire/release cycles caused by consumer
// remounts. Without reference counting and grace-delayed teardown, every
// remount would open a redundant connection or race-destroy one another
// consumer just started using.
//
// The manager owns the single transport-level handler binding, installed
// once when a connection is built, and fans events out to the currently
// acquired consumers. Consumers attach on Acquire and detach on Release, so
// a consumer acquired after a remount keeps receiving events even though the
// transport itself is never re-bound.

// DefaultTeardownGrace is how long a zero-reference connection survives
// before teardown, long enough to absorb a rapid release/acquire pair.
const DefaultTeardownGrace = 2 * time.Second

// TransportFactory builds a Transport from config. Substituted in tests.
type TransportFactory func(TransportConfig) Transport

// TransportHandle is a reference-counted lease on the shared transport.
type TransportHandle struct {
	// Transport is the shared connection. Consumers must not Close it;
	// call Release instead.
	Transport Transport
	// WasReused is true when the handle points at an existing connection
	// rather than one built for this acquire.
	WasReused bool
	// Connected reports the transport link state at acquire time. A reused
	// handle may lease a transport that is currently down and retrying.
	Connected bool

	mgr      *HandleManager
	id       int
	released sync.Once
}

// Release returns the lease and detaches the consumer's event binding. When
// the reference count reaches zero, teardown is scheduled after the grace
// delay rather than performed immediately. Safe to call more than once.
func (h *TransportHandle) Release() {
	h.released.Do(func() { h.mgr.release(h.id) })
}

// consumerBinding is one acquirer's event delivery target.
type consumerBinding struct {
	onConn  ConnectionHandler
	onTopic TopicHandler
}

// HandleManager owns the process-wide transport connection and its topic
// subscription and hands out reference-counted handles.
type HandleManager struct {
	cfg     TransportConfig
	factory TransportFactory
	grace   time.Duration
	clk     clock.Clock
	log     zerolog.Logger

	mu        sync.Mutex
	refs      int
	transport Transport
	connected bool
	pending   chan struct{} // non-nil while a fresh connection is being built
	teardown  *clock.Timer
	creations int // fresh connections built over the manager's lifetime
	nextID    int
	consumers map[int]consumerBinding
}

// NewHandleManager creates a manager for the given transport configuration.
func NewHandleManager(cfg TransportConfig, factory TransportFactory, clk clock.Clock, log zerolog.Logger) *HandleManager {
	if factory == nil {
		factory = NewWebSocketTransport
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HandleManager{
		cfg:       cfg,
		factory:   factory,
		grace:     DefaultTeardownGrace,
		clk:       clk,
		log:       log,
		consumers: make(map[int]consumerBinding),
	}
}

// SetTeardownGrace overrides the grace delay. Zero tears down immediately on
// the last release.
func (m *HandleManager) SetTeardownGrace(d time.Duration) {
	m.mu.Lock()
	m.grace = d
	m.mu.Unlock()
}

// Acquire returns a handle on the shared transport, creating and connecting
// it on first use. The consumer's handlers are attached for the lifetime of
// the handle and detached again on Release; events fan out to every live
// consumer however its handle was obtained. Fails fast with ErrMissingConfig
// when the configuration is absent or malformed; no retry can fix that.
func (m *HandleManager) Acquire(ctx context.Context, onConn ConnectionHandler, onTopic TopicHandler) (*TransportHandle, error) {
	if !m.cfg.valid() {
		return nil, ErrMissingConfig
	}

	m.mu.Lock()
	// Wait out a connection another acquirer is still building, then
	// re-evaluate: it either became reusable or failed and was cleared.
	for m.pending != nil {
		ready := m.pending
		m.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}
	if m.teardown != nil {
		// A new acquirer arrived inside the grace window: keep the socket.
		m.teardown.Stop()
		m.teardown = nil
	}
	if m.transport != nil {
		id := m.attachLocked(onConn, onTopic)
		m.refs++
		refs := m.refs
		t := m.transport
		connected := m.connected
		m.mu.Unlock()
		m.log.Debug().Int("refs", refs).Msg("transport handle reused")
		return &TransportHandle{Transport: t, WasReused: true, Connected: connected, mgr: m, id: id}, nil
	}

	id := m.attachLocked(onConn, onTopic)
	t := m.factory(m.cfg)
	m.transport = t
	m.refs = 1
	m.creations++
	ready := make(chan struct{})
	m.pending = ready
	m.mu.Unlock()

	// The one transport-level binding; per-consumer delivery is the
	// manager's fan-out.
	t.OnConnection(m.fanOutConnection)
	t.OnTopic(m.fanOutTopic)

	fail := func(err error) error {
		m.mu.Lock()
		delete(m.consumers, id)
		m.transport = nil
		m.refs = 0
		m.pending = nil
		m.mu.Unlock()
		close(ready)
		return err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, fail(err)
	}
	if err := t.Subscribe(ctx, m.cfg.Topic); err != nil {
		_ = t.Close()
		return nil, fail(err)
	}

	m.mu.Lock()
	m.pending = nil
	connected := m.connected
	m.mu.Unlock()
	close(ready)

	m.log.Debug().Str("topic", m.cfg.Topic).Msg("transport created")
	return &TransportHandle{Transport: t, Connected: connected, mgr: m, id: id}, nil
}

func (m *HandleManager) attachLocked(onConn ConnectionHandler, onTopic TopicHandler) int {
	id := m.nextID
	m.nextID++
	m.consumers[id] = consumerBinding{onConn: onConn, onTopic: onTopic}
	return id
}

// fanOutConnection tracks the link state and relays the event to every
// attached consumer.
func (m *HandleManager) fanOutConnection(ev ConnectionEvent) {
	m.mu.Lock()
	switch ev.Kind {
	case ConnConnected:
		m.connected = true
	case ConnDisconnected, ConnFailed:
		m.connected = false
	}
	bindings := m.bindingsLocked()
	m.mu.Unlock()

	for _, b := range bindings {
		if b.onConn != nil {
			b.onConn(ev)
		}
	}
}

func (m *HandleManager) fanOutTopic(ev TopicEvent) {
	m.mu.Lock()
	bindings := m.bindingsLocked()
	m.mu.Unlock()

	for _, b := range bindings {
		if b.onTopic != nil {
			b.onTopic(ev)
		}
	}
}

func (m *HandleManager) bindingsLocked() []consumerBinding {
	out := make([]consumerBinding, 0, len(m.consumers))
	for _, b := range m.consumers {
		out = append(out, b)
	}
	return out
}

func (m *HandleManager) release(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consumers, id)
	if m.refs == 0 {
		return
	}
	m.refs--
	if m.refs > 0 {
		return
	}
	if m.grace <= 0 {
		m.teardownLocked()
		return
	}
	m.teardown = m.clk.AfterFunc(m.grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.refs > 0 || m.teardown == nil {
			return
		}
		m.teardown = nil
		m.teardownLocked()
	})
}

// TeardownNow skips the grace delay. Idempotent.
func (m *HandleManager) TeardownNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teardown != nil {
		m.teardown.Stop()
		m.teardown = nil
	}
	m.teardownLocked()
}

func (m *HandleManager) teardownLocked() {
	if m.transport == nil {
		return
	}
	// Best-effort unsubscribe before closing; the socket is going away
	// either way.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = m.transport.Publish(ctx, Envelope{
		Type:    "unsubscribe",
		Payload: mustJSON(map[string]string{"topic": m.cfg.Topic}),
	})
	cancel()
	_ = m.transport.Close()
	m.transport = nil
	m.connected = false
	m.refs = 0
	m.log.Debug().Msg("transport torn down")
}

// Creations reports how many fresh connections the manager has built.
func (m *HandleManager) Creations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creations
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
