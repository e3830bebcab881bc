package roomkit

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ============================================================================
// Connection State Machine
// ============================================================================
//
// Tracks the transport lifecycle and owns reconnection policy:
//
//	connecting → connected
//	connected  → disconnected
//	disconnected → connecting (auto-retry) | failed (retries exhausted)
//	connecting → failed
//
// failed is recovered only by an explicit Reconnect, which resets the
// attempt counter. ConnState is owned here exclusively; everything else
// reads it through Snapshot.

// RetryPolicy bounds the automatic reconnection schedule.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func (p *RetryPolicy) defaults() {
	if p.MaxRetries == 0 {
		p.MaxRetries = 10
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30 * time.Second
	}
}

// ConnSnapshot is a read-only view of the machine.
type ConnSnapshot struct {
	State        ConnState
	AttemptCount int
	LastError    string
}

type connStateMachine struct {
	clk    clock.Clock
	log    zerolog.Logger
	policy RetryPolicy

	// dial initiates one connection attempt; results come back through
	// Apply as transport callbacks.
	dial func()
	// enterConnected / leaveConnected gate the periodic task set.
	enterConnected func()
	leaveConnected func()
	// observe, when set, sees every state change.
	observe func(ConnSnapshot)

	mu         sync.Mutex
	state      ConnState
	attempt    int
	lastErr    string
	released   bool
	retryTimer *clock.Timer
}

func newConnStateMachine(clk clock.Clock, log zerolog.Logger, policy RetryPolicy, dial func()) *connStateMachine {
	policy.defaults()
	return &connStateMachine{
		clk:    clk,
		log:    log,
		policy: policy,
		dial:   dial,
		state:  StateConnecting,
	}
}

// Snapshot returns the current state, attempt counter and last error.
func (m *connStateMachine) Snapshot() ConnSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnSnapshot{State: m.state, AttemptCount: m.attempt, LastError: m.lastErr}
}

// Apply feeds a transport lifecycle event into the machine.
func (m *connStateMachine) Apply(ev ConnectionEvent) {
	m.mu.Lock()

	switch ev.Kind {
	case ConnConnecting:
		m.setStateLocked(StateConnecting)
		m.lastErr = ""

	case ConnConnected:
		wasConnected := m.state == StateConnected
		m.setStateLocked(StateConnected)
		m.attempt = 0
		m.lastErr = ""
		m.mu.Unlock()
		if !wasConnected && m.enterConnected != nil {
			m.enterConnected()
		}
		return

	case ConnDisconnected:
		wasConnected := m.state == StateConnected
		m.lastErr = ev.Detail
		if !m.released && m.attempt < m.policy.MaxRetries {
			m.setStateLocked(StateDisconnected)
			m.scheduleRetryLocked()
		} else {
			m.setStateLocked(StateFailed)
		}
		m.mu.Unlock()
		if wasConnected && m.leaveConnected != nil {
			m.leaveConnected()
		}
		return

	case ConnFailed:
		wasConnected := m.state == StateConnected
		m.lastErr = ev.Detail
		if !m.released && m.attempt < m.policy.MaxRetries {
			m.setStateLocked(StateDisconnected)
			m.scheduleRetryLocked()
		} else {
			m.setStateLocked(StateFailed)
		}
		m.mu.Unlock()
		if wasConnected && m.leaveConnected != nil {
			m.leaveConnected()
		}
		return

	case ConnError:
		// The transport may recover on its own: record only.
		m.lastErr = ev.Detail
		m.log.Warn().Str("detail", ev.Detail).Msg("transport error")
	}

	m.mu.Unlock()
}

// Reconnect is the user-triggered recovery from failed (or any state): it
// cancels any pending retry, resets the attempt counter and dials anew.
func (m *connStateMachine) Reconnect() {
	m.mu.Lock()
	m.cancelRetryLocked()
	m.attempt = 0
	m.lastErr = ""
	m.released = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.dial()
}

// Release marks the machine as intentionally shut down: pending retries are
// cancelled and future disconnects no longer schedule new attempts.
func (m *connStateMachine) Release() {
	m.mu.Lock()
	m.released = true
	m.cancelRetryLocked()
	m.mu.Unlock()
}

func (m *connStateMachine) scheduleRetryLocked() {
	m.cancelRetryLocked()
	delay := m.nextDelayLocked()
	m.log.Debug().Int("attempt", m.attempt).Dur("delay", delay).Msg("scheduling reconnect")
	m.retryTimer = m.clk.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.released || m.state != StateDisconnected {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()
		m.dial()
	})
}

func (m *connStateMachine) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// nextDelayLocked computes base × multiplier^attempt with jitter, capped at
// MaxDelay, and advances the attempt counter.
func (m *connStateMachine) nextDelayLocked() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(m.policy.BaseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(m.policy.BaseDelay)*math.Pow(m.policy.Multiplier, float64(m.attempt))+float64(jitter),
		float64(m.policy.MaxDelay),
	))
	m.attempt++
	return delay
}

func (m *connStateMachine) setStateLocked(s ConnState) {
	if m.state == s {
		return
	}
	m.log.Debug().Str("from", string(m.state)).Str("to", string(s)).Msg("connection state")
	m.state = s
	if m.observe != nil {
		snap := ConnSnapshot{State: m.state, AttemptCount: m.attempt, LastError: m.lastErr}
		go m.observe(snap)
	}
}
