package roomkit

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

// waitFor polls cond until it holds or the deadline passes. Timer callbacks
// on the mock clock run on their own goroutines, so assertions that follow a
// virtual-time advance poll instead of assuming synchronous delivery.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestMachine(mock *clock.Mock, policy RetryPolicy, dials *int32) *connStateMachine {
	return newConnStateMachine(mock, zerolog.Nop(), policy, func() {
		atomic.AddInt32(dials, 1)
	})
}

// ============================================================================
// Connection State Machine
// ============================================================================

func TestConnStateMachineTransitions(t *testing.T) {
	t.Run("connecting to connected clears counters", func(t *testing.T) {
		mock := clock.NewMock()
		var dials int32
		m := newTestMachine(mock, RetryPolicy{}, &dials)

		m.Apply(ConnectionEvent{Kind: ConnConnected})
		snap := m.Snapshot()
		if snap.State != StateConnected || snap.AttemptCount != 0 || snap.LastError != "" {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	})

	t.Run("disconnected schedules a retry", func(t *testing.T) {
		mock := clock.NewMock()
		var dials int32
		m := newTestMachine(mock, RetryPolicy{}, &dials)

		m.Apply(ConnectionEvent{Kind: ConnConnected})
		m.Apply(ConnectionEvent{Kind: ConnDisconnected, Detail: "socket reset"})

		snap := m.Snapshot()
		if snap.State != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", snap.State)
		}
		if snap.LastError != "socket reset" {
			t.Fatalf("expected last error recorded, got %q", snap.LastError)
		}

		// First retry fires within base delay plus jitter.
		mock.Add(2 * time.Second)
		waitFor(t, "retry dial", func() bool { return atomic.LoadInt32(&dials) == 1 })
		if got := m.Snapshot().State; got != StateConnecting {
			t.Fatalf("expected connecting after retry fired, got %s", got)
		}
	})

	t.Run("exhausted retries reach failed", func(t *testing.T) {
		mock := clock.NewMock()
		var dials int32
		m := newTestMachine(mock, RetryPolicy{MaxRetries: 1, BaseDelay: 10 * time.Millisecond}, &dials)

		m.Apply(ConnectionEvent{Kind: ConnDisconnected})
		mock.Add(time.Second)
		waitFor(t, "first retry", func() bool { return atomic.LoadInt32(&dials) == 1 })

		// The single retry budget is spent; the next failure is terminal.
		m.Apply(ConnectionEvent{Kind: ConnFailed, Detail: "handshake refused"})
		if got := m.Snapshot().State; got != StateFailed {
			t.Fatalf("expected failed, got %s", got)
		}
		mock.Add(time.Minute)
		if atomic.LoadInt32(&dials) != 1 {
			t.Fatal("failed state must not schedule retries")
		}
	})

	t.Run("transport errors only record detail", func(t *testing.T) {
		mock := clock.NewMock()
		var dials int32
		m := newTestMachine(mock, RetryPolicy{}, &dials)

		m.Apply(ConnectionEvent{Kind: ConnConnected})
		m.Apply(ConnectionEvent{Kind: ConnError, Detail: "server hiccup"})

		snap := m.Snapshot()
		if snap.State != StateConnected {
			t.Fatalf("error event must not change state, got %s", snap.State)
		}
		if snap.LastError != "server hiccup" {
			t.Fatalf("expected detail recorded, got %q", snap.LastError)
		}
	})
}

func TestConnStateMachineReconnectResetsBackoff(t *testing.T) {
	mock := clock.NewMock()
	var dials int32
	m := newTestMachine(mock, RetryPolicy{MaxRetries: 2, BaseDelay: 10 * time.Millisecond}, &dials)

	// Burn through the retry budget into failed.
	m.Apply(ConnectionEvent{Kind: ConnDisconnected})
	mock.Add(time.Second)
	waitFor(t, "retry 1", func() bool { return atomic.LoadInt32(&dials) == 1 })
	m.Apply(ConnectionEvent{Kind: ConnFailed})
	mock.Add(time.Second)
	waitFor(t, "retry 2", func() bool { return atomic.LoadInt32(&dials) == 2 })
	m.Apply(ConnectionEvent{Kind: ConnFailed})

	snap := m.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if snap.AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", snap.AttemptCount)
	}

	m.Reconnect()

	snap = m.Snapshot()
	if snap.State != StateConnecting {
		t.Fatalf("expected connecting after manual reconnect, got %s", snap.State)
	}
	if snap.AttemptCount != 0 {
		t.Fatalf("manual reconnect must reset the attempt count, got %d", snap.AttemptCount)
	}
	if got := atomic.LoadInt32(&dials); got != 3 {
		t.Fatalf("expected an immediate dial, got %d", got)
	}
}

func TestConnStateMachineRelease(t *testing.T) {
	t.Run("cancels a pending retry", func(t *testing.T) {
		mock := clock.NewMock()
		var dials int32
		m := newTestMachine(mock, RetryPolicy{}, &dials)

		m.Apply(ConnectionEvent{Kind: ConnDisconnected})
		m.Release()
		mock.Add(time.Minute)
		if atomic.LoadInt32(&dials) != 0 {
			t.Fatal("released machine must not dial")
		}
	})

	t.Run("future disconnects go straight to failed", func(t *testing.T) {
		mock := clock.NewMock()
		var dials int32
		m := newTestMachine(mock, RetryPolicy{}, &dials)

		m.Apply(ConnectionEvent{Kind: ConnConnected})
		m.Release()
		m.Apply(ConnectionEvent{Kind: ConnDisconnected})
		if got := m.Snapshot().State; got != StateFailed {
			t.Fatalf("expected failed after released disconnect, got %s", got)
		}
	})
}

func TestRetryPolicyBackoffGrowth(t *testing.T) {
	mock := clock.NewMock()
	var dials int32
	m := newTestMachine(mock, RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 4 * time.Second}, &dials)

	m.mu.Lock()
	d0 := m.nextDelayLocked()
	d1 := m.nextDelayLocked()
	d5 := time.Duration(0)
	for i := 2; i <= 5; i++ {
		d5 = m.nextDelayLocked()
	}
	m.mu.Unlock()

	// base×2^0 ∈ [1s, 1.5s), base×2^1 ∈ [2s, 2.5s), deep attempts cap.
	if d0 < time.Second || d0 >= 1500*time.Millisecond {
		t.Fatalf("attempt 0 delay out of range: %v", d0)
	}
	if d1 < 2*time.Second || d1 >= 2500*time.Millisecond {
		t.Fatalf("attempt 1 delay out of range: %v", d1)
	}
	if d5 != 4*time.Second {
		t.Fatalf("expected deep attempt capped at MaxDelay, got %v", d5)
	}
}
