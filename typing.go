package roomkit

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Typing Presence Tracker
// ============================================================================
//
// A time-bounded set of "currently typing" peers. Expiry is pull-based: a
// periodic sweep removes stale signals, because explicit stop events can be
// lost on abrupt disconnects and the view must self-heal.

// DefaultTypingExpiry is how long a signal survives without a refresh.
const DefaultTypingExpiry = 6 * time.Second

// DefaultTypingSweepInterval is the sweep cadence.
const DefaultTypingSweepInterval = time.Second

// TypingTracker maintains typing signals for everyone except the local user.
type TypingTracker struct {
	selfID string
	expiry time.Duration

	mu      sync.Mutex
	signals map[string]TypingSignal
}

// NewTypingTracker creates a tracker. Signals from selfID are ignored.
func NewTypingTracker(selfID string, expiry time.Duration) *TypingTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingTracker{
		selfID:  selfID,
		expiry:  expiry,
		signals: make(map[string]TypingSignal),
	}
}

// OnStart inserts a signal or refreshes the timestamp of an existing one.
// The local session's own id is never tracked.
func (t *TypingTracker) OnStart(participantID, displayName string, now time.Time) {
	if participantID == "" || participantID == t.selfID {
		return
	}
	t.mu.Lock()
	t.signals[participantID] = TypingSignal{
		ParticipantID: participantID,
		DisplayName:   displayName,
		StartedAt:     now,
	}
	t.mu.Unlock()
}

// OnStop removes the signal immediately.
func (t *TypingTracker) OnStop(participantID string) {
	t.mu.Lock()
	delete(t.signals, participantID)
	t.mu.Unlock()
}

// SweepExpired removes every signal older than the expiry window. Invoked on
// a fixed short interval by the scheduler.
func (t *TypingTracker) SweepExpired(now time.Time) {
	t.mu.Lock()
	for id, sig := range t.signals {
		if now.Sub(sig.StartedAt) > t.expiry {
			delete(t.signals, id)
		}
	}
	t.mu.Unlock()
}

// Active returns the current signals ordered by start time.
func (t *TypingTracker) Active() []TypingSignal {
	t.mu.Lock()
	out := make([]TypingSignal, 0, len(t.signals))
	for _, sig := range t.signals {
		out = append(out, sig)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Clear drops every signal, e.g. when leaving the room.
func (t *TypingTracker) Clear() {
	t.mu.Lock()
	t.signals = make(map[string]TypingSignal)
	t.mu.Unlock()
}
