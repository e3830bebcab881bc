package roomkit

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Message Log Reconciler
// ============================================================================
//
// An ordered, deduplicated message log merging three delivery paths: direct
// transport events, background-buffered events replayed on foreground, and
// locally-sent optimistic echoes. Identity follows SameMessage, which is why
// the same logical message arriving twice (live event plus buffered replay,
// or optimistic echo plus server broadcast) collapses to a single entry.

// DefaultRetention caps the log at the most recent N messages.
const DefaultRetention = 100

// MessageLog holds the reconciled message history for one room.
type MessageLog struct {
	selfID    string
	retention int
	window    time.Duration

	mu      sync.RWMutex
	entries []ChatMessage
	unread  int
	// onAccept, when set, fires exactly once per accepted message not
	// authored by the local session, never per delivery path. Dedup
	// guarantees that by construction.
	onAccept func(ChatMessage)
}

// NewMessageLog creates a log with the given retention cap and near-duplicate
// tolerance window. Zero values select the defaults. selfID identifies the
// local sender: its messages never count as unread or trigger the sink.
func NewMessageLog(selfID string, retention int, window time.Duration) *MessageLog {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &MessageLog{selfID: selfID, retention: retention, window: window}
}

// OnAccept registers the single acceptance callback (notification sink).
func (l *MessageLog) OnAccept(fn func(ChatMessage)) {
	l.mu.Lock()
	l.onAccept = fn
	l.mu.Unlock()
}

// Ingest applies the identity invariant: the candidate is rejected with no
// mutation when a duplicate by id or by (sender, text, time-window) already
// exists. On acceptance it is appended (insertion order = display order) and
// the retention cap is enforced by evicting from the front.
func (l *MessageLog) Ingest(candidate ChatMessage) bool {
	l.mu.Lock()
	if l.duplicateLocked(&candidate) {
		l.mu.Unlock()
		return false
	}
	l.appendLocked(candidate)
	fn := l.onAccept
	l.mu.Unlock()

	if fn != nil && candidate.SenderID != l.selfID {
		fn(candidate)
	}
	return true
}

// IngestFromBackgroundBuffer replays a batch captured while the session was
// backgrounded. Each item passes the same dedup rule as the live path; the
// batch itself is ordered by send time before merging, since buffered
// delivery does not preserve topic order.
func (l *MessageLog) IngestFromBackgroundBuffer(candidates []ChatMessage) int {
	batch := append([]ChatMessage(nil), candidates...)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].SentAt < batch[j].SentAt
	})

	accepted := 0
	for _, c := range batch {
		if l.Ingest(c) {
			accepted++
		}
	}
	return accepted
}

func (l *MessageLog) duplicateLocked(candidate *ChatMessage) bool {
	for i := range l.entries {
		if SameMessage(&l.entries[i], candidate, l.window) {
			return true
		}
	}
	return false
}

func (l *MessageLog) appendLocked(m ChatMessage) {
	l.entries = append(l.entries, m)
	if len(l.entries) > l.retention {
		over := len(l.entries) - l.retention
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
	if m.SenderID != l.selfID {
		l.unread++
	}
}

// Messages returns a copy of the log in display order.
func (l *MessageLog) Messages() []ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]ChatMessage(nil), l.entries...)
}

// Len returns the current log length.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Unread returns the count of messages accepted since the last MarkRead.
func (l *MessageLog) Unread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unread
}

// MarkRead resets the unread counter, e.g. on foreground read-marking.
func (l *MessageLog) MarkRead() {
	l.mu.Lock()
	l.unread = 0
	l.mu.Unlock()
}
