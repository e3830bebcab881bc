package roomkit

import (
	"sort"
	"sync"
)

// ============================================================================
// Roster Reconciler
// ============================================================================
//
// Maintains the set of online participants by merging local optimistic
// edits, event-driven join/leave notifications, and periodic authoritative
// snapshots from the API. The local participant is distinguished by id and
// never duplicated into the "others" view.

// Roster holds the reconciled participant set for one room.
type Roster struct {
	selfID string

	mu      sync.RWMutex
	members map[string]Participant
}

// NewRoster creates a roster. selfID identifies the local participant.
func NewRoster(selfID string) *Roster {
	return &Roster{
		selfID:  selfID,
		members: make(map[string]Participant),
	}
}

// ApplyJoin inserts a participant, or idempotently overwrites the fields
// of an existing entry with the same id. A duplicate join after a reconnect
// carries the newest presence data (display name, avatar), so newest wins.
func (r *Roster) ApplyJoin(p Participant) {
	if p.ID == "" {
		return
	}
	r.mu.Lock()
	r.members[p.ID] = p
	r.mu.Unlock()
}

// ApplyLeave removes the participant if present; no-op otherwise.
func (r *Roster) ApplyLeave(participantID string) {
	r.mu.Lock()
	delete(r.members, participantID)
	r.mu.Unlock()
}

// ReconcileWithSnapshot merges an authoritative server list: participants on
// the server but missing locally are added, participants present locally but
// absent from the snapshot are removed. The local participant is exempt from
// snapshot removal, since the server may lag the client's own just-joined
// state, and is only ever removed by an explicit local leave.
func (r *Roster) ReconcileWithSnapshot(server []Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	onServer := make(map[string]struct{}, len(server))
	for _, p := range server {
		if p.ID == "" {
			continue
		}
		onServer[p.ID] = struct{}{}
		r.members[p.ID] = p
	}
	for id := range r.members {
		if id == r.selfID {
			continue
		}
		if _, ok := onServer[id]; !ok {
			delete(r.members, id)
		}
	}
}

// Contains reports whether the participant is currently on the roster.
func (r *Roster) Contains(participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[participantID]
	return ok
}

// Others returns every participant except the local one, ordered by join
// time then id for a stable rendering.
func (r *Roster) Others() []Participant {
	r.mu.RLock()
	out := make([]Participant, 0, len(r.members))
	for id, p := range r.members {
		if id == r.selfID {
			continue
		}
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Total is the count the UI shows: everyone else plus the local user.
func (r *Roster) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for id := range r.members {
		if id != r.selfID {
			n++
		}
	}
	return n + 1
}

// Size returns the raw roster size, self included when present.
func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
