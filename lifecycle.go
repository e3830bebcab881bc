package roomkit

import "sync"

// ============================================================================
// Background/Foreground Detector
// ============================================================================
//
// Classifies the host environment by combining page visibility, window focus
// and (where the platform reports one) app-lifecycle state, because each
// signal is individually unreliable across mobile platforms. Visibility and
// the platform lifecycle decide the state and hence buffering; window focus
// is softer, a visible-but-unfocused chat is still being watched, so losing
// focus only mutes notifications and never diverts live messages into the
// background buffer. A return to active triggers a connection/roster
// revalidation pass, since mobile runtimes can suspend the transport without
// a clean disconnected event.

// AppState is the classified host state.
type AppState string

const (
	AppActive     AppState = "active"
	AppBackground AppState = "background"
	AppSuspended  AppState = "suspended"
	AppHidden     AppState = "hidden"
)

// PlatformLifecycle is the raw platform-level app state, when available.
type PlatformLifecycle string

const (
	PlatformUnknown    PlatformLifecycle = "unknown"
	PlatformForeground PlatformLifecycle = "foreground"
	PlatformBackground PlatformLifecycle = "background"
	PlatformSuspended  PlatformLifecycle = "suspended"
)

// AppStateListener observes state transitions.
type AppStateListener func(from, to AppState)

// AppStateDetector folds raw host signals into one AppState.
type AppStateDetector struct {
	mu       sync.Mutex
	visible  bool
	focused  bool
	platform PlatformLifecycle
	state    AppState

	nextID    int
	listeners map[int]AppStateListener
}

// NewAppStateDetector starts in the active state (visible, focused).
func NewAppStateDetector() *AppStateDetector {
	return &AppStateDetector{
		visible:   true,
		focused:   true,
		platform:  PlatformUnknown,
		state:     AppActive,
		listeners: make(map[int]AppStateListener),
	}
}

// SetVisibility feeds the page-visibility signal.
func (d *AppStateDetector) SetVisibility(visible bool) {
	d.mu.Lock()
	d.visible = visible
	d.reclassifyLocked()
}

// SetFocus feeds the window-focus signal. Focus alone never changes the
// classified state; it gates IsActive (notifications) only.
func (d *AppStateDetector) SetFocus(focused bool) {
	d.mu.Lock()
	d.focused = focused
	d.reclassifyLocked()
}

// SetPlatformLifecycle feeds the platform app-lifecycle signal. Platform
// signals dominate: a suspended app is suspended no matter what the page
// visibility last reported.
func (d *AppStateDetector) SetPlatformLifecycle(s PlatformLifecycle) {
	d.mu.Lock()
	d.platform = s
	d.reclassifyLocked()
}

// reclassifyLocked recomputes the state and notifies listeners on change.
// Releases the mutex.
func (d *AppStateDetector) reclassifyLocked() {
	next := classify(d.visible, d.platform)
	if next == d.state {
		d.mu.Unlock()
		return
	}
	prev := d.state
	d.state = next
	listeners := make([]AppStateListener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.mu.Unlock()

	for _, l := range listeners {
		l(prev, next)
	}
}

func classify(visible bool, platform PlatformLifecycle) AppState {
	switch platform {
	case PlatformSuspended:
		return AppSuspended
	case PlatformBackground:
		return AppBackground
	}
	if !visible {
		return AppHidden
	}
	return AppActive
}

// State returns the current classification.
func (d *AppStateDetector) State() AppState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsActive reports whether notifications should surface: the chat is
// classified active and the window holds input focus.
func (d *AppStateDetector) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == AppActive && d.focused
}

// IsInBackground reports whether incoming messages should buffer silently
// for replay instead of entering the log directly.
func (d *AppStateDetector) IsInBackground() bool {
	s := d.State()
	return s == AppBackground || s == AppSuspended || s == AppHidden
}

// Subscribe registers a transition listener and returns its unsubscribe
// function.
func (d *AppStateDetector) Subscribe(l AppStateListener) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}
