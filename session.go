package roomkit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// ============================================================================
// Session Façade
// ============================================================================
//
// Session composes the transport handle manager, the connection state
// machine, the three reconcilers and the app-state detector into the
// operations a chat screen needs: connect, join, leave, send, typing,
// reconnect. The UI reads snapshots; it never mutates session state
// directly.

// Notifier is the message sink for user-visible alerts (sound, OS
// notification). Fired at most once per accepted message, and only while the
// session is foregrounded.
type Notifier interface {
	Notify(msg ChatMessage)
}

// Default cadences for the connected-state periodic tasks.
const (
	DefaultHeartbeatInterval   = 25 * time.Second
	DefaultResyncInterval      = 30 * time.Second
	DefaultHealthCheckInterval = 15 * time.Second
	// DefaultTypingIdle is the send-side idle window after which a typing
	// burst auto-stops.
	DefaultTypingIdle = 4 * time.Second
)

// SessionConfig configures one logical chat session.
type SessionConfig struct {
	RoomID string
	Self   Participant

	Retry            RetryPolicy
	MessageRetention int
	DuplicateWindow  time.Duration
	TypingExpiry     time.Duration
	TypingIdle       time.Duration

	HeartbeatInterval   time.Duration
	ResyncInterval      time.Duration
	HealthCheckInterval time.Duration
	TypingSweepInterval time.Duration

	// Handles shares one transport manager across sessions (consumer
	// remounts acquire references instead of new sockets). When nil the
	// session builds its own manager from the client's transport config.
	Handles *HandleManager
	// Factory substitutes the transport implementation, e.g. in tests.
	Factory TransportFactory
	// Clock substitutes the time source. Defaults to the wall clock.
	Clock clock.Clock
	// Notifier receives accepted foreground messages. Optional.
	Notifier Notifier
	// Buffer is the background delivery buffer, shared with a PushReceiver
	// when push delivery is configured. When nil the session owns one.
	Buffer *BackgroundBuffer
}

func (c *SessionConfig) defaults() {
	if c.TypingIdle == 0 {
		c.TypingIdle = DefaultTypingIdle
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ResyncInterval == 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.TypingSweepInterval == 0 {
		c.TypingSweepInterval = DefaultTypingSweepInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Buffer == nil {
		c.Buffer = &BackgroundBuffer{}
	}
}

// Session is one logical chat session. Safe for concurrent use.
type Session struct {
	client *Client
	cfg    SessionConfig
	clk    clock.Clock
	log    zerolog.Logger

	handles  *HandleManager
	machine  *connStateMachine
	sched    *scheduler
	roster   *Roster
	msgs     *MessageLog
	typing   *TypingTracker
	detector *AppStateDetector
	buffer   *BackgroundBuffer

	mu           sync.Mutex
	handle       *TransportHandle
	closed       bool
	typingActive bool
	typingIdle   *clock.Timer
	unsubApp     func()
}

// NewSession builds a session for one room. Connect establishes it.
func NewSession(client *Client, cfg SessionConfig) (*Session, error) {
	if cfg.RoomID == "" || cfg.Self.ID == "" {
		return nil, ErrMissingConfig
	}
	cfg.defaults()

	log := client.Logger().With().Str("room", cfg.RoomID).Logger()

	handles := cfg.Handles
	if handles == nil {
		handles = NewHandleManager(client.TransportConfig(cfg.RoomID), cfg.Factory, cfg.Clock, log)
	}

	s := &Session{
		client:   client,
		cfg:      cfg,
		clk:      cfg.Clock,
		log:      log,
		handles:  handles,
		roster:   NewRoster(cfg.Self.ID),
		msgs:     NewMessageLog(cfg.Self.ID, cfg.MessageRetention, cfg.DuplicateWindow),
		typing:   NewTypingTracker(cfg.Self.ID, cfg.TypingExpiry),
		detector: NewAppStateDetector(),
		buffer:   cfg.Buffer,
	}

	s.machine = newConnStateMachine(cfg.Clock, log, cfg.Retry, s.redial)
	s.machine.enterConnected = s.onConnected
	s.machine.leaveConnected = s.onDisconnected

	s.sched = newScheduler(cfg.Clock)
	s.sched.register(taskHeartbeat, cfg.HeartbeatInterval, s.heartbeat)
	s.sched.register(taskResync, cfg.ResyncInterval, s.resyncRoster)
	s.sched.register(taskHealthCheck, cfg.HealthCheckInterval, s.healthCheck)
	s.sched.register(taskTypingSweep, cfg.TypingSweepInterval, s.sweepTyping)

	s.msgs.OnAccept(func(m ChatMessage) {
		if s.cfg.Notifier != nil && s.detector.IsActive() {
			s.cfg.Notifier.Notify(m)
		}
	})

	return s, nil
}

// ── Connect / Leave / Reconnect ───────────────────────────

// Connect acquires the shared transport, attaching this session's event
// handlers to the manager's fan-out, joins the room, and starts the periodic
// tasks once the transport reports connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.handle != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	handle, err := s.handles.Acquire(ctx, s.onConnectionEvent, s.onTopicEvent)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handle = handle
	if s.unsubApp == nil {
		s.unsubApp = s.detector.Subscribe(s.onAppStateChange)
	}
	s.mu.Unlock()

	// A reused handle missed the lifecycle events that drove the first
	// acquirer's machine; replay the current link state into this one. A
	// down transport schedules this session's own reconnect attempts.
	if handle.WasReused {
		if handle.Connected {
			s.machine.Apply(ConnectionEvent{Kind: ConnConnected})
		} else {
			s.machine.Apply(ConnectionEvent{Kind: ConnDisconnected, Detail: "shared transport offline"})
		}
	}

	// Optimistic local join; the server snapshot reconciles later.
	self := s.cfg.Self
	self.JoinedAt = s.clk.Now().UTC().Format(time.RFC3339Nano)
	s.roster.ApplyJoin(self)

	if _, err := s.client.JoinRoom(ctx, s.cfg.RoomID, self); err != nil {
		return err
	}
	return nil
}

// Leave is the explicit local leave: best-effort server notification, then
// local cleanup regardless of the response. The shared transport is only
// released, not torn down: another consumer may still hold it.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handle := s.handle
	s.handle = nil
	unsub := s.unsubApp
	s.unsubApp = nil
	s.stopTypingIdleLocked()
	s.mu.Unlock()

	err := s.client.LeaveRoom(ctx, s.cfg.RoomID, s.cfg.Self)
	if err != nil {
		s.log.Warn().Err(err).Msg("leave-room failed, proceeding with local cleanup")
	}

	s.machine.Release()
	s.sched.stop()
	s.typing.Clear()
	s.roster.ApplyLeave(s.cfg.Self.ID)
	if unsub != nil {
		unsub()
	}
	if handle != nil {
		handle.Release()
	}
	return err
}

// Reconnect is the user-triggered recovery from the failed state: it resets
// the attempt counter and re-enters connecting.
func (s *Session) Reconnect() {
	s.machine.Reconnect()
}

// redial re-establishes the shared transport connection. Outcomes flow back
// through the connection event handler.
func (s *Session) redial() {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := handle.Transport.Connect(ctx); err != nil {
			// Connect emitted the failure event already.
			return
		}
		if err := handle.Transport.Subscribe(ctx, s.cfg.RoomID); err != nil {
			s.log.Warn().Err(err).Msg("resubscribe failed")
		}
	}()
}

// ── Transport event routing ───────────────────────────────

func (s *Session) onConnectionEvent(ev ConnectionEvent) {
	s.machine.Apply(ev)
}

func (s *Session) onTopicEvent(ev TopicEvent) {
	switch ev.Kind {
	case TopicMessageCreated:
		s.ingestLive(*ev.Message)

	case TopicParticipantJoined:
		p := *ev.Participant
		s.roster.ApplyJoin(p)
		if p.ID != s.cfg.Self.ID {
			s.ingestLive(systemMessage("sys-join-"+p.ID+"-"+p.JoinedAt, p, p.DisplayName+" joined"))
		}

	case TopicParticipantLeft:
		p := *ev.Participant
		s.roster.ApplyLeave(p.ID)
		s.typing.OnStop(p.ID)
		if p.ID != s.cfg.Self.ID {
			s.ingestLive(systemMessage("sys-left-"+p.ID+"-"+p.LeftAt, p, p.DisplayName+" left"))
		}

	case TopicTypingStarted:
		s.typing.OnStart(ev.TypingStart.ParticipantID, ev.TypingStart.DisplayName, s.clk.Now())

	case TopicTypingStopped:
		s.typing.OnStop(ev.TypingStop.ParticipantID)

	case TopicSubscribed:
		s.log.Debug().Msg("topic subscribed")

	case TopicSubscribeError:
		s.log.Warn().Str("detail", ev.Detail).Msg("topic subscription error")
	}
}

// ingestLive routes a live message: backgrounded sessions buffer silently
// and replay on foreground, active sessions ingest directly. Dedup makes
// the overlap between the two paths harmless.
func (s *Session) ingestLive(m ChatMessage) {
	if s.detector.IsInBackground() {
		s.buffer.Add(m)
		return
	}
	s.msgs.Ingest(m)
}

func systemMessage(id string, p Participant, text string) ChatMessage {
	at := p.JoinedAt
	if p.LeftAt != "" {
		at = p.LeftAt
	}
	return ChatMessage{
		ID:       id,
		Text:     text,
		SenderID: p.ID,
		SentAt:   at,
		IsSystem: true,
	}
}

// ── Connection-state side effects ─────────────────────────

func (s *Session) onConnected() {
	s.sched.start()
	// Catch up immediately rather than waiting a full resync period.
	go s.resyncRoster()
}

func (s *Session) onDisconnected() {
	s.sched.stop()
}

// ── Periodic tasks ────────────────────────────────────────

func (s *Session) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.httpClient.Timeout)
	defer cancel()

	data, err := s.client.Heartbeat(ctx, s.cfg.RoomID, s.cfg.Self.ID)
	if err != nil {
		s.log.Warn().Err(err).Msg("heartbeat failed")
		s.healthCheck()
		return
	}
	if !data.Found {
		// The server dropped us; rejoin.
		s.log.Info().Msg("heartbeat not found, rejoining")
		if _, err := s.client.JoinRoom(ctx, s.cfg.RoomID, s.cfg.Self); err != nil {
			s.log.Warn().Err(err).Msg("rejoin failed")
		}
	}
}

func (s *Session) resyncRoster() {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.httpClient.Timeout)
	defer cancel()

	server, err := s.client.ActiveParticipants(ctx, s.cfg.RoomID)
	if err != nil {
		s.log.Warn().Err(err).Msg("roster resync failed")
		return
	}
	s.roster.ReconcileWithSnapshot(server)
}

// healthCheck probes the transport. Mobile runtimes can suspend a socket
// without a clean disconnected event; a failed probe synthesizes one so the
// state machine schedules a reconnect.
func (s *Session) healthCheck() {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil || s.machine.Snapshot().State != StateConnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Transport.Publish(ctx, Envelope{Type: "ping"}); err != nil {
		s.machine.Apply(ConnectionEvent{Kind: ConnDisconnected, Detail: "health check: " + err.Error()})
	}
}

func (s *Session) sweepTyping() {
	s.typing.SweepExpired(s.clk.Now())
}

// ── Sending ───────────────────────────────────────────────

// Send relays a message. The log shows it immediately under a locally
// generated id; the server echo with the same id collapses onto the
// optimistic entry instead of appending twice.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	msg := OutboundMessage{
		ClientMessageID: NewMessageID(),
		Text:            text,
		Sender:          s.cfg.Self,
	}
	if err := validateOutbound(&msg); err != nil {
		return &CallError{Reason: ReasonValidation, Op: "send-message", Err: err}
	}

	// Sending ends the typing burst.
	s.StopTyping()

	s.msgs.Ingest(ChatMessage{
		ID:                msg.ClientMessageID,
		Text:              msg.Text,
		SenderID:          s.cfg.Self.ID,
		SenderDisplayName: s.cfg.Self.DisplayName,
		SenderAvatarRef:   s.cfg.Self.AvatarRef,
		SentAt:            s.clk.Now().UTC().Format(time.RFC3339Nano),
	})

	_, err := s.client.SendMessage(ctx, s.cfg.RoomID, msg)
	return err
}

// NewMessageID generates a client message id. ULIDs sort by generation
// time, which keeps the optimistic log ordered.
func NewMessageID() string {
	return ulid.Make().String()
}

// ── Typing (send side) ────────────────────────────────────

// KeystrokeObserved flags the local user as typing. The start broadcast is
// emitted at most once per continuous burst; every keystroke pushes the
// idle auto-stop window out.
func (s *Session) KeystrokeObserved() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	alreadyTyping := s.typingActive
	s.typingActive = true
	s.stopTypingIdleLocked()
	s.typingIdle = s.clk.AfterFunc(s.cfg.TypingIdle, s.StopTyping)
	s.mu.Unlock()

	if alreadyTyping {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.client.httpClient.Timeout)
		defer cancel()
		if err := s.client.TypingStart(ctx, s.cfg.RoomID, s.cfg.Self); err != nil {
			s.log.Debug().Err(err).Msg("typing-start dropped")
		}
	}()
}

// StopTyping ends the burst immediately: on message send, on losing input
// focus, or from the idle timer.
func (s *Session) StopTyping() {
	s.mu.Lock()
	if !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.stopTypingIdleLocked()
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.client.httpClient.Timeout)
		defer cancel()
		if err := s.client.TypingStop(ctx, s.cfg.RoomID, s.cfg.Self.ID); err != nil {
			s.log.Debug().Err(err).Msg("typing-stop dropped")
		}
	}()
}

func (s *Session) stopTypingIdleLocked() {
	if s.typingIdle != nil {
		s.typingIdle.Stop()
		s.typingIdle = nil
	}
}

// ── Background/foreground ─────────────────────────────────

func (s *Session) onAppStateChange(from, to AppState) {
	s.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("app state")
	if to != AppActive {
		return
	}
	// Returning to active: replay buffered deliveries, mark read, and
	// revalidate, since the runtime may have silently killed the transport.
	accepted := s.msgs.IngestFromBackgroundBuffer(s.buffer.Drain())
	if accepted > 0 {
		s.log.Debug().Int("accepted", accepted).Msg("background buffer replayed")
	}
	s.msgs.MarkRead()
	go s.resyncRoster()
	go s.healthCheck()
}

// AppState returns the detector, which the host wires its lifecycle
// signals into.
func (s *Session) AppState() *AppStateDetector { return s.detector }

// Buffer returns the background delivery buffer, for wiring a PushReceiver.
func (s *Session) Buffer() *BackgroundBuffer { return s.buffer }

// ── Snapshots for the UI ──────────────────────────────────

// Connection returns the current connection state snapshot.
func (s *Session) Connection() ConnSnapshot { return s.machine.Snapshot() }

// Messages returns the reconciled log in display order.
func (s *Session) Messages() []ChatMessage { return s.msgs.Messages() }

// Unread returns the unread message count.
func (s *Session) Unread() int { return s.msgs.Unread() }

// MarkRead resets the unread counter.
func (s *Session) MarkRead() { s.msgs.MarkRead() }

// Others returns everyone on the roster except the local user.
func (s *Session) Others() []Participant { return s.roster.Others() }

// TotalParticipants is the roster count including the local user.
func (s *Session) TotalParticipants() int { return s.roster.Total() }

// TypingPeers returns the peers currently typing.
func (s *Session) TypingPeers() []TypingSignal { return s.typing.Active() }
