package roomkit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ============================================================================
// Periodic Task Scheduler
// ============================================================================
//
// The session runs several independent periodic tasks while connected
// (heartbeat, roster resync, connection health check, typing sweep). They
// are registered once by name and started/stopped as a unit on connection
// state transitions. No ordering is guaranteed between tasks, only that each
// fires at its own cadence. All timing goes through an injectable clock so
// tests drive a virtual one.

// Task names.
const (
	taskHeartbeat   = "heartbeat"
	taskResync      = "resync"
	taskHealthCheck = "health-check"
	taskTypingSweep = "typing-sweep"
)

type periodicTask struct {
	interval time.Duration
	fn       func()
}

type scheduler struct {
	clk clock.Clock

	mu      sync.Mutex
	tasks   map[string]periodicTask
	order   []string
	stopChs []chan struct{}
	running bool
}

func newScheduler(clk clock.Clock) *scheduler {
	return &scheduler{
		clk:   clk,
		tasks: make(map[string]periodicTask),
	}
}

// register adds or replaces a named task. Has no effect on a running set
// until the next start.
func (s *scheduler) register(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		s.order = append(s.order, name)
	}
	s.tasks[name] = periodicTask{interval: interval, fn: fn}
}

// start launches every registered task. No-op if already running.
func (s *scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	for _, name := range s.order {
		t := s.tasks[name]
		stop := make(chan struct{})
		s.stopChs = append(s.stopChs, stop)
		ticker := s.clk.Ticker(t.interval)
		go s.run(t, ticker, stop)
	}
}

func (s *scheduler) run(t periodicTask, ticker *clock.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.fn()
		}
	}
}

// stop halts every running task. Safe to call when not running.
func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for _, ch := range s.stopChs {
		close(ch)
	}
	s.stopChs = nil
}

func (s *scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
