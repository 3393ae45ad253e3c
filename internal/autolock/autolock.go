// Package autolock locks an unlocked session after a period without user
// activity.
package autolock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pher-lab/knot/internal/sched"
	"github.com/pher-lab/knot/internal/session"
)

// Activity is a class of user input that counts as presence.
type Activity int

// Activities
const (
	PointerMove Activity = iota
	PointerPress
	KeyPress
	TouchStart
	Scroll
)

func (a Activity) String() string {
	switch a {
	case PointerMove:
		return "pointer_move"
	case PointerPress:
		return "pointer_press"
	case KeyPress:
		return "key_press"
	case TouchStart:
		return "touch_start"
	case Scroll:
		return "scroll"
	default:
		return "unknown"
	}
}

// DefaultWindow is how often activity may re-arm the inactivity timer.
const DefaultWindow = time.Second

// Session is the controller the monitor follows and locks.
type Session interface {
	Snapshot() session.Session
	Subscribe(fn func(session.Session)) (unsubscribe func())
	Lock(ctx context.Context) error
}

// Monitor arms a single inactivity timeout while the session is unlocked
// and the auto-lock delay is non-zero. Activity re-arms it at most once per
// window; activity seen inside a window re-arms it when the window closes.
type Monitor struct {
	sess   Session
	sched  sched.Scheduler
	window time.Duration
	logger *slog.Logger

	unsubscribe func()

	mu       sync.Mutex
	minutes  int
	active   bool
	stopped  bool
	timeout  sched.Task
	gen      uint64
	throttle sched.Task
	winGen   uint64
	dirty    bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithScheduler sets the scheduler for the timeout and window tasks.
func WithScheduler(s sched.Scheduler) Option {
	return func(m *Monitor) {
		m.sched = s
	}
}

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// New starts a Monitor following sess.
func New(sess Session, opts ...Option) *Monitor {
	m := &Monitor{
		sess:   sess,
		sched:  sched.Real{},
		window: DefaultWindow,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = sess.Subscribe(m.follow)
	m.follow(sess.Snapshot())
	return m
}

// follow reacts to a session change: leaving the unlocked screen or
// disabling the delay cancels everything, entering it or changing the
// delay starts a fresh timeout.
func (m *Monitor) follow(s session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	active := s.Screen == session.ScreenUnlocked && s.AutoLockMinutes > 0
	if !active {
		if m.active {
			m.logger.Debug("autolock: disarmed", slog.String("screen", string(s.Screen)))
		}
		m.active = false
		m.minutes = s.AutoLockMinutes
		m.cancelLocked()
		return
	}
	if m.active && m.minutes == s.AutoLockMinutes {
		return
	}
	m.active = true
	m.minutes = s.AutoLockMinutes
	m.armLocked()
	m.logger.Debug("autolock: armed", slog.Int("minutes", m.minutes))
}

// Touch records user activity.
func (m *Monitor) Touch(a Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.stopped {
		return
	}
	if m.throttle != nil {
		m.dirty = true
		return
	}
	m.armLocked()
	m.openWindowLocked()
}

// Armed reports whether an inactivity timeout is pending.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout != nil
}

// Stop cancels all timers and stops following the session.
func (m *Monitor) Stop() {
	m.unsubscribe()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.active = false
	m.cancelLocked()
}

func (m *Monitor) openWindowLocked() {
	m.winGen++
	gen := m.winGen
	m.throttle = m.sched.AfterFunc(m.window, func() { m.closeWindow(gen) })
}

func (m *Monitor) closeWindow(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.winGen != gen || !m.active {
		return
	}
	m.throttle = nil
	if m.dirty {
		m.dirty = false
		m.armLocked()
		m.openWindowLocked()
	}
}

func (m *Monitor) armLocked() {
	if m.timeout != nil {
		m.timeout.Stop()
	}
	m.gen++
	gen := m.gen
	d := time.Duration(m.minutes) * time.Minute
	m.timeout = m.sched.AfterFunc(d, func() { m.fire(gen) })
}

func (m *Monitor) cancelLocked() {
	if m.timeout != nil {
		m.timeout.Stop()
		m.timeout = nil
	}
	if m.throttle != nil {
		m.throttle.Stop()
		m.throttle = nil
	}
	m.dirty = false
	m.gen++
	m.winGen++
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || !m.active {
		m.mu.Unlock()
		return
	}
	minutes := m.minutes
	m.timeout = nil
	m.mu.Unlock()

	m.logger.Info("autolock: locking after inactivity", slog.Int("minutes", minutes))
	if err := m.sess.Lock(context.Background()); err != nil {
		m.logger.Error("autolock: lock failed", slog.String("error", err.Error()))
	}
}
