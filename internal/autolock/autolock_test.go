package autolock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pher-lab/knot/internal/sched"
	"github.com/pher-lab/knot/internal/session"
)

type fakeSession struct {
	mu    sync.Mutex
	state session.Session
	subs  []func(session.Session)
	locks int
}

func newFakeSession(minutes int) *fakeSession {
	return &fakeSession{state: session.Session{Screen: session.ScreenUnlocked, AutoLockMinutes: minutes}}
}

func (f *fakeSession) Snapshot() session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Subscribe(fn func(session.Session)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	idx := len(f.subs) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.subs[idx] = nil
		f.mu.Unlock()
	}
}

func (f *fakeSession) set(fn func(*session.Session)) {
	f.mu.Lock()
	fn(&f.state)
	s := f.state
	subs := append(([]func(session.Session))(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub(s)
		}
	}
}

func (f *fakeSession) Lock(context.Context) error {
	f.mu.Lock()
	f.locks++
	f.mu.Unlock()
	f.set(func(s *session.Session) { s.Screen = session.ScreenUnlock })
	return nil
}

func (f *fakeSession) lockCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks
}

func newTestMonitor(minutes int) (*Monitor, *fakeSession, *sched.Fake) {
	sess := newFakeSession(minutes)
	clock := sched.NewFake()
	return New(sess, WithScheduler(clock)), sess, clock
}

func TestZeroMinutesNeverLocks(t *testing.T) {
	m, sess, clock := newTestMonitor(0)
	defer m.Stop()

	m.Touch(KeyPress)
	clock.Advance(24 * time.Hour)

	if sess.lockCount() != 0 {
		t.Errorf("locks = %d, want 0", sess.lockCount())
	}
	if m.Armed() {
		t.Error("Armed() = true with auto-lock disabled")
	}
}

func TestIdleLocksExactlyOnce(t *testing.T) {
	m, sess, clock := newTestMonitor(5)
	defer m.Stop()

	clock.Advance(5*time.Minute - time.Second)
	if sess.lockCount() != 0 {
		t.Fatal("locked early")
	}
	clock.Advance(time.Second)
	if sess.lockCount() != 1 {
		t.Fatalf("locks = %d, want 1", sess.lockCount())
	}

	clock.Advance(time.Hour)
	if sess.lockCount() != 1 {
		t.Errorf("locks = %d after more idle time, want 1", sess.lockCount())
	}
	if m.Armed() || clock.Pending() != 0 {
		t.Errorf("timers left after lock: armed=%v pending=%d", m.Armed(), clock.Pending())
	}
}

func TestActivityPostponesLock(t *testing.T) {
	m, sess, clock := newTestMonitor(1)
	defer m.Stop()

	for i := 0; i < 5; i++ {
		clock.Advance(50 * time.Second)
		m.Touch(PointerMove)
	}
	if sess.lockCount() != 0 {
		t.Fatal("locked despite activity")
	}

	clock.Advance(time.Minute)
	if sess.lockCount() != 1 {
		t.Errorf("locks = %d, want 1", sess.lockCount())
	}
}

func TestActivityIsCoalesced(t *testing.T) {
	m, sess, clock := newTestMonitor(1)
	defer m.Stop()

	clock.Advance(30 * time.Second)
	m.Touch(KeyPress)
	// a burst inside the window is folded into one re-arm at its end
	for i := 0; i < 100; i++ {
		m.Touch(Scroll)
	}
	before := clock.Pending()
	if before != 2 {
		t.Fatalf("pending tasks = %d, want timeout and window", before)
	}

	// the trailing re-arm happens when the window closes at 31s
	clock.Advance(time.Minute)
	if sess.lockCount() != 0 {
		t.Fatal("trailing activity in the window was ignored")
	}
	clock.Advance(time.Second)
	if sess.lockCount() != 1 {
		t.Errorf("locks = %d, want 1", sess.lockCount())
	}
}

func TestLeavingUnlockedCancels(t *testing.T) {
	m, sess, clock := newTestMonitor(1)
	defer m.Stop()

	m.Touch(TouchStart)
	sess.set(func(s *session.Session) { s.Screen = session.ScreenUnlock })
	if clock.Pending() != 0 {
		t.Fatalf("pending tasks = %d after leaving unlocked", clock.Pending())
	}

	clock.Advance(time.Hour)
	if sess.lockCount() != 0 {
		t.Errorf("spurious lock after session ended")
	}

	m.Touch(KeyPress)
	if m.Armed() {
		t.Error("activity armed the timer while locked")
	}
}

func TestDisablingCancels(t *testing.T) {
	m, sess, clock := newTestMonitor(2)
	defer m.Stop()

	clock.Advance(time.Minute)
	sess.set(func(s *session.Session) { s.AutoLockMinutes = 0 })
	clock.Advance(time.Hour)

	if sess.lockCount() != 0 {
		t.Errorf("locks = %d after disabling", sess.lockCount())
	}
}

func TestChangingMinutesRearms(t *testing.T) {
	m, sess, clock := newTestMonitor(10)
	defer m.Stop()

	clock.Advance(5 * time.Minute)
	sess.set(func(s *session.Session) { s.AutoLockMinutes = 1 })
	clock.Advance(59 * time.Second)
	if sess.lockCount() != 0 {
		t.Fatal("locked before the new delay elapsed")
	}
	clock.Advance(time.Second)
	if sess.lockCount() != 1 {
		t.Errorf("locks = %d, want 1", sess.lockCount())
	}
}

func TestUnrelatedChangeKeepsTimer(t *testing.T) {
	m, sess, clock := newTestMonitor(1)
	defer m.Stop()

	clock.Advance(30 * time.Second)
	sess.set(func(s *session.Session) { s.Error = "something" })
	clock.Advance(30 * time.Second)

	if sess.lockCount() != 1 {
		t.Errorf("locks = %d, want 1", sess.lockCount())
	}
}

func TestRelockAfterUnlock(t *testing.T) {
	m, sess, clock := newTestMonitor(1)
	defer m.Stop()

	clock.Advance(time.Minute)
	sess.set(func(s *session.Session) { s.Screen = session.ScreenUnlocked })
	clock.Advance(time.Minute)

	if sess.lockCount() != 2 {
		t.Errorf("locks = %d, want 2", sess.lockCount())
	}
}

func TestStop(t *testing.T) {
	m, sess, clock := newTestMonitor(1)
	m.Stop()

	clock.Advance(time.Hour)
	if sess.lockCount() != 0 {
		t.Errorf("locks = %d after Stop", sess.lockCount())
	}
	sess.set(func(s *session.Session) { s.AutoLockMinutes = 3 })
	if clock.Pending() != 0 {
		t.Errorf("Stop() did not unsubscribe")
	}
}

func TestActivityString(t *testing.T) {
	if KeyPress.String() != "key_press" || Activity(99).String() != "unknown" {
		t.Error("unexpected Activity names")
	}
}
