// Package sched provides cancellable one-shot tasks.
//
// Every timer in knot (save debounce, auto-lock, lockout countdown, clipboard
// clearing) is scheduled through a Scheduler so the owner holds an explicit
// handle it can stop on teardown, and so tests can drive time by hand.
package sched

import (
	"sort"
	"sync"
	"time"
)

// Task is a handle to a scheduled function.
type Task interface {
	// Stop cancels the task. It reports whether the call prevented the
	// function from running.
	Stop() bool
}

// Scheduler runs fn once after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Task
}

// Real schedules on the wall clock using time.AfterFunc.
type Real struct{}

// AfterFunc implements Scheduler.
func (Real) AfterFunc(d time.Duration, fn func()) Task {
	return time.AfterFunc(d, fn)
}

// Fake is a manually advanced Scheduler. Due functions run synchronously
// inside Advance, in deadline order, on the caller's goroutine.
type Fake struct {
	mu    sync.Mutex
	now   time.Duration
	seq   uint64
	tasks []*fakeTask
}

type fakeTask struct {
	f        *Fake
	deadline time.Duration
	seq      uint64
	fn       func()
}

// NewFake returns a Fake whose clock starts at zero.
func NewFake() *Fake {
	return &Fake{}
}

// AfterFunc implements Scheduler.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d < 0 {
		d = 0
	}
	f.seq++
	t := &fakeTask{f: f, deadline: f.now + d, seq: f.seq, fn: fn}
	f.tasks = append(f.tasks, t)
	return t
}

// Stop implements Task.
func (t *fakeTask) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	return t.f.remove(t)
}

func (f *Fake) remove(t *fakeTask) bool {
	for i, other := range f.tasks {
		if other == t {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d, running every task that falls due.
// Tasks scheduled by a running task are honoured if they fall inside d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now + d
	for {
		next := f.nextDue(target)
		if next == nil {
			break
		}
		f.remove(next)
		f.now = next.deadline
		f.mu.Unlock()
		next.fn()
		f.mu.Lock()
	}
	f.now = target
	f.mu.Unlock()
}

func (f *Fake) nextDue(target time.Duration) *fakeTask {
	if len(f.tasks) == 0 {
		return nil
	}
	sort.Slice(f.tasks, func(i, j int) bool {
		if f.tasks[i].deadline != f.tasks[j].deadline {
			return f.tasks[i].deadline < f.tasks[j].deadline
		}
		return f.tasks[i].seq < f.tasks[j].seq
	})
	if f.tasks[0].deadline > target {
		return nil
	}
	return f.tasks[0]
}

// Now returns the elapsed fake time.
func (f *Fake) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Pending returns the number of scheduled, not yet run tasks.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}
