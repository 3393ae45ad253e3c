// Package pending buffers the unsaved edit of the open note and persists it
// after a quiet period.
//
// The tracker holds at most one edit. Every new edit for the same note
// replaces the buffered one and re-arms the debounce task; an edit for a
// different note first flushes the previous one. Flush persists whatever is
// buffered and returns only after the write has completed.
package pending

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pher-lab/knot/internal/sched"
)

// DefaultDelay is the quiet period before an edit is persisted.
const DefaultDelay = 500 * time.Millisecond

// ErrClosed is returned by Edit after Close.
var ErrClosed = errors.New("pending: tracker closed")

// Edit is the candidate title and content of a note.
type Edit struct {
	NoteID  string
	Title   string
	Content string
}

// Saver persists an edit.
type Saver interface {
	SaveEdit(ctx context.Context, e Edit) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, e Edit) error

// SaveEdit calls f.
func (f SaverFunc) SaveEdit(ctx context.Context, e Edit) error {
	return f(ctx, e)
}

// Tracker is the single-slot write buffer.
type Tracker struct {
	saver  Saver
	sched  sched.Scheduler
	delay  time.Duration
	logger *slog.Logger

	// writeMu serializes persistence so a flush waits for a debounced
	// write that is already running.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending *Edit
	gen     uint64
	task    sched.Task
	saving  bool
	closed  bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithScheduler sets the scheduler used for the debounce task.
func WithScheduler(s sched.Scheduler) Option {
	return func(t *Tracker) {
		t.sched = s
	}
}

// WithDelay overrides DefaultDelay.
func WithDelay(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.delay = d
		}
	}
}

// WithLogger sets the logger for background save failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// New returns a Tracker persisting through saver.
func New(saver Saver, opts ...Option) *Tracker {
	t := &Tracker{
		saver:  saver,
		sched:  sched.Real{},
		delay:  DefaultDelay,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Edit buffers e and (re)arms the debounce task. A pending edit for another
// note is flushed first; if that fails its error is returned, the previous
// edit stays buffered and e is not recorded.
func (t *Tracker) Edit(ctx context.Context, e Edit) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.pending != nil && t.pending.NoteID != e.NoteID {
		t.mu.Unlock()
		if err := t.Flush(ctx); err != nil {
			return err
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return ErrClosed
		}
	}
	defer t.mu.Unlock()

	t.gen++
	t.pending = &e
	if t.task != nil {
		t.task.Stop()
	}
	gen := t.gen
	t.task = t.sched.AfterFunc(t.delay, func() { t.fire(gen) })
	return nil
}

func (t *Tracker) fire(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.pending == nil {
		t.mu.Unlock()
		return
	}
	t.task = nil
	t.mu.Unlock()

	if err := t.persist(context.Background()); err != nil {
		t.logger.Warn("pending: debounced save failed", slog.String("error", err.Error()))
	}
}

// Flush cancels the debounce task and persists the buffered edit, waiting
// for completion. With nothing buffered it is a no-op.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.persist(ctx)
}

func (t *Tracker) persist(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if t.task != nil {
		t.task.Stop()
		t.task = nil
	}
	if t.pending == nil {
		t.mu.Unlock()
		return nil
	}
	edit := *t.pending
	gen := t.gen
	t.saving = true
	t.mu.Unlock()

	err := t.saver.SaveEdit(ctx, edit)

	t.mu.Lock()
	t.saving = false
	if err == nil && t.gen == gen {
		t.pending = nil
	}
	t.mu.Unlock()
	return err
}

// Pending returns the buffered edit, if any.
func (t *Tracker) Pending() (Edit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return Edit{}, false
	}
	return *t.pending, true
}

// Saving reports whether an edit is buffered or being written.
func (t *Tracker) Saving() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil || t.saving
}

// Discard drops the buffered edit for noteID, used when the note is deleted.
func (t *Tracker) Discard(noteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil || t.pending.NoteID != noteID {
		return
	}
	if t.task != nil {
		t.task.Stop()
		t.task = nil
	}
	t.pending = nil
	t.gen++
}

// Close flushes the buffered edit and refuses further edits.
func (t *Tracker) Close(ctx context.Context) error {
	err := t.Flush(ctx)
	t.mu.Lock()
	t.closed = true
	if t.task != nil {
		t.task.Stop()
		t.task = nil
	}
	t.mu.Unlock()
	return err
}
