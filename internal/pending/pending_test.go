package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pher-lab/knot/internal/sched"
)

type recordingSaver struct {
	mu    sync.Mutex
	saved []Edit
	err   error
}

func (r *recordingSaver) SaveEdit(_ context.Context, e Edit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, e)
	return nil
}

func (r *recordingSaver) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recordingSaver) edits() []Edit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Edit(nil), r.saved...)
}

func newTestTracker() (*Tracker, *recordingSaver, *sched.Fake) {
	saver := &recordingSaver{}
	clock := sched.NewFake()
	return New(saver, WithScheduler(clock)), saver, clock
}

func TestEditDebounces(t *testing.T) {
	tr, saver, clock := newTestTracker()
	ctx := context.Background()

	for _, content := range []string{"h", "he", "hel"} {
		if err := tr.Edit(ctx, Edit{NoteID: "a", Title: "A", Content: content}); err != nil {
			t.Fatalf("Edit() error = %v", err)
		}
		clock.Advance(300 * time.Millisecond)
	}
	if got := len(saver.edits()); got != 0 {
		t.Fatalf("saved %d edits before quiet period, want 0", got)
	}
	if !tr.Saving() {
		t.Error("Saving() = false with a buffered edit")
	}

	clock.Advance(200 * time.Millisecond)

	saved := saver.edits()
	if len(saved) != 1 || saved[0].Content != "hel" {
		t.Fatalf("saved = %+v, want single edit with last content", saved)
	}
	if _, ok := tr.Pending(); ok {
		t.Error("Pending() reports an edit after save")
	}
	if tr.Saving() {
		t.Error("Saving() = true after save")
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	tr, saver, clock := newTestTracker()
	ctx := context.Background()

	if err := tr.Edit(ctx, Edit{NoteID: "a", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}
	// the cancelled debounce must not write the edit again
	clock.Advance(time.Second)

	if got := len(saver.edits()); got != 1 {
		t.Fatalf("saved %d times, want 1", got)
	}
	if clock.Pending() != 0 {
		t.Errorf("scheduler still holds %d tasks", clock.Pending())
	}
}

func TestFlushWithNothingPending(t *testing.T) {
	tr, saver, _ := newTestTracker()
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(saver.edits()) != 0 {
		t.Error("Flush() persisted with nothing pending")
	}
}

func TestEditOtherNoteFlushesPrevious(t *testing.T) {
	tr, saver, clock := newTestTracker()
	ctx := context.Background()

	if err := tr.Edit(ctx, Edit{NoteID: "a", Content: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Edit(ctx, Edit{NoteID: "b", Content: "second"}); err != nil {
		t.Fatal(err)
	}

	saved := saver.edits()
	if len(saved) != 1 || saved[0].NoteID != "a" {
		t.Fatalf("saved = %+v, want note a flushed on switch", saved)
	}

	clock.Advance(DefaultDelay)
	saved = saver.edits()
	if len(saved) != 2 || saved[1].NoteID != "b" {
		t.Fatalf("saved = %+v, want note b after debounce", saved)
	}
}

func TestEditOtherNoteFlushFailureKeepsPrevious(t *testing.T) {
	tr, saver, _ := newTestTracker()
	ctx := context.Background()

	if err := tr.Edit(ctx, Edit{NoteID: "a", Content: "keep me"}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("disk full")
	saver.setErr(boom)

	if err := tr.Edit(ctx, Edit{NoteID: "b", Content: "new"}); !errors.Is(err, boom) {
		t.Fatalf("Edit() error = %v, want %v", err, boom)
	}
	got, ok := tr.Pending()
	if !ok || got.NoteID != "a" || got.Content != "keep me" {
		t.Fatalf("Pending() = %+v, %v; want note a kept", got, ok)
	}
}

func TestFailedSaveStaysPending(t *testing.T) {
	tr, saver, clock := newTestTracker()
	ctx := context.Background()
	saver.setErr(errors.New("vault locked"))

	if err := tr.Edit(ctx, Edit{NoteID: "a", Content: "draft"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultDelay)

	if _, ok := tr.Pending(); !ok {
		t.Fatal("edit dropped after failed debounced save")
	}

	saver.setErr(nil)
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	saved := saver.edits()
	if len(saved) != 1 || saved[0].Content != "draft" {
		t.Fatalf("saved = %+v", saved)
	}
}

func TestDiscard(t *testing.T) {
	tr, saver, clock := newTestTracker()
	ctx := context.Background()

	if err := tr.Edit(ctx, Edit{NoteID: "a", Content: "gone"}); err != nil {
		t.Fatal(err)
	}
	tr.Discard("other")
	if _, ok := tr.Pending(); !ok {
		t.Fatal("Discard() of another note dropped the edit")
	}

	tr.Discard("a")
	clock.Advance(time.Second)
	if len(saver.edits()) != 0 {
		t.Error("discarded edit was persisted")
	}
}

func TestClose(t *testing.T) {
	tr, saver, _ := newTestTracker()
	ctx := context.Background()

	if err := tr.Edit(ctx, Edit{NoteID: "a", Content: "last"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(saver.edits()) != 1 {
		t.Error("Close() did not flush")
	}
	if err := tr.Edit(ctx, Edit{NoteID: "a"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Edit() after Close error = %v, want ErrClosed", err)
	}
}

func TestFlushWaitsForRunningSave(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var saves int
	saver := SaverFunc(func(context.Context, Edit) error {
		mu.Lock()
		saves++
		first := saves == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		return nil
	})
	clock := sched.NewFake()
	tr := New(saver, WithScheduler(clock))
	ctx := context.Background()

	if err := tr.Edit(ctx, Edit{NoteID: "a", Content: "slow"}); err != nil {
		t.Fatal(err)
	}
	go clock.Advance(DefaultDelay)
	<-started

	flushed := make(chan error, 1)
	go func() { flushed <- tr.Flush(ctx) }()

	select {
	case <-flushed:
		t.Fatal("Flush() returned while a save was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-flushed; err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if saves != 1 {
		t.Errorf("saves = %d, want 1", saves)
	}
}
