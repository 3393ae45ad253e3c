// Package clipboard copies text to the system clipboard and clears it again
// after a delay.
package clipboard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/pher-lab/knot/internal/sched"
)

// DefaultClearAfter is how long copied text stays on the clipboard.
const DefaultClearAfter = 30 * time.Second

// Clipboard reads and writes clipboard text.
type Clipboard interface {
	WriteAll(text string) error
	ReadAll() (string, error)
}

// System is the OS clipboard.
type System struct{}

// WriteAll implements Clipboard.
func (System) WriteAll(text string) error { return clipboard.WriteAll(text) }

// ReadAll implements Clipboard.
func (System) ReadAll() (string, error) { return clipboard.ReadAll() }

// Available reports whether the OS clipboard can be used.
func Available() bool {
	return !clipboard.Unsupported
}

// Clearer copies text and clears it after a delay, unless something else
// has been copied in the meantime.
type Clearer struct {
	cb     Clipboard
	sched  sched.Scheduler
	after  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending sched.Task
	copied  string
}

// NewClearer returns a Clearer. A zero after disables clearing.
func NewClearer(cb Clipboard, s sched.Scheduler, after time.Duration, logger *slog.Logger) *Clearer {
	if s == nil {
		s = sched.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clearer{cb: cb, sched: s, after: after, logger: logger}
}

// Copy writes text and schedules its removal.
func (c *Clearer) Copy(text string) error {
	if err := c.cb.WriteAll(text); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.copied = text
	if c.after > 0 {
		c.pending = c.sched.AfterFunc(c.after, c.clearIfUnchanged)
	}
	return nil
}

// Clear empties the clipboard now if it still holds the last copied text,
// and cancels the scheduled clear.
func (c *Clearer) Clear() {
	c.mu.Lock()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.mu.Unlock()
	c.clearIfUnchanged()
}

func (c *Clearer) clearIfUnchanged() {
	c.mu.Lock()
	text := c.copied
	c.copied = ""
	c.pending = nil
	c.mu.Unlock()
	if text == "" {
		return
	}

	current, err := c.cb.ReadAll()
	if err != nil {
		c.logger.Debug("clipboard: read failed", slog.String("error", err.Error()))
		return
	}
	if current != text {
		return
	}
	if err := c.cb.WriteAll(""); err != nil {
		c.logger.Debug("clipboard: clear failed", slog.String("error", err.Error()))
	}
}
