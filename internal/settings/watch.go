package settings

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an editor produces on save.
const watchDebounce = 150 * time.Millisecond

// Watch reports external edits of settings.json until ctx is cancelled.
// fn receives the freshly loaded settings; unreadable files are logged and
// skipped. The directory is watched rather than the file so atomic
// replacements are seen.
func (s *Store) Watch(ctx context.Context, logger *slog.Logger, fn func(Settings)) error {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-fire:
			fire = nil
			loaded, err := s.Load(ctx)
			if err != nil {
				logger.Warn("settings: reload failed", slog.String("error", err.Error()))
				continue
			}
			fn(loaded)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("settings: watcher error", slog.String("error", werr.Error()))
		}
	}
}
