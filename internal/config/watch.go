package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store from disk whenever its backing file is written or
// created (e.g. a user hand-editing config.json while the daemon runs). The
// store's own saves trigger a reload too; that reload reads back what was
// just written. It blocks until ctx is done; run it in its own goroutine.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path {
				continue
			}
			if !(ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				continue
			}
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watch error", "err", err)
		}
	}
}

func (s *Store) reload() {
	fresh, err := Load(s.path)
	if err != nil {
		slog.Warn("config reload failed", "path", s.path, "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved = fresh.approved
	s.ignored = fresh.ignored
	s.policies = fresh.policies
	slog.Info("config reloaded from disk", "path", s.path)
}
