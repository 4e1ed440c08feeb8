package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle is how long Watch waits after the last event on the config file
// before reloading it. An editor save is usually several events.
const settle = 100 * time.Millisecond

// Watch reloads path whenever it changes on disk and passes the new Config to
// onChange. It watches the parent directory, so saves that replace the file
// are seen too. A file that no longer loads, or that loads to the settings
// already in effect, is not passed on. Watch runs until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)
	current, err := Load(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	slog.Info("config: watching for changes", "path", path)

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(settle)

		case <-timer.C:
			next, err := Load(path)
			if err != nil {
				slog.Error("config: reload rejected, keeping current settings", "path", path, "err", err)
				continue
			}
			if reflect.DeepEqual(current, next) {
				slog.Debug("config: file touched, settings unchanged", "path", path)
				continue
			}
			current = next
			slog.Info("config: reloaded", "path", path,
				"sync_interval", next.Sync.Interval, "log_level", next.Log.Level)
			onChange(next)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
