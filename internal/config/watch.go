package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and hands the result to onChange.
// It watches the parent directory so editors that replace the file are noticed.
// Invalid files are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, errNew := fsnotify.NewWatcher()
	if errNew != nil {
		return fmt.Errorf("config: create watcher: %w", errNew)
	}
	defer func() { _ = watcher.Close() }()

	absPath, errAbs := filepath.Abs(path)
	if errAbs != nil {
		return fmt.Errorf("config: resolve %s: %w", path, errAbs)
	}
	if errAdd := watcher.Add(filepath.Dir(absPath)); errAdd != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(absPath), errAdd)
	}
	log.Infof("config watcher started (path=%s)", absPath)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			cfg, errLoad := Load(absPath)
			if errLoad != nil {
				log.WithError(errLoad).Warn("config reload skipped")
				continue
			}
			log.Info("config reloaded")
			onChange(cfg)
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(errWatch).Warn("config watcher error")
		}
	}
}
