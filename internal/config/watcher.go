package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// DefaultWatchDebounce coalesces the bursts of events editors emit on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes and hands every valid
// result to a callback. Invalid files are logged and ignored, so the last
// good configuration stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path. The directory is watched rather
// than the file so that atomic renames by editors are seen.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.ConfigError("invalid config path", err).WithDetail("path", path)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.IOError("failed to create config watcher", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, errors.IOError("failed to watch config directory", err).WithDetail("path", abs)
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start processes events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				_ = w.Stop()
				return
			case <-w.stopCh:
				return
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.schedule()
				}
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				slog.Warn("config_watch_error", slog.String("error", err.Error()))
			}
		}
	}()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		attrs := []any{slog.String("path", w.path)}
		for k, v := range errors.FormatForLog(err) {
			attrs = append(attrs, slog.Any(k, v))
		}
		slog.Warn("config_reload_rejected", attrs...)
		return
	}

	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	slog.Info("config_reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}

// Stop stops watching. Safe to call multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.stopCh)
	w.mu.Unlock()

	return w.fsw.Close()
}

// Wait blocks until the event loop has exited.
func (w *Watcher) Wait() {
	w.wg.Wait()
}
