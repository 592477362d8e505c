package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc receives settings loaded after the watched file changed.
type ReloadFunc func(s *Settings, report ImportReport)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce coalesces bursts of write events (default: 200ms).
	Debounce time.Duration
	Logger   *zap.Logger
}

// Watcher reloads a settings file whenever it changes on disk. Editors that
// replace the file via rename are handled by watching the parent directory.
type Watcher struct {
	path     string
	onReload ReloadFunc
	debounce time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher

	mu     sync.Mutex
	closed bool
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onReload ReloadFunc, opts *WatcherOptions) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		path:     absPath,
		onReload: onReload,
		debounce: 200 * time.Millisecond,
		logger:   zap.NewNop(),
		watcher:  fw,
	}
	if opts != nil {
		if opts.Debounce > 0 {
			w.debounce = opts.Debounce
		}
		if opts.Logger != nil {
			w.logger = opts.Logger
		}
	}
	w.logger = w.logger.With(zap.String("component", "settings-watcher"), zap.String("path", absPath))
	return w, nil
}

// Run watches until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	defer w.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	s, report, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("settings reload failed, keeping previous settings", zap.Error(err))
		return
	}
	for _, skipped := range report.Skipped {
		w.logger.Warn("rule skipped on reload",
			zap.Int("index", skipped.Index),
			zap.String("rule_id", skipped.ID),
			zap.String("reason", skipped.Reason),
		)
	}
	w.logger.Info("settings reloaded", zap.Int("rules", report.Imported))
	w.onReload(s, report)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}
