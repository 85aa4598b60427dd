package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls the config file and reports edits through a callback so the
// router can hot-swap its provider catalog and selection defaults without a
// restart. An edit that fails validation is logged and skipped; the last
// valid config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it for changes in a
// background goroutine. Call [Watcher.Stop] to end polling.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.refresh(false); err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.refresh(true); err != nil {
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// refresh re-reads the file when its mtime moved, swaps in the parsed config
// when the content actually differs, and fires the callback outside the lock.
func (w *Watcher) refresh(notify bool) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	seen := w.mtime
	w.mu.Unlock()
	if notify && info.ModTime().Equal(seen) {
		return nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return err
	}

	w.mu.Lock()
	if sum == w.sum {
		// Touched but unchanged.
		w.mtime = info.ModTime()
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current = cfg
	w.sum = sum
	w.mtime = info.ModTime()
	w.mu.Unlock()

	if notify {
		slog.Info("configuration reloaded", "path", w.path)
		if w.onChange != nil {
			w.onChange(old, cfg)
		}
	}
	return nil
}
