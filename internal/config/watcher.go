package config

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and calls onChange when its modification time
// or size changes.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func()
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	lastMod  time.Time
	lastSize int64
}

// NewWatcher creates a config file watcher that polls for changes.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
		stop:     make(chan struct{}),
	}
}

// Start begins polling for file changes in a goroutine.
func (w *Watcher) Start() {
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
		w.lastSize = info.Size()
	}

	w.wg.Add(1)
	go w.poll()
	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)
}

// Stop stops the watcher and waits for a running onChange to return.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
		w.logger.Info("config watcher stopped")
	})
}

func (w *Watcher) poll() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("cannot stat config file", "path", w.path, "error", err)
		return
	}

	if info.ModTime().Equal(w.lastMod) && info.Size() == w.lastSize {
		return
	}
	w.logger.Info("config file changed", "path", w.path, "modTime", info.ModTime())
	w.lastMod = info.ModTime()
	w.lastSize = info.Size()
	if w.onChange != nil {
		w.onChange()
	}
}
