// Package mobile is the shared core behind the Android and iOS bindings. It
// wires the offline queue to a file-backed store, the remote data service and
// a network monitor fed by the host OS.
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/slopeside/slopeside/internal/kv"
	"github.com/slopeside/slopeside/internal/network"
	"github.com/slopeside/slopeside/internal/offline"
	"github.com/slopeside/slopeside/internal/remote"
)

// ExecuteTimeout bounds a single remote call made by the mobile engine.
const ExecuteTimeout = 15 * time.Second

// StatusListener receives status JSON on every change. Implemented by the
// host app (Kotlin or Swift).
type StatusListener interface {
	OnStatus(statusJSON string)
}

// Engine owns the queue and its collaborators for one app process.
type Engine struct {
	platform string
	logger   *slog.Logger
	store    kv.Store
	monitor  *network.Monitor
	queue    *offline.Queue

	mu       sync.Mutex
	running  bool
	closed   bool
	cancel   context.CancelFunc
	watch    *offline.StatusWatch
	listener StatusListener
	wg       sync.WaitGroup
}

// NewEngine opens the queue under dataDir and connects it to the remote
// service at remoteURL.
func NewEngine(platform, dataDir, remoteURL, token, logLevel string) (*Engine, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("%s: dataDir is required", platform)
	}
	if remoteURL == "" {
		return nil, fmt.Errorf("%s: remoteURL is required", platform)
	}

	logger := NewLogger(logLevel).With("platform", platform)

	store, err := kv.Open(kv.BackendFile, filepath.Join(dataDir, "queue"))
	if err != nil {
		return nil, fmt.Errorf("%s: open queue store: %w", platform, err)
	}

	svc := remote.NewService(remote.NewClient(remoteURL, token, logger), logger)
	exec := offline.NewRemoteExecutor(svc, ExecuteTimeout, logger)
	return NewEngineWith(platform, store, exec, logger), nil
}

// NewEngineWith builds an engine from explicit collaborators.
func NewEngineWith(platform string, store kv.Store, exec offline.Executor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	monitor := network.NewMonitor(logger)
	return &Engine{
		platform: platform,
		logger:   logger,
		store:    store,
		monitor:  monitor,
		queue:    offline.New(offline.Config{}, offline.NewKVStore(store), exec, monitor, logger),
	}
}

// NewLogger returns a JSON logger on stderr, which both logcat and the Xcode
// console capture.
func NewLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Start loads the queue and begins reacting to network changes. It is safe to
// call Start multiple times; subsequent calls are no-ops.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if e.closed {
		return fmt.Errorf("%s: engine was stopped", e.platform)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.queue.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("%s: %w", e.platform, err)
	}
	e.cancel = cancel
	e.running = true

	if e.listener != nil {
		e.startRelay()
	}
	e.logger.Info("mobile engine started")
	return nil
}

// Stop waits for an in-flight pass and releases the store. A stopped engine
// cannot be started again.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.closed = true
	watch := e.watch
	e.watch = nil
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if watch != nil {
		watch.Close()
	}
	e.queue.Stop()
	cancel()
	e.wg.Wait()

	e.logger.Info("mobile engine stopped")
	return e.store.Close()
}

// SetStatusListener registers l for status updates, replacing any previous
// listener. A nil listener stops delivery.
func (e *Engine) SetStatusListener(l StatusListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watch != nil {
		e.watch.Close()
		e.watch = nil
	}
	e.listener = l
	if e.running && l != nil {
		e.startRelay()
	}
}

// startRelay must be called with e.mu held.
func (e *Engine) startRelay() {
	watch := e.queue.Watch()
	e.watch = watch
	l := e.listener

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for st := range watch.C() {
			l.OnStatus(encodeStatus(st))
		}
	}()
}

// Enqueue records an action of kind with its JSON payload and returns the new
// action ID.
func (e *Engine) Enqueue(kind, payloadJSON string) (string, error) {
	k := offline.Kind(kind)
	if !k.Known() {
		return "", fmt.Errorf("%s: unknown action kind %q", e.platform, kind)
	}
	p, err := offline.DecodePayload(k, json.RawMessage(payloadJSON))
	if err != nil {
		return "", fmt.Errorf("%s: decode %s payload: %w", e.platform, kind, err)
	}
	action, err := e.queue.Enqueue(context.Background(), p)
	if err != nil {
		return "", err
	}
	return action.ID, nil
}

// QueueLength returns the number of pending actions, or -1 if the store
// cannot be read.
func (e *Engine) QueueLength() int {
	n, err := e.queue.Len(context.Background())
	if err != nil {
		e.logger.Error("read queue length", "error", err)
		return -1
	}
	return n
}

// SetNetworkState records a connectivity sample from the host OS. A change
// from unreachable to reachable starts a sync pass.
func (e *Engine) SetNetworkState(link, internet bool) {
	e.monitor.Update(network.State{Link: link, Internet: internet})
}

// IsOnline reports the last network state pushed by the host.
func (e *Engine) IsOnline() bool {
	return e.monitor.Online()
}

// IsSyncing reports whether a pass is in flight.
func (e *Engine) IsSyncing() bool {
	return e.queue.IsSyncing()
}

// ForceSync starts a pass in the background. It returns false if a pass was
// already running.
func (e *Engine) ForceSync() bool {
	return e.queue.ForceSync()
}

// SyncNow runs a pass bounded by timeout and returns its summary.
func (e *Engine) SyncNow(timeout time.Duration) (offline.PassSummary, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.queue.SyncNow(ctx)
}

// Clear drops every pending action.
func (e *Engine) Clear() error {
	return e.queue.Clear(context.Background())
}

// StatusJSON returns the current status as JSON.
func (e *Engine) StatusJSON() string {
	return encodeStatus(e.queue.Status())
}

func encodeStatus(st offline.Status) string {
	data, _ := json.Marshal(st)
	return string(data)
}
