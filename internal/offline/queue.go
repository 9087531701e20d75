package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/slopeside/slopeside/internal/network"
)

// Config tunes the queue.
type Config struct {
	// MaxAttempts is the number of failed executions before an action is
	// given up. Zero means DefaultMaxAttempts.
	MaxAttempts int
}

// Status is the snapshot shown by status indicators.
type Status struct {
	IsOnline    bool `json:"isOnline"`
	IsSyncing   bool `json:"isSyncing"`
	QueueLength int  `json:"queueLength"`
}

// StatusWatch delivers the latest Status whenever it changes. Unread values
// are replaced, so a slow reader only ever sees the newest status.
type StatusWatch struct {
	ch   chan Status
	q    *Queue
	once sync.Once
}

// C returns the status channel. It is closed by Close.
func (w *StatusWatch) C() <-chan Status {
	return w.ch
}

// Close stops delivery. Safe to call more than once.
func (w *StatusWatch) Close() {
	w.once.Do(func() {
		w.q.watchMu.Lock()
		delete(w.q.watchers, w)
		w.q.watchMu.Unlock()
		close(w.ch)
	})
}

// Queue is the facade the rest of the app uses to record writes while offline
// and to observe sync progress.
type Queue struct {
	store    Store
	observer network.Observer
	coord    *Coordinator
	logger   *slog.Logger

	// mu serializes every read-modify-write of the persisted queue.
	mu     sync.Mutex
	length atomic.Int64

	watchMu  sync.Mutex
	watchers map[*StatusWatch]struct{}

	hookMu     sync.RWMutex
	passHooks  []func(PassSummary)
	giveUpHook []func(GiveUp)

	edgeSub *network.Subscription
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	now   func() time.Time
	newID func() string
}

// New creates a queue over store. Nothing is loaded and no sync is triggered
// until Start.
func New(cfg Config, store Store, exec Executor, observer network.Observer, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:    store,
		observer: observer,
		logger:   logger.With("component", "offline-queue"),
		watchers: make(map[*StatusWatch]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	q.coord = NewCoordinator(store, exec, &q.mu, cfg.MaxAttempts, Hooks{
		OnState:  func(State) { q.publish() },
		OnCommit: func(n int) { q.length.Store(int64(n)) },
		OnPass:   q.firePass,
		OnGiveUp: q.fireGiveUp,
	}, logger)
	return q
}

// Start loads the queue length and begins listening for reachability edges.
// If the device is already online a pass is started right away.
func (q *Queue) Start(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return nil
	}

	q.mu.Lock()
	actions, err := q.store.Load(ctx)
	q.mu.Unlock()
	if err != nil {
		q.running.Store(false)
		return fmt.Errorf("load queue: %w", err)
	}
	q.length.Store(int64(len(actions)))

	q.stopCh = make(chan struct{})
	q.coord.Start(ctx, q.observer)

	if q.observer != nil {
		// A second subscription keeps status watchers current on reconnect.
		q.edgeSub = q.observer.Subscribe()
		q.wg.Add(1)
		go q.relayEdges(q.edgeSub, q.stopCh)

		if q.observer.Online() {
			q.coord.Trigger("startup")
		}
	}

	q.logger.Info("offline queue started", "pending", len(actions))
	q.publish()
	return nil
}

// Stop releases subscriptions and waits for an in-flight pass to finish.
func (q *Queue) Stop() {
	if !q.running.CompareAndSwap(true, false) {
		return
	}
	close(q.stopCh)
	if q.edgeSub != nil {
		q.edgeSub.Close()
	}
	q.wg.Wait()
	q.coord.Stop()

	q.watchMu.Lock()
	watchers := make([]*StatusWatch, 0, len(q.watchers))
	for w := range q.watchers {
		watchers = append(watchers, w)
	}
	q.watchMu.Unlock()
	for _, w := range watchers {
		w.Close()
	}

	q.logger.Info("offline queue stopped")
}

func (q *Queue) relayEdges(sub *network.Subscription, stopCh chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case _, ok := <-sub.C():
			if !ok {
				return
			}
			q.publish()
		}
	}
}

// Enqueue appends a new action for p and persists it before returning.
// It does not start a sync.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (QueuedAction, error) {
	if err := Validate(p); err != nil {
		return QueuedAction{}, fmt.Errorf("enqueue: %w", err)
	}

	action := QueuedAction{
		ID:         q.newID(),
		Payload:    p,
		EnqueuedAt: q.now(),
	}

	q.mu.Lock()
	actions, err := q.store.Load(ctx)
	if err == nil {
		actions = append(actions, action)
		err = q.store.Save(ctx, actions)
	}
	if err == nil {
		q.length.Store(int64(len(actions)))
	}
	q.mu.Unlock()

	if err != nil {
		return QueuedAction{}, fmt.Errorf("enqueue %s: %w", p.Kind(), err)
	}

	q.logger.Debug("action enqueued", "id", action.ID, "kind", action.Kind(), "pending", len(actions))
	q.publish()
	return action, nil
}

// Len returns the number of persisted actions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	if q.running.Load() {
		return int(q.length.Load()), nil
	}
	actions, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(actions), nil
}

// Pending returns a copy of the persisted queue in order.
func (q *Queue) Pending(ctx context.Context) ([]QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	q.length.Store(int64(len(actions)))
	return actions, nil
}

// IsSyncing reports whether a pass is in flight.
func (q *Queue) IsSyncing() bool {
	return q.coord.State() == Syncing
}

// ForceSync starts a pass in the background. It is a no-op while a pass is
// already running.
func (q *Queue) ForceSync() bool {
	return q.coord.Trigger("forced")
}

// SyncNow runs a pass and waits for it to finish. If one is already running
// it waits for that pass instead.
func (q *Queue) SyncNow(ctx context.Context) (PassSummary, error) {
	return q.coord.Sync(ctx, "forced")
}

// Clear drops every pending action. A pass in flight keeps executing its
// snapshot but will not write cleared actions back.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	err := q.store.Save(ctx, nil)
	if err == nil {
		q.length.Store(0)
	}
	q.mu.Unlock()

	if err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	q.logger.Info("offline queue cleared")
	q.publish()
	return nil
}

// Status returns the current status snapshot.
func (q *Queue) Status() Status {
	online := false
	if q.observer != nil {
		online = q.observer.Online()
	}
	return Status{
		IsOnline:    online,
		IsSyncing:   q.IsSyncing(),
		QueueLength: int(q.length.Load()),
	}
}

// Watch subscribes to status changes. The current status is delivered
// immediately.
func (q *Queue) Watch() *StatusWatch {
	w := &StatusWatch{ch: make(chan Status, 1), q: q}
	w.ch <- q.Status()

	q.watchMu.Lock()
	q.watchers[w] = struct{}{}
	q.watchMu.Unlock()
	return w
}

// OnPass registers fn to receive the summary of every finished pass.
func (q *Queue) OnPass(fn func(PassSummary)) {
	q.hookMu.Lock()
	q.passHooks = append(q.passHooks, fn)
	q.hookMu.Unlock()
}

// OnGiveUp registers fn to receive every action that is dropped without
// succeeding.
func (q *Queue) OnGiveUp(fn func(GiveUp)) {
	q.hookMu.Lock()
	q.giveUpHook = append(q.giveUpHook, fn)
	q.hookMu.Unlock()
}

func (q *Queue) firePass(s PassSummary) {
	q.hookMu.RLock()
	hooks := q.passHooks
	q.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
}

func (q *Queue) fireGiveUp(g GiveUp) {
	q.hookMu.RLock()
	hooks := q.giveUpHook
	q.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(g)
	}
}

func (q *Queue) publish() {
	status := q.Status()

	q.watchMu.Lock()
	defer q.watchMu.Unlock()
	for w := range q.watchers {
		select {
		case <-w.ch:
		default:
		}
		select {
		case w.ch <- status:
		default:
		}
	}
}
