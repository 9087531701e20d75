package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slopeside/slopeside/internal/network"
)

// DefaultMaxAttempts is the number of failed executions after which an
// action is given up.
const DefaultMaxAttempts = 3

// State is the coordinator's sync state.
type State int

const (
	Idle State = iota
	Syncing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// Hooks are invoked by the coordinator as a pass progresses. Any of them may
// be nil. They run on the pass goroutine and must not block.
type Hooks struct {
	OnState  func(State)
	OnCommit func(length int)
	OnPass   func(PassSummary)
	OnGiveUp func(GiveUp)
}

// pass is the handle of an in-flight sync pass. done is closed once summary
// is final.
type pass struct {
	done    chan struct{}
	summary PassSummary
}

// Coordinator drains the persisted queue against an Executor. At most one
// pass runs at a time; triggers that arrive during a pass collapse into it.
type Coordinator struct {
	store       Store
	exec        Executor
	queueLock   sync.Locker
	maxAttempts int
	hooks       Hooks
	logger      *slog.Logger

	mu      sync.Mutex
	current *pass
	baseCtx context.Context
	sub     *network.Subscription
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	stopped bool
}

// NewCoordinator creates an idle coordinator. queueLock must be the same lock
// every other writer of store holds around its read-modify-write cycle.
func NewCoordinator(store Store, exec Executor, queueLock sync.Locker, maxAttempts int, hooks Hooks, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{
		store:       store,
		exec:        exec,
		queueLock:   queueLock,
		maxAttempts: maxAttempts,
		hooks:       hooks,
		logger:      logger.With("component", "coordinator"),
		baseCtx:     context.Background(),
	}
}

// State returns Syncing while a pass is in flight.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return Syncing
	}
	return Idle
}

// Start subscribes to reachability edges from observer and triggers a pass on
// each one. The subscription is held until Stop.
func (c *Coordinator) Start(ctx context.Context, observer network.Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopped = false
	c.baseCtx = context.WithoutCancel(ctx)
	c.stopCh = make(chan struct{})

	if observer == nil {
		return
	}
	c.sub = observer.Subscribe()

	c.wg.Add(1)
	go c.watch(ctx, c.sub, c.stopCh)
}

// Stop releases the reachability subscription and waits for any in-flight
// pass to finish. Passes are never cut short. Triggers after Stop are
// ignored until the next Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	if !c.running {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.running = false
	close(c.stopCh)
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) watch(ctx context.Context, sub *network.Subscription, stopCh chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case _, ok := <-sub.C():
			if !ok {
				return
			}
			c.Trigger("reachable")
		}
	}
}

// Trigger starts a pass in the background unless one is already running or
// the coordinator has been stopped. It reports whether a new pass was started.
func (c *Coordinator) Trigger(reason string) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Debug("coordinator stopped, trigger ignored", "reason", reason)
		return false
	}
	p, started := c.beginLocked()
	if !started {
		c.mu.Unlock()
		c.logger.Debug("sync already in flight, trigger collapsed", "reason", reason)
		return false
	}
	ctx := c.baseCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.run(ctx, p, reason)
	}()
	return true
}

// Sync runs a pass on the calling goroutine. If a pass is already in flight
// it waits for that pass instead and returns its summary.
func (c *Coordinator) Sync(ctx context.Context, reason string) (PassSummary, error) {
	p, started := c.begin()
	if started {
		c.run(context.WithoutCancel(ctx), p, reason)
		return p.summary, nil
	}

	select {
	case <-p.done:
		return p.summary, nil
	case <-ctx.Done():
		return PassSummary{}, ctx.Err()
	}
}

// begin moves Idle to Syncing. When a pass is already in flight it returns
// that pass and false.
func (c *Coordinator) begin() (*pass, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked()
}

func (c *Coordinator) beginLocked() (*pass, bool) {
	if c.current != nil {
		return c.current, false
	}
	p := &pass{done: make(chan struct{})}
	c.current = p
	return p, true
}

func (c *Coordinator) run(ctx context.Context, p *pass, reason string) {
	if c.hooks.OnState != nil {
		c.hooks.OnState(Syncing)
	}

	summary := c.drain(ctx, reason)

	c.mu.Lock()
	p.summary = summary
	c.current = nil
	c.mu.Unlock()
	close(p.done)

	if c.hooks.OnPass != nil {
		c.hooks.OnPass(summary)
	}
	if c.hooks.OnState != nil {
		c.hooks.OnState(Idle)
	}
}

// drain executes one pass over a snapshot of the queue and commits the
// residual queue. Completed actions are only forgotten by the final Save.
func (c *Coordinator) drain(ctx context.Context, reason string) (summary PassSummary) {
	summary = PassSummary{Started: time.Now(), Reason: reason}
	defer func() { summary.Duration = time.Since(summary.Started) }()

	c.queueLock.Lock()
	snapshot, err := c.store.Load(ctx)
	c.queueLock.Unlock()
	if err != nil {
		summary.Err = err.Error()
		c.logger.Error("sync pass aborted: cannot load queue", "error", err)
		return summary
	}
	if len(snapshot) == 0 {
		c.logger.Debug("sync pass skipped: queue empty", "reason", reason)
		return summary
	}

	c.logger.Info("sync pass started", "reason", reason, "actions", len(snapshot))

	survivors := make(map[string]QueuedAction)
	done := make(map[string]bool, len(snapshot))
	var lost []GiveUp

	for _, action := range snapshot {
		summary.Attempted++
		err := c.execute(ctx, action)

		switch {
		case err == nil:
			summary.Succeeded++
			done[action.ID] = true

		case errors.Is(err, ErrUnknownKind), errors.Is(err, ErrUndecodable):
			summary.GaveUp++
			done[action.ID] = true
			lost = append(lost, newGiveUp(action, err))

		default:
			action.RetryCount++
			if action.RetryCount >= c.maxAttempts {
				summary.GaveUp++
				done[action.ID] = true
				lost = append(lost, newGiveUp(action, err))
				continue
			}
			summary.Retained++
			survivors[action.ID] = action
			c.logger.Debug("action failed, will retry next pass",
				"id", action.ID,
				"kind", action.Kind(),
				"attempt", action.RetryCount,
				"max_attempts", c.maxAttempts,
				"error", err)
		}
	}

	remaining, err := c.commit(ctx, survivors, done)
	if err != nil {
		summary.Err = err.Error()
		c.logger.Error("sync pass not committed, queue left unchanged", "error", err)
		return summary
	}
	summary.Remaining = remaining

	for _, g := range lost {
		c.logger.Warn("action given up",
			"id", g.ID,
			"kind", g.Kind,
			"attempts", g.Attempts,
			"enqueued_at", g.EnqueuedAt,
			"payload_digest", g.Digest,
			"payload", g.Summary,
			"reason", g.Reason)
		if c.hooks.OnGiveUp != nil {
			c.hooks.OnGiveUp(g)
		}
	}

	c.logger.Info("sync pass complete",
		"reason", reason,
		"attempted", summary.Attempted,
		"succeeded", summary.Succeeded,
		"retained", summary.Retained,
		"gave_up", summary.GaveUp,
		"remaining", remaining)
	return summary
}

// execute runs action unless its stored payload could not be decoded, in
// which case it fails with ErrUndecodable without reaching the executor.
func (c *Coordinator) execute(ctx context.Context, action QueuedAction) error {
	if u, ok := action.Payload.(UnknownPayload); ok && u.Err != nil {
		return fmt.Errorf("%w: %w", ErrUndecodable, u.Err)
	}
	return c.exec.Execute(ctx, action)
}

// commit rewrites the persisted queue: finished actions are removed,
// survivors carry their new retry counts, and actions enqueued during the
// pass are kept in place. Actions cleared during the pass stay cleared.
func (c *Coordinator) commit(ctx context.Context, survivors map[string]QueuedAction, done map[string]bool) (int, error) {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()

	current, err := c.store.Load(ctx)
	if err != nil {
		return 0, err
	}

	residual := make([]QueuedAction, 0, len(current))
	for _, action := range current {
		if done[action.ID] {
			continue
		}
		if s, ok := survivors[action.ID]; ok {
			residual = append(residual, s)
			continue
		}
		residual = append(residual, action)
	}

	if err := c.store.Save(ctx, residual); err != nil {
		return 0, err
	}
	if c.hooks.OnCommit != nil {
		c.hooks.OnCommit(len(residual))
	}
	return len(residual), nil
}
