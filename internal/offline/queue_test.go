package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slopeside/slopeside/internal/kv"
	"github.com/slopeside/slopeside/internal/network"
	"github.com/slopeside/slopeside/internal/remote"
)

// mockExecutor records executions and fails actions whose ID is listed in
// fail. When gate is set every call blocks until gate is closed.
type mockExecutor struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]error
	failAll  error
	gate     chan struct{}
	started  chan struct{}
	startOne sync.Once
}

func (m *mockExecutor) Execute(ctx context.Context, a QueuedAction) error {
	if m.started != nil {
		m.startOne.Do(func() { close(m.started) })
	}
	if m.gate != nil {
		<-m.gate
	}
	if !a.Kind().Known() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, a.ID)
	if m.failAll != nil {
		return m.failAll
	}
	if err, ok := m.fail[a.ID]; ok {
		return err
	}
	return nil
}

func (m *mockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// countingStore wraps a Store and can be told to fail.
type countingStore struct {
	Store
	loads    atomic.Int32
	failLoad atomic.Bool
	failSave atomic.Bool
}

func (s *countingStore) Load(ctx context.Context) ([]QueuedAction, error) {
	s.loads.Add(1)
	if s.failLoad.Load() {
		return nil, fmt.Errorf("%w: disk unavailable", ErrStorage)
	}
	return s.Store.Load(ctx)
}

func (s *countingStore) Save(ctx context.Context, actions []QueuedAction) error {
	if s.failSave.Load() {
		return fmt.Errorf("%w: disk full", ErrStorage)
	}
	return s.Store.Save(ctx, actions)
}

func newTestQueue(t *testing.T, exec Executor, observer network.Observer) (*Queue, *countingStore) {
	t.Helper()
	store := &countingStore{Store: NewKVStore(kv.NewMemory())}
	q := New(Config{}, store, exec, observer, nil)
	seq := 0
	q.newID = func() string {
		seq++
		return fmt.Sprintf("a%d", seq)
	}
	return q, store
}

func join(event string) JoinEventPayload {
	return JoinEventPayload{EventID: event, UserID: "u1"}
}

func ids(actions []QueuedAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mustEnqueue(t *testing.T, q *Queue, p Payload) QueuedAction {
	t.Helper()
	a, err := q.Enqueue(context.Background(), p)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return a
}

func TestQueue_EnqueuePersistsInOrder(t *testing.T) {
	q, _ := newTestQueue(t, &mockExecutor{}, nil)
	ctx := context.Background()

	for _, ev := range []string{"e1", "e2", "e3"} {
		a := mustEnqueue(t, q, join(ev))
		if a.RetryCount != 0 {
			t.Errorf("new action has retryCount %d", a.RetryCount)
		}
		if a.EnqueuedAt.IsZero() {
			t.Error("new action has no enqueue time")
		}
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if got := ids(pending); !equalStrings(got, []string{"a1", "a2", "a3"}) {
		t.Errorf("pending = %v", got)
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}
}

func TestQueue_EnqueueRejectsInvalidPayload(t *testing.T) {
	q, _ := newTestQueue(t, &mockExecutor{}, nil)

	if _, err := q.Enqueue(context.Background(), JoinEventPayload{EventID: "e1"}); err == nil {
		t.Error("expected error for missing userId")
	}
	if _, err := q.Enqueue(context.Background(), UnknownPayload{Tag: "rate-run"}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestSync_DrainsInFIFOOrder(t *testing.T) {
	exec := &mockExecutor{}
	q, _ := newTestQueue(t, exec, nil)
	ctx := context.Background()

	mustEnqueue(t, q, join("e1"))
	mustEnqueue(t, q, LeaveEventPayload{EventID: "e2", UserID: "u1"})
	mustEnqueue(t, q, UpdateProfilePayload{UserID: "u1", Fields: map[string]any{"bio": "pow day"}})

	summary, err := q.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if got := exec.Calls(); !equalStrings(got, []string{"a1", "a2", "a3"}) {
		t.Errorf("execution order = %v", got)
	}
	if summary.Attempted != 3 || summary.Succeeded != 3 || summary.Remaining != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestSync_EmptyQueueIsNoop(t *testing.T) {
	exec := &mockExecutor{}
	q, _ := newTestQueue(t, exec, nil)

	summary, err := q.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if summary.Attempted != 0 || len(exec.Calls()) != 0 {
		t.Errorf("expected nothing to run, got %+v", summary)
	}
	if q.IsSyncing() {
		t.Error("should be idle after pass")
	}
}

func TestSync_PartialFailureKeepsFailedAction(t *testing.T) {
	exec := &mockExecutor{fail: map[string]error{"a2": errors.New("503")}}
	q, _ := newTestQueue(t, exec, nil)
	ctx := context.Background()

	mustEnqueue(t, q, join("e1"))
	mustEnqueue(t, q, join("e2"))
	mustEnqueue(t, q, join("e3"))

	summary, err := q.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if got := exec.Calls(); !equalStrings(got, []string{"a1", "a2", "a3"}) {
		t.Errorf("a failure must not stop the pass, calls = %v", got)
	}
	if summary.Succeeded != 2 || summary.Retained != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}

	pending, _ := q.Pending(ctx)
	if len(pending) != 1 || pending[0].ID != "a2" || pending[0].RetryCount != 1 {
		t.Fatalf("expected only a2 with retryCount 1, got %+v", pending)
	}
}

func TestSync_GivesUpAfterThreeAttempts(t *testing.T) {
	exec := &mockExecutor{failAll: errors.New("timeout")}
	q, _ := newTestQueue(t, exec, nil)
	ctx := context.Background()

	var gaveUp []GiveUp
	q.OnGiveUp(func(g GiveUp) { gaveUp = append(gaveUp, g) })

	mustEnqueue(t, q, join("e1"))

	for pass := 1; pass <= 2; pass++ {
		if _, err := q.SyncNow(ctx); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		pending, _ := q.Pending(ctx)
		if len(pending) != 1 || pending[0].RetryCount != pass {
			t.Fatalf("after pass %d: %+v", pass, pending)
		}
	}

	summary, err := q.SyncNow(ctx)
	if err != nil {
		t.Fatalf("pass 3: %v", err)
	}
	if summary.GaveUp != 1 {
		t.Errorf("expected give-up on third failure, got %+v", summary)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len = %d after give-up", n)
	}
	if len(exec.Calls()) != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", len(exec.Calls()))
	}
	if len(gaveUp) != 1 || gaveUp[0].ID != "a1" || gaveUp[0].Attempts != 3 || gaveUp[0].Digest == "" {
		t.Errorf("unexpected give-up report %+v", gaveUp)
	}

	// Further passes have nothing left to try.
	q.SyncNow(ctx)
	if len(exec.Calls()) != 3 {
		t.Error("given-up action was executed again")
	}
}

func TestSync_UnknownKindDroppedWithoutRetry(t *testing.T) {
	mem := kv.NewMemory()
	raw := `[
		{"id":"x1","kind":"rate-run","payload":{"runId":"r9","stars":5},"enqueuedAt":"2026-01-10T09:00:00Z","retryCount":0},
		{"id":"x2","kind":"join-event","payload":{"eventId":"e1","userId":"u1"},"enqueuedAt":"2026-01-10T09:01:00Z","retryCount":0}
	]`
	if err := mem.Set(context.Background(), QueueKey, []byte(raw)); err != nil {
		t.Fatal(err)
	}

	exec := &mockExecutor{}
	q := New(Config{}, NewKVStore(mem), exec, nil, nil)

	var gaveUp []GiveUp
	q.OnGiveUp(func(g GiveUp) { gaveUp = append(gaveUp, g) })

	summary, err := q.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if summary.GaveUp != 1 || summary.Succeeded != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if len(gaveUp) != 1 || gaveUp[0].Kind != "rate-run" || gaveUp[0].Attempts != 0 {
		t.Errorf("unexpected give-up %+v", gaveUp)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("Len = %d", n)
	}
}

func TestSync_UndecodablePayloadDoesNotBlockQueue(t *testing.T) {
	mem := kv.NewMemory()
	raw := `[
		{"id":"x1","kind":"join-event","payload":{"eventId":42,"userId":"u1"},"enqueuedAt":"2026-01-10T09:00:00Z","retryCount":0},
		{"id":"x2","kind":"join-event","payload":{"eventId":"e2","userId":"u1"},"enqueuedAt":"2026-01-10T09:01:00Z","retryCount":0}
	]`
	if err := mem.Set(context.Background(), QueueKey, []byte(raw)); err != nil {
		t.Fatal(err)
	}

	exec := &mockExecutor{}
	q := New(Config{}, NewKVStore(mem), exec, nil, nil)
	q.newID = func() string { return "x3" }
	ctx := context.Background()

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected both records, got %d", len(pending))
	}
	if u, ok := pending[0].Payload.(UnknownPayload); !ok || u.Err == nil || u.Tag != KindJoinEvent {
		t.Errorf("x1 payload = %#v", pending[0].Payload)
	}

	// New actions can still be queued behind the bad record.
	mustEnqueue(t, q, join("e3"))

	var gaveUp []GiveUp
	q.OnGiveUp(func(g GiveUp) { gaveUp = append(gaveUp, g) })

	summary, err := q.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if summary.Attempted != 3 || summary.GaveUp != 1 || summary.Succeeded != 2 || summary.Remaining != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if got := exec.Calls(); !equalStrings(got, []string{"x2", "x3"}) {
		t.Errorf("calls = %v", got)
	}
	if len(gaveUp) != 1 || gaveUp[0].ID != "x1" || gaveUp[0].Attempts != 0 {
		t.Fatalf("unexpected give-up %+v", gaveUp)
	}
	if !strings.Contains(gaveUp[0].Reason, "decode payload of x1") {
		t.Errorf("reason = %q", gaveUp[0].Reason)
	}
}

func TestSync_LeaveOfAbsentMembershipIsNotRetried(t *testing.T) {
	svc := &scriptedService{
		deleteErr: fmt.Errorf("delete: %w", remote.ErrNotFound),
		insertErr: errors.New("connection reset"),
	}
	q, _ := newTestQueue(t, NewRemoteExecutor(svc, 0, nil), nil)
	ctx := context.Background()

	mustEnqueue(t, q, LeaveEventPayload{EventID: "e1", UserID: "u1"})
	mustEnqueue(t, q, join("e2"))

	summary, err := q.SyncNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Succeeded != 1 || summary.Retained != 1 || summary.Remaining != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	pending, _ := q.Pending(ctx)
	if len(pending) != 1 || pending[0].ID != "a2" || pending[0].RetryCount != 1 {
		t.Fatalf("pending = %+v", pending)
	}

	svc.setInsertErr(nil)
	summary, err = q.SyncNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Remaining != 0 || summary.Succeeded != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if d, i := svc.counts(); d != 1 || i != 2 {
		t.Errorf("deletes=%d inserts=%d, want 1 and 2", d, i)
	}
}

// scriptedService fails every delete and insert with a fixed error.
type scriptedService struct {
	mu        sync.Mutex
	deletes   int
	inserts   int
	deleteErr error
	insertErr error
}

func (s *scriptedService) Insert(context.Context, string, map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	return s.insertErr
}

func (s *scriptedService) DeleteByKey(context.Context, string, map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	return s.deleteErr
}

func (s *scriptedService) UpdateByKey(context.Context, string, map[string]any, map[string]any) error {
	return nil
}

func (s *scriptedService) setInsertErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *scriptedService) counts() (deletes, inserts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes, s.inserts
}

func TestSync_SingleFlight(t *testing.T) {
	exec := &mockExecutor{gate: make(chan struct{}), started: make(chan struct{})}
	q, store := newTestQueue(t, exec, nil)

	mustEnqueue(t, q, join("e1"))
	loadsBefore := store.loads.Load()

	if !q.ForceSync() {
		t.Fatal("first trigger should start a pass")
	}
	<-exec.started

	if !q.IsSyncing() {
		t.Error("expected syncing while executor blocks")
	}
	for i := 0; i < 5; i++ {
		if q.ForceSync() {
			t.Fatal("trigger during a pass must collapse")
		}
	}

	finished := make(chan PassSummary, 1)
	q.OnPass(func(s PassSummary) { finished <- s })

	close(exec.gate)
	summary := <-finished
	if summary.Succeeded != 1 || summary.Reason != "forced" {
		t.Errorf("unexpected summary %+v", summary)
	}

	// One snapshot load and one commit reload for the single pass.
	if got := store.loads.Load() - loadsBefore; got != 2 {
		t.Errorf("expected 2 loads for one pass, got %d", got)
	}
	if len(exec.Calls()) != 1 {
		t.Errorf("action executed %d times", len(exec.Calls()))
	}
}

func TestSync_EnqueueDuringPassIsKeptForNextPass(t *testing.T) {
	exec := &mockExecutor{gate: make(chan struct{}), started: make(chan struct{})}
	q, _ := newTestQueue(t, exec, nil)
	ctx := context.Background()

	mustEnqueue(t, q, join("e1"))

	done := make(chan PassSummary, 1)
	go func() {
		s, _ := q.SyncNow(ctx)
		done <- s
	}()
	<-exec.started

	mustEnqueue(t, q, SendMessagePayload{MessageID: "m1", ConversationID: "c1", SenderID: "u1", Body: "first chair?"})
	close(exec.gate)

	summary := <-done
	if summary.Attempted != 1 {
		t.Errorf("pass should only attempt its snapshot, got %+v", summary)
	}
	pending, _ := q.Pending(ctx)
	if got := ids(pending); !equalStrings(got, []string{"a2"}) {
		t.Fatalf("pending = %v, want [a2]", got)
	}
	if pending[0].RetryCount != 0 {
		t.Error("untouched action must keep retryCount 0")
	}

	q.SyncNow(ctx)
	if got := exec.Calls(); !equalStrings(got, []string{"a1", "a2"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestSync_ClearDuringPassIsNotUndone(t *testing.T) {
	exec := &mockExecutor{
		gate:    make(chan struct{}),
		started: make(chan struct{}),
		failAll: errors.New("503"),
	}
	q, _ := newTestQueue(t, exec, nil)
	ctx := context.Background()

	mustEnqueue(t, q, join("e1"))
	mustEnqueue(t, q, join("e2"))

	done := make(chan struct{})
	go func() {
		q.SyncNow(ctx)
		close(done)
	}()
	<-exec.started

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	close(exec.gate)
	<-done

	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("cleared actions came back: Len = %d", n)
	}
}

func TestSync_StorageFailureLeavesQueueUntouched(t *testing.T) {
	exec := &mockExecutor{}
	q, store := newTestQueue(t, exec, nil)
	ctx := context.Background()

	mustEnqueue(t, q, join("e1"))

	store.failLoad.Store(true)
	summary, err := q.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if summary.Err == "" || summary.Attempted != 0 {
		t.Errorf("expected aborted pass, got %+v", summary)
	}
	store.failLoad.Store(false)

	store.failSave.Store(true)
	summary, _ = q.SyncNow(ctx)
	if summary.Err == "" {
		t.Error("expected commit failure in summary")
	}
	store.failSave.Store(false)

	pending, _ := q.Pending(ctx)
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Fatalf("failed commit must leave queue as it was, got %+v", pending)
	}

	// The next pass replays it.
	summary, _ = q.SyncNow(ctx)
	if summary.Succeeded != 1 || summary.Remaining != 0 {
		t.Errorf("unexpected summary after recovery %+v", summary)
	}
}

// dedupExecutor models a backend that rejects replays of the same message.
type dedupExecutor struct {
	mu   sync.Mutex
	seen map[string]int
}

func (d *dedupExecutor) Execute(_ context.Context, a QueuedAction) error {
	msg, ok := a.Payload.(SendMessagePayload)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[msg.MessageID]++
	return nil
}

func TestSync_ReplayAfterLostCommitDoesNotDuplicate(t *testing.T) {
	exec := &dedupExecutor{seen: make(map[string]int)}
	q, store := newTestQueue(t, exec, nil)
	ctx := context.Background()

	mustEnqueue(t, q, SendMessagePayload{MessageID: "m-42", ConversationID: "c1", SenderID: "u1", Body: "meet at the lift"})

	// The send reaches the backend but the process "crashes" before the
	// residual queue is written.
	store.failSave.Store(true)
	q.SyncNow(ctx)
	store.failSave.Store(false)

	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("action should still be persisted, Len = %d", n)
	}

	restarted := New(Config{}, store, exec, nil, nil)
	summary, err := restarted.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if summary.Succeeded != 1 || summary.Remaining != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	// Both deliveries carry the same message ID so the backend can fold them.
	if exec.seen["m-42"] != 2 || len(exec.seen) != 1 {
		t.Errorf("expected one message ID delivered twice, got %v", exec.seen)
	}
}

func TestQueue_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store1, err := kv.NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	q1 := New(Config{}, NewKVStore(store1), &mockExecutor{}, nil, nil)
	created := mustEnqueue(t, q1, CreateEventPayload{
		EventID:   "e1",
		CreatorID: "u1",
		Title:     "Dawn patrol",
		StartsAt:  time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC),
		Capacity:  6,
	})
	mustEnqueue(t, q1, UpdateProfilePayload{UserID: "u1", Fields: map[string]any{"home_resort": "Verbier"}})

	store2, err := kv.NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	q2 := New(Config{}, NewKVStore(store2), &mockExecutor{}, nil, nil)
	pending, err := q2.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 actions after restart, got %d", len(pending))
	}
	got, ok := pending[0].Payload.(CreateEventPayload)
	if !ok {
		t.Fatalf("payload type %T", pending[0].Payload)
	}
	if pending[0].ID != created.ID || got.Title != "Dawn patrol" || got.Capacity != 6 {
		t.Errorf("round trip mismatch: %+v", pending[0])
	}
	if !pending[0].EnqueuedAt.Equal(created.EnqueuedAt) {
		t.Errorf("enqueuedAt changed: %v vs %v", pending[0].EnqueuedAt, created.EnqueuedAt)
	}
}

func TestQueue_ReconnectTriggersPass(t *testing.T) {
	monitor := network.NewMonitor(nil)
	exec := &mockExecutor{gate: make(chan struct{}), started: make(chan struct{})}
	q, _ := newTestQueue(t, exec, monitor)
	ctx := context.Background()

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	// Offline on the chairlift: the join is only queued.
	mustEnqueue(t, q, join("e1"))
	if st := q.Status(); st.IsOnline || st.QueueLength != 1 {
		t.Errorf("unexpected status %+v", st)
	}

	monitor.Update(network.State{Link: true, Internet: true})

	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("no pass started after reconnect")
	}
	if !q.IsSyncing() {
		t.Error("expected syncing after reconnect")
	}
	if st := q.Status(); !st.IsOnline || !st.IsSyncing || st.QueueLength != 1 {
		t.Errorf("unexpected status during pass %+v", st)
	}
	close(exec.gate)

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := q.Len(ctx); n == 0 && !q.IsSyncing() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queue was not drained after reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := exec.Calls(); !equalStrings(got, []string{"a1"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestQueue_StartWhileOnlineDrains(t *testing.T) {
	monitor := network.NewMonitor(nil)
	monitor.Update(network.State{Link: true, Internet: true})

	exec := &mockExecutor{}
	q, _ := newTestQueue(t, exec, monitor)
	mustEnqueue(t, q, join("e1"))

	var passes atomic.Int32
	q.OnPass(func(PassSummary) { passes.Add(1) })

	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	q.Stop()

	if passes.Load() != 1 || len(exec.Calls()) != 1 {
		t.Errorf("expected one startup pass, passes=%d calls=%v", passes.Load(), exec.Calls())
	}
}

func TestQueue_WatchDeliversLatestStatus(t *testing.T) {
	q, _ := newTestQueue(t, &mockExecutor{}, nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := q.Watch()
	if st := <-w.C(); st.QueueLength != 0 {
		t.Errorf("initial status %+v", st)
	}

	mustEnqueue(t, q, join("e1"))
	mustEnqueue(t, q, join("e2"))

	select {
	case st := <-w.C():
		if st.QueueLength != 2 {
			t.Errorf("expected latest status with 2 pending, got %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no status delivered")
	}

	q.Stop()
	if _, ok := <-w.C(); ok {
		t.Error("watch channel should be closed after Stop")
	}
	w.Close()
}

func TestQueue_TriggerAfterStopIsIgnored(t *testing.T) {
	exec := &mockExecutor{}
	q, _ := newTestQueue(t, exec, nil)
	ctx := context.Background()
	mustEnqueue(t, q, join("e1"))

	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.ForceSync()
		}()
	}
	q.Stop()
	wg.Wait()

	if q.ForceSync() {
		t.Error("trigger after Stop must not start a pass")
	}
	if q.IsSyncing() {
		t.Error("no pass may run after Stop")
	}
	calls := len(exec.Calls())
	time.Sleep(20 * time.Millisecond)
	if got := len(exec.Calls()); got != calls {
		t.Errorf("executor ran after Stop: %d -> %d calls", calls, got)
	}
}

func TestKVStore_SaveOfLoadIsByteStable(t *testing.T) {
	mem := kv.NewMemory()
	store := NewKVStore(mem)
	ctx := context.Background()

	actions := []QueuedAction{
		{
			ID: "a1",
			Payload: CreateEventPayload{
				EventID:   "e1",
				CreatorID: "u1",
				Title:     "First chair",
				StartsAt:  time.Date(2026, 1, 10, 7, 30, 0, 123456789, time.FixedZone("CET", 3600)),
			},
			EnqueuedAt: time.Date(2026, 1, 9, 21, 0, 0, 0, time.UTC),
		},
		{
			ID: "a2",
			Payload: UpdateProfilePayload{UserID: "u1", Fields: map[string]any{
				"strava_id": int64(9007199254740993),
				"bio":       "pow day",
				"ratio":     0.1,
			}},
			EnqueuedAt: time.Date(2026, 1, 9, 21, 5, 0, 0, time.UTC),
			RetryCount: 2,
		},
	}
	if err := store.Save(ctx, actions); err != nil {
		t.Fatal(err)
	}
	// A record this build cannot decode rides along verbatim.
	first, _ := mem.Get(ctx, QueueKey)
	withBad := append(bytes.TrimSuffix(first, []byte("]")),
		[]byte(`,{"id":"a3","kind":"join-event","payload":{"eventId":42,"userId":"u1"},"enqueuedAt":"2026-01-09T21:10:00Z","retryCount":0}]`)...)
	if err := mem.Set(ctx, QueueKey, withBad); err != nil {
		t.Fatal(err)
	}

	before, _ := mem.Get(ctx, QueueKey)
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.Save(ctx, loaded); err != nil {
		t.Fatalf("Save: %v", err)
	}
	after, _ := mem.Get(ctx, QueueKey)
	if !bytes.Equal(before, after) {
		t.Errorf("stored bytes changed:\nbefore %s\nafter  %s", before, after)
	}
	if !bytes.Contains(after, []byte(`"strava_id":9007199254740993`)) {
		t.Errorf("large integer not preserved: %s", after)
	}
}

func TestEnqueue_RejectsUnknownProfileColumn(t *testing.T) {
	q, _ := newTestQueue(t, &mockExecutor{}, nil)
	_, err := q.Enqueue(context.Background(), UpdateProfilePayload{UserID: "u1", Fields: map[string]any{"homeResort": "Verbier"}})
	if err == nil || !strings.Contains(err.Error(), "homeResort") {
		t.Errorf("expected unknown column error, got %v", err)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("Len = %d", n)
	}
}

func TestKVStore_EmptyAndNilRoundTrip(t *testing.T) {
	mem := kv.NewMemory()
	s := NewKVStore(mem)
	ctx := context.Background()

	actions, err := s.Load(ctx)
	if err != nil || len(actions) != 0 {
		t.Fatalf("missing key: %v %v", actions, err)
	}
	if err := s.Save(ctx, nil); err != nil {
		t.Fatal(err)
	}
	raw, _ := mem.Get(ctx, QueueKey)
	if string(raw) != "[]" {
		t.Errorf("stored %q, want []", raw)
	}
}

func TestKVStore_CorruptDataIsStorageError(t *testing.T) {
	mem := kv.NewMemory()
	mem.Set(context.Background(), QueueKey, []byte("{not json"))

	_, err := NewKVStore(mem).Load(context.Background())
	if !errors.Is(err, ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
	var syntax *json.SyntaxError
	if !errors.As(err, &syntax) {
		t.Errorf("expected wrapped syntax error, got %v", err)
	}
}
