package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slopeside/slopeside/internal/kv"
	"github.com/slopeside/slopeside/internal/offline"
)

type recordingExecutor struct {
	mu    sync.Mutex
	kinds []offline.Kind
	err   error
}

func (r *recordingExecutor) Execute(_ context.Context, a offline.QueuedAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, a.Kind())
	return r.err
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

type chanListener chan string

func (c chanListener) OnStatus(s string) { c <- s }

func newTestEngine(t *testing.T, exec offline.Executor) *Engine {
	t.Helper()
	e := NewEngineWith("test", kv.NewMemory(), exec, nil)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine("android", "", "https://db.example.com", "", "info"); err == nil {
		t.Error("expected error for empty dataDir")
	}
	if _, err := NewEngine("android", t.TempDir(), "", "", "info"); err == nil {
		t.Error("expected error for empty remoteURL")
	}
	e, err := NewEngine("android", t.TempDir(), "libsql://slopes.turso.io", "tok", "debug")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if n := e.QueueLength(); n != 0 {
		t.Errorf("fresh queue length = %d", n)
	}
}

func TestEngine_EnqueueAndLength(t *testing.T) {
	e := newTestEngine(t, &recordingExecutor{})

	id, err := e.Enqueue("join-event", `{"eventId":"e1","userId":"u1"}`)
	if err != nil || id == "" {
		t.Fatalf("Enqueue: id=%q err=%v", id, err)
	}
	if n := e.QueueLength(); n != 1 {
		t.Errorf("QueueLength = %d, want 1", n)
	}

	if _, err := e.Enqueue("rate-run", `{}`); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := e.Enqueue("join-event", `{"eventId":`); err == nil {
		t.Error("expected error for malformed payload")
	}
	if _, err := e.Enqueue("join-event", `{"eventId":"e1"}`); err == nil {
		t.Error("expected error for missing userId")
	}
}

func TestEngine_ReconnectDrainsQueue(t *testing.T) {
	exec := &recordingExecutor{}
	e := newTestEngine(t, exec)
	e.Enqueue("join-event", `{"eventId":"e1","userId":"u1"}`)
	e.Enqueue("send-message", `{"messageId":"m1","conversationId":"c1","senderId":"u1","body":"lift 4?"}`)

	e.SetNetworkState(true, false)
	time.Sleep(20 * time.Millisecond)
	if exec.count() != 0 {
		t.Fatal("link without internet must not sync")
	}

	e.SetNetworkState(true, true)
	deadline := time.Now().Add(2 * time.Second)
	for e.QueueLength() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := e.QueueLength(); n != 0 {
		t.Fatalf("queue not drained, length %d", n)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.kinds[0] != offline.KindJoinEvent || exec.kinds[1] != offline.KindSendMessage {
		t.Errorf("executed out of order: %v", exec.kinds)
	}
}

func TestEngine_StatusJSONAndListener(t *testing.T) {
	e := newTestEngine(t, &recordingExecutor{})
	l := make(chanListener, 8)
	e.SetStatusListener(l)

	var st offline.Status
	if err := json.Unmarshal([]byte(<-l), &st); err != nil {
		t.Fatal(err)
	}
	if st.QueueLength != 0 || st.IsOnline {
		t.Errorf("initial status %+v", st)
	}

	e.Enqueue("leave-event", `{"eventId":"e1","userId":"u1"}`)
	select {
	case s := <-l:
		if !strings.Contains(s, `"queueLength":1`) {
			t.Errorf("listener got %s", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not notified")
	}

	if !strings.Contains(e.StatusJSON(), `"queueLength":1`) {
		t.Errorf("StatusJSON = %s", e.StatusJSON())
	}
	e.SetStatusListener(nil)
}

func TestEngine_SyncNowAndClear(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("503")}
	e := newTestEngine(t, exec)
	e.Enqueue("join-event", `{"eventId":"e1","userId":"u1"}`)

	summary, err := e.SyncNow(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Retained != 1 || summary.Remaining != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}

	if err := e.Clear(); err != nil {
		t.Fatal(err)
	}
	if n := e.QueueLength(); n != 0 {
		t.Errorf("length after clear = %d", n)
	}
}

func TestEngine_StopIsFinal(t *testing.T) {
	e := NewEngineWith("test", kv.NewMemory(), &recordingExecutor{}, nil)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := e.Start(); err == nil {
		t.Error("expected error restarting a stopped engine")
	}
}
