// Package android exposes the offline queue to Android apps through gomobile.
//
// # Building for Android
//
// Prerequisites:
//
//	go install golang.org/x/mobile/cmd/gomobile@latest
//	gomobile init
//
// Build AAR (Android Archive):
//
//	gomobile bind -target android -o slopesync.aar github.com/slopeside/slopeside/internal/platform/android
//
// Only interfaces and primitive types are exported in the gomobile API
// surface. Feed connectivity from a ConnectivityManager.NetworkCallback into
// SetNetworkState and schedule DoWork from a periodic WorkManager worker.
package android

import (
	"time"

	"github.com/slopeside/slopeside/internal/platform/mobile"
)

// WorkManager results returned by DoWork.
const (
	WorkSuccess = "success"
	WorkRetry   = "retry"
)

// workTimeout keeps DoWork inside the WorkManager execution window.
const workTimeout = 8 * time.Minute

// StatusListener receives queue status JSON on every change.
type StatusListener interface {
	OnStatus(statusJSON string)
}

// Queue is the Android handle on the offline queue.
type Queue struct {
	engine *mobile.Engine
}

// New opens the queue stored under dataDir (typically Context.getFilesDir())
// and connects it to the remote database at remoteURL.
func New(dataDir, remoteURL, token string) (*Queue, error) {
	e, err := mobile.NewEngine("android", dataDir, remoteURL, token, "info")
	if err != nil {
		return nil, err
	}
	return &Queue{engine: e}, nil
}

// Start loads the queue. Call from Application.onCreate.
func (q *Queue) Start() error { return q.engine.Start() }

// Stop waits for an in-flight pass and releases storage.
func (q *Queue) Stop() error { return q.engine.Stop() }

// Enqueue records an action and returns its ID. kind is one of create-event,
// join-event, leave-event, update-profile or send-message.
func (q *Queue) Enqueue(kind, payloadJSON string) (string, error) {
	return q.engine.Enqueue(kind, payloadJSON)
}

// QueueLength returns the number of pending actions, or -1 on storage error.
func (q *Queue) QueueLength() int { return q.engine.QueueLength() }

// SetNetworkState reports connectivity. internet should reflect
// NET_CAPABILITY_VALIDATED.
func (q *Queue) SetNetworkState(link, internet bool) {
	q.engine.SetNetworkState(link, internet)
}

// ForceSync starts a sync pass unless one is running.
func (q *Queue) ForceSync() bool { return q.engine.ForceSync() }

// Clear drops every pending action.
func (q *Queue) Clear() error { return q.engine.Clear() }

// StatusJSON returns {"isOnline","isSyncing","queueLength"}.
func (q *Queue) StatusJSON() string { return q.engine.StatusJSON() }

// SetStatusListener registers l for status updates. Pass null to stop.
func (q *Queue) SetStatusListener(l StatusListener) {
	q.engine.SetStatusListener(l)
}

// DoWork runs one pass for a periodic WorkManager job and returns the
// worker result: "success" when nothing is left to do, otherwise "retry".
func (q *Queue) DoWork() string {
	if q.engine.QueueLength() == 0 {
		return WorkSuccess
	}
	if !q.engine.IsOnline() {
		return WorkRetry
	}
	summary, err := q.engine.SyncNow(workTimeout)
	if err != nil || summary.Err != "" || summary.Remaining > 0 {
		return WorkRetry
	}
	return WorkSuccess
}
