// Package ios exposes the offline queue to iOS apps through gomobile.
//
// # Building for iOS
//
// Prerequisites:
//
//	go install golang.org/x/mobile/cmd/gomobile@latest
//	gomobile init
//	# Xcode and iOS SDK required (macOS only)
//
// Build XCFramework:
//
//	gomobile bind -target ios -o Slopesync.xcframework github.com/slopeside/slopeside/internal/platform/ios
//
// # Background Fetch
//
// Register a refresh task in Info.plist:
//
//	<key>BGTaskSchedulerPermittedIdentifiers</key>
//	<array>
//	  <string>com.slopeside.queue.sync</string>
//	</array>
//
// and call PerformBackgroundFetch from the BGAppRefreshTask handler. Feed
// NWPathMonitor updates into SetNetworkState.
package ios

import (
	"time"

	"github.com/slopeside/slopeside/internal/platform/mobile"
)

// Background fetch results, matching UIBackgroundFetchResult.
const (
	FetchNewData = "newData"
	FetchNoData  = "noData"
	FetchFailed  = "failed"
)

// fetchTimeout leaves headroom inside the ~30s iOS grants a refresh task.
const fetchTimeout = 25 * time.Second

// StatusListener receives queue status JSON on every change.
type StatusListener interface {
	OnStatus(statusJSON string)
}

// Queue is the iOS handle on the offline queue.
type Queue struct {
	engine *mobile.Engine
}

// New opens the queue stored under dataDir (Application Support) and
// connects it to the remote database at remoteURL.
func New(dataDir, remoteURL, token string) (*Queue, error) {
	e, err := mobile.NewEngine("ios", dataDir, remoteURL, token, "info")
	if err != nil {
		return nil, err
	}
	return &Queue{engine: e}, nil
}

// Start loads the queue.
func (q *Queue) Start() error { return q.engine.Start() }

// Stop waits for an in-flight pass and releases storage.
func (q *Queue) Stop() error { return q.engine.Stop() }

// Enqueue records an action and returns its ID.
func (q *Queue) Enqueue(kind, payloadJSON string) (string, error) {
	return q.engine.Enqueue(kind, payloadJSON)
}

// QueueLength returns the number of pending actions, or -1 on storage error.
func (q *Queue) QueueLength() int { return q.engine.QueueLength() }

// SetNetworkState reports an NWPath update: link is status == .satisfied on
// any interface, internet that the path is not constrained to the local
// network.
func (q *Queue) SetNetworkState(link, internet bool) {
	q.engine.SetNetworkState(link, internet)
}

// ForceSync starts a sync pass unless one is running.
func (q *Queue) ForceSync() bool { return q.engine.ForceSync() }

// Clear drops every pending action.
func (q *Queue) Clear() error { return q.engine.Clear() }

// StatusJSON returns {"isOnline","isSyncing","queueLength"}.
func (q *Queue) StatusJSON() string { return q.engine.StatusJSON() }

// SetStatusListener registers l for status updates. Pass nil to stop.
func (q *Queue) SetStatusListener(l StatusListener) {
	q.engine.SetStatusListener(l)
}

// PerformBackgroundFetch runs one bounded sync pass and reports the result
// for the completion handler: "newData" if any action was delivered,
// "noData" if there was nothing to do, "failed" otherwise.
func (q *Queue) PerformBackgroundFetch() string {
	if q.engine.QueueLength() == 0 || !q.engine.IsOnline() {
		return FetchNoData
	}
	summary, err := q.engine.SyncNow(fetchTimeout)
	switch {
	case err != nil || summary.Err != "":
		return FetchFailed
	case summary.Succeeded > 0:
		return FetchNewData
	case summary.Attempted == 0:
		return FetchNoData
	default:
		return FetchFailed
	}
}
