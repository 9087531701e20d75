// Package metrics provides the Prometheus metrics of the sync daemon.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slopeside/slopeside/internal/offline"
)

const namespace = "slopeside"

var (
	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "length",
			Help:      "Number of actions waiting to be synced",
		},
	)

	online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "online",
			Help:      "1 when the remote was last seen reachable",
		},
	)

	syncing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "in_progress",
			Help:      "1 while a sync pass is running",
		},
	)

	passesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Sync passes that processed at least one action, by trigger",
		},
		[]string{"reason"},
	)

	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "actions_total",
			Help:      "Actions processed by sync passes, by outcome",
		},
		[]string{"outcome"},
	)

	passDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Time to drain the queue once",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	giveUpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "give_ups_total",
			Help:      "Actions dropped without succeeding, by kind",
		},
		[]string{"kind"},
	)

	// HTTPRequestDuration tracks local API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Local API request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPass records a finished pass. Passes over an empty queue are not
// counted.
func RecordPass(s offline.PassSummary) {
	if s.Attempted == 0 {
		return
	}
	passesTotal.WithLabelValues(s.Reason).Inc()
	passDuration.Observe(s.Duration.Seconds())
	actionsTotal.WithLabelValues("succeeded").Add(float64(s.Succeeded))
	actionsTotal.WithLabelValues("retained").Add(float64(s.Retained))
	actionsTotal.WithLabelValues("gave_up").Add(float64(s.GaveUp))
	queueLength.Set(float64(s.Remaining))
}

// RecordGiveUp counts a dropped action.
func RecordGiveUp(g offline.GiveUp) {
	giveUpsTotal.WithLabelValues(string(g.Kind)).Inc()
}

// RecordStatus updates the status gauges.
func RecordStatus(s offline.Status) {
	queueLength.Set(float64(s.QueueLength))
	online.Set(boolValue(s.IsOnline))
	syncing.Set(boolValue(s.IsSyncing))
}

// Source is what Observe reads from; *offline.Queue satisfies it.
type Source interface {
	Status() offline.Status
	Watch() *offline.StatusWatch
	OnPass(fn func(offline.PassSummary))
	OnGiveUp(fn func(offline.GiveUp))
}

// Observe hooks the pass reports of src and follows its status until ctx is
// done.
func Observe(ctx context.Context, src Source) {
	src.OnPass(RecordPass)
	src.OnGiveUp(RecordGiveUp)

	watch := src.Watch()
	defer watch.Close()
	RecordStatus(src.Status())

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-watch.C():
			if !ok {
				return
			}
			RecordStatus(st)
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
