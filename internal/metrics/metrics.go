// Package metrics holds the daemon's process-wide Prometheus collectors.
// It exists so that internal packages (decision, fanout) can record
// observations without importing the HTTP layer that ultimately serves
// them on /debug/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecideDuration observes decide() latency in seconds.
	DecideDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "govd_decide_duration_seconds",
		Help:    "Time spent inside the decision engine's Decide call.",
		Buckets: prometheus.DefBuckets,
	})

	// VerdictsBySource counts decide() outcomes by status and match source.
	VerdictsBySource = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govd_decide_verdicts_total",
		Help: "Count of decide() verdicts, partitioned by status and source.",
	}, []string{"status", "source"})

	// ChaosInjections counts chaos-induced block verdicts.
	ChaosInjections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govd_chaos_injections_total",
		Help: "Count of events converted from allow to block by the chaos injector.",
	})

	// FanoutQueueDrops counts subscriptions disconnected for queue overflow.
	FanoutQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govd_fanout_queue_drops_total",
		Help: "Count of WebSocket subscriptions disconnected for outbound queue overflow.",
	})

	// WebhookQueueDrops counts webhook deliveries dropped because the
	// bounded delivery queue was full.
	WebhookQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govd_webhook_queue_drops_total",
		Help: "Count of webhook deliveries dropped because the delivery queue was full.",
	})
)
