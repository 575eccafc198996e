package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommandsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webpilot",
		Name:      "commands_submitted_total",
		Help:      "Commands accepted by the broker, by command type.",
	}, []string{"type"})
	metricCommandsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webpilot",
		Name:      "commands_resolved_total",
		Help:      "Terminal command outcomes, by status and backend.",
	}, []string{"status", "backend"})
	metricCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "webpilot",
		Name:      "command_duration_seconds",
		Help:      "Time from submission to terminal outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend"})
	metricLateResults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webpilot",
		Name:      "late_results_total",
		Help:      "Agent results that arrived after their command was already resolved.",
	})
	metricPendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "webpilot",
		Name:      "commands_pending",
		Help:      "Commands currently awaiting resolution.",
	})
	metricQueueRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webpilot",
		Name:      "queue_rejections_total",
		Help:      "Submissions rejected because a session queue was full.",
	})
)
