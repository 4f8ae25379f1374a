package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dbcache"

var (
	Registry = prometheus.NewRegistry()

	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for the cache lock.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	})
	LockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "timeouts_total",
		Help:      "Lock acquisitions that gave up waiting.",
	})

	ArenaBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "arena",
		Name:      "bytes",
		Help:      "Arena bytes by state.",
	}, []string{"state"})
	StringPoolEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "strpool",
		Name:      "entries",
		Help:      "Distinct interned strings.",
	})
	Entities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entities",
		Help:      "Cached configuration entities by kind.",
	}, []string{"kind"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Scheduled items by poller type.",
	}, []string{"poller"})
	IndexRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "index_refreshes_total",
		Help:      "Index catch-ups after another process changed the cache, by mode.",
	}, []string{"mode"})
	InvalidIntervals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_intervals_total",
		Help:      "Items left unscheduled because their update interval does not parse.",
	})

	SyncChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "changes_total",
		Help:      "Configuration changes applied or rejected.",
	}, []string{"kind", "result"})
	SyncSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Duration of one configuration sync round.",
		Buckets:   prometheus.DefBuckets,
	})

	Claims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "claims_total",
		Help:      "Items handed to workers.",
	}, []string{"poller"})
	Results = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "results_total",
		Help:      "Reported check results by outcome.",
	}, []string{"result"})
	ReapedClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "reaped_claims_total",
		Help:      "Claims given up after the claim timeout.",
	})

	Utilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "selfmon",
		Name:      "busy_ratio",
		Help:      "Average busy ratio of a process type over the sampled window.",
	}, []string{"process"})
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "selfmon",
		Name:      "cpu_percent",
		Help:      "CPU usage of this process.",
	})
	ProcessRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "selfmon",
		Name:      "rss_bytes",
		Help:      "Resident memory of this process.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		LockWaitSeconds,
		LockTimeouts,
		ArenaBytes,
		StringPoolEntries,
		Entities,
		QueueDepth,
		IndexRefreshes,
		InvalidIntervals,
		SyncChanges,
		SyncSeconds,
		Claims,
		Results,
		ReapedClaims,
		Utilization,
		ProcessCPUPercent,
		ProcessRSSBytes,
	)
}
