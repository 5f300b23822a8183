// Package metrics defines and registers Prometheus counters and
// histograms for the Scanner, Executor, and Position Manager; none of
// those subsystems records against them. It replaces the
// teacher's hand-rolled ring-buffer latency tracker
// (`internal/workers.PoolMetrics`) with the real client library the
// teacher's own go.mod already declares but never imports. No
// `/metrics` HTTP surface is exposed here — the embedding process
// supplies its own `prometheus.Registerer` (typically wired to a
// handler it owns), since the HTTP/UI surface is out of core scope.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric defined for the core subsystems. It is
// constructed once at process start and handed to the Executor, which
// keeps it without recording against it; the Scanner and Position
// Manager do not take it. Subsystems never create their own collectors,
// so there is exactly one place a metric name is defined.
type Registry struct {
	ScannerCyclesTotal         prometheus.Counter
	ScannerCycleDuration       prometheus.Histogram
	ScannerTargetFailuresTotal *prometheus.CounterVec
	ScannerTargetsStale        prometheus.Gauge

	ExecutorOrderLatency        prometheus.Histogram
	ExecutorGuardRejectionsTotal *prometheus.CounterVec
	ExecutorOrdersPlacedTotal   prometheus.Counter

	PositionModificationsTotal *prometheus.CounterVec
	PositionClosuresTotal      *prometheus.CounterVec
	OpenPositionsGauge         prometheus.Gauge
}

// New registers every metric against reg and returns the Registry.
// Calling New twice against the same reg panics (prometheus's own
// duplicate-registration behavior), matching the "registered once at
// process start" contract.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		ScannerCyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aethelgard",
			Subsystem: "scanner",
			Name:      "cycles_total",
			Help:      "Total completed scanner cycles.",
		}),
		ScannerCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aethelgard",
			Subsystem: "scanner",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one scanner cycle's full fan-out.",
			Buckets:   prometheus.DefBuckets,
		}),
		ScannerTargetFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aethelgard",
			Subsystem: "scanner",
			Name:      "target_failures_total",
			Help:      "Per-target task failures, labeled by symbol and timeframe.",
		}, []string{"symbol", "timeframe"}),
		ScannerTargetsStale: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aethelgard",
			Subsystem: "scanner",
			Name:      "targets_stale",
			Help:      "Count of targets currently marked stale after consecutive failures.",
		}),
		ExecutorOrderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aethelgard",
			Subsystem: "executor",
			Name:      "order_latency_seconds",
			Help:      "Time from guard chain start to broker order acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}),
		ExecutorGuardRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aethelgard",
			Subsystem: "executor",
			Name:      "guard_rejections_total",
			Help:      "Signals rejected by the guard chain, labeled by the rejecting guard.",
		}, []string{"guard"}),
		ExecutorOrdersPlacedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aethelgard",
			Subsystem: "executor",
			Name:      "orders_placed_total",
			Help:      "Orders successfully placed with the broker connector.",
		}),
		PositionModificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aethelgard",
			Subsystem: "position_manager",
			Name:      "modifications_total",
			Help:      "Stop/target modifications, labeled by reason (breakeven, trailing, regime_bracket).",
		}, []string{"reason"}),
		PositionClosuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aethelgard",
			Subsystem: "position_manager",
			Name:      "closures_total",
			Help:      "Positions closed, labeled by reason (emergency_loss, time_based_exit, manual).",
		}, []string{"reason"}),
		OpenPositionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aethelgard",
			Subsystem: "position_manager",
			Name:      "open_positions",
			Help:      "Open positions as of the last supervision cycle.",
		}),
	}
}
