package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trail_sync"

// Metrics holds the Prometheus counters, histograms, and gauges for the sync engine.
type Metrics struct {
	// Viewport and dispatch metrics.
	ViewportEvents    prometheus.Counter
	DebounceRestarts  prometheus.Counter
	CyclesDispatched  *prometheus.CounterVec // labels: trigger={initial,debounced,explicit}
	CyclesSuperseded  prometheus.Counter
	StaleCompletions  prometheus.Counter
	CycleDuration     prometheus.Histogram
	SearchRadiusKm    prometheus.Histogram
	CoordinatorActive prometheus.Gauge

	// Published state metrics.
	StatesPublished *prometheus.CounterVec // labels: state={loading,ready,error}
	PinsPublished   *prometheus.HistogramVec // labels: source={trails,parks}

	// Upstream API metrics.
	SourceErrors      *prometheus.CounterVec   // labels: source={trails,parks}, kind={transport,decoding}
	SourceAPIDuration *prometheus.HistogramVec // labels: source={trails,parks}
	SourceCache       *prometheus.CounterVec   // labels: source={trails,parks}, result={hit,miss}

	// State sink metrics.
	SinkMessagesWritten prometheus.Counter
	SinkMessagesDropped prometheus.Counter
	SinkWriteErrors     prometheus.Counter
}

// NewMetrics creates and registers all engine metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.ViewportEvents,
		m.DebounceRestarts,
		m.CyclesDispatched,
		m.CyclesSuperseded,
		m.StaleCompletions,
		m.CycleDuration,
		m.SearchRadiusKm,
		m.CoordinatorActive,
		m.StatesPublished,
		m.PinsPublished,
		m.SourceErrors,
		m.SourceAPIDuration,
		m.SourceCache,
		m.SinkMessagesWritten,
		m.SinkMessagesDropped,
		m.SinkWriteErrors,
	)

	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ViewportEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewport_events_total",
			Help:      "Camera-idle events received from the map surface.",
		}),
		DebounceRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_restarts_total",
			Help:      "Viewport events that cancelled a pending debounced dispatch.",
		}),
		CyclesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_dispatched_total",
			Help:      "Refresh cycles dispatched, by trigger.",
		}, []string{"trigger"}),
		CyclesSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_superseded_total",
			Help:      "In-flight cycles cancelled because a newer cycle was dispatched.",
		}),
		StaleCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_completions_total",
			Help:      "Cycle results discarded because their token was no longer the latest.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time from dispatch until both sources resolved.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		SearchRadiusKm: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_radius_km",
			Help:      "Search radius derived from the visible region.",
			Buckets:   []float64{1, 2, 5, 10, 20, 35, 50, 75, 100},
		}),
		CoordinatorActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_active",
			Help:      "1 while the request coordinator is accepting viewport events, 0 after close.",
		}),
		StatesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "states_published_total",
			Help:      "Sync states published to the rendering layer, by kind.",
		}, []string{"state"}),
		PinsPublished: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pins_published",
			Help:      "Number of pins in each published ready state.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 200},
		}, []string{"source"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Upstream fetch failures by source and kind.",
		}, []string{"source", "kind"}),
		SourceAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_api_duration_seconds",
			Help:      "Trails API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"source"}),
		SourceCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_cache_total",
			Help:      "Pin cache lookups by source and result.",
		}, []string{"source", "result"}),
		SinkMessagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_messages_written_total",
			Help:      "State updates written to the Kafka sink topic.",
		}),
		SinkMessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_messages_dropped_total",
			Help:      "State updates dropped because the sink buffer was full.",
		}),
		SinkWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_write_errors_total",
			Help:      "Failed Kafka batch writes.",
		}),
	}
}
