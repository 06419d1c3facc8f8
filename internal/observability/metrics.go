package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"agent", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent", "method", "path", "status"},
	)
	protocolCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeflow",
			Subsystem: "protocol",
			Name:      "cycles_total",
			Help:      "Register/report exchanges with the controller.",
		},
		[]string{"kind", "outcome"},
	)
	protocolCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeflow",
			Subsystem: "protocol",
			Name:      "cycle_duration_seconds",
			Help:      "Register/report exchange duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	protocolSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgeflow",
			Subsystem: "protocol",
			Name:      "seq_number",
			Help:      "Current protocol sequence number.",
		},
	)
	protocolRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgeflow",
			Subsystem: "protocol",
			Name:      "registered",
			Help:      "1 when the agent is registered with the controller.",
		},
	)
	sessionCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeflow",
			Subsystem: "session",
			Name:      "commits_total",
			Help:      "Process session commits by outcome.",
		},
		[]string{"processor", "outcome"},
	)
	recordsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeflow",
			Subsystem: "session",
			Name:      "records_routed_total",
			Help:      "Flow records routed on commit.",
		},
		[]string{"processor", "relationship", "outcome"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgeflow",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Flow records waiting in a connection queue.",
		},
		[]string{"queue"},
	)
	processorTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeflow",
			Subsystem: "processor",
			Name:      "triggers_total",
			Help:      "Processor invocations by outcome.",
		},
		[]string{"processor", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			protocolCycles, protocolCycleDuration, protocolSeq, protocolRegistered,
			sessionCommits, recordsRouted, queueDepth, processorTriggers,
		)
	})
}

func RecordHTTPRequest(agent, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(agent, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(agent, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordProtocolCycle records one register or report exchange.
func RecordProtocolCycle(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	protocolCycles.WithLabelValues(kind, outcome).Inc()
	protocolCycleDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func SetProtocolState(seq uint32, registered bool) {
	RegisterMetrics()
	protocolSeq.Set(float64(seq))
	if registered {
		protocolRegistered.Set(1)
	} else {
		protocolRegistered.Set(0)
	}
}

func RecordSessionCommit(processor, outcome string) {
	RegisterMetrics()
	sessionCommits.WithLabelValues(processor, outcome).Inc()
}

func RecordRouted(processor, relationship, outcome string) {
	RegisterMetrics()
	recordsRouted.WithLabelValues(processor, relationship, outcome).Inc()
}

func SetQueueDepth(queue string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func RecordTrigger(processor, outcome string) {
	RegisterMetrics()
	processorTriggers.WithLabelValues(processor, outcome).Inc()
}
