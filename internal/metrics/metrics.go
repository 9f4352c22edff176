package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry         *prometheus.Registry
	queueDepth       *prometheus.GaugeVec   // current queue depths
	queueOps         *prometheus.CounterVec // enqueue/dequeue per queue
	backendOps       *prometheus.CounterVec // write/delete/reconcile per backend
	batchDuration    prometheus.Histogram   // save batch durations
	zonesProcessed   *prometheus.CounterVec // zones through the save drainer
	retriesScheduled prometheus.Counter
	deadLetters      prometheus.Counter
	reconcileRuns    *prometheus.CounterVec
	peerSyncs        *prometheus.CounterVec // per-peer sync outcomes
	ingressRequests  *prometheus.CounterVec
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) IncQueueOp(queue, op string) {
	m.queueOps.WithLabelValues(queue, op).Inc()
}

func (m *Metrics) IncBackendOp(backend, op string, success bool) {
	m.backendOps.WithLabelValues(backend, op, boolToResult(success)).Inc()
}

func (m *Metrics) ObserveBatchDuration(d time.Duration) {
	m.batchDuration.Observe(d.Seconds())
}

func (m *Metrics) IncZonesProcessed(success bool) {
	m.zonesProcessed.WithLabelValues(boolToResult(success)).Inc()
}

func (m *Metrics) IncRetryScheduled() {
	m.retriesScheduled.Inc()
}

func (m *Metrics) IncDeadLetter() {
	m.deadLetters.Inc()
}

func (m *Metrics) IncReconcileRun(success bool) {
	m.reconcileRuns.WithLabelValues(boolToResult(success)).Inc()
}

func (m *Metrics) IncPeerSync(peer string, success bool) {
	m.peerSyncs.WithLabelValues(peer, boolToResult(success)).Inc()
}

func (m *Metrics) IncIngressRequest(route string, code int) {
	m.ingressRequests.WithLabelValues(route, httpClass(code)).Inc()
}

func boolToResult(b bool) string {
	if b {
		return "success"
	}
	return "failure"
}

func httpClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func New(register bool) *Metrics {
	registry := prometheus.NewRegistry()
	namespace := "paneldns"

	m := &Metrics{
		registry: registry,

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of items in each durable queue",
		}, []string{"queue"}),

		queueOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_operations_total",
			Help:      "Total enqueue/dequeue operations per queue",
		}, []string{"queue", "operation"}),

		backendOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_operations_total",
			Help:      "Total backend driver operations",
		}, []string{"backend", "operation", "status"}),

		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_batch_duration_seconds",
			Help:      "Duration of save queue batches",
			Buckets:   prometheus.DefBuckets,
		}),

		zonesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zones_processed_total",
			Help:      "Total zones processed by the save drainer",
		}, []string{"status"}),

		retriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Total retry items scheduled",
		}),

		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total items moved to the dead letter table",
		}),

		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Total reconciliation passes",
		}, []string{"status"}),

		peerSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_syncs_total",
			Help:      "Total per-peer sync attempts",
		}, []string{"peer", "status"}),

		ingressRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_requests_total",
			Help:      "Total ingress HTTP requests",
		}, []string{"route", "code"}),
	}

	if register {
		registry.MustRegister(
			m.queueDepth,
			m.queueOps,
			m.backendOps,
			m.batchDuration,
			m.zonesProcessed,
			m.retriesScheduled,
			m.deadLetters,
			m.reconcileRuns,
			m.peerSyncs,
			m.ingressRequests,
		)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
