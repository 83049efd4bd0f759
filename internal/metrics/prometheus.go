package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldsync"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	queueDepth       prom.Gauge
	dispatches       *prom.CounterVec
	dispatchDuration prom.Histogram
	reconciles       *prom.CounterVec
	authorityWrites  *prom.CounterVec
	hubConnections   prom.Gauge
	broadcasts       *prom.CounterVec
	broadcastDropped prom.Counter
}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Ops waiting for delivery (pending or inflight)",
		}),
		dispatches: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched ops by outcome",
		}, []string{"outcome"}),
		dispatchDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Round trip time of a dispatched op",
			Buckets:   prom.DefBuckets,
		}),
		reconciles: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Full reconciliations by result",
		}, []string{"result"}),
		authorityWrites: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "authority_writes_total",
			Help:      "Writes handled by the authority by result",
		}, []string{"result"}),
		hubConnections: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_connections",
			Help:      "Authenticated push connections",
		}),
		broadcasts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "hub_broadcasts_total",
			Help:      "Broadcast envelopes by type",
		}, []string{"type"}),
		broadcastDropped: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "hub_broadcast_dropped_total",
			Help:      "Envelopes dropped because a subscriber buffer was full",
		}),
	}
	reg.MustRegister(pr.queueDepth, pr.dispatches, pr.dispatchDuration, pr.reconciles,
		pr.authorityWrites, pr.hubConnections, pr.broadcasts, pr.broadcastDropped)
	return pr
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) IncDispatch(outcome Outcome) {
	p.dispatches.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveDispatchDuration(d time.Duration) {
	p.dispatchDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncReconcile(success bool) {
	res := "failed"
	if success {
		res = "success"
	}
	p.reconciles.WithLabelValues(res).Inc()
}

func (p *PrometheusRecorder) IncAuthorityWrite(result string) {
	p.authorityWrites.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) SetHubConnections(n int) {
	p.hubConnections.Set(float64(n))
}

func (p *PrometheusRecorder) IncBroadcast(eventType string) {
	p.broadcasts.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRecorder) AddBroadcastDropped(n int) {
	p.broadcastDropped.Add(float64(n))
}

// HTTPHandler returns an http.Handler that serves the metrics in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
