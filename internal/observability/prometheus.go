// Package observability provides engine observers that export Prometheus
// metrics and OpenTelemetry traces.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/graphflow/pkg/api"
)

// PrometheusObserver records run and node metrics.
type PrometheusObserver struct {
	api.NoopObserver

	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runsInFlight *prometheus.GaugeVec
	invocations  *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	gatesOpened  *prometheus.CounterVec
}

// NewPrometheusObserver registers the metrics on reg under namespace.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusObserver{
		runsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started or resumed.",
		}, []string{"graph"}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"graph", "status"}),
		runsInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Runs currently executing in this process.",
		}, []string{"graph"}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_invocations_total",
			Help:      "Node invocations by outcome.",
		}, []string{"graph", "node", "kind", "outcome"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node invocation duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"graph", "node"}),
		gatesOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gates_opened_total",
			Help:      "Gates that started waiting for a decision.",
		}, []string{"node"}),
	}
}

func (p *PrometheusObserver) OnRunStart(ctx context.Context, run *api.RunInstance) {
	p.runsStarted.WithLabelValues(run.Graph).Inc()
	p.runsInFlight.WithLabelValues(run.Graph).Inc()
}

func (p *PrometheusObserver) OnRunCompleted(ctx context.Context, run *api.RunInstance) {
	p.finish(run)
}

func (p *PrometheusObserver) OnRunFailed(ctx context.Context, run *api.RunInstance, err error) {
	p.finish(run)
}

func (p *PrometheusObserver) finish(run *api.RunInstance) {
	p.runsFinished.WithLabelValues(run.Graph, string(run.Status)).Inc()
	p.runsInFlight.WithLabelValues(run.Graph).Dec()
}

func (p *PrometheusObserver) OnNodeCompleted(ctx context.Context, ev api.NodeEvent, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.invocations.WithLabelValues(ev.Graph, ev.Node, string(ev.Kind), outcome).Inc()
	p.nodeDuration.WithLabelValues(ev.Graph, ev.Node).Observe(d.Seconds())
}

func (p *PrometheusObserver) OnGatePending(ctx context.Context, req api.GateRequest) {
	p.gatesOpened.WithLabelValues(req.NodeID).Inc()
}
