// Package metrics holds the Prometheus collectors for the protocol peers.
//
// A nil *Protocol is valid and records nothing, so packages can take metrics
// as an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thingrpc"

// Protocol contains the collectors shared by the client and server sides.
type Protocol struct {
	Calls          *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	Pending        prometheus.Gauge
	Orphaned       prometheus.Counter
	Notifications  *prometheus.CounterVec
	Connections    prometheus.Gauge
	DecodeErrors   prometheus.Counter
	RuleExecutions *prometheus.CounterVec
}

// NewProtocol creates the collectors and registers them with reg. The side
// label ("client" or "server") keeps both peers apart in one process.
func NewProtocol(reg prometheus.Registerer, side string) (*Protocol, error) {
	labels := prometheus.Labels{"side": side}
	p := &Protocol{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "calls_total",
			Help:        "Requests handled, by method and transport status",
			ConstLabels: labels,
		}, []string{"method", "status"}),

		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "call_duration_seconds",
			Help:        "Time from request to response",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"method"}),

		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "pending_requests",
			Help:        "Requests waiting for a response",
			ConstLabels: labels,
		}),

		Orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "orphaned_responses_total",
			Help:        "Responses whose id matched no pending request",
			ConstLabels: labels,
		}),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "notifications_total",
			Help:        "Notifications sent or received, by method",
			ConstLabels: labels,
		}, []string{"method"}),

		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "connections",
			Help:        "Open protocol connections",
			ConstLabels: labels,
		}),

		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "decode_errors_total",
			Help:        "Frames that did not contain valid JSON",
			ConstLabels: labels,
		}),

		RuleExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rules",
			Name:        "executions_total",
			Help:        "Rule actions executed, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		p.Calls, p.CallDuration, p.Pending, p.Orphaned,
		p.Notifications, p.Connections, p.DecodeErrors, p.RuleExecutions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Protocol) CallDone(method, status string, seconds float64) {
	if p == nil {
		return
	}
	p.Calls.WithLabelValues(method, status).Inc()
	p.CallDuration.WithLabelValues(method).Observe(seconds)
}

func (p *Protocol) PendingAdd(delta float64) {
	if p == nil {
		return
	}
	p.Pending.Add(delta)
}

func (p *Protocol) OrphanedResponse() {
	if p == nil {
		return
	}
	p.Orphaned.Inc()
}

func (p *Protocol) Notification(method string) {
	if p == nil {
		return
	}
	p.Notifications.WithLabelValues(method).Inc()
}

func (p *Protocol) ConnectionAdd(delta float64) {
	if p == nil {
		return
	}
	p.Connections.Add(delta)
}

func (p *Protocol) DecodeError() {
	if p == nil {
		return
	}
	p.DecodeErrors.Inc()
}

func (p *Protocol) RuleExecuted(outcome string) {
	if p == nil {
		return
	}
	p.RuleExecutions.WithLabelValues(outcome).Inc()
}

// Handler exposes the collectors of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
