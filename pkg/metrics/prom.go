// Package metrics exports channel instrumentation to Prometheus.
package metrics

import (
	"time"

	"pvgateway/pkg/channel"

	"github.com/prometheus/client_golang/prometheus"
)

// PromObserver implements channel.Observer.
type PromObserver struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	state      *prometheus.GaugeVec
	events     *prometheus.CounterVec
}

// NewPromObserver creates the collectors and registers them with reg.
func NewPromObserver(reg prometheus.Registerer) (*PromObserver, error) {
	p := PromObserver{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvgw_channel_operations_total",
			Help: "Channel operations by operation and result.",
		}, []string{"channel", "op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pvgw_channel_operation_seconds",
			Help:    "Latency of channel operations including worker queueing.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pvgw_channel_state",
			Help: "Current connection state per channel (1 for the active state).",
		}, []string{"channel", "state"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvgw_monitor_events_total",
			Help: "Monitor events delivered or dropped on a full buffer.",
		}, []string{"channel", "outcome"}),
	}

	for _, c := range []prometheus.Collector{p.operations, p.latency, p.state, p.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (p *PromObserver) ObserveOperation(source, op string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.operations.WithLabelValues(source, op, result).Inc()
	p.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

var allStates = []channel.State{
	channel.StateDisconnected,
	channel.StateConnecting,
	channel.StateConnected,
	channel.StateFailed,
}

func (p *PromObserver) ObserveState(source string, state channel.State) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(source, s.String()).Set(v)
	}
}

func (p *PromObserver) ObserveMonitorEvent(source string, dropped bool) {
	outcome := "delivered"
	if dropped {
		outcome = "dropped"
	}
	p.events.WithLabelValues(source, outcome).Inc()
}

// Forget removes the per channel series of source.
func (p *PromObserver) Forget(source string) {
	p.operations.DeletePartialMatch(prometheus.Labels{"channel": source})
	p.state.DeletePartialMatch(prometheus.Labels{"channel": source})
	p.events.DeletePartialMatch(prometheus.Labels{"channel": source})
}

var _ channel.Observer = (*PromObserver)(nil)
