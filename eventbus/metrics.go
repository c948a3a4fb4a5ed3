package eventbus

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the bus's Prometheus collectors.
type Metrics struct {
	published       *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	dropped         *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "eventbus",
			Name:      "events_published_total",
			Help:      "Events appended to the log, by event type.",
		}, []string{"type"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "eventbus",
			Name:      "events_delivered_total",
			Help:      "Successful handler invocations, by subscription.",
		}, []string{"subscription"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "eventbus",
			Name:      "handler_failures_total",
			Help:      "Contained handler errors and panics, by subscription.",
		}, []string{"subscription"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "eventbus",
			Name:      "events_dropped_total",
			Help:      "Events dropped because an async subscriber's buffer was full.",
		}, []string{"subscription"}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.delivered, m.handlerFailures, m.dropped)
	}
	return m
}
