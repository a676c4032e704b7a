// Package metrics declares the prometheus collectors shared by the sync engine and the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forumsync"

// Collectors groups every metric. A nil *Collectors is valid and records nothing.
type Collectors struct {
	mutationsApplied  *prometheus.CounterVec
	mutationsRejected *prometheus.CounterVec
	pulls             *prometheus.CounterVec
	pushes            *prometheus.CounterVec
	derivedEffects    *prometheus.CounterVec
	busDropped        prometheus.Counter
	online            prometheus.Gauge
	relayRequests     *prometheus.CounterVec
	pullDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on registerer. A nil registerer
// leaves them unregistered, which lets tests build several runtimes in one process.
func New(registerer prometheus.Registerer) *Collectors {
	factory := promauto.With(registerer)
	return &Collectors{
		mutationsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_applied_total",
			Help:      "Mutations committed to the local cache.",
		}, []string{"collection", "kind", "origin"}),
		mutationsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_rejected_total",
			Help:      "Mutations rejected before any state change.",
		}, []string{"collection", "reason"}),
		pulls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulls_total",
			Help:      "Remote pulls by outcome.",
		}, []string{"collection", "result"}),
		pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Remote pushes by outcome.",
		}, []string{"result"}),
		derivedEffects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_effects_total",
			Help:      "Secondary effects produced by the derived-state engine.",
		}, []string{"effect", "result"}),
		busDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Change notifications dropped because a subscriber queue was full.",
		}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_online",
			Help:      "1 while the remote source is reachable.",
		}),
		relayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Relay HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		pullDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_duration_seconds",
			Help:      "Duration of remote pulls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"collection"}),
	}
}

func (c *Collectors) MutationApplied(collection, kind, origin string) {
	if c == nil {
		return
	}
	c.mutationsApplied.WithLabelValues(collection, kind, origin).Inc()
}

func (c *Collectors) MutationRejected(collection, reason string) {
	if c == nil {
		return
	}
	c.mutationsRejected.WithLabelValues(collection, reason).Inc()
}

func (c *Collectors) Pull(collection, result string, seconds float64) {
	if c == nil {
		return
	}
	c.pulls.WithLabelValues(collection, result).Inc()
	c.pullDuration.WithLabelValues(collection).Observe(seconds)
}

func (c *Collectors) Push(result string) {
	if c == nil {
		return
	}
	c.pushes.WithLabelValues(result).Inc()
}

func (c *Collectors) DerivedEffect(effect string, failed bool) {
	if c == nil {
		return
	}
	result := "ok"
	if failed {
		result = "failed"
	}
	c.derivedEffects.WithLabelValues(effect, result).Inc()
}

func (c *Collectors) BusDropped() {
	if c == nil {
		return
	}
	c.busDropped.Inc()
}

// SetOnline mirrors the connectivity flag.
func (c *Collectors) SetOnline(online bool) {
	if c == nil {
		return
	}
	if online {
		c.online.Set(1)
		return
	}
	c.online.Set(0)
}

func (c *Collectors) RelayRequest(route string, status int) {
	if c == nil {
		return
	}
	c.relayRequests.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
