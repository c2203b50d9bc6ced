// Package metrics exposes linkmux counters and gauges in the Prometheus text
// format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"linkmux/internal/broadcast"
	"linkmux/internal/eventbus"
	"linkmux/internal/link"
	"linkmux/internal/session"
)

const namespace = "linkmux"

type Metrics struct {
	reg *prometheus.Registry

	transitions *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	exhausted   prometheus.Counter
	cleared     *prometheus.CounterVec
	messages    *prometheus.CounterVec
	storeOps    *prometheus.CounterVec
	cache       *prometheus.CounterVec
}

// New builds the metric set. Session gauges are read from sessions at scrape
// time; pass nil to omit them.
func New(sessions *session.Registry) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session status changes by target status.",
		}, []string{"to"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects scheduled by close class.",
		}, []string{"class"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_exhausted_total",
			Help:      "Sessions that stopped reconnecting after the attempt limit.",
		}),
		cleared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_cleared_total",
			Help:      "Credential wipes by reason.",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Broadcast recipient outcomes.",
		}, []string{"outcome"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credstore_ops_total",
			Help:      "Durable credential store operations.",
		}, []string{"op", "result"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credstore_cache_total",
			Help:      "Credential cache lookups.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.transitions, m.reconnects, m.exhausted, m.cleared, m.messages, m.storeOps, m.cache,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if sessions != nil {
		m.reg.MustRegister(&sessionCollector{reg: sessions})
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// StoreOp implements credstore.Observer.
func (m *Metrics) StoreOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOps.WithLabelValues(op, result).Inc()
}

// CacheLookup implements credstore.Observer.
func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

// Delivered implements broadcast.Observer.
func (m *Metrics) Delivered(outcome broadcast.Outcome) {
	m.messages.WithLabelValues(string(outcome)).Inc()
}

// Follow subscribes to the session lifecycle events on bus and returns the
// loop that counts them. The subscription is live before Follow returns. Call
// it once per Metrics.
func (m *Metrics) Follow(bus eventbus.Bus) func(ctx context.Context) {
	events, unsubscribe := bus.Subscribe(256,
		link.EventStatus, link.EventReconnectScheduled, link.EventReconnectExhausted, link.EventCredentialsCleared)
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Events not delivered to a full subscriber.",
	}, func() float64 { return float64(bus.Dropped()) }))
	return func(ctx context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				m.observe(e)
			}
		}
	}
}

func (m *Metrics) observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case link.StatusChange:
		m.transitions.WithLabelValues(d.To.String()).Inc()
	case link.ReconnectScheduled:
		if e.Type == link.EventReconnectExhausted {
			m.exhausted.Inc()
			return
		}
		m.reconnects.WithLabelValues(d.Class.String()).Inc()
	case link.CredentialsCleared:
		m.cleared.WithLabelValues(d.Reason).Inc()
	}
}

type sessionCollector struct {
	reg *session.Registry
}

var sessionsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "sessions"),
	"Sessions by status.",
	[]string{"status"}, nil,
)

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) { ch <- sessionsDesc }

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.reg.Counts() {
		ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(n), status.String())
	}
}
