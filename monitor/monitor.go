// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "roomserver"

var (
	startTime = time.Now()
	requests  = expvar.NewInt("requests")
)

func init() {
	expvar.Publish("uptime", expvar.Func(func() interface{} {
		return time.Since(startTime).Seconds()
	}))
}

type Metrics struct {
	OnlineSessions     prometheus.Gauge
	ActiveRooms        prometheus.Gauge
	MessagesReceived   *prometheus.CounterVec
	MessageLatency     prometheus.Histogram
	AdmissionsRejected *prometheus.CounterVec
	TeamOverflows      prometheus.Counter
	RoomsEvicted       prometheus.Counter
	MessagesDropped    prometheus.Counter
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OnlineSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_sessions",
			Help:      "Number of connected sessions",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of live rooms",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound messages by event",
		}, []string{"event"}),
		MessageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_latency_seconds",
			Help:      "Inbound message processing latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		AdmissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_rejected_total",
			Help:      "Rejected room admissions by reason",
		}, []string{"reason"}),
		TeamOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "team_overflows_total",
			Help:      "Players that could not be placed on a team",
		}),
		RoomsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_evicted_total",
			Help:      "Empty rooms removed from the registry",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Outbound messages dropped because a session outbox was full",
		}),
	}

	reg.MustRegister(
		m.OnlineSessions,
		m.ActiveRooms,
		m.MessagesReceived,
		m.MessageLatency,
		m.AdmissionsRejected,
		m.TeamOverflows,
		m.RoomsEvicted,
		m.MessagesDropped,
	)

	return m
}

// Monitor owns a private registry so several servers can live in one process (tests).
// A nil *Monitor is valid and records nothing.
type Monitor struct {
	metrics  *Metrics
	registry *prometheus.Registry
}

func NewMonitor(namespace string) *Monitor {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Monitor{
		metrics:  NewMetrics(namespace, reg),
		registry: reg,
	}
}

// Handler serves the prometheus exposition format for this monitor's registry.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Monitor) IncOnlineSessions() {
	if m == nil {
		return
	}
	m.metrics.OnlineSessions.Inc()
}

func (m *Monitor) DecOnlineSessions() {
	if m == nil {
		return
	}
	m.metrics.OnlineSessions.Dec()
}

func (m *Monitor) SetActiveRooms(count int) {
	if m == nil {
		return
	}
	m.metrics.ActiveRooms.Set(float64(count))
}

func (m *Monitor) IncMessagesReceived(event string) {
	if m == nil {
		return
	}
	m.metrics.MessagesReceived.WithLabelValues(event).Inc()
	requests.Add(1)
}

func (m *Monitor) ObserveMessageLatency(duration time.Duration) {
	if m == nil {
		return
	}
	m.metrics.MessageLatency.Observe(duration.Seconds())
}

func (m *Monitor) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.metrics.AdmissionsRejected.WithLabelValues(reason).Inc()
}

func (m *Monitor) TeamOverflow() {
	if m == nil {
		return
	}
	m.metrics.TeamOverflows.Inc()
}

func (m *Monitor) RoomEvicted() {
	if m == nil {
		return
	}
	m.metrics.RoomsEvicted.Inc()
}

func (m *Monitor) MessageDropped() {
	if m == nil {
		return
	}
	m.metrics.MessagesDropped.Inc()
}
