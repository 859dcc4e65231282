package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers workflow transitions, mirror synchronization, notifications
// and HTTP traffic. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions    *prometheus.CounterVec
	SyncJobs       *prometheus.CounterVec
	SyncDuration   prometheus.Histogram
	SyncQueueDepth prometheus.Gauge
	Notifications  *prometheus.CounterVec
	InvitesExpired prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// New registers every metric with reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refflow_transitions_total",
			Help: "Workflow operations by name and outcome (ok or the error kind)",
		}, []string{"operation", "outcome"}),
		SyncJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refflow_sync_jobs_total",
			Help: "Mirror jobs by entity kind and outcome (synced, deferred, dropped)",
		}, []string{"kind", "outcome"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "refflow_sync_duration_seconds",
			Help:    "Duration of a single mirror write",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		SyncQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "refflow_sync_retry_queue_depth",
			Help: "Mirror jobs parked for retry",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refflow_notifications_total",
			Help: "Notification deliveries by event and outcome",
		}, []string{"event", "outcome"}),
		InvitesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "refflow_invites_expired_total",
			Help: "Pending invites expired by the sweep",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refflow_http_requests_total",
			Help: "HTTP requests by method, route pattern and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refflow_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) ObserveTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveSync(kind, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.SyncJobs.WithLabelValues(kind, outcome).Inc()
	if !start.IsZero() {
		m.SyncDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.SyncQueueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveNotification(event, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) AddExpiredInvites(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.InvitesExpired.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
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
