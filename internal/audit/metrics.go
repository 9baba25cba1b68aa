package audit

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the automation pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	Outcomes        *prometheus.CounterVec
	RateDenials     *prometheus.CounterVec
	SendDuration    *prometheus.HistogramVec
	DuplicateEvents prometheus.Counter
	ScheduledPosts  prometheus.Gauge
	AlertsQueued    prometheus.Counter
	AlertsDelivered *prometheus.CounterVec
}

// NewMetrics creates the collectors on a dedicated registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instapipe_automation_outcomes_total",
			Help: "Audited automation outcomes by kind",
		}, []string{"kind", "outcome"}),
		RateDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instapipe_rate_limit_denials_total",
			Help: "Reservations refused by the rate limiter",
		}, []string{"kind", "reason"}),
		SendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "instapipe_send_duration_seconds",
			Help:    "Time spent performing outbound Instagram actions",
			Buckets: prometheus.DefBuckets,
		}, []string{"action", "result"}),
		DuplicateEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "instapipe_duplicate_events_total",
			Help: "Inbound events dropped because their id was already processed",
		}),
		ScheduledPosts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "instapipe_scheduled_posts",
			Help: "Active scheduled_post rules registered with the post scheduler",
		}),
		AlertsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "instapipe_alerts_queued_total",
			Help: "Operator alerts placed in the outbox",
		}),
		AlertsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instapipe_alert_deliveries_total",
			Help: "Operator alert send attempts by result",
		}, []string{"result"}),
	}
}

// ObserveAlert counts one alert send attempt.
func (m *Metrics) ObserveAlert(err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.AlertsDelivered.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
