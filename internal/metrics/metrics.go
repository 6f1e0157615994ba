// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	SessionsByStatus   *prometheus.GaugeVec
	MessagesAppended   *prometheus.CounterVec
	InjectDuration     *prometheus.HistogramVec
	SchedulerTicks     *prometheus.CounterVec
	NotifyRetriesTotal *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics against a private registry (not the
// default global one, so multiple Metrics instances in tests don't collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aily_requests_total",
				Help: "Total number of dashboard gateway requests by route and status.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aily_request_duration_seconds",
				Help:    "Dashboard gateway request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		SessionsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aily_sessions_by_status",
				Help: "Number of known sessions currently in each status.",
			},
			[]string{"status"},
		),
		MessagesAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aily_messages_appended_total",
				Help: "Total messages appended to the store, by source.",
			},
			[]string{"source"},
		),
		InjectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aily_inject_duration_seconds",
				Help:    "Host Executor inject operation duration by host.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"host"},
		),
		SchedulerTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aily_scheduler_ticks_total",
				Help: "Total scheduler job ticks by job name.",
			},
			[]string{"job"},
		),
		NotifyRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aily_notify_retries_total",
				Help: "Total platform notify retries by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aily_errors_total",
				Help: "Total errors by module and relayerr code.",
			},
			[]string{"module", "code"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.SessionsByStatus)
	reg.MustRegister(m.MessagesAppended)
	reg.MustRegister(m.InjectDuration)
	reg.MustRegister(m.SchedulerTicks)
	reg.MustRegister(m.NotifyRetriesTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the gateway request counter.
func (m *Metrics) RecordRequest(route, status string) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// ObserveRequestDuration records gateway request duration.
func (m *Metrics) ObserveRequestDuration(route string, seconds float64) {
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// SetSessionsByStatus replaces the session-count gauge for one status value.
func (m *Metrics) SetSessionsByStatus(status string, count float64) {
	m.SessionsByStatus.WithLabelValues(status).Set(count)
}

// RecordMessageAppended increments the message counter for a source.
func (m *Metrics) RecordMessageAppended(source string) {
	m.MessagesAppended.WithLabelValues(source).Inc()
}

// ObserveInjectDuration records a Host Executor inject call's duration.
func (m *Metrics) ObserveInjectDuration(host string, seconds float64) {
	m.InjectDuration.WithLabelValues(host).Observe(seconds)
}

// RecordSchedulerTick increments the tick counter for a named job.
func (m *Metrics) RecordSchedulerTick(job string) {
	m.SchedulerTicks.WithLabelValues(job).Inc()
}

// RecordNotifyRetry increments the notify-retry counter for a platform.
func (m *Metrics) RecordNotifyRetry(platform, outcome string) {
	m.NotifyRetriesTotal.WithLabelValues(platform, outcome).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, code string) {
	m.ErrorsTotal.WithLabelValues(module, code).Inc()
}
