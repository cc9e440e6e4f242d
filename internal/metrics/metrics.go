// Package metrics bundles the Prometheus collectors shared by the batch
// commands and the HTTP API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	messagesStored  prometheus.Counter
	spamCandidates  *prometheus.CounterVec
	invalidFilters  prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "commands_total",
			Help:      "Commands executed, by command and outcome",
		}, []string{"command", "status"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gnasty",
			Name:      "command_duration_seconds",
			Help:      "Histogram of command durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		messagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "chat_messages_stored_total",
			Help:      "Chat log rows written",
		}),
		spamCandidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "spam_candidates_total",
			Help:      "Spam candidates produced, by source",
		}, []string{"source"}),
		invalidFilters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "invalid_filters_total",
			Help:      "Chat log queries rejected for a malformed filter",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gnasty",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
	}

	registry.MustRegister(
		m.commandsTotal,
		m.commandDuration,
		m.messagesStored,
		m.spamCandidates,
		m.invalidFilters,
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
	)

	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current values in the text exposition format,
// atomically replacing path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// ObserveCommand records the outcome and duration of one command run.
func (m *Metrics) ObserveCommand(command string, err error, dur time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.commandsTotal.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(dur.Seconds())
}

// AddMessagesStored adds n stored chat rows.
func (m *Metrics) AddMessagesStored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesStored.Add(float64(n))
}

// AddSpamCandidates adds n candidates produced from source ("export" or "log").
func (m *Metrics) AddSpamCandidates(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.spamCandidates.WithLabelValues(source).Add(float64(n))
}

// IncInvalidFilters increments the rejected filter counter.
func (m *Metrics) IncInvalidFilters() {
	if m == nil {
		return
	}
	m.invalidFilters.Inc()
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
