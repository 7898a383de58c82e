// Package metrics holds the Prometheus metrics for the voice agent daemon.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsEnded     *prometheus.CounterVec
	SetupStepDuration *prometheus.HistogramVec

	// Event flow
	StaleEventsTotal   *prometheus.CounterVec
	HeartbeatFailures  prometheus.Counter
	TurnsCommitted     *prometheus.CounterVec
	ProfileFieldsTotal *prometheus.CounterVec
	ParseErrorsTotal   *prometheus.CounterVec
	EventsDroppedTotal prometheus.Counter
	ArchiveErrorsTotal prometheus.Counter
	FallbackCallsTotal *prometheus.CounterVec

	// Control API
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "echospark"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_sessions_active",
			Help:      "Number of voice sessions past setup and not yet torn down",
		},
	)

	sessionsStarted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_session_attempts_total",
			Help:      "Total number of session start attempts",
		},
	)

	sessionsEnded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_sessions_ended_total",
			Help:      "Total number of sessions ended, by outcome",
		},
		[]string{"outcome"},
	)

	setupStepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voice_setup_step_duration_seconds",
			Help:      "Duration of each session setup step",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"step", "result"},
	)

	staleEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_stale_events_total",
			Help:      "Events discarded because they belonged to a superseded attempt",
		},
		[]string{"source"},
	)

	heartbeatFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_heartbeat_failures_total",
			Help:      "Total failed agent pings",
		},
	)

	turnsCommitted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_turns_committed_total",
			Help:      "Transcript turns committed to history",
		},
		[]string{"speaker"},
	)

	profileFields := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_profile_fields_total",
			Help:      "Profile fields merged into the draft",
		},
		[]string{"source"},
	)

	parseErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_parse_errors_total",
			Help:      "Dropped malformed transcript updates, markers and frames",
		},
		[]string{"kind"},
	)

	eventsDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_observer_events_dropped_total",
			Help:      "Observer events dropped because the event buffer was full",
		},
	)

	archiveErrors := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_archive_errors_total",
			Help:      "Transcript archive writes that failed or were dropped",
		},
	)

	fallbackCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_profile_fallback_calls_total",
			Help:      "Model-backed profile extraction calls",
		},
		[]string{"result"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Control API requests",
		},
		[]string{"route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_request_duration_seconds",
			Help:      "Control API request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"route"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsStarted,
		sessionsEnded,
		setupStepDuration,
		staleEvents,
		heartbeatFailures,
		turnsCommitted,
		profileFields,
		parseErrors,
		eventsDropped,
		archiveErrors,
		fallbackCalls,
		requestsTotal,
		requestDuration,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		SessionsStarted:    sessionsStarted,
		SessionsEnded:      sessionsEnded,
		SetupStepDuration:  setupStepDuration,
		StaleEventsTotal:   staleEvents,
		HeartbeatFailures:  heartbeatFailures,
		TurnsCommitted:     turnsCommitted,
		ProfileFieldsTotal: profileFields,
		ParseErrorsTotal:   parseErrors,
		EventsDroppedTotal: eventsDropped,
		ArchiveErrorsTotal: archiveErrors,
		FallbackCallsTotal: fallbackCalls,
		RequestsTotal:      requestsTotal,
		RequestDuration:    requestDuration,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordAttempt() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) RecordSessionUp() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a teardown. wasUp reports whether the session
// had reached a running state.
func (m *Metrics) RecordSessionEnd(outcome string, wasUp bool) {
	if m == nil {
		return
	}
	if wasUp {
		m.SessionsActive.Dec()
	}
	m.SessionsEnded.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStep(step string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SetupStepDuration.WithLabelValues(step, result).Observe(d.Seconds())
}

func (m *Metrics) RecordStale(source string) {
	if m == nil {
		return
	}
	m.StaleEventsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordHeartbeatFailure() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}

func (m *Metrics) RecordTurn(speaker string) {
	if m == nil {
		return
	}
	m.TurnsCommitted.WithLabelValues(speaker).Inc()
}

func (m *Metrics) RecordProfileField(source string) {
	if m == nil {
		return
	}
	m.ProfileFieldsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordParseError(kind string) {
	if m == nil {
		return
	}
	m.ParseErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}

func (m *Metrics) RecordArchiveError() {
	if m == nil {
		return
	}
	m.ArchiveErrorsTotal.Inc()
}

func (m *Metrics) RecordFallback(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FallbackCallsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
