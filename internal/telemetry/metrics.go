// Package telemetry exposes prometheus collectors for probes, saves and API
// requests.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/statusboard/internal/domain"
)

var histogramBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics records probe, persistence and HTTP outcomes.
type Metrics struct {
	probeTotal     *prometheus.CounterVec
	probeDuration  *prometheus.HistogramVec
	saveTotal      *prometheus.CounterVec
	saveDuration   *prometheus.HistogramVec
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimited    *prometheus.CounterVec
}

// New registers the collectors on reg, reusing collectors that are already
// registered. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		probeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statusboard",
			Subsystem: "probe",
			Name:      "results_total",
			Help:      "Count of probe results by state",
		}, []string{"state"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "statusboard",
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Time taken to resolve a probe",
			Buckets:   histogramBuckets,
		}, []string{"state"}),
		saveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statusboard",
			Subsystem: "persist",
			Name:      "saves_total",
			Help:      "Count of save attempts by target and outcome",
		}, []string{"target", "outcome"}),
		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "statusboard",
			Subsystem: "persist",
			Name:      "save_duration_seconds",
			Help:      "Latency of save attempts",
			Buckets:   histogramBuckets,
		}, []string{"target"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statusboard",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "statusboard",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statusboard",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}),
	}
	m.probeTotal = registerCounter(reg, m.probeTotal)
	m.probeDuration = registerHistogram(reg, m.probeDuration)
	m.saveTotal = registerCounter(reg, m.saveTotal)
	m.saveDuration = registerHistogram(reg, m.saveDuration)
	m.requestTotal = registerCounter(reg, m.requestTotal)
	m.requestLatency = registerHistogram(reg, m.requestLatency)
	m.rateLimited = registerCounter(reg, m.rateLimited)
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// ObserveProbe implements probe.Observer.
func (m *Metrics) ObserveProbe(state domain.ProbeState, duration time.Duration) {
	if m == nil {
		return
	}
	m.probeTotal.WithLabelValues(string(state)).Inc()
	m.probeDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
}

// ObserveSave records one write to target ("connected" or "fallback").
func (m *Metrics) ObserveSave(target string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.saveTotal.WithLabelValues(target, outcome).Inc()
	m.saveDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// ObserveRequest records one handled request. route must already have ids
// collapsed.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimited counts a rejected request by route and key kind.
func (m *Metrics) ObserveRateLimited(route, keyKind string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route, keyKind).Inc()
}
