package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/splax/statusboard/internal/domain"
)

func TestMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveProbe(domain.StateUp, 10*time.Millisecond)
	m.ObserveProbe(domain.StateUp, 20*time.Millisecond)
	m.ObserveProbe(domain.StateOpaque, time.Second)
	m.ObserveSave("connected", time.Millisecond, errors.New("boom"))
	m.ObserveSave("fallback", time.Millisecond, nil)

	if got := testutil.ToFloat64(m.probeTotal.WithLabelValues("up")); got != 2 {
		t.Fatalf("expected 2 up probes, got %v", got)
	}
	if got := testutil.ToFloat64(m.saveTotal.WithLabelValues("connected", "error")); got != 1 {
		t.Fatalf("expected 1 failed connected save, got %v", got)
	}
}

func TestMetricsCountRequests(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRequest("GET", "/catalog", 200, time.Millisecond)
	m.ObserveRequest("GET", "/catalog", 200, time.Millisecond)
	m.ObserveRequest("POST", "/projects/{id}/check", 502, time.Second)
	m.ObserveRateLimited("/check", "ip")

	if got := testutil.ToFloat64(m.requestTotal.WithLabelValues("GET", "/catalog", "200")); got != 2 {
		t.Fatalf("expected 2 catalog reads, got %v", got)
	}
	if got := testutil.ToFloat64(m.rateLimited.WithLabelValues("/check", "ip")); got != 1 {
		t.Fatalf("expected 1 rate limit hit, got %v", got)
	}
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)
	if first.probeTotal != second.probeTotal {
		t.Fatal("expected existing collector to be reused")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveProbe(domain.StateDown, time.Millisecond)
	m.ObserveSave("fallback", time.Millisecond, nil)
	m.ObserveRequest("GET", "/", 200, time.Millisecond)
	m.ObserveRateLimited("/", "ip")
}
