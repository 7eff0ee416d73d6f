package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/statusboard/internal/domain"
	"github.com/splax/statusboard/internal/probe"
)

type countingChecker struct {
	calls atomic.Int32
	err   error
}

func (c *countingChecker) CheckAll(ctx context.Context) error {
	c.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("sweep without deadline")
	}
	return c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestRunWithoutIntervalSweepsOnce(t *testing.T) {
	checker := &countingChecker{}
	ctrl := New(checker, 0, testLogger())

	done := make(chan struct{})
	go func() {
		ctrl.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return without an interval")
	}
	if got := checker.calls.Load(); got != 1 {
		t.Fatalf("expected one sweep, got %d", got)
	}
}

func TestRunSweepsPeriodically(t *testing.T) {
	checker := &countingChecker{err: errors.New("partial")}
	ctrl := New(checker, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for checker.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated sweeps, got %d", checker.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestNilControllerIsNoop(t *testing.T) {
	ctrl := New(nil, time.Second, testLogger())
	if ctrl != nil {
		t.Fatal("expected nil controller without checker")
	}
	ctrl.Run(context.Background())
}

func TestSweepDeadlineCoversMinSweep(t *testing.T) {
	cases := []struct {
		name     string
		interval time.Duration
		minSweep time.Duration
		want     time.Duration
	}{
		{name: "interval caps default", interval: time.Minute, want: time.Minute},
		{name: "default caps long interval", interval: time.Hour, want: sweepTimeout},
		{name: "floor lifts short interval", interval: time.Second, minSweep: 16 * time.Second, want: 16 * time.Second},
		{name: "floor below interval", interval: time.Minute, minSweep: 16 * time.Second, want: time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := New(&countingChecker{}, tc.interval, testLogger(), WithMinSweep(tc.minSweep))
			if got := ctrl.sweepTimeout(); got != tc.want {
				t.Fatalf("sweep timeout = %s, want %s", got, tc.want)
			}
		})
	}
}

type probingChecker struct {
	engine *probe.Engine
	result chan domain.ProbeResult
}

func (c *probingChecker) CheckAll(ctx context.Context) error {
	c.result <- c.engine.Probe(ctx, domain.Environment{ID: "e_slow", URL: "https://slow.example.com"})
	return nil
}

type slowOrigin struct{}

// Fetch never answers the transparent attempt and answers the opaque one
// only after the sweep interval has long passed.
func (slowOrigin) Fetch(ctx context.Context, _ string, mode probe.Mode) (*probe.Response, error) {
	if mode == probe.ModeTransparent {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-time.After(60 * time.Millisecond):
		return &probe.Response{Opaque: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestShortIntervalLeavesOpaqueAttemptItsBudget(t *testing.T) {
	engine := probe.New(slowOrigin{}, testLogger(), probe.WithTimeouts(100*time.Millisecond, 100*time.Millisecond))
	checker := &probingChecker{engine: engine, result: make(chan domain.ProbeResult, 1)}
	ctrl := New(checker, 10*time.Millisecond, testLogger(), WithMinSweep(engine.Budget()))

	ctrl.runIteration(context.Background())

	select {
	case res := <-checker.result:
		if res.State != domain.StateOpaque {
			t.Fatalf("expected opaque state, got %s (%s)", res.State, *res.Detail)
		}
	default:
		t.Fatal("sweep did not probe")
	}
}
