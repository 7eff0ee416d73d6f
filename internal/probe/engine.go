// Package probe decides the reachability state of an environment.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/statusboard/internal/domain"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultOpaqueTimeout = 6 * time.Second

	detailNoURL       = "No URL"
	detailOK          = "CORS OK"
	detailOpaque      = "CORS blocked (opaque). Consider enabling CORS or using a proxy."
	detailUnreachable = "Network error or blocked"
)

// Observer receives probe outcomes, typically for metrics.
type Observer interface {
	ObserveProbe(state domain.ProbeState, duration time.Duration)
}

// Engine runs the tiered probe against a Fetcher.
type Engine struct {
	fetcher       Fetcher
	timeout       time.Duration
	opaqueTimeout time.Duration
	observer      Observer
	logger        *slog.Logger
	now           func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithTimeouts overrides the per-attempt timeouts. The opaque timeout is
// never allowed to exceed the transparent one.
func WithTimeouts(transparent, opaque time.Duration) Option {
	return func(e *Engine) {
		if transparent > 0 {
			e.timeout = transparent
		}
		if opaque > 0 {
			e.opaqueTimeout = opaque
		}
	}
}

// Budget is the longest a single Probe can take: both attempts at their
// full timeouts.
func (e *Engine) Budget() time.Duration {
	return e.timeout + e.opaqueTimeout
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New constructs an Engine.
func New(fetcher Fetcher, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		fetcher:       fetcher,
		timeout:       DefaultTimeout,
		opaqueTimeout: DefaultOpaqueTimeout,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.opaqueTimeout > e.timeout {
		e.opaqueTimeout = e.timeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "probe")
	return e
}

type strategy struct {
	mode      Mode
	timeout   time.Duration
	interpret func(*Response) (domain.ProbeState, *int, string)
}

func (e *Engine) strategies() []strategy {
	return []strategy{
		{mode: ModeTransparent, timeout: e.timeout, interpret: readStatus},
		{mode: ModeOpaque, timeout: e.opaqueTimeout, interpret: assumeReachable},
	}
}

func readStatus(res *Response) (domain.ProbeState, *int, string) {
	code := res.StatusCode
	if code >= 200 && code < 300 {
		return domain.StateUp, &code, detailOK
	}
	return domain.StateDown, &code, fmt.Sprintf("HTTP %d", code)
}

func assumeReachable(*Response) (domain.ProbeState, *int, string) {
	return domain.StateOpaque, nil, detailOpaque
}

// Probe determines the current state of env. It never returns an error:
// every failure is folded into the result. Each attempt gets its own timeout
// derived from ctx, so an expired transparent attempt does not cancel the
// opaque fallback.
func (e *Engine) Probe(ctx context.Context, env domain.Environment) domain.ProbeResult {
	start := time.Now()
	result := e.probe(ctx, env)
	if e.observer != nil {
		e.observer.ObserveProbe(result.State, time.Since(start))
	}
	return result
}

func (e *Engine) probe(ctx context.Context, env domain.Environment) domain.ProbeResult {
	url := domain.SanitizeURL(env.URL)
	if url == "" {
		return e.result(domain.StateUnknown, nil, detailNoURL)
	}
	for _, st := range e.strategies() {
		res, err := e.attempt(ctx, url, st)
		if err != nil {
			e.logger.Debug("probe attempt failed", "environment_id", env.ID, "mode", st.mode.String(), "error", err)
			continue
		}
		state, code, detail := st.interpret(res)
		return e.result(state, code, detail)
	}
	return e.result(domain.StateDown, nil, detailUnreachable)
}

func (e *Engine) attempt(ctx context.Context, url string, st strategy) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	res, err := e.fetcher.Fetch(attemptCtx, url, st.mode)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%s fetch returned no response", st.mode)
	}
	return res, nil
}

func (e *Engine) result(state domain.ProbeState, code *int, detail string) domain.ProbeResult {
	checked := e.now().UTC().Truncate(time.Millisecond)
	return domain.ProbeResult{State: state, HTTPStatus: code, CheckedAt: &checked, Detail: &detail}
}
