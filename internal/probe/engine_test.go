package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/splax/statusboard/internal/domain"
)

type fetchFunc func(ctx context.Context, url string, mode Mode) (*Response, error)

type stubFetcher struct {
	mu    sync.Mutex
	calls []Mode
	fn    fetchFunc
}

func (s *stubFetcher) Fetch(ctx context.Context, url string, mode Mode) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, mode)
	s.mu.Unlock()
	return s.fn(ctx, url, mode)
}

type recordingObserver struct {
	states []domain.ProbeState
}

func (r *recordingObserver) ObserveProbe(state domain.ProbeState, _ time.Duration) {
	r.states = append(r.states, state)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
}

func newTestEngine(f Fetcher, opts ...Option) *Engine {
	e := New(f, testLogger(), opts...)
	e.now = fixedNow
	return e
}

func TestProbeOutcomes(t *testing.T) {
	errNetwork := errors.New("connection refused")
	cases := []struct {
		name       string
		fn         fetchFunc
		wantState  domain.ProbeState
		wantStatus int
		wantDetail string
		wantCalls  int
	}{
		{
			name: "success",
			fn: func(context.Context, string, Mode) (*Response, error) {
				return &Response{StatusCode: 200}, nil
			},
			wantState: domain.StateUp, wantStatus: 200, wantDetail: "CORS OK", wantCalls: 1,
		},
		{
			name: "server error",
			fn: func(context.Context, string, Mode) (*Response, error) {
				return &Response{StatusCode: 503}, nil
			},
			wantState: domain.StateDown, wantStatus: 503, wantDetail: "HTTP 503", wantCalls: 1,
		},
		{
			name: "opaque fallback",
			fn: func(_ context.Context, _ string, mode Mode) (*Response, error) {
				if mode == ModeTransparent {
					return nil, errNetwork
				}
				return &Response{Opaque: true}, nil
			},
			wantState:  domain.StateOpaque,
			wantDetail: "CORS blocked (opaque). Consider enabling CORS or using a proxy.",
			wantCalls:  2,
		},
		{
			name: "unreachable",
			fn: func(context.Context, string, Mode) (*Response, error) {
				return nil, errNetwork
			},
			wantState: domain.StateDown, wantDetail: "Network error or blocked", wantCalls: 2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := &stubFetcher{fn: tc.fn}
			obs := &recordingObserver{}
			engine := newTestEngine(fetcher, WithObserver(obs))

			got := engine.Probe(context.Background(), domain.Environment{ID: "e1", URL: "https://api.example.com"})
			if got.State != tc.wantState {
				t.Fatalf("expected state %s, got %s", tc.wantState, got.State)
			}
			if tc.wantStatus == 0 && got.HTTPStatus != nil {
				t.Fatalf("expected no http status, got %d", *got.HTTPStatus)
			}
			if tc.wantStatus != 0 && (got.HTTPStatus == nil || *got.HTTPStatus != tc.wantStatus) {
				t.Fatalf("expected http status %d, got %v", tc.wantStatus, got.HTTPStatus)
			}
			if got.Detail == nil || *got.Detail != tc.wantDetail {
				t.Fatalf("expected detail %q, got %v", tc.wantDetail, got.Detail)
			}
			if got.CheckedAt == nil || !got.CheckedAt.Equal(fixedNow().Truncate(time.Millisecond)) {
				t.Fatalf("unexpected checkedAt %v", got.CheckedAt)
			}
			if len(fetcher.calls) != tc.wantCalls {
				t.Fatalf("expected %d fetches, got %d", tc.wantCalls, len(fetcher.calls))
			}
			if len(obs.states) != 1 || obs.states[0] != tc.wantState {
				t.Fatalf("observer saw %v", obs.states)
			}
		})
	}
}

func TestProbeWithoutURLSkipsFetch(t *testing.T) {
	fetcher := &stubFetcher{fn: func(context.Context, string, Mode) (*Response, error) {
		t.Fatal("fetch should not be called")
		return nil, nil
	}}
	engine := newTestEngine(fetcher)

	got := engine.Probe(context.Background(), domain.Environment{ID: "e1", URL: "   "})
	if got.State != domain.StateUnknown {
		t.Fatalf("expected unknown, got %s", got.State)
	}
	if got.Detail == nil || *got.Detail != "No URL" {
		t.Fatalf("unexpected detail %v", got.Detail)
	}
	if got.CheckedAt == nil {
		t.Fatalf("expected checkedAt to be set")
	}
}

func TestProbeSanitizesURL(t *testing.T) {
	var seen string
	fetcher := &stubFetcher{fn: func(_ context.Context, url string, _ Mode) (*Response, error) {
		seen = url
		return &Response{StatusCode: 204}, nil
	}}
	newTestEngine(fetcher).Probe(context.Background(), domain.Environment{URL: "  HTTPS://Example.COM "})
	if seen != "https://example.com/" {
		t.Fatalf("unexpected fetched url %q", seen)
	}
}

func TestOpaqueAttemptGetsFreshDeadline(t *testing.T) {
	fetcher := &stubFetcher{fn: func(ctx context.Context, _ string, mode Mode) (*Response, error) {
		if mode == ModeTransparent {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		deadline, ok := ctx.Deadline()
		if !ok {
			return nil, errors.New("opaque attempt has no deadline")
		}
		if time.Until(deadline) > 30*time.Millisecond {
			return nil, errors.New("opaque deadline exceeds transparent timeout")
		}
		return &Response{Opaque: true}, nil
	}}
	engine := newTestEngine(fetcher, WithTimeouts(20*time.Millisecond, time.Second))

	got := engine.Probe(context.Background(), domain.Environment{URL: "https://slow.example.com"})
	if got.State != domain.StateOpaque {
		t.Fatalf("expected opaque after transparent timeout, got %s (%v)", got.State, *got.Detail)
	}
}

func TestBudgetCoversBothAttempts(t *testing.T) {
	if got := newTestEngine(&stubFetcher{}).Budget(); got != DefaultTimeout+DefaultOpaqueTimeout {
		t.Fatalf("default budget = %s", got)
	}
	// The opaque timeout is clamped to the transparent one.
	engine := newTestEngine(&stubFetcher{}, WithTimeouts(2*time.Second, 5*time.Second))
	if got := engine.Budget(); got != 4*time.Second {
		t.Fatalf("clamped budget = %s, want 4s", got)
	}
}

func TestHTTPFetcherAgainstServers(t *testing.T) {
	var gotUA, gotCache string
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCache = r.Header.Get("Cache-Control")
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	// Self-signed certificate: the verified request fails, the opaque one answers.
	selfSigned := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer selfSigned.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	fetcher := NewHTTPFetcher("statusboard probe")
	defer fetcher.Close()
	engine := New(fetcher, testLogger(), WithTimeouts(2*time.Second, time.Second))

	cases := map[string]domain.ProbeState{
		ok.URL:         domain.StateUp,
		failing.URL:    domain.StateDown,
		selfSigned.URL: domain.StateOpaque,
		closedURL:      domain.StateDown,
	}
	for url, want := range cases {
		got := engine.Probe(context.Background(), domain.Environment{URL: url})
		if got.State != want {
			t.Fatalf("%s: expected %s, got %s (%s)", url, want, got.State, *got.Detail)
		}
	}
	if gotUA != "statusboard probe" {
		t.Fatalf("expected user agent header, got %q", gotUA)
	}
	if gotCache != "no-store" {
		t.Fatalf("expected no-store, got %q", gotCache)
	}
}
