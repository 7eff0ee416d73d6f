package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBucketLimiterRefills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newBucketLimiter(func() time.Time { return now })
	defer rl.Close()

	for i := 0; i < 2; i++ {
		if d := rl.Allow("k", 2, time.Minute); !d.allowed {
			t.Fatalf("request %d should be admitted", i)
		}
	}
	denied := rl.Allow("k", 2, time.Minute)
	if denied.allowed || denied.remaining != 0 {
		t.Fatalf("expected denial with no remaining budget, got %+v", denied)
	}
	if want := now.Add(30 * time.Second); !denied.resetAt.Equal(want) {
		t.Fatalf("expected reset at %v, got %v", want, denied.resetAt)
	}

	now = now.Add(31 * time.Second)
	if d := rl.Allow("k", 2, time.Minute); !d.allowed {
		t.Fatalf("expected one token after half a window")
	}
	if d := rl.Allow("other", 2, time.Minute); !d.allowed || d.remaining != 1 {
		t.Fatalf("keys must not share budget, got %+v", d)
	}
}

func TestBucketLimiterCleanup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newBucketLimiter(func() time.Time { return now })
	defer rl.Close()

	rl.Allow("k", 1, time.Minute)
	rl.cleanup(now.Add(30 * time.Second))
	if len(rl.buckets) != 1 {
		t.Fatalf("bucket dropped before its window elapsed")
	}
	rl.cleanup(now.Add(2 * time.Minute))
	if len(rl.buckets) != 0 {
		t.Fatalf("idle bucket not dropped")
	}
}

func TestApplyRateHeadersOnDenial(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := httptest.NewRecorder()
	applyRateHeaders(rec, 5, rateDecision{allowed: false, resetAt: now.Add(1500 * time.Millisecond)}, now)
	h := rec.Header()
	if h.Get("X-RateLimit-Limit") != "5" || h.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers %v", h)
	}
	if h.Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", h.Get("Retry-After"))
	}
}

func TestRateLimitKeyPrefersForwardedAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/catalog", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := rateLimitKey(req); got != "ip:203.0.113.7" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := rateKeyKind("sub:admin"); got != "sub" {
		t.Fatalf("unexpected kind %q", got)
	}
}

func TestRedisRateLimiterRequiresServer(t *testing.T) {
	if _, err := NewRedisRateLimiter("127.0.0.1:1", "", 0, nil); err == nil {
		t.Fatalf("expected connection error")
	}
}
