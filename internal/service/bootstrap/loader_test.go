package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splax/statusboard/internal/repository/memory"
)

const key = "status_dashboard_data"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRemoteSnapshotWins(t *testing.T) {
	var gotTS, gotCache string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.URL.Query().Get("ts")
		gotCache = r.Header.Get("Cache-Control")
		w.Write([]byte(`{"projects":[{"id":"p1","name":"Remote"}]}`))
	}))
	defer srv.Close()

	fallback := memory.New()
	fallback.Put(context.Background(), key, []byte(`{"projects":[{"id":"p2","name":"Local"}]}`))

	loader := New(testLogger(), Remote(srv.Client(), srv.URL+"/resources.json"), Fallback(fallback, key))
	c, source := loader.Load(context.Background())
	if source != SourceRemote {
		t.Fatalf("expected remote source, got %s", source)
	}
	if c.Projects[0].Name != "Remote" {
		t.Fatalf("unexpected catalog %+v", c.Projects)
	}
	if gotTS == "" || gotCache != "no-store" {
		t.Fatalf("expected cache busting, got ts=%q cache=%q", gotTS, gotCache)
	}
}

func TestFallsThroughToLocalBackup(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"not found": func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		},
		"array body": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[1,2,3]`))
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"projects":`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			fallback := memory.New()
			fallback.Put(context.Background(), key, []byte(`{"projects":[{"id":"p2","name":"Local"}]}`))

			c, source := New(testLogger(), Remote(srv.Client(), srv.URL), Fallback(fallback, key)).Load(context.Background())
			if source != SourceFallback || c.Projects[0].Name != "Local" {
				t.Fatalf("expected local backup, got %s %+v", source, c.Projects)
			}
		})
	}
}

func TestEmptyWhenNothingAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	srv.Close()

	c, source := New(testLogger(), Remote(&http.Client{Timeout: time.Second}, srv.URL), Fallback(memory.New(), key)).Load(context.Background())
	if source != SourceEmpty {
		t.Fatalf("expected empty source, got %s", source)
	}
	if c.Projects == nil || len(c.Projects) != 0 {
		t.Fatalf("expected empty non-nil project list, got %#v", c.Projects)
	}
}

func TestDisabledStrategiesAreSkipped(t *testing.T) {
	loader := New(testLogger(), Remote(nil, ""), Fallback(nil, key))
	if len(loader.strategies) != 0 {
		t.Fatalf("expected no usable strategies, got %d", len(loader.strategies))
	}
	if _, source := loader.Load(context.Background()); source != SourceEmpty {
		t.Fatalf("expected empty source, got %s", source)
	}
}

func TestRemoteKeepsExistingQuery(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"projects":[]}`))
	}))
	defer srv.Close()

	now := time.UnixMilli(1700000000123)
	if _, err := fetchRemote(context.Background(), srv.Client(), srv.URL+"?branch=main", now); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if query["branch"][0] != "main" || query["ts"][0] != "1700000000123" {
		t.Fatalf("unexpected query %v", query)
	}
}
