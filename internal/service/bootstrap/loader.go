// Package bootstrap produces the initial catalog from the first source that
// yields a usable document.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/splax/statusboard/internal/domain"
	"github.com/splax/statusboard/internal/repository"
)

// Source names where the initial catalog came from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
	SourceEmpty    Source = "empty"
)

const (
	remoteTimeout  = 10 * time.Second
	maxRemoteBytes = 10 << 20
)

var errNoSnapshot = errors.New("bootstrap: no snapshot")

// Strategy fetches raw document bytes from one source.
type Strategy struct {
	Source Source
	Fetch  func(ctx context.Context) ([]byte, error)
}

// Loader tries its strategies in order.
type Loader struct {
	strategies []Strategy
	logger     *slog.Logger
}

// New constructs a Loader. Strategies with a nil Fetch are skipped.
func New(logger *slog.Logger, strategies ...Strategy) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	var usable []Strategy
	for _, s := range strategies {
		if s.Fetch != nil {
			usable = append(usable, s)
		}
	}
	return &Loader{strategies: usable, logger: logger.With("component", "bootstrap")}
}

// Load never fails: when no strategy yields a document the result is an
// empty catalog.
func (l *Loader) Load(ctx context.Context) (domain.Catalog, Source) {
	for _, s := range l.strategies {
		data, err := s.Fetch(ctx)
		if err != nil {
			if !errors.Is(err, errNoSnapshot) && !errors.Is(err, repository.ErrNotFound) {
				l.logger.Warn("bootstrap source failed", "source", s.Source, "error", err)
			}
			continue
		}
		c, err := domain.DecodeDocument(data)
		if err != nil {
			l.logger.Warn("bootstrap source returned an unusable document", "source", s.Source, "error", err)
			continue
		}
		l.logger.Info("catalog loaded", "source", s.Source, "projects", len(c.Projects))
		return c, s.Source
	}
	l.logger.Info("starting with an empty catalog")
	return domain.Catalog{Projects: []domain.Project{}}, SourceEmpty
}

// Remote fetches a published snapshot. A blank rawURL disables the strategy.
func Remote(client *http.Client, rawURL string) Strategy {
	if rawURL == "" {
		return Strategy{Source: SourceRemote}
	}
	if client == nil {
		client = &http.Client{Timeout: remoteTimeout}
	}
	return Strategy{
		Source: SourceRemote,
		Fetch: func(ctx context.Context) ([]byte, error) {
			return fetchRemote(ctx, client, rawURL, time.Now())
		},
	}
}

func fetchRemote(ctx context.Context, client *http.Client, rawURL string, now time.Time) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot url: %w", err)
	}
	q := u.Query()
	q.Set("ts", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("snapshot responded with status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRemoteBytes))
}

// Fallback reads the device-local backup.
func Fallback(store repository.FallbackStore, key string) Strategy {
	if store == nil {
		return Strategy{Source: SourceFallback}
	}
	return Strategy{
		Source: SourceFallback,
		Fetch: func(ctx context.Context) ([]byte, error) {
			data, err := store.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if len(data) == 0 {
				return nil, errNoSnapshot
			}
			return data, nil
		},
	}
}
