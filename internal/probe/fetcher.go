package probe

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
)

// Mode selects how much of a response a fetch is allowed to observe.
type Mode int

const (
	// ModeTransparent issues a verified request and reads the status code.
	ModeTransparent Mode = iota
	// ModeOpaque only establishes that the origin answered at all.
	ModeOpaque
)

func (m Mode) String() string {
	if m == ModeOpaque {
		return "opaque"
	}
	return "transparent"
}

const drainLimit = 64 << 10

// Response is what a fetch exposes to the engine. StatusCode is zero for
// opaque responses.
type Response struct {
	StatusCode int
	Opaque     bool
}

// Fetcher performs a single GET. Implementations must honour ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, url string, mode Mode) (*Response, error)
}

// HTTPFetcher implements Fetcher over net/http.
type HTTPFetcher struct {
	transparent *http.Client
	opaque      *http.Client
	userAgent   string
}

// NewHTTPFetcher builds a fetcher. Timeouts are applied per request through
// the context, so the clients themselves carry none.
func NewHTTPFetcher(userAgent string) *HTTPFetcher {
	base := http.DefaultTransport.(*http.Transport).Clone()

	// The opaque client answers "did the origin respond": certificate
	// problems and redirects do not matter, and nothing is read.
	loose := base.Clone()
	loose.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &HTTPFetcher{
		transparent: &http.Client{Transport: base},
		opaque: &http.Client{
			Transport: loose,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: userAgent,
	}
}

// Fetch issues a GET against url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, mode Mode) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	client := f.transparent
	if mode == ModeOpaque {
		client = f.opaque
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	if mode == ModeOpaque {
		return &Response{Opaque: true}, nil
	}
	return &Response{StatusCode: resp.StatusCode}, nil
}

// Close releases idle connections held by both clients.
func (f *HTTPFetcher) Close() {
	f.transparent.CloseIdleConnections()
	f.opaque.CloseIdleConnections()
}
