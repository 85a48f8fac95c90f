package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benjaminestes/robots"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const robotsTimeout = 10 * time.Second

// Robots caches parsed robots.txt files per host. A robots.txt that cannot
// be fetched or parsed allows everything.
type Robots struct {
	client    *http.Client
	userAgent string

	mu    sync.Mutex
	cache map[string]*robots.Robots
}

// NewRobots creates an empty robots.txt cache.
func NewRobots(client *http.Client, userAgent string) *Robots {
	if client == nil {
		client = http.DefaultClient
	}
	return &Robots{client: client, userAgent: userAgent, cache: make(map[string]*robots.Robots)}
}

// Allowed reports whether the user agent may fetch rawURL.
func (r *Robots) Allowed(ctx context.Context, rawURL string) (allowed bool) {
	defer func() {
		if p := recover(); p != nil {
			zap.L().Warn("robots: panic while parsing, assuming allowed",
				zap.String("url", rawURL), zap.Any("panic", p))
			allowed = true
		}
	}()

	robotsURL, err := robots.Locate(rawURL)
	if err != nil {
		return true
	}

	r.mu.Lock()
	rb, ok := r.cache[robotsURL]
	r.mu.Unlock()
	if !ok {
		rb, err = r.load(ctx, robotsURL)
		if err != nil {
			zap.L().Warn("robots: fetch failed, assuming allowed",
				zap.String("url", robotsURL), zap.Error(err))
		}
		r.mu.Lock()
		r.cache[robotsURL] = rb
		r.mu.Unlock()
	}
	if rb == nil {
		return true
	}
	return rb.Test(r.userAgent, rawURL)
}

func (r *Robots) load(ctx context.Context, robotsURL string) (*robots.Robots, error) {
	ctx, cancel := context.WithTimeout(ctx, robotsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "robots: create request")
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "robots: get")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, eris.Wrap(err, "robots: read")
	}
	rb, err := robots.From(resp.StatusCode, bytes.NewReader(body))
	return rb, eris.Wrap(err, "robots: parse")
}
