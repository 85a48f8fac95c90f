package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/resilience"
)

// DefaultMaxBodyBytes caps the size of a fetched document.
const DefaultMaxBodyBytes = 8 << 20

// DefaultUserAgent identifies the scraper to remote hosts.
const DefaultUserAgent = "factbase-scraper/1.0 (+https://rollcall.com/factbase/)"

// ErrDisallowed is returned when robots.txt forbids the URL.
var ErrDisallowed = eris.New("fetch disallowed by robots.txt")

// Options configures the HTTP client.
type Options struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	MaxBodyBytes  int64
	Breaker       resilience.BreakerConfig
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client implements Fetcher using net/http with per-host circuit breaking
// and an optional robots.txt policy.
type Client struct {
	client   *http.Client
	opts     Options
	breakers *resilience.HostBreakers
	robots   *Robots
}

// NewClient creates a Client with the given options.
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Breaker.FailureThreshold == 0 {
		opts.Breaker = resilience.DefaultBreakerConfig()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	c := &Client{
		client:   hc,
		opts:     opts,
		breakers: resilience.NewHostBreakers(opts.Breaker),
	}
	if opts.RespectRobots {
		c.robots = NewRobots(hc, opts.UserAgent)
	}
	return c
}

// Get fetches rawURL. A zero timeout uses the client default.
func (c *Client) Get(ctx context.Context, rawURL string, timeout time.Duration) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, resilience.NewPermanentError(eris.Errorf("fetch: invalid url %q", rawURL), 0)
	}

	if c.robots != nil && !c.robots.Allowed(ctx, rawURL) {
		return nil, resilience.NewPermanentError(eris.Wrapf(ErrDisallowed, "fetch %s", rawURL), 0)
	}

	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	cb := c.breakers.Get(u.Host)
	return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Response, error) {
		return c.do(ctx, rawURL, timeout)
	})
}

// BreakerStates reports each host's circuit state.
func (c *Client) BreakerStates() map[string]string {
	return c.breakers.States()
}

func (c *Client) do(ctx context.Context, rawURL string, timeout time.Duration) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "fetch: create request"), 0)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "fetch %s", rawURL)
		}
		if errors.Is(err, context.DeadlineExceeded) || resilience.IsTransient(err) {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "fetch %s", rawURL), 0)
		}
		return nil, eris.Wrapf(err, "fetch %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		head, _ := io.ReadAll(io.LimitReader(resp.Body, challengeScanBytes))
		if blocked, kind := DetectBlock(resp.StatusCode, resp.Header, head); blocked {
			return nil, resilience.NewTransientError(
				eris.Wrapf(ErrBlocked, "fetch %s: %s", rawURL, kind), resp.StatusCode)
		}
		statusErr := eris.Errorf("http %d from %s", resp.StatusCode, rawURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			zap.L().Warn("fetch: transient status",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
			)
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(statusErr, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetch: read body %s", rawURL), resp.StatusCode)
	}
	if int64(len(body)) > c.opts.MaxBodyBytes {
		return nil, resilience.NewPermanentError(
			eris.Errorf("fetch: body of %s exceeds %d bytes", rawURL, c.opts.MaxBodyBytes), resp.StatusCode)
	}
	if blocked, kind := DetectBlock(resp.StatusCode, resp.Header, body); blocked {
		return nil, resilience.NewTransientError(
			eris.Wrapf(ErrBlocked, "fetch %s: %s", rawURL, kind), resp.StatusCode)
	}

	return &Response{
		Status:   resp.StatusCode,
		Body:     body,
		FinalURL: resp.Request.URL.String(),
		Header:   resp.Header,
	}, nil
}
