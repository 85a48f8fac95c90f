package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/factbase/internal/resilience"
)

func newTestClient(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = "test-agent"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return NewClient(opts)
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	c := newTestClient(Options{})
	resp, err := c.Get(context.Background(), srv.URL+"/page", 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "<html>hello</html>", string(resp.Body))
	assert.Equal(t, srv.URL+"/page", resp.FinalURL)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func TestGet_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("moved"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := newTestClient(Options{}).Get(context.Background(), srv.URL+"/old", 0)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", resp.FinalURL)
}

func TestGet_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
		{http.StatusGone, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(Options{}).Get(context.Background(), srv.URL, 0)
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
			assert.Equal(t, !tt.transient, resilience.IsPermanent(err))
			assert.Equal(t, tt.status, resilience.StatusCode(err))
			assert.Contains(t, err.Error(), fmt.Sprintf("http %d from %s", tt.status, srv.URL))
		})
	}
}

func TestGet_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestClient(Options{}).Get(context.Background(), srv.URL, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestGet_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := newTestClient(Options{}).Get(context.Background(), addr, time.Second)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestGet_InvalidURL(t *testing.T) {
	_, err := newTestClient(Options{}).Get(context.Background(), "not a url", 0)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestGet_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	_, err := newTestClient(Options{MaxBodyBytes: 64}).Get(context.Background(), srv.URL, 0)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "exceeds 64 bytes")
}

func TestGet_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(Options{}).Get(ctx, srv.URL, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestGet_CircuitOpensPerHost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(Options{Breaker: resilience.BreakerConfig{
		FailureThreshold:  2,
		ResetTimeout:      time.Minute,
		HalfOpenMaxProbes: 1,
	}})

	for range 2 {
		_, err := c.Get(context.Background(), srv.URL, 0)
		require.Error(t, err)
	}
	_, err := c.Get(context.Background(), srv.URL, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(2), calls.Load())

	states := c.BreakerStates()
	require.Len(t, states, 1)
	for _, s := range states {
		assert.Equal(t, "open", s)
	}
}

func TestGet_RobotsDisallowed(t *testing.T) {
	var pageHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		pageHits.Add(1)
		w.Write([]byte("ok"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(Options{RespectRobots: true})

	_, err := c.Get(context.Background(), srv.URL+"/private/page", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDisallowed))
	assert.True(t, resilience.IsPermanent(err))

	resp, err := c.Get(context.Background(), srv.URL+"/public/page", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(1), pageHits.Load())
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Options{})
	assert.Equal(t, DefaultUserAgent, c.opts.UserAgent)
	assert.Equal(t, 30*time.Second, c.opts.Timeout)
	assert.Equal(t, int64(DefaultMaxBodyBytes), c.opts.MaxBodyBytes)
	assert.Nil(t, c.robots)
}
