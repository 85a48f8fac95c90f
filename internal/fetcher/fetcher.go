// Package fetcher issues single page requests with a caller-supplied
// timeout and classifies failures as transient or permanent.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Fetcher defines the interface for downloading one document.
type Fetcher interface {
	// Get fetches url within timeout. Failures are *resilience.TransientError
	// or *resilience.PermanentError so callers can decide whether to retry.
	Get(ctx context.Context, url string, timeout time.Duration) (*Response, error)
}

// Response is a fully read 2xx response.
type Response struct {
	Status   int
	Body     []byte
	FinalURL string
	Header   http.Header
}
