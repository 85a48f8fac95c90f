// Package browser is the navigation capability discovery drives: load a
// listing, interact with it, and wait for the DOM to change.
package browser

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrUnavailable means no browser session could be started. It is the one
// failure that is fatal to a whole discovery run.
var ErrUnavailable = eris.New("browser: unavailable")

// ErrTimeout is returned when an interaction or wait exceeds its deadline.
var ErrTimeout = eris.New("browser: timeout")

// Action is a user interaction against the current page.
type Action interface {
	action()
}

// ClickText clicks the first button or link whose visible text contains one
// of Labels, case-insensitively.
type ClickText struct {
	Labels []string
}

// ClickSelector clicks the first element matching Selector.
type ClickSelector struct {
	Selector string
}

// ScrollBottom scrolls the document to its end.
type ScrollBottom struct{}

func (ClickText) action()     {}
func (ClickSelector) action() {}
func (ScrollBottom) action()  {}

// Predicate is polled by WaitForChange.
type Predicate func(ctx context.Context) (bool, error)

// Browser drives one page session.
type Browser interface {
	// Navigate loads url and returns the document's HTTP status.
	Navigate(ctx context.Context, url string, timeout time.Duration) (int, error)
	// HTML returns a snapshot of the current document.
	HTML(ctx context.Context) (string, error)
	// Links returns every absolute href currently in the document.
	Links(ctx context.Context) ([]string, error)
	// Interact performs a. It reports false when the target element is absent.
	Interact(ctx context.Context, a Action, timeout time.Duration) (bool, error)
	// WaitForChange polls pred until it is true or timeout elapses (ErrTimeout).
	WaitForChange(ctx context.Context, pred Predicate, timeout time.Duration) error
	// Observed drains the data endpoint URLs requested since the last call.
	Observed() []string
	Close() error
}

const pollInterval = 250 * time.Millisecond

// waitFor is the polling loop shared by implementations.
func waitFor(ctx context.Context, pred Predicate, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		ok, err := pred(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTimeout
		case <-tick.C:
		}
	}
}
