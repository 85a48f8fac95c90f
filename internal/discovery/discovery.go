// Package discovery crawls an infinite-scroll transcript listing and records
// each item URL once, checkpointing progress so a later run resumes where
// this one stopped.
package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/browser"
	"github.com/sells-group/factbase/internal/model"
	"github.com/sells-group/factbase/internal/store"
)

var (
	// ErrEmptyListing means the listing yielded no item links at all.
	ErrEmptyListing = eris.New("discovery: listing yielded no items")
	// ErrDiscoveryStuck means the listing still offered more results but
	// nothing new loaded before the idle budget ran out.
	ErrDiscoveryStuck = eris.New("discovery: stuck, no new items after exhausting scroll budget")
)

const (
	dumpFile = "listing_dump.html"
	// URLsFile lists every URL visited for a target, one JSON object per line.
	URLsFile = "discovered_urls.jsonl"

	// maxReplayPages bounds endpoint replay against a server that ignores
	// the paging parameter.
	maxReplayPages = 10000
)

// Options tunes a discovery run. Zero values take the defaults noted.
type Options struct {
	IdleCycles      int           // default 10
	CheckpointEvery int           // default 5
	ScrollTimeout   time.Duration // default 8s
	NavTimeout      time.Duration // default 30s
	Retries         int           // default 3
	RetryDelay      time.Duration // default 1s
	ConsentMarkers  []string
	LoadMoreLabels  []string
	Filter          *LinkFilter
	OutDir          string // discovered_urls.jsonl; skipped when empty
	StateDir        string // listing_dump.html; skipped when empty
	// Replay pages a recorded endpoint directly. Nil disables replay.
	Replay browser.Browser
}

func (o *Options) defaults() {
	if o.IdleCycles <= 0 {
		o.IdleCycles = 10
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 5
	}
	if o.ScrollTimeout <= 0 {
		o.ScrollTimeout = 8 * time.Second
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = 30 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// Result is the outcome of one discovery run. Items holds only the URLs new
// to this run.
type Result struct {
	Items    []model.DiscoveredItem `json:"items"`
	Count    int                    `json:"count"`
	Empty    bool                   `json:"empty"`
	Stuck    bool                   `json:"stuck"`
	Stopped  bool                   `json:"stopped"`
	Replayed bool                   `json:"replayed"`
	Steps    int                    `json:"steps"`
	Endpoint string                 `json:"known_endpoint,omitempty"`
	DumpPath string                 `json:"dump_path,omitempty"`
}

// Err returns the reported condition of the run, if any. These conditions
// are not failures of Discover itself.
func (r *Result) Err() error {
	switch {
	case r.Empty:
		return ErrEmptyListing
	case r.Stuck:
		return ErrDiscoveryStuck
	}
	return nil
}

// Engine drives a Browser through a listing.
type Engine struct {
	browser browser.Browser
	states  store.StateStore
	opts    Options
	now     func() time.Time
}

// NewEngine creates an Engine. opts.Filter must be set.
func NewEngine(b browser.Browser, states store.StateStore, opts Options) *Engine {
	opts.defaults()
	return &Engine{browser: b, states: states, opts: opts, now: time.Now}
}

// run is the mutable state of one Discover call.
type run struct {
	st       *model.CrawlState
	items    []model.DiscoveredItem
	pending  []model.DiscoveredItem
	matched  int
	maxItems int
	log      *zap.Logger
}

func (r *run) full() bool {
	return r.maxItems > 0 && len(r.items) >= r.maxItems
}

// Discover collects up to maxItems new item URLs from the listing at
// startURL (maxItems <= 0 means no limit). Progress already checkpointed
// survives any returned error. Cancelling ctx stops the loop at its next
// step and still checkpoints.
func (e *Engine) Discover(ctx context.Context, startURL string, maxItems int) (*Result, error) {
	if e.opts.Filter == nil {
		return nil, eris.New("discovery: link filter is required")
	}
	log := zap.L().With(zap.String("component", "discovery"), zap.String("target", startURL))

	st, err := e.states.LoadCrawlState(ctx, startURL)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: load crawl state")
	}
	r := &run{st: st, maxItems: maxItems, log: log}
	res := &Result{}
	log.Info("starting discovery",
		zap.Int("visited", len(st.Visited)),
		zap.Int("max_items", maxItems),
		zap.String("known_endpoint", st.KnownEndpoint),
	)

	if st.KnownEndpoint != "" && e.opts.Replay != nil {
		ok, err := e.replay(ctx, r)
		if err != nil {
			log.Warn("endpoint replay failed, falling back to listing", zap.Error(err))
		}
		if !ok && err != nil {
			// Let the crawl infer a fresh endpoint.
			st.KnownEndpoint = ""
		}
		res.Replayed = ok
	}

	if !res.Replayed && !r.full() && ctx.Err() == nil {
		if err := e.crawl(ctx, r, startURL, res); err != nil {
			if cerr := e.checkpoint(ctx, r); cerr != nil {
				log.Error("checkpoint after failure", zap.Error(cerr))
			}
			return nil, err
		}
	}
	res.Stopped = ctx.Err() != nil

	if err := e.checkpoint(ctx, r); err != nil {
		return nil, err
	}
	if e.opts.OutDir != "" {
		if err := writeURLs(filepath.Join(e.opts.OutDir, URLsFile), st.VisitedList()); err != nil {
			log.Warn("write discovered urls", zap.Error(err))
		}
	}

	res.Items = r.items
	if res.Items == nil {
		res.Items = []model.DiscoveredItem{}
	}
	res.Count = len(r.items)
	res.Endpoint = st.KnownEndpoint
	res.Empty = r.matched == 0 && !res.Stopped

	fields := []zap.Field{
		zap.Int("new", res.Count),
		zap.Int("matched", r.matched),
		zap.Int("visited", len(st.Visited)),
		zap.Int("steps", res.Steps),
		zap.Bool("stopped", res.Stopped),
	}
	switch {
	case res.Empty:
		log.Warn("listing yielded no items", append(fields, zap.String("dump", res.DumpPath))...)
	case res.Stuck:
		log.Warn("discovery stuck", append(fields, zap.String("dump", res.DumpPath))...)
	default:
		log.Info("discovery complete", fields...)
	}
	return res, nil
}

// crawl drives the DOM: navigate, dismiss consent, then load more until
// the listing stops growing.
func (e *Engine) crawl(ctx context.Context, r *run, startURL string, res *Result) error {
	if err := e.navigate(ctx, startURL); err != nil {
		return err
	}
	e.dismissConsent(ctx, r.log)

	links, err := e.links(ctx)
	if err != nil {
		return err
	}
	e.collect(r, links)

	var tracker endpointTracker
	idle := 0
	for !r.full() {
		if ctx.Err() != nil {
			r.log.Info("discovery cancelled", zap.Int("steps", res.Steps))
			break
		}

		before := len(links)
		affordance, acted := e.advance(ctx, r.log)
		if tmpl, ok := tracker.observe(e.browser.Observed()); ok && tmpl != r.st.KnownEndpoint {
			r.log.Info("recorded listing endpoint", zap.String("endpoint", tmpl))
			r.st.KnownEndpoint = tmpl
		}

		if acted {
			err := e.browser.WaitForChange(ctx, func(ctx context.Context) (bool, error) {
				ls, err := e.browser.Links(ctx)
				if err != nil {
					return false, err
				}
				return len(ls) > before, nil
			}, e.opts.ScrollTimeout)
			if err != nil && !errors.Is(err, browser.ErrTimeout) && ctx.Err() == nil {
				r.log.Debug("wait for new content", zap.Error(err))
			}
		}

		links, err = e.links(ctx)
		if err != nil {
			return err
		}
		fresh := e.collect(r, links)
		grew := len(links) > before || fresh > 0

		res.Steps++
		r.st.ScrollCursor++
		if res.Steps%e.opts.CheckpointEvery == 0 {
			if err := e.checkpoint(ctx, r); err != nil {
				r.log.Error("checkpoint failed", zap.Error(err))
			}
		}
		r.log.Debug("scroll step",
			zap.Int("step", res.Steps),
			zap.Int("links", len(links)),
			zap.Int("new", fresh),
			zap.Int("total_new", len(r.items)),
			zap.Bool("affordance", affordance),
			zap.Int("idle", idle),
		)

		if grew {
			idle = 0
			continue
		}
		if !acted {
			// Nothing left to click or scroll: end of listing.
			break
		}
		idle++
		if idle >= e.opts.IdleCycles {
			if affordance && !r.full() {
				res.Stuck = true
			}
			break
		}
	}

	if (r.matched == 0 || res.Stuck) && e.opts.StateDir != "" {
		res.DumpPath = e.dump(ctx, r.log)
	}
	return nil
}

// navigate loads the listing, retrying timeouts and error statuses.
func (e *Engine) navigate(ctx context.Context, startURL string) error {
	var last error
	for attempt := 1; attempt <= e.opts.Retries; attempt++ {
		status, err := e.browser.Navigate(ctx, startURL, e.opts.NavTimeout)
		switch {
		case errors.Is(err, browser.ErrUnavailable):
			return err
		case err == nil && status < 400:
			return nil
		case err == nil:
			last = eris.Errorf("discovery: listing returned status %d", status)
		default:
			last = err
		}
		zap.L().Warn("listing navigation failed",
			zap.String("url", startURL),
			zap.Int("attempt", attempt),
			zap.Error(last),
		)
		if attempt < e.opts.Retries {
			if err := sleep(ctx, e.opts.RetryDelay); err != nil {
				return eris.Wrap(err, "discovery: navigate")
			}
		}
	}
	return eris.Wrapf(last, "discovery: navigate %s after %d attempts", startURL, e.opts.Retries)
}

// links reads the current DOM's links, retrying transient read failures.
func (e *Engine) links(ctx context.Context) ([]string, error) {
	var last error
	for attempt := 1; attempt <= e.opts.Retries; attempt++ {
		ls, err := e.browser.Links(ctx)
		if err == nil {
			return ls, nil
		}
		last = err
		if attempt < e.opts.Retries {
			if err := sleep(ctx, e.opts.RetryDelay); err != nil {
				return nil, eris.Wrap(err, "discovery: read links")
			}
		}
	}
	return nil, eris.Wrap(last, "discovery: read links")
}

// dismissConsent clicks a consent control once. Failure is not fatal.
func (e *Engine) dismissConsent(ctx context.Context, log *zap.Logger) {
	if len(e.opts.ConsentMarkers) == 0 {
		return
	}
	clicked, err := e.browser.Interact(ctx, browser.ClickText{Labels: e.opts.ConsentMarkers}, e.opts.ScrollTimeout)
	switch {
	case err != nil:
		log.Warn("consent dismissal failed", zap.Error(err))
	case clicked:
		log.Info("dismissed consent overlay")
	}
	e.browser.Observed()
}

// advance triggers the listing's load-more behaviour: an explicit control
// when present, else a scroll to the bottom. affordance reports whether a
// load-more control was found; acted whether anything happened at all.
func (e *Engine) advance(ctx context.Context, log *zap.Logger) (affordance, acted bool) {
	if len(e.opts.LoadMoreLabels) > 0 {
		clicked, err := e.browser.Interact(ctx, browser.ClickText{Labels: e.opts.LoadMoreLabels}, e.opts.ScrollTimeout)
		if err != nil {
			log.Debug("load more click failed", zap.Error(err))
		}
		if clicked {
			return true, true
		}
	}
	scrolled, err := e.browser.Interact(ctx, browser.ScrollBottom{}, e.opts.ScrollTimeout)
	if err != nil {
		log.Debug("scroll failed", zap.Error(err))
	}
	return false, scrolled
}

// collect filters links into new items and reports how many were new.
func (e *Engine) collect(r *run, links []string) int {
	fresh := 0
	now := e.now().UTC()
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		u, ok := e.opts.Filter.Match(l)
		if !ok || seen[u] {
			continue
		}
		seen[u] = true
		r.matched++
		if r.full() || !r.st.Mark(u) {
			continue
		}
		it := model.DiscoveredItem{URL: u, FirstSeenAt: now}
		r.items = append(r.items, it)
		r.pending = append(r.pending, it)
		fresh++
	}
	return fresh
}

// checkpoint persists the crawl state and items found since the last one.
// A cancelled ctx still gets its final checkpoint.
func (e *Engine) checkpoint(ctx context.Context, r *run) error {
	if err := e.states.SaveCrawlState(context.WithoutCancel(ctx), r.st, r.pending); err != nil {
		return eris.Wrap(err, "discovery: checkpoint")
	}
	r.log.Debug("checkpoint", zap.Int("items", len(r.pending)), zap.Int("cursor", r.st.ScrollCursor))
	r.pending = nil
	return nil
}

// dump saves the current DOM for diagnosis and returns its path.
func (e *Engine) dump(ctx context.Context, log *zap.Logger) string {
	html, err := e.browser.HTML(context.WithoutCancel(ctx))
	if err != nil {
		log.Warn("dump listing dom", zap.Error(err))
		return ""
	}
	if err := os.MkdirAll(e.opts.StateDir, 0o755); err != nil {
		log.Warn("dump listing dom", zap.Error(err))
		return ""
	}
	path := filepath.Join(e.opts.StateDir, dumpFile)
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		log.Warn("dump listing dom", zap.Error(err))
		return ""
	}
	return path
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
