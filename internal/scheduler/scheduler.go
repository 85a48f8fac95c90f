// Package scheduler scrapes discovered transcript URLs with a bounded
// worker pool under one global request rate, retrying transient failures
// and recording the rest in the failure queue.
package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/factbase/internal/fetcher"
	"github.com/sells-group/factbase/internal/model"
	"github.com/sells-group/factbase/internal/parser"
	"github.com/sells-group/factbase/internal/resilience"
	"github.com/sells-group/factbase/internal/store"
)

// Error types recorded on failed results and in the failure queue.
const (
	ErrorTransientNetwork = "transient_network"
	ErrorPermanentFetch   = "permanent_fetch"
	ErrorParse            = "parse_failure"
	ErrorStorage          = "storage"
)

// Store is the persistence the scheduler writes to.
type Store interface {
	UpsertTranscript(ctx context.Context, t *model.Transcript) error
	IngestedURLs(ctx context.Context) (map[string]struct{}, error)
	store.FailureStore
}

// Options tunes one scrape run.
type Options struct {
	Concurrency    int           // workers; default 4
	RPS            float64       // global request ceiling; default 1
	MaxAttempts    int           // per item, including the first; default 3
	Timeout        time.Duration // per fetch attempt; default 30s
	InitialBackoff time.Duration // default 500ms
	MaxBackoff     time.Duration // default 30s
	Force          bool          // re-scrape URLs already ingested
	HTMLDir        string        // archive raw pages as <id>.html when set
}

func (o *Options) defaults() {
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	if o.RPS <= 0 {
		o.RPS = 1
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
}

// Scheduler fetches, parses and stores transcripts.
type Scheduler struct {
	fetch  fetcher.Fetcher
	parser *parser.Parser
	store  Store
}

// New creates a Scheduler.
func New(f fetcher.Fetcher, p *parser.Parser, st Store) *Scheduler {
	if p == nil {
		p = parser.New()
	}
	return &Scheduler{fetch: f, parser: p, store: st}
}

// Scrape processes urls and reports a per-item outcome. Failures of single
// items never abort the run. Cancelling ctx stops handing out new items;
// items already fetching finish or time out and are reported.
func (s *Scheduler) Scrape(ctx context.Context, urls []string, opts Options) (*model.ScrapeSummary, error) {
	opts.defaults()
	runID := uuid.NewString()
	log := zap.L().With(zap.String("component", "scheduler"), zap.String("run_id", runID))

	urls = dedupe(urls)
	summary := &model.ScrapeSummary{RunID: runID, Found: len(urls), Results: []model.ScrapeResult{}}

	var ingested map[string]struct{}
	if !opts.Force {
		var err error
		ingested, err = s.store.IngestedURLs(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "scheduler: load ingested urls")
		}
	}

	results := make([]*model.ScrapeResult, len(urls))
	var todo []int
	for i, u := range urls {
		if _, ok := ingested[u]; ok {
			results[i] = &model.ScrapeResult{URL: u, Outcome: model.OutcomeSkipped}
			continue
		}
		todo = append(todo, i)
	}
	log.Info("starting scrape",
		zap.Int("found", len(urls)),
		zap.Int("todo", len(todo)),
		zap.Int("concurrency", opts.Concurrency),
		zap.Float64("rps", opts.RPS),
	)

	limiter := fetcher.NewAdaptiveLimiter(rate.Limit(opts.RPS), 1)
	retry := resilience.RetryConfig{
		MaxAttempts:    opts.MaxAttempts,
		InitialBackoff: opts.InitialBackoff,
		MaxBackoff:     opts.MaxBackoff,
		JitterFraction: 0.25,
		ShouldRetry:    shouldRetry,
	}

	work := make(chan int)
	go func() {
		defer close(work)
		for _, i := range todo {
			select {
			case <-ctx.Done():
				return
			case work <- i:
			}
		}
	}()

	var done atomic.Int64
	var g errgroup.Group
	for w := 0; w < min(opts.Concurrency, max(len(todo), 1)); w++ {
		g.Go(func() error {
			for i := range work {
				if ctx.Err() != nil {
					continue
				}
				res := s.scrapeOne(ctx, urls[i], opts, limiter, retry, log)
				if res == nil {
					continue
				}
				results[i] = res
				if n := done.Add(1); n%25 == 0 {
					log.Info("progress", zap.Int64("done", n), zap.Int("todo", len(todo)))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r == nil {
			continue
		}
		switch {
		case r.Outcome == model.OutcomeSuccess:
			summary.Succeeded++
		case r.Outcome == model.OutcomeSkipped:
			summary.Skipped++
		case r.Failed():
			summary.Failed++
		}
		summary.Results = append(summary.Results, *r)
	}
	summary.Stopped = ctx.Err() != nil

	log.Info("scrape complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Bool("stopped", summary.Stopped),
	)
	return summary, nil
}

// RetryFailed re-scrapes only the URLs in the failure queue.
func (s *Scheduler) RetryFailed(ctx context.Context, opts Options) (*model.ScrapeSummary, error) {
	failed, err := s.store.ListFailures(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list failures")
	}
	urls := make([]string, len(failed))
	for i, f := range failed {
		urls[i] = f.URL
	}
	opts.Force = true
	return s.Scrape(ctx, urls, opts)
}

// scrapeOne runs fetch, parse and upsert for u with retries. It returns nil
// when ctx was cancelled before the first request went out.
func (s *Scheduler) scrapeOne(ctx context.Context, u string, opts Options, limiter *fetcher.AdaptiveLimiter, retry resilience.RetryConfig, log *zap.Logger) *model.ScrapeResult {
	start := time.Now()
	started := false
	retry.OnRetry = resilience.RetryLogger("scheduler", u)

	t, attempts, err := resilience.DoAttempts(ctx, retry, func(ctx context.Context, attempt int) (*model.Transcript, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "scheduler: rate limit wait")
		}
		started = true
		// In-flight work is bounded by its timeout, not by cancellation.
		return s.attempt(context.WithoutCancel(ctx), u, opts, limiter)
	})
	if !started {
		return nil
	}

	res := &model.ScrapeResult{URL: u, Attempt: attempts, Elapsed: time.Since(start)}
	bg := context.WithoutCancel(ctx)
	if err == nil {
		res.Outcome = model.OutcomeSuccess
		res.TranscriptID = t.ID
		res.Segments = len(t.Segments)
		if err := s.store.ClearFailure(bg, u); err != nil {
			log.Warn("clear failure", zap.String("url", u), zap.Error(err))
		}
		log.Debug("scraped", zap.String("url", u), zap.String("id", t.ID), zap.Int("segments", res.Segments), zap.Int("attempt", attempts))
		return res
	}

	res.Outcome, res.ErrorType = classify(err)
	res.Error = err.Error()
	log.Warn("scrape failed",
		zap.String("url", u),
		zap.String("error_type", res.ErrorType),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	if rerr := s.store.RecordFailure(bg, model.FailedItem{
		URL:       u,
		ErrorType: res.ErrorType,
		Error:     res.Error,
		Attempts:  attempts,
	}); rerr != nil {
		log.Error("record failure", zap.String("url", u), zap.Error(rerr))
	}
	return res
}

// attempt is one fetch, parse and upsert.
func (s *Scheduler) attempt(ctx context.Context, u string, opts Options, limiter *fetcher.AdaptiveLimiter) (*model.Transcript, error) {
	resp, err := s.fetch.Get(ctx, u, opts.Timeout)
	if err != nil {
		if resilience.StatusCode(err) == 429 {
			limiter.OnRateLimit()
		}
		return nil, err
	}
	limiter.OnSuccess()

	t, err := s.parser.Parse(resp.Body, u)
	if err != nil {
		return nil, err
	}
	if opts.HTMLDir != "" {
		if err := archive(opts.HTMLDir, t.ID, resp.Body); err != nil {
			zap.L().Warn("archive html", zap.String("url", u), zap.Error(err))
		}
	}
	if err := s.store.UpsertTranscript(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// shouldRetry retries transient network failures only. Parse and storage
// failures are reported for a later retry-failed run.
func shouldRetry(err error) bool {
	var se *store.StorageError
	var pf *parser.ParseFailure
	if errors.As(err, &se) || errors.As(err, &pf) {
		return false
	}
	return resilience.IsTransient(err)
}

func classify(err error) (model.Outcome, string) {
	var se *store.StorageError
	var pf *parser.ParseFailure
	switch {
	case errors.As(err, &se):
		return model.OutcomeTransientFailure, ErrorStorage
	case errors.As(err, &pf):
		return model.OutcomePermanentFailure, ErrorParse
	case resilience.IsTransient(err):
		return model.OutcomeTransientFailure, ErrorTransientNetwork
	default:
		return model.OutcomePermanentFailure, ErrorPermanentFetch
	}
}

func archive(dir, id string, body []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "scheduler: create html dir")
	}
	return eris.Wrap(os.WriteFile(filepath.Join(dir, id+".html"), body, 0o644), "scheduler: write html")
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
