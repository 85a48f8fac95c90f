package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/discovery"
	"github.com/sells-group/factbase/internal/model"
	"github.com/sells-group/factbase/internal/parser"
	"github.com/sells-group/factbase/internal/scheduler"
	"github.com/sells-group/factbase/internal/store"
)

var (
	scrapeFrom        string
	scrapeForce       bool
	scrapeConcurrency int
	scrapeRPS         float64
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Fetch, parse and store discovered transcripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyScrapeFlags(cmd)
		if err := cfg.Validate("scrape"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		urls, err := discoveredURLs(ctx, st, scrapeFrom)
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			zap.L().Warn("scrape: no discovered urls; run discover first")
		}

		sum, err := scheduler.New(newFetcher(), parser.New(), st).Scrape(ctx, urls, scrapeOptions(scrapeForce))
		if err != nil {
			return err
		}
		return printSummary(sum)
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-scrape only the URLs in the failure queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyScrapeFlags(cmd)
		if err := cfg.Validate("scrape"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := scheduler.New(newFetcher(), parser.New(), st).RetryFailed(ctx, scrapeOptions(true))
		if err != nil {
			return err
		}
		return printSummary(sum)
	},
}

func applyScrapeFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("concurrency") {
		cfg.Scrape.Concurrency = scrapeConcurrency
	}
	if cmd.Flags().Changed("rps") {
		cfg.Scrape.RPS = scrapeRPS
	}
}

// discoveredURLs reads from an explicit JSONL file when given, otherwise
// from the store's discovered items for the start URL, falling back to the
// JSONL file discover writes.
func discoveredURLs(ctx context.Context, st store.StateStore, from string) ([]string, error) {
	if from != "" {
		return discovery.ReadURLs(from)
	}

	items, err := st.ListDiscovered(ctx, cfg.Discovery.StartURL)
	if err != nil {
		return nil, eris.Wrap(err, "list discovered")
	}
	if len(items) > 0 {
		urls := make([]string, len(items))
		for i, it := range items {
			urls[i] = it.URL
		}
		return urls, nil
	}

	urls, err := discovery.ReadURLs(filepath.Join(cfg.Paths.OutDir, discovery.URLsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return urls, err
}

// scrapeReport omits per-item results that succeeded or were skipped.
type scrapeReport struct {
	RunID     string               `json:"run_id"`
	Found     int                  `json:"found"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Skipped   int                  `json:"skipped"`
	Stopped   bool                 `json:"stopped"`
	Failures  []model.ScrapeResult `json:"failures,omitempty"`
}

func printSummary(sum *model.ScrapeSummary) error {
	rep := scrapeReport{
		RunID:     sum.RunID,
		Found:     sum.Found,
		Succeeded: sum.Succeeded,
		Failed:    sum.Failed,
		Skipped:   sum.Skipped,
		Stopped:   sum.Stopped,
	}
	for _, r := range sum.Results {
		if r.Failed() {
			rep.Failures = append(rep.Failures, r)
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(map[string]any{"summary": rep}), "encode summary")
}

func init() {
	for _, c := range []*cobra.Command{scrapeCmd, retryFailedCmd} {
		c.Flags().IntVar(&scrapeConcurrency, "concurrency", 4, "concurrent workers (default from config)")
		c.Flags().Float64Var(&scrapeRPS, "rps", 1.0, "global requests per second (default from config)")
	}
	scrapeCmd.Flags().StringVar(&scrapeFrom, "from", "", "read URLs from this JSONL file instead of the store")
	scrapeCmd.Flags().BoolVar(&scrapeForce, "force", false, "re-scrape URLs that are already stored")
	rootCmd.AddCommand(scrapeCmd, retryFailedCmd)
}
