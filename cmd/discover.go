package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/browser"
	"github.com/sells-group/factbase/internal/discovery"
	"github.com/sells-group/factbase/internal/store"
)

var (
	discoverStart    string
	discoverMaxItems int
	discoverStatic   bool
	discoverHeadless bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Crawl the listing and record transcript detail URLs",
	Long:  "Drives the transcript listing (consent wall, load-more, infinite scroll) and persists every new detail URL. Resumes from the last checkpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDiscoverFlags(cmd)
		if err := cfg.Validate("discover"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := runDiscovery(ctx, st)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(discoverReport(res)); err != nil {
			return eris.Wrap(err, "encode result")
		}
		return res.Err()
	},
}

func applyDiscoverFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("start") {
		cfg.Discovery.StartURL = discoverStart
	}
	if cmd.Flags().Changed("max-items") {
		cfg.Discovery.MaxItems = discoverMaxItems
	}
	if cmd.Flags().Changed("static") {
		cfg.Discovery.Static = discoverStatic
	}
	if cmd.Flags().Changed("headless") {
		cfg.Discovery.Headless = discoverHeadless
	}
}

// runDiscovery builds the browser and engine from cfg and crawls the start URL.
func runDiscovery(ctx context.Context, st store.StateStore) (*discovery.Result, error) {
	filter, err := discovery.NewLinkFilter(cfg.Discovery.LinkPattern)
	if err != nil {
		return nil, err
	}

	static := browser.NewStatic(newFetcher(), cfg.Discovery.LoadMoreLabels)
	defer static.Close() //nolint:errcheck

	var b browser.Browser = static
	if !cfg.Discovery.Static {
		chrome, err := browser.NewChrome(ctx, browser.ChromeOptions{
			Headless:  cfg.Discovery.Headless,
			UserAgent: cfg.Scrape.UserAgent,
		})
		if err != nil {
			return nil, eris.Wrap(err, "launch browser (use --static to crawl without Chrome)")
		}
		defer chrome.Close() //nolint:errcheck
		b = chrome
	}

	eng := discovery.NewEngine(b, st, discovery.Options{
		IdleCycles:      cfg.Discovery.IdleCycles,
		CheckpointEvery: cfg.Discovery.CheckpointEvery,
		ScrollTimeout:   seconds(cfg.Discovery.ScrollTimeoutSecs),
		NavTimeout:      seconds(cfg.Discovery.NavTimeoutSecs),
		Retries:         cfg.Discovery.Retries,
		ConsentMarkers:  cfg.Discovery.ConsentMarkers,
		LoadMoreLabels:  cfg.Discovery.LoadMoreLabels,
		Filter:          filter,
		OutDir:          cfg.Paths.OutDir,
		StateDir:        cfg.Paths.StateDir,
		Replay:          static,
	})

	zap.L().Info("discover: starting",
		zap.String("start", cfg.Discovery.StartURL),
		zap.Bool("static", cfg.Discovery.Static),
	)
	return eng.Discover(ctx, cfg.Discovery.StartURL, cfg.Discovery.MaxItems)
}

type discoverSummary struct {
	URLs     []string `json:"urls"`
	Count    int      `json:"count"`
	Empty    bool     `json:"empty"`
	Stuck    bool     `json:"stuck"`
	Stopped  bool     `json:"stopped"`
	Replayed bool     `json:"replayed"`
	Steps    int      `json:"steps"`
	Endpoint string   `json:"known_endpoint,omitempty"`
	DumpPath string   `json:"dump_path,omitempty"`
}

func discoverReport(res *discovery.Result) discoverSummary {
	urls := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		urls = append(urls, it.URL)
	}
	return discoverSummary{
		URLs:     urls,
		Count:    res.Count,
		Empty:    res.Empty,
		Stuck:    res.Stuck,
		Stopped:  res.Stopped,
		Replayed: res.Replayed,
		Steps:    res.Steps,
		Endpoint: res.Endpoint,
		DumpPath: res.DumpPath,
	}
}

func init() {
	discoverCmd.Flags().StringVar(&discoverStart, "start", "", "listing start URL (default from config)")
	discoverCmd.Flags().IntVar(&discoverMaxItems, "max-items", 0, "stop after this many new URLs, 0 for no limit (default from config)")
	discoverCmd.Flags().BoolVar(&discoverStatic, "static", false, "crawl over plain HTTP instead of Chrome")
	discoverCmd.Flags().BoolVar(&discoverHeadless, "headless", true, "run Chrome headless")
	rootCmd.AddCommand(discoverCmd)
}
