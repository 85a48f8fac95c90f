package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/discovery"
	"github.com/sells-group/factbase/internal/export"
	"github.com/sells-group/factbase/internal/parser"
	"github.com/sells-group/factbase/internal/scheduler"
)

var runNoServe bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Discover, scrape, export, then serve",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDiscoverFlags(cmd)
		applyScrapeFlags(cmd)
		applyServeFlags()
		for _, mode := range []string{"discover", "scrape", "export", "serve"} {
			if err := cfg.Validate(mode); err != nil {
				return err
			}
		}
		ctx := cmd.Context()
		log := zap.L().With(zap.String("component", "run"))

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := runDiscovery(ctx, st)
		if err != nil {
			return err
		}
		switch cerr := res.Err(); {
		case errors.Is(cerr, discovery.ErrEmptyListing):
			return cerr
		case cerr != nil:
			log.Warn("discovery ended early; scraping what was found", zap.Error(cerr))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		urls, err := discoveredURLs(ctx, st, "")
		if err != nil {
			return err
		}
		sum, err := scheduler.New(newFetcher(), parser.New(), st).Scrape(ctx, urls, scrapeOptions(false))
		if err != nil {
			return err
		}
		log.Info("scrape finished",
			zap.Int("succeeded", sum.Succeeded),
			zap.Int("failed", sum.Failed),
			zap.Int("skipped", sum.Skipped),
		)
		if sum.Stopped {
			return ctx.Err()
		}

		if _, err := export.Export(ctx, st, cfg.Paths.OutDir); err != nil {
			return err
		}
		if runNoServe {
			return nil
		}
		return serve(ctx, st)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&discoverStart, "start", "", "listing start URL (default from config)")
	f.IntVar(&discoverMaxItems, "max-items", 0, "stop discovery after this many new URLs (default from config)")
	f.BoolVar(&discoverStatic, "static", false, "crawl over plain HTTP instead of Chrome")
	f.BoolVar(&discoverHeadless, "headless", true, "run Chrome headless")
	f.IntVar(&scrapeConcurrency, "concurrency", 4, "concurrent scrape workers (default from config)")
	f.Float64Var(&scrapeRPS, "rps", 1.0, "global requests per second (default from config)")
	f.StringVar(&serveHost, "host", "", "listen host (default from config)")
	f.IntVar(&servePort, "port", 0, "listen port (default from config)")
	f.BoolVar(&runNoServe, "no-serve", false, "stop after export")
	rootCmd.AddCommand(runCmd)
}
