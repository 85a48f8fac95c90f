package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/factbase/internal/fetcher"
	"github.com/sells-group/factbase/internal/scheduler"
	"github.com/sells-group/factbase/internal/store"
)

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = filepath.Join(cfg.Paths.StateDir, "factbase.db")
		}
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, eris.Wrap(err, "create database dir")
			}
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func newFetcher() *fetcher.Client {
	return fetcher.NewClient(fetcher.Options{
		UserAgent:     cfg.Scrape.UserAgent,
		Timeout:       seconds(cfg.Scrape.TimeoutSecs),
		RespectRobots: cfg.Scrape.RespectRobots,
	})
}

func scrapeOptions(force bool) scheduler.Options {
	opts := scheduler.Options{
		Concurrency: cfg.Scrape.Concurrency,
		RPS:         cfg.Scrape.RPS,
		MaxAttempts: cfg.Scrape.MaxAttempts,
		Timeout:     seconds(cfg.Scrape.TimeoutSecs),
		Force:       force,
	}
	if cfg.Scrape.KeepHTML {
		opts.HTMLDir = filepath.Join(cfg.Paths.OutDir, "html")
	}
	return opts
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
