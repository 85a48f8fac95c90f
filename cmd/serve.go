package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/factbase/internal/api"
	"github.com/sells-group/factbase/internal/search"
	"github.com/sells-group/factbase/internal/store"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the transcript and search API",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyServeFlags()
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return serve(ctx, st)
	},
}

func applyServeFlags() {
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
}

func serve(ctx context.Context, st store.Store) error {
	srv := api.New(st, search.NewEngine(st))
	return srv.ListenAndServe(ctx, fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
