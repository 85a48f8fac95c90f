package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/factbase/internal/model"
	"github.com/sells-group/factbase/internal/store"
)

type statusReport struct {
	Target        string              `json:"target"`
	Discovered    int                 `json:"discovered"`
	ScrollCursor  int                 `json:"scroll_cursor"`
	KnownEndpoint string              `json:"known_endpoint,omitempty"`
	Transcripts   int                 `json:"transcripts"`
	Failures      int                 `json:"failures"`
	TopSpeakers   []model.SpeakerStat `json:"top_speakers"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show crawl, store and failure-queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		target := cfg.Discovery.StartURL
		rep := statusReport{Target: target}

		crawl, err := st.LoadCrawlState(ctx, target)
		if err != nil {
			return eris.Wrap(err, "load crawl state")
		}
		rep.Discovered = len(crawl.Visited)
		rep.ScrollCursor = crawl.ScrollCursor
		rep.KnownEndpoint = crawl.KnownEndpoint

		list, err := st.ListTranscripts(ctx, store.ListFilter{PageSize: 1})
		if err != nil {
			return eris.Wrap(err, "count transcripts")
		}
		rep.Transcripts = list.Total

		failed, err := st.ListFailures(ctx)
		if err != nil {
			return eris.Wrap(err, "list failures")
		}
		rep.Failures = len(failed)

		if rep.TopSpeakers, err = st.SpeakerStats(ctx, 5); err != nil {
			return eris.Wrap(err, "speaker stats")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(rep), "encode status")
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
