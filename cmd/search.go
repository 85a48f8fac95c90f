package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/factbase/internal/search"
)

var (
	searchSpeaker  string
	searchStart    string
	searchEnd      string
	searchPage     int
	searchPageSize int
	searchJSON     bool
)

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search stored transcripts",
	Long: `Search stored transcripts. Clauses are ANDed; supported forms:
  term  "exact phrase"  prefix*  title:term  speaker:"Full Name"  NOT clause`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("search"); err != nil {
			return err
		}
		ctx := cmd.Context()

		req := search.Request{
			Query:    strings.Join(args, " "),
			Speaker:  searchSpeaker,
			Page:     searchPage,
			PageSize: searchPageSize,
		}
		var err error
		if req.DateFrom, err = flagDate(searchStart); err != nil {
			return err
		}
		if req.DateTo, err = flagDate(searchEnd); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := search.NewEngine(st).Search(ctx, req)
		if err != nil {
			var qe *search.QuerySyntaxError
			if errors.As(err, &qe) {
				fmt.Fprintf(os.Stderr, "%s\n  %s\n  %s^\n", qe.Error(), req.Query, strings.Repeat(" ", qe.Pos))
			}
			return err
		}

		if searchJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return eris.Wrap(enc.Encode(res), "encode results")
		}

		fmt.Printf("%d matching transcripts (page %d)\n\n", res.Total, res.Page)
		for _, h := range res.Items {
			date := "undated"
			if h.Date != nil {
				date = h.Date.Format(time.DateOnly)
			}
			fmt.Printf("%s  %s  [%s]  score %.1f\n    %s\n    %s\n\n",
				h.TranscriptID, h.Title, date, h.Score, strings.Join(h.TopSpeakers, ", "), h.Snippet)
		}
		return nil
	},
}

func flagDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	d, err := dateparse.ParseIn(v, time.UTC)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid date %q", v)
	}
	return &d, nil
}

func init() {
	searchCmd.Flags().StringVar(&searchSpeaker, "speaker", "", "only segments whose speaker contains this text")
	searchCmd.Flags().StringVar(&searchStart, "start", "", "earliest transcript date (inclusive)")
	searchCmd.Flags().StringVar(&searchEnd, "end", "", "latest transcript date (inclusive)")
	searchCmd.Flags().IntVar(&searchPage, "page", 1, "result page")
	searchCmd.Flags().IntVar(&searchPageSize, "page-size", 20, "results per page (max 100)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(searchCmd)
}
