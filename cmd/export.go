package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/factbase/internal/export"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write transcripts and segments as JSONL, CSV and XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("export"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		out := exportOut
		if out == "" {
			out = cfg.Paths.OutDir
		}
		sum, err := export.Export(ctx, st, out)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d transcripts (%d segments) to %s\n", sum.Transcripts, sum.Segments, out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output directory (default from config)")
	rootCmd.AddCommand(exportCmd)
}
