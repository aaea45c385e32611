package main

import (
	"fmt"

	"github.com/PavelKucherenko/sf-ds50-course/pipeline"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <batch.csv>...",
	Short: "Summarise batch CSV files written by a previous run",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"File", "Batch", "Rows", "Parsed", "Failed", "Reviews"})

		var rows, parsed, failed, reviews int
		for _, path := range args {
			batch, err := pipeline.ReadBatchCSV(path)
			if err != nil {
				return fmt.Errorf("inspect %s: %w", path, err)
			}
			n := 0
			for _, row := range batch.Rows {
				n += len(row.Reviews)
			}
			t.AppendRow(table.Row{path, batch.Index, len(batch.Rows), batch.Successes(), batch.Failures(), n})

			rows += len(batch.Rows)
			parsed += batch.Successes()
			failed += batch.Failures()
			reviews += n
		}

		t.AppendFooter(table.Row{"Total", "", rows, parsed, failed, reviews})
		t.SetStyle(table.StyleRounded)
		t.Render()
		return nil
	},
}
