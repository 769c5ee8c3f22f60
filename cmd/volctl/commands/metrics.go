package commands

import (
	"github.com/spf13/cobra"
)

func newMetricsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <study_code>",
		Short: "Print the stored metrics of a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := opts.openArchive()
			if err != nil {
				return err
			}

			rows, err := arch.LoadMetrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(cmd, map[string]interface{}{
					"study_code":    args[0],
					"metrics":       rows,
					"total_records": len(rows),
				})
			}

			renderMetricsTable(cmd, rows)
			return nil
		},
	}
}
