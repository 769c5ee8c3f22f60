package commands

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newStudiesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "studies",
		Short: "List the studies in the archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := opts.openArchive()
			if err != nil {
				return err
			}

			summaries, err := arch.ListStudies(cmd.Context())
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(cmd, summaries)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Study", "Segmentations", "Size", "Metrics", "Analyzed At"})
			table.SetBorder(false)

			for _, s := range summaries {
				analyzed := "-"
				if !s.AnalyzedAt.IsZero() {
					analyzed = s.AnalyzedAt.UTC().Format("2006-01-02 15:04:05")
				}
				metricsCell := "-"
				if s.HasMetrics {
					metricsCell = strconv.Itoa(s.MetricsCount)
				}
				table.Append([]string{
					s.Code,
					strings.Join(s.Segmentations, ", "),
					humanize.Bytes(uint64(s.SizeBytes)),
					metricsCell,
					analyzed,
				})
			}
			table.Render()
			return nil
		},
	}
}
