package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/internal/app/services/volumetry"
	"github.com/voxelcare/volumetry-agent/internal/app/storage/memory"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

func newAnalyzeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <study_code> <filename>",
		Short: "Run a volumetry analysis and write metrics.json",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := opts.openArchive()
			if err != nil {
				return err
			}

			log := logger.NewDefault("volctl")
			log.SetOutput(os.Stderr)
			svc := volumetry.New(arch, memory.New(), nil, nil, log)

			result, err := svc.ProcessStudy(cmd.Context(), args[0], args[1], study.TriggerCLI)
			if err != nil {
				return err
			}

			doc, err := svc.GetStudyMetrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(cmd, map[string]interface{}{
					"study_code":   args[0],
					"metrics_file": result.MetricsFile,
					"metrics":      doc.Metrics,
				})
			}

			renderMetricsTable(cmd, doc.Metrics)
			fmt.Fprintf(cmd.OutOrStdout(), "metrics written to %s\n", result.MetricsFile)
			return nil
		},
	}
}

func renderMetricsTable(cmd *cobra.Command, rows []study.Metric) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Patient", "Label", "Volume (mL)", "Asymmetry", "Centroid X", "Centroid Y", "Centroid Z"})
	table.SetBorder(false)

	for _, row := range rows {
		table.Append([]string{
			row.Patient,
			row.Label,
			strconv.FormatFloat(row.VolumeML, 'f', 2, 64),
			strconv.FormatFloat(row.AsymmetryIndex, 'f', 3, 64),
			coord(row.CentroidXMM),
			coord(row.CentroidYMM),
			coord(row.CentroidZMM),
		})
	}
	table.Render()
}

func coord(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
