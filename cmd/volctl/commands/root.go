// Package commands implements the volctl subcommands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxelcare/volumetry-agent/internal/app/storage/archive"
)

type rootOptions struct {
	storageRoot string
	studiesDir  string
	jsonOutput  bool
}

// NewRootCommand builds the volctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "volctl",
		Short:         "Operate a volumetry study archive",
		Long:          "volctl analyzes segmentation studies and inspects stored metrics directly against a storage root, without a running agent.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.storageRoot, "storage-root", "storage", "path of the storage area")
	cmd.PersistentFlags().StringVar(&opts.studiesDir, "studies-dir", "studies", "studies subdirectory inside the storage area")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "emit JSON instead of tables")

	cmd.AddCommand(
		newAnalyzeCommand(opts),
		newMetricsCommand(opts),
		newStudiesCommand(opts),
	)
	return cmd
}

func (o *rootOptions) openArchive() (*archive.Archive, error) {
	arch, err := archive.New(o.storageRoot, o.studiesDir)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return arch, nil
}
