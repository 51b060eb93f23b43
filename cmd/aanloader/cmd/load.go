package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aanproject/aanloader/internal/aanloader"
	"github.com/aanproject/aanloader/internal/common/app"
)

// Flags of the load command and the config keys they override.
var loadFlagKeys = map[string]string{
	"policy":          "policy",
	"delete-loaded":   "reports.deleteLoaded",
	"monitoring-file": "monitoringFile",
	"report-dir":      "reports.directory.path",
	"archive-dir":     "reports.directory.archivePath",
	"pattern":         "reports.pattern",
}

func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Loads all pending reports as one batch",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			for flag, key := range loadFlagKeys {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: runLoad,
	}
	cmd.Flags().String("policy", "", "Commit boundary: per-file or bulk")
	cmd.Flags().Bool("delete-loaded", false, "Delete loaded reports instead of archiving them")
	cmd.Flags().String("monitoring-file", "", "Append step records to this file")
	cmd.Flags().String("report-dir", "", "Directory holding pending reports")
	cmd.Flags().String("archive-dir", "", "Directory loaded reports are moved into")
	cmd.Flags().String("pattern", "", "Glob selecting report names, e.g. JobReport_*.json")
	return cmd
}

func runLoad(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return aanloader.Run(app.CreateContextWithShutdown(), config)
}
