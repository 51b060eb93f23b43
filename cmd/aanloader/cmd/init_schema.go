package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aanproject/aanloader/internal/aanloader"
	"github.com/aanproject/aanloader/internal/common/app"
)

func initSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "initSchema",
		Short: "Creates the staging and warehouse tables that do not exist yet",
		RunE:  initSchema,
	}
	return cmd
}

func initSchema(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Creating warehouse schema")
	if err := aanloader.InitSchema(app.CreateContextWithShutdown(), config.Postgres); err != nil {
		return errors.WithMessage(err, "failed to create warehouse schema")
	}
	log.Infof("Warehouse schema created in %s", time.Since(start))
	return nil
}
