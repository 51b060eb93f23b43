package aanloader

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/aanproject/aanloader/internal/aanloader/alert"
	"github.com/aanproject/aanloader/internal/aanloader/configuration"
	"github.com/aanproject/aanloader/internal/aanloader/loader"
	"github.com/aanproject/aanloader/internal/aanloader/monitoring"
	"github.com/aanproject/aanloader/internal/aanloader/source"
	"github.com/aanproject/aanloader/internal/aanloader/warehouse"
	"github.com/aanproject/aanloader/internal/common/database"
	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
	"github.com/aanproject/aanloader/internal/common/util"
)

// Key of the session advisory lock taken when exclusiveLock is set.
const advisoryLockKey int64 = 0x6161_6e6c_6f61_64

const acquireLockStep = "acquire_lock"

// Run loads one batch of pending reports.
func Run(ctx context.Context, config configuration.LoaderConfiguration) error {
	batchId := util.NewULID()
	logger := log.WithField("batchId", batchId)
	dispatcher := alert.NewDispatcherFromConfig(config.Alerts)
	host := config.Postgres.Connection["host"]

	src, err := source.New(config.Reports)
	if err != nil {
		return err
	}

	db, err := database.OpenPgxConnWithRetry(ctx, config.Postgres)
	if err != nil {
		if ctx.Err() == nil {
			dispatcher.Notify(ctx, alert.ConnectionFailed(host, err))
		}
		return errors.WithMessagef(err, "connecting to %s", host)
	}
	defer func() {
		if err := db.Close(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to close database connection")
		}
	}()

	if config.ExclusiveLock {
		if err := takeExclusiveLock(ctx, db, dispatcher); err != nil {
			return err
		}
	}

	metrics := monitoring.NewMetrics()
	monitor, err := monitoring.OpenMonitor(config.MonitoringFile, monitoring.Metadata{
		DbHost:  host,
		DbName:  config.Postgres.Connection["dbname"],
		BatchId: batchId,
	}, metrics)
	if err != nil {
		return err
	}
	defer util.CloseResource("monitoring file", monitor)

	engine := warehouse.NewEngine(clock.RealClock{}, config.DuplicateReplicas, monitor)
	coordinator := loader.NewCoordinator(
		db,
		src,
		engine,
		dispatcher,
		monitor,
		clock.RealClock{},
		config.Policy,
		config.ClearProcessedStaging,
		host,
		logger,
	)
	_, runErr := coordinator.Run(ctx)

	if config.Metrics.PushGatewayUrl != "" {
		grouping := map[string]string{"db_name": config.Postgres.Connection["dbname"]}
		if err := metrics.Push(context.Background(), config.Metrics.PushGatewayUrl, jobName(config.Metrics), grouping); err != nil {
			logger.WithError(err).Warn("Could not push metrics")
		}
	}
	return runErr
}

// InitSchema creates the warehouse tables that do not exist yet.
func InitSchema(ctx context.Context, config configuration.PostgresConfig) error {
	db, err := database.OpenPgxConnWithRetry(ctx, config)
	if err != nil {
		return errors.WithMessagef(err, "connecting to %s", config.Connection["host"])
	}
	defer db.Close(context.Background())
	if err := warehouse.EnsureSchema(ctx, db); err != nil {
		return err
	}
	log.Infof("Warehouse schema is in place on %s/%s", config.Connection["host"], config.Connection["dbname"])
	return nil
}

// takeExclusiveLock alerts when the lock cannot be taken, unless the run was cancelled.
func takeExclusiveLock(ctx context.Context, db dbtypes.DatabaseConn, alerter loader.Alerter) error {
	err := acquireExclusiveLock(ctx, db)
	if err != nil && ctx.Err() == nil {
		message := fmt.Sprintf("Step %s failed, no report was loaded, error: %s", acquireLockStep, warehouse.DescribeError(err))
		log.WithError(err).Error(message)
		alerter.Notify(ctx, alert.StepFailed(acquireLockStep, message))
	}
	return err
}

func acquireExclusiveLock(ctx context.Context, db dbtypes.DatabaseConn) error {
	var acquired bool
	if err := db.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockKey).Scan(&acquired); err != nil {
		return errors.WithStack(err)
	}
	if !acquired {
		return errors.New("another loader holds the warehouse lock")
	}
	return nil
}

func jobName(config configuration.MetricsConfig) string {
	if config.JobName == "" {
		return "aanloader"
	}
	return config.JobName
}
