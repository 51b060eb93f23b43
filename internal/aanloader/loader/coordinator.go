// Package loader runs loading batches: it decides the transaction boundaries, rolls back and
// alerts on failure, and archives reports once their rows are committed.
package loader

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/aanproject/aanloader/internal/aanloader/alert"
	"github.com/aanproject/aanloader/internal/aanloader/configuration"
	"github.com/aanproject/aanloader/internal/aanloader/monitoring"
	"github.com/aanproject/aanloader/internal/aanloader/report"
	"github.com/aanproject/aanloader/internal/aanloader/source"
	"github.com/aanproject/aanloader/internal/aanloader/warehouse"
	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
	"github.com/aanproject/aanloader/internal/common/logging"
)

// Pseudo steps naming failures outside the warehouse steps in alerts.
const (
	ReadReportStep    = "read_report"
	BeginStep         = "begin_transaction"
	PropagateStep     = "propagate"
	CommitStep        = "commit"
	ArchiveReportStep = "archive_report"
)

// Alerter is notified once per failure that halts a batch.
type Alerter interface {
	Notify(ctx context.Context, alert alert.Alert)
}

// Recorder counts report outcomes and batch results.
type Recorder interface {
	ReportProcessed(outcome string)
	BatchFailed(step string)
	BatchSucceeded(at time.Time)
}

// Result describes what a batch did with each pending report.
type Result struct {
	// Committed and archived
	Loaded []string
	// Skipped because the name or the content could not be parsed. They stay pending.
	Malformed []string
	// Bulk policy only: parsed but rolled back to their savepoint. They stay pending.
	Failed []string
}

// BatchError is returned when a batch halts. An alert has been sent for it.
type BatchError struct {
	Step   string
	Report string
	Err    error
}

func (err *BatchError) Error() string {
	if err.Report != "" {
		return fmt.Sprintf("batch halted at step %s on %s: %s", err.Step, err.Report, err.Err)
	}
	return fmt.Sprintf("batch halted at step %s: %s", err.Step, err.Err)
}

func (err *BatchError) Unwrap() error {
	return err.Err
}

type Coordinator struct {
	db                    dbtypes.DatabaseConn
	source                source.Source
	engine                *warehouse.Engine
	alerter               Alerter
	recorder              Recorder
	clock                 clock.Clock
	policy                configuration.Policy
	clearProcessedStaging bool
	host                  string
	log                   *logrus.Entry
}

func NewCoordinator(
	db dbtypes.DatabaseConn,
	source source.Source,
	engine *warehouse.Engine,
	alerter Alerter,
	recorder Recorder,
	clock clock.Clock,
	policy configuration.Policy,
	clearProcessedStaging bool,
	host string,
	log *logrus.Entry,
) *Coordinator {
	return &Coordinator{
		db:                    db,
		source:                source,
		engine:                engine,
		alerter:               alerter,
		recorder:              recorder,
		clock:                 clock,
		policy:                policy,
		clearProcessedStaging: clearProcessedStaging,
		host:                  host,
		log:                   log,
	}
}

// Run loads every pending report according to the configured policy. The returned error is nil,
// or a *BatchError after the failure has been alerted, or the context's error on cancellation.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	ids, err := c.source.Pending(ctx)
	if err != nil {
		return Result{}, c.fail(ctx, &BatchError{Step: ReadReportStep, Err: err})
	}
	if len(ids) == 0 {
		c.log.Info("No pending reports, nothing to load")
		c.recorder.BatchSucceeded(c.clock.Now())
		return Result{}, nil
	}
	ids = sortByRunStart(ids)
	c.log.Infof("Loading %d pending reports with policy %s", len(ids), c.policy)

	var result Result
	if c.policy == configuration.BulkPolicy {
		result, err = c.runBulk(ctx, ids)
	} else {
		result, err = c.runPerFile(ctx, ids)
	}
	if err != nil {
		return result, err
	}
	c.recorder.BatchSucceeded(c.clock.Now())
	c.log.Infof("Batch completed: %d loaded, %d malformed, %d failed", len(result.Loaded), len(result.Malformed), len(result.Failed))
	return result, nil
}

// runPerFile commits and archives one report at a time and halts at the first failure.
func (c *Coordinator) runPerFile(ctx context.Context, ids []string) (Result, error) {
	var result Result
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, c.fail(ctx, &BatchError{Step: BeginStep, Report: id, Err: err})
		}
		r, err := c.read(ctx, id)
		if err != nil {
			if isMalformed(err) {
				c.skipMalformed(ctx, id, err)
				result.Malformed = append(result.Malformed, id)
				continue
			}
			return result, c.fail(ctx, &BatchError{Step: ReadReportStep, Report: id, Err: err})
		}

		err = c.db.BeginTxFunc(ctx, dbtypes.DatabaseTxOptions{}, func(tx dbtypes.DatabaseTx) error {
			if _, err := c.engine.Stage(ctx, tx, r); err != nil {
				return err
			}
			_, err := c.engine.Propagate(ctx, tx)
			return err
		})
		if err != nil {
			c.recorder.ReportProcessed(monitoring.ReportFailed)
			return result, c.fail(ctx, &BatchError{Step: stepOf(err, CommitStep), Report: id, Err: err})
		}

		if err := c.source.Archive(ctx, id); err != nil {
			return result, c.fail(ctx, &BatchError{Step: ArchiveReportStep, Report: id, Err: err})
		}
		c.recorder.ReportProcessed(monitoring.ReportLoaded)
		result.Loaded = append(result.Loaded, id)
		c.log.WithField("report", id).Infof("Loaded %d jobs", len(r.Rows))
	}
	return result, nil
}

// runBulk stages every report inside one transaction, each in its own savepoint, then propagates
// the combined cohort once. Reports are archived only after the commit.
func (c *Coordinator) runBulk(ctx context.Context, ids []string) (Result, error) {
	var result Result
	tx, err := c.db.BeginTx(ctx, dbtypes.DatabaseTxOptions{})
	if err != nil {
		return result, c.fail(ctx, &BatchError{Step: BeginStep, Err: err})
	}
	rollback := func() {
		if err := tx.Rollback(ctx); err != nil {
			c.log.WithError(err).Warn("Rollback failed")
		}
	}

	if c.clearProcessedStaging {
		if _, err := c.engine.ClearProcessedStaging(ctx, tx); err != nil {
			rollback()
			return result, c.fail(ctx, &BatchError{Step: stepOf(err, warehouse.ClearStagingStep), Err: err})
		}
	}

	var staged []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			rollback()
			return Result{Malformed: result.Malformed}, c.fail(ctx, &BatchError{Step: warehouse.StageReportStep, Report: id, Err: err})
		}
		r, err := c.read(ctx, id)
		if err != nil {
			if isMalformed(err) {
				c.skipMalformed(ctx, id, err)
				result.Malformed = append(result.Malformed, id)
				continue
			}
			rollback()
			return Result{Malformed: result.Malformed}, c.fail(ctx, &BatchError{Step: ReadReportStep, Report: id, Err: err})
		}

		if err := c.stageInSavepoint(ctx, tx, r); err != nil {
			var batchErr *BatchError
			if errors.As(err, &batchErr) {
				rollback()
				return Result{Malformed: result.Malformed}, c.fail(ctx, batchErr)
			}
			logging.WithStacktrace(c.log.WithField("report", id), err).Error("Staging failed, report rolled back and left pending")
			c.recorder.ReportProcessed(monitoring.ReportFailed)
			result.Failed = append(result.Failed, id)
			continue
		}
		staged = append(staged, id)
	}

	if _, err := c.engine.Propagate(ctx, tx); err != nil {
		rollback()
		return Result{Malformed: result.Malformed}, c.fail(ctx, &BatchError{Step: stepOf(err, PropagateStep), Err: err})
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{Malformed: result.Malformed}, c.fail(ctx, &BatchError{Step: CommitStep, Err: err})
	}

	var archiveErrors *multierror.Error
	for _, id := range staged {
		if err := c.source.Archive(ctx, id); err != nil {
			archiveErrors = multierror.Append(archiveErrors, errors.WithMessage(err, id))
			continue
		}
		c.recorder.ReportProcessed(monitoring.ReportLoaded)
		result.Loaded = append(result.Loaded, id)
	}
	if err := archiveErrors.ErrorOrNil(); err != nil {
		return result, c.fail(ctx, &BatchError{Step: ArchiveReportStep, Err: err})
	}
	return result, nil
}

// stageInSavepoint returns a *BatchError when the enclosing transaction itself is unusable, and
// any other error when only the savepoint was rolled back.
func (c *Coordinator) stageInSavepoint(ctx context.Context, tx dbtypes.DatabaseTx, r *report.Report) error {
	savepoint, err := tx.Begin(ctx)
	if err != nil {
		return &BatchError{Step: BeginStep, Report: r.Identifier, Err: err}
	}
	if _, err := c.engine.Stage(ctx, savepoint, r); err != nil {
		if rollbackErr := savepoint.Rollback(ctx); rollbackErr != nil {
			return &BatchError{Step: warehouse.StageReportStep, Report: r.Identifier, Err: errors.WithMessagef(err, "rollback to savepoint also failed: %s", rollbackErr)}
		}
		return err
	}
	if err := savepoint.Commit(ctx); err != nil {
		return &BatchError{Step: warehouse.StageReportStep, Report: r.Identifier, Err: err}
	}
	return nil
}

func (c *Coordinator) read(ctx context.Context, id string) (*report.Report, error) {
	// Fail fast on a bad name without touching the content
	if _, err := report.ParseName(id); err != nil {
		return nil, err
	}
	rc, err := c.source.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func(rc io.ReadCloser) {
		if err := rc.Close(); err != nil {
			c.log.WithError(err).Warnf("Failed to close %s", id)
		}
	}(rc)
	return report.Parse(id, rc, c.clock.Now().UTC())
}

// skipMalformed moves a report that cannot be parsed out of the pending set when the source has
// a quarantine configured. It stays pending otherwise.
func (c *Coordinator) skipMalformed(ctx context.Context, id string, err error) {
	logger := c.log.WithField("report", id)
	logger.WithError(err).Error("Skipping report that cannot be parsed")
	c.recorder.ReportProcessed(monitoring.ReportMalformed)
	if err := c.source.Quarantine(ctx, id); err != nil {
		logger.WithError(err).Warn("Could not quarantine malformed report, it stays pending")
	}
}

// fail alerts on err unless the batch was cancelled, and returns it.
func (c *Coordinator) fail(ctx context.Context, err *BatchError) error {
	c.recorder.BatchFailed(err.Step)
	if ctx.Err() != nil {
		c.log.WithField("step", err.Step).Warn("Batch cancelled, open work rolled back")
		return errors.WithStack(ctx.Err())
	}
	message := fmt.Sprintf("Step %s failed, rollback all steps and quit loading process, error: %s", err.Step, warehouse.DescribeError(err.Err))
	if err.Report != "" {
		message = fmt.Sprintf("Step %s failed on %s, rollback all steps and quit loading process, error: %s", err.Step, err.Report, warehouse.DescribeError(err.Err))
	}
	if warehouse.IsDuplicateReplica(err.Err) {
		message += "; set duplicateReplicas to skip to load the remaining replicas of such reports"
	}
	logging.WithStacktrace(c.log.WithField("step", err.Step), err.Err).Error(message)
	if isDatabaseStep(err.Step) && warehouse.IsConnectionError(err.Err) {
		connectionLost := alert.ConnectionFailed(c.host, err.Err)
		connectionLost.Message = message
		c.alerter.Notify(ctx, connectionLost)
	} else {
		c.alerter.Notify(ctx, alert.StepFailed(err.Step, message))
	}
	return err
}

// isDatabaseStep is false for the steps that talk to the report source only.
func isDatabaseStep(step string) bool {
	return step != ReadReportStep && step != ArchiveReportStep
}

func isMalformed(err error) bool {
	var invalidName *report.ErrInvalidName
	var malformed *report.ErrMalformedReport
	return errors.As(err, &invalidName) || errors.As(err, &malformed)
}

// stepOf names the warehouse step that produced err, or fallback.
func stepOf(err error, fallback string) string {
	var stepErr *warehouse.StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	return fallback
}

// sortByRunStart orders reports by the run start time in their name, so that history is
// versioned in observation order. Unparseable names keep their relative order at the end.
func sortByRunStart(ids []string) []string {
	type entry struct {
		id    string
		name  report.Name
		valid bool
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		name, err := report.ParseName(id)
		entries = append(entries, entry{id: id, name: name, valid: err == nil})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.valid != b.valid {
			return a.valid
		}
		return a.valid && a.name.TimeStart.Before(b.name.TimeStart)
	})
	sorted := make([]string, 0, len(entries))
	for _, e := range entries {
		sorted = append(sorted, e.id)
	}
	return sorted
}
