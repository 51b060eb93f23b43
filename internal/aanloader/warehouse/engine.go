package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
)

// Step names, as recorded in log_info, the monitoring file and alert subjects.
const (
	StageReportStep        = "stage_report"
	RegisterRunsStep       = "register_runs"
	RegisterUsersStep      = "register_users"
	RegisterReplicasStep   = "register_replicas"
	VersionUserHistoryStep = "version_user_history"
	MarkProcessedStep      = "mark_processed"
	ClearStagingStep       = "clear_staging"
)

// StepRecord describes one executed step.
type StepRecord struct {
	Step    string
	Time    time.Time
	Rows    int64
	Elapsed time.Duration
}

// StepObserver is told about every step that completed successfully. Records of a transaction
// that is later rolled back are reported as well.
type StepObserver interface {
	ObserveStep(record StepRecord)
}

// StepError is returned when a step fails. The enclosing transaction must be rolled back.
type StepError struct {
	Step string
	Err  error
}

func (err *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %s", err.Step, err.Err)
}

func (err *StepError) Unwrap() error {
	return err.Err
}

// PropagationResult holds the row counts of one propagation.
type PropagationResult struct {
	Runs      int64
	Users     int64
	Seeded    int64
	Replicas  int64
	Versioned int64
	Processed int64
}

// Engine moves unprocessed staging rows into the warehouse. It never commits or rolls back:
// transaction boundaries belong to the caller.
type Engine struct {
	clock      clock.Clock
	duplicates configuration.DuplicateReplicaPolicy
	observer   StepObserver
}

func NewEngine(clock clock.Clock, duplicates configuration.DuplicateReplicaPolicy, observer StepObserver) *Engine {
	return &Engine{
		clock:      clock,
		duplicates: duplicates,
		observer:   observer,
	}
}

// Propagate runs the propagation steps in order over the current cohort, i.e. every staging row
// with process_dts IS NULL. Running it again on an already propagated cohort changes nothing.
func (e *Engine) Propagate(ctx context.Context, tx dbtypes.DatabaseTx) (PropagationResult, error) {
	var result PropagationResult
	var err error
	// One load time for the whole propagation
	now := e.now()

	result.Runs, err = e.runStep(ctx, tx, RegisterRunsStep, func() (int64, error) {
		return registerRuns(ctx, tx, now)
	})
	if err != nil {
		return PropagationResult{}, err
	}
	result.Users, err = e.runStep(ctx, tx, RegisterUsersStep, func() (int64, error) {
		users, seeded, err := registerUsers(ctx, tx, now)
		result.Seeded = seeded
		return users, err
	})
	if err != nil {
		return PropagationResult{}, err
	}
	result.Replicas, err = e.runStep(ctx, tx, RegisterReplicasStep, func() (int64, error) {
		return e.registerReplicas(ctx, tx, now)
	})
	if err != nil {
		return PropagationResult{}, err
	}
	result.Versioned, err = e.runStep(ctx, tx, VersionUserHistoryStep, func() (int64, error) {
		return versionUserHistory(ctx, tx, now)
	})
	if err != nil {
		return PropagationResult{}, err
	}
	result.Processed, err = e.runStep(ctx, tx, MarkProcessedStep, func() (int64, error) {
		return markProcessed(ctx, tx, now)
	})
	if err != nil {
		return PropagationResult{}, err
	}
	return result, nil
}

// ClearProcessedStaging deletes staging rows that were propagated by earlier batches.
func (e *Engine) ClearProcessedStaging(ctx context.Context, tx dbtypes.DatabaseTx) (int64, error) {
	return e.runStep(ctx, tx, ClearStagingStep, func() (int64, error) {
		return clearProcessedStaging(ctx, tx)
	})
}

func (e *Engine) runStep(ctx context.Context, tx dbtypes.DatabaseTx, step string, action func() (int64, error)) (int64, error) {
	start := e.now()
	rows, err := action()
	if err != nil {
		return 0, &StepError{Step: step, Err: err}
	}
	record := StepRecord{
		Step:    step,
		Time:    start,
		Rows:    rows,
		Elapsed: e.clock.Since(start),
	}
	if err := insertOperationLog(ctx, tx, record); err != nil {
		return 0, &StepError{Step: step, Err: errors.WithMessage(err, "writing operation log")}
	}
	log.WithField("step", step).Infof("%s completed, %d rows processed (ElapseSec= %.3f)", step, rows, record.Elapsed.Seconds())
	if e.observer != nil {
		e.observer.ObserveStep(record)
	}
	return rows, nil
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}
