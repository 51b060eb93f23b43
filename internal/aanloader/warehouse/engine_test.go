package warehouse

import (
	"context"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
	"github.com/aanproject/aanloader/internal/aanloader/report"
	"github.com/aanproject/aanloader/internal/common/database/dbtest"
	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
)

var testNow = time.Date(2014, 5, 21, 8, 0, 0, 0, time.UTC)

type recordingObserver struct {
	records []StepRecord
}

func (o *recordingObserver) ObserveStep(record StepRecord) {
	o.records = append(o.records, record)
}

func (o *recordingObserver) steps() []string {
	steps := make([]string, 0, len(o.records))
	for _, r := range o.records {
		steps = append(steps, r.Step)
	}
	return steps
}

func newTestEngine(duplicates configuration.DuplicateReplicaPolicy) (*Engine, *recordingObserver) {
	observer := &recordingObserver{}
	return NewEngine(clock.NewFakeClock(testNow), duplicates, observer), observer
}

func TestPropagate_StepOrder(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewFakeDb()
	db.RowsAffected = func(sql string) int64 {
		if strings.Contains(sql, "UPDATE stg_file") {
			return 4
		}
		return 1
	}
	db.RowValues = func(sql string) []any {
		return []any{int64(2), int64(2)}
	}
	engine, observer := newTestEngine(configuration.FailOnDuplicateReplica)

	tx, err := db.BeginTx(ctx, dbtypes.DatabaseTxOptions{})
	require.NoError(t, err)
	result, err := engine.Propagate(ctx, tx)
	require.NoError(t, err)

	assert.Equal(t, []string{RegisterRunsStep, RegisterUsersStep, RegisterReplicasStep, VersionUserHistoryStep, MarkProcessedStep}, observer.steps())
	assert.Equal(t, PropagationResult{Runs: 1, Users: 2, Seeded: 2, Replicas: 1, Versioned: 1, Processed: 4}, result)
	assert.Equal(t, 5, db.CountExecuted(`INSERT INTO "log_info"`))

	var order []string
	for _, s := range db.Statements {
		for _, fragment := range []string{"INSERT INTO run_h", "INSERT INTO user_h", "INSERT INTO replica_l", "UPDATE user_s", "UPDATE stg_file"} {
			if strings.Contains(s.Sql, fragment) {
				order = append(order, fragment)
			}
		}
	}
	assert.Equal(t, []string{"INSERT INTO run_h", "INSERT INTO user_h", "INSERT INTO replica_l", "UPDATE user_s", "UPDATE stg_file"}, order)

	for _, s := range db.Statements {
		for _, arg := range s.Args {
			if ts, ok := arg.(time.Time); ok {
				assert.Equal(t, time.UTC, ts.Location())
			}
		}
	}
}

func TestPropagate_StepFailure(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewFakeDb()
	db.FailOn = func(sql string) error {
		if strings.Contains(sql, "INSERT INTO replica_l") {
			return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint", TableName: "replica_l"}
		}
		return nil
	}
	engine, observer := newTestEngine(configuration.FailOnDuplicateReplica)

	tx, err := db.BeginTx(ctx, dbtypes.DatabaseTxOptions{})
	require.NoError(t, err)
	_, err = engine.Propagate(ctx, tx)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, RegisterReplicasStep, stepErr.Step)
	assert.True(t, IsDuplicateReplica(err))
	assert.Equal(t, []string{RegisterRunsStep, RegisterUsersStep}, observer.steps())
	assert.False(t, db.Executed("UPDATE stg_file"))
}

func TestPropagate_SkipDuplicateReplicas(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewFakeDb()
	db.RowValues = func(sql string) []any {
		if strings.Contains(sql, "ON CONFLICT") {
			return []any{int64(3), int64(5)}
		}
		return nil
	}
	engine, _ := newTestEngine(configuration.SkipDuplicateReplica)

	tx, err := db.BeginTx(ctx, dbtypes.DatabaseTxOptions{})
	require.NoError(t, err)
	result, err := engine.Propagate(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Replicas)
	assert.True(t, db.Executed("ON CONFLICT (rep_uuid) DO NOTHING"))
}

func TestStage(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewFakeDb()
	engine, observer := newTestEngine(configuration.FailOnDuplicateReplica)

	tarFilename := "out.tar"
	validated := true
	r := &report.Report{
		Identifier: "JobReport_55c38822-29ff-11e4-8a38-b8ca3aa02642_2014-05-20 13:13:10.json",
		Rows: []report.StagingRow{
			{RunUuid: "55c38822-29ff-11e4-8a38-b8ca3aa02642", JobNo: 1, BoincUserId: 7, BoincUsername: "alice", TarFilename: &tarFilename, SlaveValidated: &validated},
			{RunUuid: "55c38822-29ff-11e4-8a38-b8ca3aa02642", JobNo: 2, BoincUserId: 8, BoincUsername: "bob"},
		},
	}

	tx, err := db.BeginTx(ctx, dbtypes.DatabaseTxOptions{})
	require.NoError(t, err)
	n, err := engine.Stage(ctx, tx, r)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, db.Committed, 1)
	assert.Equal(t, "stg_file", db.Committed[0].Table)
	assert.Equal(t, StagingColumns, db.Committed[0].Columns)
	rows := db.CommittedRows("stg_file")
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Len(t, row, len(StagingColumns))
	}
	assert.Equal(t, int64(7), rows[0][4])
	assert.Equal(t, "bob", rows[1][5])
	assert.Equal(t, []string{StageReportStep}, observer.steps())
	assert.Equal(t, int64(2), observer.records[0].Rows)
}

func TestStage_CopyFailure(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewFakeDb()
	db.FailCopy = func(table string, rows [][]any) error { return errors.New("connection reset") }
	engine, observer := newTestEngine(configuration.FailOnDuplicateReplica)

	tx, err := db.BeginTx(ctx, dbtypes.DatabaseTxOptions{})
	require.NoError(t, err)
	_, err = engine.Stage(ctx, tx, &report.Report{Identifier: "r", Rows: []report.StagingRow{{}}})

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StageReportStep, stepErr.Step)
	assert.Empty(t, observer.records)
	assert.False(t, db.Executed(`INSERT INTO "log_info"`))
}

func TestClearProcessedStaging(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewFakeDb()
	engine, observer := newTestEngine(configuration.FailOnDuplicateReplica)

	tx, err := db.BeginTx(ctx, dbtypes.DatabaseTxOptions{})
	require.NoError(t, err)
	_, err = engine.ClearProcessedStaging(ctx, tx)
	require.NoError(t, err)

	assert.True(t, db.Executed(`DELETE FROM "stg_file"`))
	assert.True(t, db.Executed(`IS NOT NULL`))
	assert.Equal(t, []string{ClearStagingStep}, observer.steps())
}

func TestDescribeError(t *testing.T) {
	tests := map[string]struct {
		err      error
		contains []string
	}{
		"unique violation": {
			err:      errors.WithStack(&pgconn.PgError{Code: "23505", Message: "duplicate key", Detail: "Key (rep_uuid)=(x) already exists.", TableName: "replica_l"}),
			contains: []string{"duplicate key", "23505", "unique_violation", "already exists", "replica_l"},
		},
		"data exception class": {
			err:      &pgconn.PgError{Code: "22008", Message: "date out of range"},
			contains: []string{"data_exception"},
		},
		"not a postgres error": {
			err:      errors.New("boom"),
			contains: []string{"boom"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			description := DescribeError(tc.err)
			for _, s := range tc.contains {
				assert.Contains(t, description, s)
			}
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(&pgconn.PgError{Code: "08006"}))
	assert.True(t, IsConnectionError(&pgconn.PgError{Code: "57P01"}))
	assert.False(t, IsConnectionError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsConnectionError(errors.New("boom")))
	assert.True(t, IsConnectionError(&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}))
	assert.True(t, IsConnectionError(errors.Wrap(io.ErrUnexpectedEOF, "receive message")))
}
