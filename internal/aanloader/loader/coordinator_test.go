package loader

import (
	"context"
	"fmt"
	"io"
	"sort"
	"net"
	"strings"
	"syscall"
	"testing"
	"testing/iotest"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/aanproject/aanloader/internal/aanloader/alert"
	"github.com/aanproject/aanloader/internal/aanloader/configuration"
	"github.com/aanproject/aanloader/internal/aanloader/monitoring"
	"github.com/aanproject/aanloader/internal/aanloader/warehouse"
	"github.com/aanproject/aanloader/internal/common/database/dbtest"
	"github.com/aanproject/aanloader/internal/common/logging"
)

var testNow = time.Date(2014, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	reports     map[string]string
	archived    []string
	archiveErr  error
	pendingErr  error
	readErrs    map[string]error
	quarantine  bool
	quarantined []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{reports: map[string]string{}, readErrs: map[string]error{}}
}

func (s *fakeSource) Pending(context.Context) ([]string, error) {
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}
	ids := make([]string, 0, len(s.reports))
	for id := range s.reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeSource) Open(_ context.Context, id string) (io.ReadCloser, error) {
	content, ok := s.reports[id]
	if !ok {
		return nil, errors.Errorf("%s not found", id)
	}
	if err, ok := s.readErrs[id]; ok {
		// Half of the content arrives before the stream breaks
		return io.NopCloser(io.MultiReader(strings.NewReader(content[:len(content)/2]), iotest.ErrReader(err))), nil
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (s *fakeSource) Archive(_ context.Context, id string) error {
	if s.archiveErr != nil {
		return s.archiveErr
	}
	delete(s.reports, id)
	s.archived = append(s.archived, id)
	return nil
}

func (s *fakeSource) Quarantine(_ context.Context, id string) error {
	if !s.quarantine {
		return nil
	}
	delete(s.reports, id)
	s.quarantined = append(s.quarantined, id)
	return nil
}

type fakeAlerter struct {
	alerts []alert.Alert
}

func (a *fakeAlerter) Notify(_ context.Context, alert alert.Alert) {
	a.alerts = append(a.alerts, alert)
}

type fakeRecorder struct {
	outcomes  map[string]int
	failures  []string
	succeeded int
}

func (r *fakeRecorder) ReportProcessed(outcome string) {
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *fakeRecorder) BatchFailed(step string) {
	r.failures = append(r.failures, step)
}

func (r *fakeRecorder) BatchSucceeded(time.Time) {
	r.succeeded++
}

type testReport struct {
	id    string
	runId string
}

// addReport adds a report started on the given day of May 2014 holding jobs jobs.
func addReport(s *fakeSource, day int, jobs int) testReport {
	runId := uuid.NewString()
	id := fmt.Sprintf("JobReport_%s_2014-05-%02d 13:13:10.json", runId, day)
	entries := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		entries = append(entries, fmt.Sprintf(`{
			"jobId": "%d", "replicaId": "1", "uuid": "%s", "outputTarFilename": "out.tar",
			"slaveValidated": "true", "BOINC_USERID": "%d", "BOINC_USERNAME": "user%d",
			"Time": {"UserTime": "1", "WallTime": "2", "SystemTime": "3"}
		}`, i, uuid.NewString(), i, i))
	}
	s.reports[id] = `{"jobs": [` + strings.Join(entries, ",") + `]}`
	return testReport{id: id, runId: runId}
}

type fixture struct {
	db       *dbtest.FakeDb
	source   *fakeSource
	alerter  *fakeAlerter
	recorder *fakeRecorder
}

func newFixture() *fixture {
	return &fixture{
		db:       dbtest.NewFakeDb(),
		source:   newFakeSource(),
		alerter:  &fakeAlerter{},
		recorder: &fakeRecorder{},
	}
}

func (f *fixture) coordinator(policy configuration.Policy, clearProcessedStaging bool) *Coordinator {
	fakeClock := clock.NewFakeClock(testNow)
	engine := warehouse.NewEngine(fakeClock, configuration.FailOnDuplicateReplica, nil)
	return NewCoordinator(f.db, f.source, engine, f.alerter, f.recorder, fakeClock, policy, clearProcessedStaging, "dbhost", logging.NullEntry())
}

// failCopyOf fails the COPY of the given report.
func (f *fixture) failCopyOf(r testReport) {
	f.db.FailCopy = func(table string, rows [][]any) error {
		if len(rows) > 0 && rows[0][0] == r.runId {
			return errors.New("copy failed")
		}
		return nil
	}
}

// committedRuns lists the run ids of the committed staging rows.
func (f *fixture) committedRuns() []string {
	seen := map[string]bool{}
	var runs []string
	for _, row := range f.db.CommittedRows("stg_file") {
		runId := row[0].(string)
		if !seen[runId] {
			seen[runId] = true
			runs = append(runs, runId)
		}
	}
	return runs
}

func TestPerFile_LoadsEveryReport(t *testing.T) {
	f := newFixture()
	r1 := addReport(f.source, 1, 2)
	r2 := addReport(f.source, 2, 3)
	r3 := addReport(f.source, 3, 1)

	result, err := f.coordinator(configuration.PerFilePolicy, false).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{r1.id, r2.id, r3.id}, result.Loaded)
	assert.Equal(t, []string{r1.id, r2.id, r3.id}, f.source.archived)
	assert.Equal(t, 3, f.db.Commits)
	assert.Equal(t, 3, f.db.CountExecuted("UPDATE stg_file"))
	assert.Len(t, f.db.CommittedRows("stg_file"), 6)
	assert.Empty(t, f.alerter.alerts)
	assert.Equal(t, 3, f.recorder.outcomes[monitoring.ReportLoaded])
	assert.Equal(t, 1, f.recorder.succeeded)
}

func TestPerFile_StagingRowsShareReportMetadata(t *testing.T) {
	f := newFixture()
	r := addReport(f.source, 20, 5)

	_, err := f.coordinator(configuration.PerFilePolicy, false).Run(context.Background())
	require.NoError(t, err)

	rows := f.db.CommittedRows("stg_file")
	require.Len(t, rows, 5)
	timeStartIdx := indexOf(warehouse.StagingColumns, "time_start")
	loadDtsIdx := indexOf(warehouse.StagingColumns, "load_dts")
	for _, row := range rows {
		assert.Equal(t, r.runId, row[0])
		assert.Equal(t, time.Date(2014, 5, 20, 13, 13, 10, 0, time.UTC), row[timeStartIdx])
		assert.Equal(t, testNow, row[loadDtsIdx])
	}
}

func TestPerFile_FailureHaltsBatch(t *testing.T) {
	tests := map[string]struct {
		inject       func(f *fixture, failing testReport)
		expectedStep string
	}{
		"staging failure": {
			inject:       func(f *fixture, failing testReport) { f.failCopyOf(failing) },
			expectedStep: warehouse.StageReportStep,
		},
		"propagation failure": {
			inject: func(f *fixture, _ testReport) {
				calls := 0
				f.db.FailOn = func(sql string) error {
					if strings.Contains(sql, "INSERT INTO user_h") {
						calls++
						if calls == 2 {
							return errors.New("disk full")
						}
					}
					return nil
				}
			},
			expectedStep: warehouse.RegisterUsersStep,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			r1 := addReport(f.source, 1, 2)
			r2 := addReport(f.source, 2, 2)
			r3 := addReport(f.source, 3, 2)
			tc.inject(f, r2)

			result, err := f.coordinator(configuration.PerFilePolicy, false).Run(context.Background())

			var batchErr *BatchError
			require.True(t, errors.As(err, &batchErr))
			assert.Equal(t, tc.expectedStep, batchErr.Step)
			assert.Equal(t, r2.id, batchErr.Report)

			// Reports before the failure stay committed and archived, the failing one is neither
			assert.Equal(t, []string{r1.id}, result.Loaded)
			assert.Equal(t, []string{r1.id}, f.source.archived)
			assert.Equal(t, []string{r1.runId}, f.committedRuns())
			assert.Equal(t, 1, f.db.Commits)
			assert.Equal(t, 1, f.db.Rollbacks)
			assert.Contains(t, f.source.reports, r2.id)
			assert.Contains(t, f.source.reports, r3.id)

			require.Len(t, f.alerter.alerts, 1)
			assert.Equal(t, "DB loading issue, "+tc.expectedStep, f.alerter.alerts[0].Subject)
			assert.Contains(t, f.alerter.alerts[0].Message, r2.id)
			assert.Equal(t, []string{tc.expectedStep}, f.recorder.failures)
			assert.Equal(t, 0, f.recorder.succeeded)
		})
	}
}

func TestPerFile_SkipsMalformedReports(t *testing.T) {
	f := newFixture()
	r1 := addReport(f.source, 1, 2)
	broken := addReport(f.source, 2, 2)
	f.source.reports[broken.id] = `{"jobs": [{"jobId": "1",`
	r3 := addReport(f.source, 3, 2)
	badName := "JobReport_not-a-run_2014-05-04 13:13:10.json"
	f.source.reports[badName] = `{"jobs": []}`

	result, err := f.coordinator(configuration.PerFilePolicy, false).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{r1.id, r3.id}, result.Loaded)
	assert.ElementsMatch(t, []string{broken.id, badName}, result.Malformed)
	assert.Equal(t, []string{r1.runId, r3.runId}, f.committedRuns())
	assert.Contains(t, f.source.reports, broken.id)
	assert.Contains(t, f.source.reports, badName)
	assert.Empty(t, f.alerter.alerts)
	assert.Equal(t, 2, f.recorder.outcomes[monitoring.ReportMalformed])
}

func TestPerFile_QuarantinesMalformedReports(t *testing.T) {
	f := newFixture()
	f.source.quarantine = true
	r1 := addReport(f.source, 1, 2)
	broken := addReport(f.source, 2, 2)
	f.source.reports[broken.id] = `{"jobs": "none"}`

	result, err := f.coordinator(configuration.PerFilePolicy, false).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{r1.id}, result.Loaded)
	assert.Equal(t, []string{broken.id}, result.Malformed)
	assert.Equal(t, []string{broken.id}, f.source.quarantined)
	assert.Empty(t, f.source.reports)
	assert.Empty(t, f.alerter.alerts)
}

func TestRun_ReadFailureIsFatal(t *testing.T) {
	for _, policy := range []configuration.Policy{configuration.PerFilePolicy, configuration.BulkPolicy} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture()
			r1 := addReport(f.source, 1, 2)
			r2 := addReport(f.source, 2, 2)
			f.source.readErrs[r2.id] = errors.New("connection reset by peer")

			result, err := f.coordinator(policy, false).Run(context.Background())

			var batchErr *BatchError
			require.True(t, errors.As(err, &batchErr))
			assert.Equal(t, ReadReportStep, batchErr.Step)
			assert.Equal(t, r2.id, batchErr.Report)
			assert.Empty(t, result.Malformed)
			assert.Contains(t, f.source.reports, r2.id)
			assert.Empty(t, f.source.quarantined)
			require.Len(t, f.alerter.alerts, 1)
			assert.Equal(t, "DB loading issue, read_report", f.alerter.alerts[0].Subject)
			assert.Contains(t, f.alerter.alerts[0].Message, "connection reset by peer")
			assert.Equal(t, []string{ReadReportStep}, f.recorder.failures)

			if policy == configuration.PerFilePolicy {
				assert.Equal(t, []string{r1.id}, result.Loaded)
				assert.Equal(t, []string{r1.runId}, f.committedRuns())
			} else {
				assert.Empty(t, result.Loaded)
				assert.Empty(t, f.db.Committed)
				assert.Equal(t, 1, f.db.Rollbacks)
			}
		})
	}
}

func TestPerFile_FailureAlertSubject(t *testing.T) {
	tests := map[string]struct {
		err             error
		expectedSubject string
		expectedMessage string
	}{
		"connection lost": {
			err:             &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET},
			expectedSubject: "dbhost connection error",
			expectedMessage: "Step register_replicas failed",
		},
		"admin shutdown": {
			err:             &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"},
			expectedSubject: "dbhost connection error",
			expectedMessage: "administrator command",
		},
		"duplicate replica": {
			err:             &pgconn.PgError{Code: "23505", TableName: "replica_l", Message: "duplicate key value"},
			expectedSubject: "DB loading issue, register_replicas",
			expectedMessage: "duplicateReplicas",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			addReport(f.source, 1, 1)
			f.db.FailOn = func(sql string) error {
				if strings.Contains(sql, "INSERT INTO replica_l") {
					return tc.err
				}
				return nil
			}

			_, err := f.coordinator(configuration.PerFilePolicy, false).Run(context.Background())

			var batchErr *BatchError
			require.True(t, errors.As(err, &batchErr))
			assert.Equal(t, warehouse.RegisterReplicasStep, batchErr.Step)
			require.Len(t, f.alerter.alerts, 1)
			assert.Equal(t, tc.expectedSubject, f.alerter.alerts[0].Subject)
			assert.Contains(t, f.alerter.alerts[0].Message, tc.expectedMessage)
		})
	}
}

func TestPerFile_ArchiveFailureIsFatal(t *testing.T) {
	f := newFixture()
	addReport(f.source, 1, 1)
	addReport(f.source, 2, 1)
	f.source.archiveErr = errors.New("permission denied")

	result, err := f.coordinator(configuration.PerFilePolicy, false).Run(context.Background())

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, ArchiveReportStep, batchErr.Step)
	assert.Empty(t, result.Loaded)
	assert.Equal(t, 1, f.db.Commits)
	require.Len(t, f.alerter.alerts, 1)
	assert.Equal(t, "DB loading issue, archive_report", f.alerter.alerts[0].Subject)
}

func TestRun_NoPendingReports(t *testing.T) {
	for _, policy := range []configuration.Policy{configuration.PerFilePolicy, configuration.BulkPolicy} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture()
			result, err := f.coordinator(policy, true).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, Result{}, result)
			assert.Empty(t, f.db.Statements)
			assert.Equal(t, 0, f.db.Commits)
			assert.Equal(t, 1, f.recorder.succeeded)
		})
	}
}

func TestRun_ListingFailure(t *testing.T) {
	f := newFixture()
	f.source.pendingErr = errors.New("bucket unreachable")

	_, err := f.coordinator(configuration.PerFilePolicy, false).Run(context.Background())
	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, ReadReportStep, batchErr.Step)
	require.Len(t, f.alerter.alerts, 1)
}

func TestRun_CancelledDoesNotAlert(t *testing.T) {
	f := newFixture()
	addReport(f.source, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.coordinator(configuration.PerFilePolicy, false).Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, result.Loaded)
	assert.Empty(t, f.alerter.alerts)
	assert.Equal(t, 0, f.db.Commits)
}

func TestBulk_LoadsEveryReportInOneTransaction(t *testing.T) {
	f := newFixture()
	r1 := addReport(f.source, 1, 2)
	r2 := addReport(f.source, 2, 3)

	result, err := f.coordinator(configuration.BulkPolicy, false).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{r1.id, r2.id}, result.Loaded)
	assert.Equal(t, []string{r1.id, r2.id}, f.source.archived)
	assert.Equal(t, 1, f.db.Commits)
	assert.Equal(t, 1, f.db.CountExecuted("UPDATE stg_file"))
	assert.Equal(t, []string{r1.runId, r2.runId}, f.committedRuns())
	assert.False(t, f.db.Executed(`DELETE FROM "stg_file"`))
	assert.Empty(t, f.alerter.alerts)
}

func TestBulk_StagingFailureRollsBackToSavepoint(t *testing.T) {
	f := newFixture()
	r1 := addReport(f.source, 1, 2)
	r2 := addReport(f.source, 2, 2)
	r3 := addReport(f.source, 3, 2)
	f.failCopyOf(r2)

	result, err := f.coordinator(configuration.BulkPolicy, false).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{r1.id, r3.id}, result.Loaded)
	assert.Equal(t, []string{r2.id}, result.Failed)
	assert.Equal(t, []string{r1.runId, r3.runId}, f.committedRuns())
	assert.Contains(t, f.source.reports, r2.id)
	assert.Equal(t, 1, f.db.Commits)
	assert.Empty(t, f.alerter.alerts)
	assert.Equal(t, 1, f.recorder.outcomes[monitoring.ReportFailed])
}

func TestBulk_PropagationFailureRollsBackEverything(t *testing.T) {
	f := newFixture()
	addReport(f.source, 1, 2)
	addReport(f.source, 2, 2)
	f.db.FailOn = func(sql string) error {
		if strings.Contains(sql, "UPDATE user_s") {
			return errors.New("serialization failure")
		}
		return nil
	}

	result, err := f.coordinator(configuration.BulkPolicy, false).Run(context.Background())

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, warehouse.VersionUserHistoryStep, batchErr.Step)
	assert.Empty(t, result.Loaded)
	assert.Empty(t, f.source.archived)
	assert.Empty(t, f.db.Committed)
	assert.Equal(t, 0, f.db.Commits)
	assert.Equal(t, 1, f.db.Rollbacks)
	require.Len(t, f.alerter.alerts, 1)
	assert.Equal(t, "DB loading issue, version_user_history", f.alerter.alerts[0].Subject)
}

func TestBulk_ClearsProcessedStaging(t *testing.T) {
	f := newFixture()
	addReport(f.source, 1, 1)

	_, err := f.coordinator(configuration.BulkPolicy, true).Run(context.Background())
	require.NoError(t, err)

	require.True(t, f.db.Executed(`DELETE FROM "stg_file"`))
	assert.Less(t, indexOfStatement(f.db, `DELETE FROM "stg_file"`), indexOfStatement(f.db, "UPDATE stg_file"))
}

func TestBulk_ArchiveFailuresAreAggregated(t *testing.T) {
	f := newFixture()
	addReport(f.source, 1, 1)
	addReport(f.source, 2, 1)
	f.source.archiveErr = errors.New("read-only file system")

	_, err := f.coordinator(configuration.BulkPolicy, false).Run(context.Background())

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, ArchiveReportStep, batchErr.Step)
	assert.Equal(t, 2, strings.Count(err.Error(), "read-only file system"))
	assert.Equal(t, 1, f.db.Commits)
	require.Len(t, f.alerter.alerts, 1)
}

func TestSortByRunStart(t *testing.T) {
	late := "JobReport_55c38822-29ff-11e4-8a38-b8ca3aa02642_2014-05-22 00:00:00.json"
	early := "JobReport_ffc38822-29ff-11e4-8a38-b8ca3aa02642_2014-05-20 00:00:00.json"
	middle := "JobReport_aac38822-29ff-11e4-8a38-b8ca3aa02642_2014-05-21 00:00:00.json"
	broken := "notes.json"

	assert.Equal(t, []string{early, middle, late, broken}, sortByRunStart([]string{broken, late, early, middle}))
}

func indexOf(values []string, value string) int {
	for i, v := range values {
		if v == value {
			return i
		}
	}
	return -1
}

func indexOfStatement(db *dbtest.FakeDb, fragment string) int {
	for i, s := range db.Statements {
		if strings.Contains(s.Sql, fragment) {
			return i
		}
	}
	return -1
}
