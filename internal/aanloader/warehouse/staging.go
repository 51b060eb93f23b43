package warehouse

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aanproject/aanloader/internal/aanloader/report"
	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
)

// StagingColumns is the column order of the COPY into stg_file; see stagingValues.
var StagingColumns = []string{
	"run_uuid",
	"job_no",
	"replica_no",
	"rep_uuid",
	"boinc_userid",
	"boinc_username",
	"user_time",
	"wall_time",
	"system_time",
	"time_start",
	"load_dts",
	"tar_filename",
	"slave_validated",
	"host_id",
}

func stagingValues(row report.StagingRow) []any {
	return []any{
		row.RunUuid,
		row.JobNo,
		row.ReplicaNo,
		row.RepUuid,
		row.BoincUserId,
		row.BoincUsername,
		row.UserTime,
		row.WallTime,
		row.SystemTime,
		row.TimeStart.UTC(),
		row.LoadTime.UTC(),
		row.TarFilename,
		row.SlaveValidated,
		row.HostId,
	}
}

// Stage appends every row of r to the staging area with a single COPY. Either all rows of the
// report are staged or, on error, none are.
func (e *Engine) Stage(ctx context.Context, tx dbtypes.DatabaseTx, r *report.Report) (int64, error) {
	return e.runStep(ctx, tx, StageReportStep, func() (int64, error) {
		rows := make([][]any, 0, len(r.Rows))
		for _, row := range r.Rows {
			rows = append(rows, stagingValues(row))
		}
		n, err := tx.CopyFrom(ctx, "stg_file", StagingColumns, rows)
		if err != nil {
			return 0, errors.Wrapf(err, "copying %d rows of %s", len(rows), r.Identifier)
		}
		return n, nil
	})
}
