package warehouse

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/pkg/errors"

	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
)

var operationLogTable = goqu.T("log_info")

// insertOperationLog appends one log_info row inside the transaction of the step it describes.
func insertOperationLog(ctx context.Context, tx dbtypes.DatabaseTx, record StepRecord) error {
	sql, args, err := goqu.Dialect("postgres").
		Insert(operationLogTable).
		Rows(goqu.Record{
			"log_time":   record.Time,
			"step":       record.Step,
			"numrows":    record.Rows,
			"elapse_sec": record.Elapsed.Seconds(),
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = tx.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}
