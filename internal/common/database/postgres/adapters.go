package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
)

// PostgresConnAdapter implements dbtypes.DatabaseConn on top of a single pgx connection.
type PostgresConnAdapter struct {
	*pgx.Conn
}

func (p PostgresConnAdapter) QueryRow(ctx context.Context, sql string, args ...any) dbtypes.DatabaseRow {
	return p.Conn.QueryRow(ctx, sql, args...)
}

func (p PostgresConnAdapter) BeginTx(ctx context.Context, opts dbtypes.DatabaseTxOptions) (dbtypes.DatabaseTx, error) {
	tx, err := p.Conn.BeginTx(ctx, txOptions(opts))
	if err != nil {
		return nil, err
	}
	return PostgresTrxAdapter{Tx: tx}, nil
}

func (p PostgresConnAdapter) BeginTxFunc(ctx context.Context, opts dbtypes.DatabaseTxOptions, action func(dbtypes.DatabaseTx) error) error {
	tx, err := p.Conn.BeginTx(ctx, txOptions(opts))
	if err != nil {
		return err
	}

	if err := action(PostgresTrxAdapter{Tx: tx}); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			return errors.WithMessagef(err, "rollback also failed: %s", rollbackErr)
		}
		return err
	}

	return tx.Commit(ctx)
}

func txOptions(opts dbtypes.DatabaseTxOptions) pgx.TxOptions {
	return pgx.TxOptions{
		IsoLevel:   pgx.TxIsoLevel(opts.Isolation),
		AccessMode: pgx.TxAccessMode(opts.AccessMode),
	}
}

// PostgresTrxAdapter implements dbtypes.DatabaseTx on top of a pgx transaction.
type PostgresTrxAdapter struct {
	pgx.Tx
}

func (t PostgresTrxAdapter) QueryRow(ctx context.Context, sql string, args ...any) dbtypes.DatabaseRow {
	return t.Tx.QueryRow(ctx, sql, args...)
}

func (t PostgresTrxAdapter) Begin(ctx context.Context) (dbtypes.DatabaseTx, error) {
	savepoint, err := t.Tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return PostgresTrxAdapter{Tx: savepoint}, nil
}

func (t PostgresTrxAdapter) CopyFrom(ctx context.Context, tableName string, columnNames []string, data [][]any) (int64, error) {
	return t.Tx.CopyFrom(ctx, pgx.Identifier{tableName}, columnNames, pgx.CopyFromRows(data))
}
