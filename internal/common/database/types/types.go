package types

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

// DatabaseConn represents a single long-lived database connection: the loader executes every
// statement of a batch through one of these.
type DatabaseConn interface {
	// Close closes the database connection. It returns any error encountered during the closing operation.
	Close(context.Context) error

	// Ping pings the database to check the connection. It returns any error encountered during the ping operation.
	Ping(context.Context) error

	// Exec executes a query that doesn't return rows.
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)

	// QueryRow executes a query that returns one row.
	QueryRow(context.Context, string, ...any) DatabaseRow

	// BeginTx starts a transaction with the given DatabaseTxOptions, or returns an error if any occurred.
	BeginTx(context.Context, DatabaseTxOptions) (DatabaseTx, error)

	// BeginTxFunc starts a transaction and executes the given function within the transaction.
	// If the function succeeds the transaction is committed, otherwise it is rolled back and the
	// function's error is returned.
	BeginTxFunc(context.Context, DatabaseTxOptions, func(DatabaseTx) error) error
}

type DatabaseTxOptions struct {
	Isolation  string
	AccessMode string
}

// DatabaseTx represents a database transaction, or a savepoint nested inside one.
type DatabaseTx interface {
	// Exec executes a query that doesn't return rows.
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)

	// QueryRow executes a query that returns one row.
	QueryRow(context.Context, string, ...any) DatabaseRow

	// CopyFrom performs a bulk insertion of rows into the named table and returns the number of
	// rows inserted.
	CopyFrom(ctx context.Context, tableName string, columnNames []string, rows [][]any) (int64, error)

	// Begin starts a pseudo nested transaction implemented with a savepoint. Rolling it back
	// leaves the enclosing transaction usable.
	Begin(context.Context) (DatabaseTx, error)

	// Commit commits the transaction, or releases the savepoint.
	Commit(context.Context) error

	// Rollback rolls back the transaction, or rolls back to the savepoint.
	Rollback(context.Context) error
}

// DatabaseRow represents a single row in a result set.
type DatabaseRow interface {
	// Scan reads the values from the current row into dest values positionally.
	Scan(dest ...any) error
}
