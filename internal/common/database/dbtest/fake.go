// Package dbtest provides an in-memory stand-in for a database connection. It records every
// statement, keeps COPYed rows per transaction so that tests can tell committed work from rolled
// back work, and lets tests inject failures by statement text.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
)

// Copy is one CopyFrom call.
type Copy struct {
	Table   string
	Columns []string
	Rows    [][]any
}

// Statement is one Exec or QueryRow call.
type Statement struct {
	Sql  string
	Args []any
}

type FakeDb struct {
	mu sync.Mutex

	// FailOn, when set, is consulted before every statement; a non-nil result fails it.
	FailOn func(sql string) error
	// FailCopy, when set, is consulted before every CopyFrom.
	FailCopy func(table string, rows [][]any) error
	// RowsAffected, when set, gives the row count reported for an Exec.
	RowsAffected func(sql string) int64
	// RowValues, when set, gives the values scanned from a QueryRow.
	RowValues func(sql string) []any
	// FailBegin fails the next BeginTx.
	FailBegin error

	Statements []Statement
	// Committed holds the copies of committed transactions, in commit order.
	Committed []Copy
	Commits   int
	Rollbacks int
	Closed    bool
}

func NewFakeDb() *FakeDb {
	return &FakeDb{}
}

func (db *FakeDb) Close(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.Closed = true
	return nil
}

func (db *FakeDb) Ping(context.Context) error {
	return nil
}

func (db *FakeDb) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.exec(sql, args)
}

func (db *FakeDb) QueryRow(_ context.Context, sql string, args ...any) dbtypes.DatabaseRow {
	return db.queryRow(sql, args)
}

func (db *FakeDb) BeginTx(context.Context, dbtypes.DatabaseTxOptions) (dbtypes.DatabaseTx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.FailBegin; err != nil {
		db.FailBegin = nil
		return nil, err
	}
	return &FakeTx{db: db}, nil
}

func (db *FakeDb) BeginTxFunc(ctx context.Context, opts dbtypes.DatabaseTxOptions, action func(dbtypes.DatabaseTx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := action(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Executed reports whether a statement containing fragment was run.
func (db *FakeDb) Executed(fragment string) bool {
	return db.CountExecuted(fragment) > 0
}

// CountExecuted counts the statements containing fragment.
func (db *FakeDb) CountExecuted(fragment string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, s := range db.Statements {
		if strings.Contains(s.Sql, fragment) {
			n++
		}
	}
	return n
}

// CommittedRows returns the committed rows COPYed into table.
func (db *FakeDb) CommittedRows(table string) [][]any {
	db.mu.Lock()
	defer db.mu.Unlock()
	var rows [][]any
	for _, c := range db.Committed {
		if c.Table == table {
			rows = append(rows, c.Rows...)
		}
	}
	return rows
}

func (db *FakeDb) record(sql string, args []any) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.Statements = append(db.Statements, Statement{Sql: sql, Args: args})
	if db.FailOn != nil {
		return db.FailOn(sql)
	}
	return nil
}

func (db *FakeDb) exec(sql string, args []any) (pgconn.CommandTag, error) {
	if err := db.record(sql, args); err != nil {
		return pgconn.CommandTag{}, err
	}
	var n int64
	if db.RowsAffected != nil {
		n = db.RowsAffected(sql)
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
}

func (db *FakeDb) queryRow(sql string, args []any) dbtypes.DatabaseRow {
	if err := db.record(sql, args); err != nil {
		return fakeRow{err: err}
	}
	var values []any
	if db.RowValues != nil {
		values = db.RowValues(sql)
	}
	return fakeRow{values: values}
}

// FakeTx is a transaction, or a savepoint when parent is set. Copies become visible in
// FakeDb.Committed only when the outermost transaction commits.
type FakeTx struct {
	db     *FakeDb
	parent *FakeTx
	copies []Copy
	done   bool
}

func (tx *FakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx.done {
		return pgconn.CommandTag{}, errors.New("tx is closed")
	}
	return tx.db.exec(sql, args)
}

func (tx *FakeTx) QueryRow(_ context.Context, sql string, args ...any) dbtypes.DatabaseRow {
	if tx.done {
		return fakeRow{err: errors.New("tx is closed")}
	}
	return tx.db.queryRow(sql, args)
}

func (tx *FakeTx) CopyFrom(_ context.Context, tableName string, columnNames []string, rows [][]any) (int64, error) {
	if tx.done {
		return 0, errors.New("tx is closed")
	}
	if tx.db.FailCopy != nil {
		if err := tx.db.FailCopy(tableName, rows); err != nil {
			return 0, err
		}
	}
	tx.copies = append(tx.copies, Copy{Table: tableName, Columns: columnNames, Rows: rows})
	return int64(len(rows)), nil
}

func (tx *FakeTx) Begin(context.Context) (dbtypes.DatabaseTx, error) {
	if tx.done {
		return nil, errors.New("tx is closed")
	}
	return &FakeTx{db: tx.db, parent: tx}, nil
}

func (tx *FakeTx) Commit(context.Context) error {
	if tx.done {
		return errors.New("tx is closed")
	}
	tx.done = true
	if tx.parent != nil {
		tx.parent.copies = append(tx.parent.copies, tx.copies...)
		return nil
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.db.Committed = append(tx.db.Committed, tx.copies...)
	tx.db.Commits++
	return nil
}

func (tx *FakeTx) Rollback(context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.copies = nil
	if tx.parent == nil {
		tx.db.mu.Lock()
		defer tx.db.mu.Unlock()
		tx.db.Rollbacks++
	}
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

// Scan supports the *int64 and *bool destinations the loader uses. Missing values scan as zero.
func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		var v any
		if i < len(r.values) {
			v = r.values[i]
		}
		switch d := d.(type) {
		case *int64:
			n, _ := v.(int64)
			*d = n
		case *bool:
			b, _ := v.(bool)
			*d = b
		default:
			return errors.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}
