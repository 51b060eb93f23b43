package warehouse

import (
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// DescribeError renders err for operators. Postgres errors are expanded with their condition
// name, so that an alert reads "unique_violation" rather than a bare SQLSTATE.
func DescribeError(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err.Error()
	}
	s := fmt.Sprintf("%s (SQLSTATE %s, %s)", pgErr.Message, pgErr.Code, conditionName(pgErr.Code))
	if pgErr.Detail != "" {
		s += ": " + pgErr.Detail
	}
	if pgErr.TableName != "" {
		s += fmt.Sprintf(" [table %s]", pgErr.TableName)
	}
	return s
}

// IsConnectionError reports whether err means the database is unreachable rather than that a
// statement was rejected.
func IsConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) || pgerrcode.IsOperatorIntervention(pgErr.Code)
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	return errors.As(err, &connectErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// IsDuplicateReplica reports whether err is a primary key violation on the replica link.
func IsDuplicateReplica(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.TableName == "replica_l"
}

func conditionName(code string) string {
	switch code {
	case pgerrcode.UniqueViolation:
		return "unique_violation"
	case pgerrcode.ForeignKeyViolation:
		return "foreign_key_violation"
	case pgerrcode.NotNullViolation:
		return "not_null_violation"
	case pgerrcode.CheckViolation:
		return "check_violation"
	case pgerrcode.ExclusionViolation:
		return "exclusion_violation"
	case pgerrcode.InvalidTextRepresentation:
		return "invalid_text_representation"
	case pgerrcode.QueryCanceled:
		return "query_canceled"
	case pgerrcode.DeadlockDetected:
		return "deadlock_detected"
	case pgerrcode.UndefinedTable:
		return "undefined_table"
	}
	switch {
	case pgerrcode.IsIntegrityConstraintViolation(code):
		return "integrity_constraint_violation"
	case pgerrcode.IsDataException(code):
		return "data_exception"
	case pgerrcode.IsConnectionException(code):
		return "connection_exception"
	case pgerrcode.IsTransactionRollback(code):
		return "transaction_rollback"
	case pgerrcode.IsInsufficientResources(code):
		return "insufficient_resources"
	default:
		return "unclassified"
	}
}
