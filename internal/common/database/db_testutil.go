package database

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/aanproject/aanloader/internal/common/database/postgres"
	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
	"github.com/aanproject/aanloader/internal/common/util"
)

const testConnectionEnvVar = "AANLOADER_TEST_POSTGRES"

// ErrTestDbUnavailable is returned by WithTestDb when no Postgres server can be reached. Tests
// should skip rather than fail on it.
var ErrTestDbUnavailable = errors.New("test postgres unavailable")

// WithTestDb spins up a dedicated Postgres database for testing, applies the given schema and
// hands a connection to it to action. The database is dropped afterwards.
// The server is taken from AANLOADER_TEST_POSTGRES and defaults to a local postgres/psw instance.
func WithTestDb(schema string, action func(db dbtypes.DatabaseConn) error) error {
	ctx := context.Background()

	connectionString := os.Getenv(testConnectionEnvVar)
	if connectionString == "" {
		connectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"
	}

	// Connect and create a dedicated database for the test
	dbName := "test_" + util.NewULID()
	admin, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.Wrap(ErrTestDbUnavailable, err.Error())
	}
	defer admin.Close(ctx)

	_, err = admin.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		// disconnect all db users before cleanup
		_, err := admin.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}
		_, err = admin.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	// Connect again: this time to the database we just created. This is the database we use for tests
	conn, err := pgx.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}
	defer conn.Close(ctx)

	if schema != "" {
		if _, err := conn.Exec(ctx, schema); err != nil {
			return errors.WithStack(err)
		}
	}

	return action(postgres.PostgresConnAdapter{Conn: conn})
}
