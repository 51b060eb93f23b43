package database

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
	"github.com/aanproject/aanloader/internal/common/database/postgres"
	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	// Keys are sorted so that the same config always produces the same string.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

// OpenPgxConn opens a single connection and checks it with a ping.
func OpenPgxConn(ctx context.Context, config configuration.PostgresConfig) (dbtypes.DatabaseConn, error) {
	conn, err := pgx.Connect(ctx, CreateConnectionString(config.Connection))
	if err != nil {
		return nil, err
	}
	adapter := postgres.PostgresConnAdapter{Conn: conn}
	if err := adapter.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return adapter, nil
}

// OpenPgxConnWithRetry is OpenPgxConn retried config.ConnectAttempts times with exponential backoff.
func OpenPgxConnWithRetry(ctx context.Context, config configuration.PostgresConfig) (dbtypes.DatabaseConn, error) {
	var conn dbtypes.DatabaseConn
	attempts := config.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := config.ConnectBackoff
	if delay <= 0 {
		delay = time.Second
	}
	err := retry.Do(
		func() error {
			c, err := OpenPgxConn(ctx, config)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Connection attempt %d to %s failed", n+1, config.Connection["host"])
		}),
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return conn, nil
}
