package warehouse

import (
	"context"
	"time"

	"github.com/pkg/errors"

	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
)

// OpenIntervalEnd is the valid_to of the current (open) satellite interval.
var OpenIntervalEnd = time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC)

// Schema creates the staging area and the warehouse tables when they are missing. All timestamps
// are stored without zone and hold UTC wall clock times.
const Schema = `
CREATE TABLE IF NOT EXISTS stg_file (
    run_uuid        text             NOT NULL,
    job_no          bigint           NOT NULL,
    replica_no      integer          NOT NULL,
    rep_uuid        text             NOT NULL,
    boinc_userid    bigint           NOT NULL,
    boinc_username  text             NOT NULL,
    user_time       double precision NOT NULL,
    wall_time       double precision NOT NULL,
    system_time     double precision NOT NULL,
    time_start      timestamp        NOT NULL,
    load_dts        timestamp        NOT NULL,
    tar_filename    text             NULL,
    slave_validated boolean          NULL,
    host_id         bigint           NULL,
    process_dts     timestamp        NULL
);

CREATE INDEX IF NOT EXISTS idx_stg_file_unprocessed_user
    ON stg_file (boinc_userid, time_start) WHERE process_dts IS NULL;

CREATE INDEX IF NOT EXISTS idx_stg_file_unprocessed_run
    ON stg_file (run_uuid) WHERE process_dts IS NULL;

CREATE TABLE IF NOT EXISTS run_h (
    run_uuid   uuid      PRIMARY KEY,
    time_start timestamp NOT NULL,
    load_dts   timestamp NOT NULL
);

CREATE TABLE IF NOT EXISTS user_h (
    boinc_userid bigint    PRIMARY KEY,
    load_dts     timestamp NOT NULL
);

CREATE TABLE IF NOT EXISTS user_s (
    boinc_userid bigint    NOT NULL REFERENCES user_h (boinc_userid),
    username     text      NOT NULL,
    valid_from   timestamp NOT NULL,
    valid_to     timestamp NOT NULL,
    load_dts     timestamp NOT NULL,
    PRIMARY KEY (boinc_userid, valid_from),
    CHECK (valid_from < valid_to),
    CONSTRAINT user_s_single_open_interval
        EXCLUDE USING btree (boinc_userid WITH =) WHERE (valid_to = '3000-01-01 00:00:00')
        DEFERRABLE INITIALLY DEFERRED
);

CREATE TABLE IF NOT EXISTS replica_l (
    rep_uuid        uuid             PRIMARY KEY,
    boinc_userid    bigint           NOT NULL REFERENCES user_h (boinc_userid),
    run_uuid        uuid             NOT NULL REFERENCES run_h (run_uuid),
    replica_no      integer          NOT NULL,
    slave_validated boolean          NULL,
    time_start      timestamp        NOT NULL,
    wall_time       double precision NOT NULL,
    system_time     double precision NOT NULL,
    user_time       double precision NOT NULL,
    host_id         bigint           NULL,
    day_period      integer          NOT NULL,
    tar_filename    text             NULL,
    job_no          bigint           NOT NULL,
    load_dts        timestamp        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_replica_l_run ON replica_l (run_uuid);
CREATE INDEX IF NOT EXISTS idx_replica_l_user ON replica_l (boinc_userid, day_period);

CREATE TABLE IF NOT EXISTS log_info (
    log_time   timestamp        NOT NULL,
    step       text             NOT NULL,
    numrows    bigint           NOT NULL,
    elapse_sec double precision NOT NULL
);
`

// EnsureSchema applies Schema in a single transaction. Running it against an existing warehouse is a no-op.
func EnsureSchema(ctx context.Context, db dbtypes.DatabaseConn) error {
	err := db.BeginTxFunc(ctx, dbtypes.DatabaseTxOptions{}, func(tx dbtypes.DatabaseTx) error {
		_, err := tx.Exec(ctx, Schema)
		return err
	})
	return errors.Wrap(err, "creating warehouse schema")
}
