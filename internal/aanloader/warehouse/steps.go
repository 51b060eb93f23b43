package warehouse

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
	dbtypes "github.com/aanproject/aanloader/internal/common/database/types"
)

// Every statement below works on the cohort: the staging rows with process_dts IS NULL.

const registerRunsSql = `
INSERT INTO run_h (run_uuid, time_start, load_dts)
SELECT s.run_uuid::uuid, min(s.time_start), $1::timestamp
FROM stg_file s
WHERE s.process_dts IS NULL
  AND NOT EXISTS (SELECT 1 FROM run_h r WHERE r.run_uuid = s.run_uuid::uuid)
GROUP BY s.run_uuid`

// Users without history are seeded with their earliest observation in the cohort. Later
// observations are left to the versioning step, so a cohort spanning several reports keeps
// every name change.
const registerUsersSql = `
WITH new_users AS (
    INSERT INTO user_h (boinc_userid, load_dts)
    SELECT DISTINCT s.boinc_userid, $1::timestamp
    FROM stg_file s
    WHERE s.process_dts IS NULL
      AND NOT EXISTS (SELECT 1 FROM user_h u WHERE u.boinc_userid = s.boinc_userid)
    RETURNING boinc_userid
), first_seen AS (
    SELECT DISTINCT ON (s.boinc_userid) s.boinc_userid, s.boinc_username, s.time_start
    FROM stg_file s
    WHERE s.process_dts IS NULL
      AND NOT EXISTS (SELECT 1 FROM user_s h WHERE h.boinc_userid = s.boinc_userid)
    ORDER BY s.boinc_userid, s.time_start ASC, s.boinc_username DESC
), seeded AS (
    INSERT INTO user_s (boinc_userid, username, valid_from, valid_to, load_dts)
    SELECT f.boinc_userid, f.boinc_username, f.time_start, $2::timestamp, $1::timestamp
    FROM first_seen f
    RETURNING boinc_userid
)
SELECT (SELECT count(*) FROM new_users), (SELECT count(*) FROM seeded)`

const replicaInsertSql = `
INSERT INTO replica_l (rep_uuid, boinc_userid, run_uuid, replica_no, slave_validated, time_start,
                       wall_time, system_time, user_time, host_id, day_period, tar_filename, job_no, load_dts)
SELECT s.rep_uuid::uuid, s.boinc_userid, s.run_uuid::uuid, s.replica_no, s.slave_validated, s.time_start,
       s.wall_time, s.system_time, s.user_time, s.host_id, to_char(s.time_start, 'YYYYMMDD')::integer,
       s.tar_filename, s.job_no, $1::timestamp
FROM stg_file s
WHERE s.process_dts IS NULL`

const registerReplicasSkippingDuplicatesSql = `
WITH cohort AS (
    SELECT count(*) AS n FROM stg_file WHERE process_dts IS NULL
), inserted AS (` + replicaInsertSql + `
    ON CONFLICT (rep_uuid) DO NOTHING
    RETURNING 1
)
SELECT (SELECT count(*) FROM inserted), (SELECT n FROM cohort)`

// Only the latest observation per user is compared with the open interval: greatest time_start,
// ties broken by the greatest username. The open interval is closed by the same statement that
// opens its successor; the single open interval constraint is checked at commit.
const versionUserHistorySql = `
WITH latest AS (
    SELECT DISTINCT ON (s.boinc_userid) s.boinc_userid, s.boinc_username AS username, s.time_start AS valid_from
    FROM stg_file s
    WHERE s.process_dts IS NULL
    ORDER BY s.boinc_userid, s.time_start DESC, s.boinc_username DESC
), changed AS (
    SELECT l.boinc_userid, l.username, l.valid_from
    FROM latest l
    JOIN user_s cur ON cur.boinc_userid = l.boinc_userid AND cur.valid_to = $2::timestamp
    WHERE l.valid_from > cur.valid_from
      AND l.username <> cur.username
), closed AS (
    UPDATE user_s SET valid_to = c.valid_from
    FROM changed c
    WHERE user_s.boinc_userid = c.boinc_userid
      AND user_s.valid_to = $2::timestamp
    RETURNING c.boinc_userid, c.username, c.valid_from
)
INSERT INTO user_s (boinc_userid, username, valid_from, valid_to, load_dts)
SELECT c.boinc_userid, c.username, c.valid_from, $2::timestamp, $1::timestamp
FROM closed c`

const markProcessedSql = `UPDATE stg_file SET process_dts = $1::timestamp WHERE process_dts IS NULL`

var stagingTable = goqu.T("stg_file")

func registerRuns(ctx context.Context, tx dbtypes.DatabaseTx, now time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, registerRunsSql, now)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

// registerUsers returns the number of new identities and the number of seeded histories.
func registerUsers(ctx context.Context, tx dbtypes.DatabaseTx, now time.Time) (int64, int64, error) {
	var users, seeded int64
	if err := tx.QueryRow(ctx, registerUsersSql, now, OpenIntervalEnd).Scan(&users, &seeded); err != nil {
		return 0, 0, errors.WithStack(err)
	}
	return users, seeded, nil
}

func (e *Engine) registerReplicas(ctx context.Context, tx dbtypes.DatabaseTx, now time.Time) (int64, error) {
	if e.duplicates != configuration.SkipDuplicateReplica {
		tag, err := tx.Exec(ctx, replicaInsertSql, now)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		return tag.RowsAffected(), nil
	}

	var inserted, cohort int64
	if err := tx.QueryRow(ctx, registerReplicasSkippingDuplicatesSql, now).Scan(&inserted, &cohort); err != nil {
		return 0, errors.WithStack(err)
	}
	if skipped := cohort - inserted; skipped > 0 {
		log.WithField("step", RegisterReplicasStep).Warnf("Skipped %d staging rows whose replica id is already loaded", skipped)
	}
	return inserted, nil
}

func versionUserHistory(ctx context.Context, tx dbtypes.DatabaseTx, now time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, versionUserHistorySql, now, OpenIntervalEnd)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

func markProcessed(ctx context.Context, tx dbtypes.DatabaseTx, now time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, markProcessedSql, now)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

func clearProcessedStaging(ctx context.Context, tx dbtypes.DatabaseTx) (int64, error) {
	sql, args, err := goqu.Dialect("postgres").
		Delete(stagingTable).
		Where(goqu.C("process_dts").IsNotNull()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}
