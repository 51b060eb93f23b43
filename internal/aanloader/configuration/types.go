package configuration

import (
	"time"

	"github.com/pkg/errors"

	"github.com/aanproject/aanloader/internal/common"
)

type LoaderConfiguration struct {
	// Database configuration
	Postgres PostgresConfig
	// Where pending reports are read from
	Reports ReportsConfig `validate:"required"`
	// How the batch is committed
	Policy Policy `validate:"required"`
	// Bulk policy only: delete already processed staging rows before loading
	ClearProcessedStaging bool
	// What to do when a replica id is already present in the fact table
	DuplicateReplicas DuplicateReplicaPolicy `validate:"required"`
	// Take a session advisory lock so that a second loader against the same database refuses to start
	ExclusiveLock bool
	// Append-only JSON lines file receiving one record per executed step
	MonitoringFile string `validate:"required"`
	// Prometheus configuration
	Metrics MetricsConfig
	// Alert sinks notified on fatal failures
	Alerts AlertsConfig
	// Log level and optional rotating log file
	Logging common.LogFileConfig
}

type PostgresConfig struct {
	// libpq style key/value pairs, e.g. host, port, dbname, user, password, search_path
	Connection map[string]string `validate:"required"`
	// Number of connection attempts before giving up
	ConnectAttempts int `validate:"gte=1"`
	// Delay before the first retry; doubles on every further attempt
	ConnectBackoff time.Duration
}

type ReportsConfig struct {
	// Either "directory" or "objectstore"
	Kind string `validate:"oneof=directory objectstore"`
	// Glob matched against report names, e.g. JobReport_*.json
	Pattern string `validate:"required"`
	// Delete loaded reports instead of archiving them
	DeleteLoaded bool
	Directory    DirectoryConfig
	ObjectStore  ObjectStoreConfig
}

type DirectoryConfig struct {
	// Directory holding pending reports
	Path string
	// Directory loaded reports are moved into
	ArchivePath string
	// Directory reports that cannot be parsed are moved into. They stay pending when empty.
	QuarantinePath string
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// Key prefix holding pending reports
	Prefix string
	// Key prefix loaded reports are copied into before removal
	ArchivePrefix string
	// Key prefix reports that cannot be parsed are moved under. They stay pending when empty.
	QuarantinePrefix string
}

type MetricsConfig struct {
	// Pushgateway the run's metrics are pushed to when the batch ends. Disabled when empty.
	PushGatewayUrl string
	// Job label used for the push
	JobName string
}

type AlertsConfig struct {
	// Log every alert at error level
	Log     bool
	Smtp    SmtpConfig
	Webhook WebhookConfig
}

type SmtpConfig struct {
	// host:port of the mail relay. Disabled when empty.
	Address    string
	Sender     string
	Recipients []string
	Username   string
	Password   string
}

type WebhookConfig struct {
	// Disabled when empty
	Url      string
	Timeout  time.Duration
	Attempts int
}

// Policy selects the commit boundary of a batch.
type Policy string

const (
	// PerFilePolicy commits and archives one report at a time.
	PerFilePolicy Policy = "per-file"
	// BulkPolicy stages every report and propagates the combined cohort in one transaction.
	BulkPolicy Policy = "bulk"
)

func (p *Policy) UnmarshalText(text []byte) error {
	switch v := Policy(text); v {
	case PerFilePolicy, BulkPolicy:
		*p = v
		return nil
	default:
		return errors.Errorf("unknown policy %q, expected %q or %q", text, PerFilePolicy, BulkPolicy)
	}
}

// DuplicateReplicaPolicy decides how replica ids already present in the fact table are handled.
type DuplicateReplicaPolicy string

const (
	// FailOnDuplicateReplica aborts the unit on the primary key violation.
	FailOnDuplicateReplica DuplicateReplicaPolicy = "fail"
	// SkipDuplicateReplica keeps the first row and logs how many were dropped.
	SkipDuplicateReplica DuplicateReplicaPolicy = "skip"
)

func (p *DuplicateReplicaPolicy) UnmarshalText(text []byte) error {
	switch v := DuplicateReplicaPolicy(text); v {
	case FailOnDuplicateReplica, SkipDuplicateReplica:
		*p = v
		return nil
	default:
		return errors.Errorf("unknown duplicate replica policy %q, expected %q or %q", text, FailOnDuplicateReplica, SkipDuplicateReplica)
	}
}
