// Package source lists, reads and archives pending job reports.
package source

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
)

// Source is where pending reports come from. Identifiers are opaque to the loader apart from the
// report name encoded in them.
type Source interface {
	// Pending lists the identifiers of the reports waiting to be loaded.
	Pending(ctx context.Context) ([]string, error)
	// Open returns the content of a report.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// Archive removes a loaded report from the pending set, either by moving it aside or by
	// deleting it.
	Archive(ctx context.Context, id string) error
	// Quarantine moves a report that cannot be parsed out of the pending set. It is a no-op when
	// no quarantine location is configured.
	Quarantine(ctx context.Context, id string) error
}

// New builds the source selected by config.Kind.
func New(config configuration.ReportsConfig) (Source, error) {
	switch config.Kind {
	case "directory":
		return NewDirSource(config.Directory.Path, config.Directory.ArchivePath, config.Directory.QuarantinePath, config.Pattern, config.DeleteLoaded), nil
	case "objectstore":
		return NewObjectStoreSource(config.ObjectStore, config.Pattern, config.DeleteLoaded)
	default:
		return nil, errors.Errorf("unknown report source kind %q", config.Kind)
	}
}
