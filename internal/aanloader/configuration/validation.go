package configuration

import (
	"github.com/pkg/errors"

	commonconfig "github.com/aanproject/aanloader/internal/common/config"
)

func (c LoaderConfiguration) Validate() error {
	if err := commonconfig.Validate(c); err != nil {
		return err
	}
	switch c.Reports.Kind {
	case "directory":
		if c.Reports.Directory.Path == "" {
			return errors.New("reports.directory.path is required for directory reports")
		}
		if !c.Reports.DeleteLoaded && c.Reports.Directory.ArchivePath == "" {
			return errors.New("reports.directory.archivePath is required unless reports.deleteLoaded is set")
		}
	case "objectstore":
		store := c.Reports.ObjectStore
		if store.Endpoint == "" || store.Bucket == "" {
			return errors.New("reports.objectStore.endpoint and reports.objectStore.bucket are required for objectstore reports")
		}
		if !c.Reports.DeleteLoaded && store.ArchivePrefix == "" {
			return errors.New("reports.objectStore.archivePrefix is required unless reports.deleteLoaded is set")
		}
	}
	if c.Alerts.Smtp.Address != "" && (c.Alerts.Smtp.Sender == "" || len(c.Alerts.Smtp.Recipients) == 0) {
		return errors.New("alerts.smtp.sender and alerts.smtp.recipients are required when alerts.smtp.address is set")
	}
	return nil
}
