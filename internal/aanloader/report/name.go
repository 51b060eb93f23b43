package report

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	nameMarker      = "JobReport_"
	runTokenLength  = 36
	timestampLength = 19
	timestampLayout = "2006-01-02 15:04:05"
)

// Name is the metadata encoded in a report identifier such as
// "JobReport_55c38822-29ff-11e4-8a38-b8ca3aa02642_2014-05-20 13:13:10.json".
type Name struct {
	RunId     uuid.UUID
	TimeStart time.Time
}

// ParseName extracts the run id and the run start time from a report identifier. Only the base
// name is inspected, so directory paths and object store prefixes are accepted. The timestamp
// carries no zone and is read as UTC.
func ParseName(identifier string) (Name, error) {
	base := path.Base(strings.ReplaceAll(identifier, "\\", "/"))
	idx := strings.Index(base, nameMarker)
	if idx < 0 {
		return Name{}, &ErrInvalidName{Identifier: identifier, Message: "missing " + nameMarker + " marker"}
	}
	runStart := idx + len(nameMarker)
	timestampStart := runStart + runTokenLength + 1
	if len(base) < timestampStart+timestampLength {
		return Name{}, &ErrInvalidName{Identifier: identifier, Message: "too short to hold a run token and a timestamp"}
	}

	runId, err := uuid.Parse(base[runStart : runStart+runTokenLength])
	if err != nil {
		return Name{}, &ErrInvalidName{Identifier: identifier, Message: "run token is not a uuid: " + err.Error()}
	}
	timeStart, err := time.ParseInLocation(timestampLayout, base[timestampStart:timestampStart+timestampLength], time.UTC)
	if err != nil {
		return Name{}, &ErrInvalidName{Identifier: identifier, Message: "invalid timestamp: " + err.Error()}
	}
	return Name{RunId: runId, TimeStart: timeStart}, nil
}
