package report

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Report is a parsed job report: one StagingRow per job, all sharing the run metadata of the
// report name and a single load time.
type Report struct {
	Identifier string
	Name
	LoadTime time.Time
	Rows     []StagingRow
}

// StagingRow is one job of a report in the shape of the staging table.
type StagingRow struct {
	RunUuid        string
	JobNo          int64
	ReplicaNo      int32
	RepUuid        string
	BoincUserId    int64
	BoincUsername  string
	UserTime       float64
	WallTime       float64
	SystemTime     float64
	TimeStart      time.Time
	LoadTime       time.Time
	TarFilename    *string
	SlaveValidated *bool
	HostId         *int64
}

type document struct {
	Jobs *[]job `json:"jobs"`
}

// Producers write every scalar as a JSON string, but numbers and booleans are accepted as well.
type job struct {
	JobId             json.RawMessage `json:"jobId"`
	ReplicaId         json.RawMessage `json:"replicaId"`
	Uuid              json.RawMessage `json:"uuid"`
	OutputTarFilename json.RawMessage `json:"outputTarFilename"`
	SlaveValidated    json.RawMessage `json:"slaveValidated"`
	BoincUserId       json.RawMessage `json:"BOINC_USERID"`
	BoincUsername     json.RawMessage `json:"BOINC_USERNAME"`
	BoincHostId       json.RawMessage `json:"BOINC_HOSTID"`
	Time              *jobTime        `json:"Time"`
}

type jobTime struct {
	UserTime   json.RawMessage `json:"UserTime"`
	WallTime   json.RawMessage `json:"WallTime"`
	SystemTime json.RawMessage `json:"SystemTime"`
}

// Parse reads a whole report and converts it into staging rows stamped with loadTime.
// A broken name yields *ErrInvalidName, broken content *ErrMalformedReport.
func Parse(identifier string, r io.Reader, loadTime time.Time) (*Report, error) {
	name, err := ParseName(identifier)
	if err != nil {
		return nil, err
	}

	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		if !isContentError(err) {
			return nil, errors.Wrapf(err, "reading %s", identifier)
		}
		return nil, &ErrMalformedReport{Identifier: identifier, Job: -1, Message: "invalid json", Err: err}
	}
	if doc.Jobs == nil {
		return nil, &ErrMalformedReport{Identifier: identifier, Job: -1, Message: "missing jobs collection"}
	}

	report := &Report{
		Identifier: identifier,
		Name:       name,
		LoadTime:   loadTime,
		Rows:       make([]StagingRow, 0, len(*doc.Jobs)),
	}
	runUuid := name.RunId.String()
	for i, j := range *doc.Jobs {
		row, err := j.toStagingRow()
		if err != nil {
			return nil, &ErrMalformedReport{Identifier: identifier, Job: i, Message: err.Error()}
		}
		row.RunUuid = runUuid
		row.TimeStart = name.TimeStart
		row.LoadTime = loadTime
		report.Rows = append(report.Rows, row)
	}
	return report, nil
}

// isContentError tells decoding failures caused by the document apart from failures of the
// underlying reader.
func isContentError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

func (j job) toStagingRow() (StagingRow, error) {
	var row StagingRow
	f := fields{}

	row.JobNo = f.int64("jobId", j.JobId)
	row.ReplicaNo = int32(f.intN("replicaId", j.ReplicaId, 32))
	row.RepUuid = f.uuid("uuid", j.Uuid)
	tarFilename := f.text("outputTarFilename", j.OutputTarFilename)
	row.TarFilename = &tarFilename
	slaveValidated := f.bool("slaveValidated", j.SlaveValidated)
	row.SlaveValidated = &slaveValidated
	row.BoincUserId = f.int64("BOINC_USERID", j.BoincUserId)
	row.BoincUsername = f.text("BOINC_USERNAME", j.BoincUsername)
	if present(j.BoincHostId) {
		hostId := f.int64("BOINC_HOSTID", j.BoincHostId)
		row.HostId = &hostId
	}
	if j.Time == nil {
		f.fail("Time", "missing")
	} else {
		row.UserTime = f.float64("Time.UserTime", j.Time.UserTime)
		row.WallTime = f.float64("Time.WallTime", j.Time.WallTime)
		row.SystemTime = f.float64("Time.SystemTime", j.Time.SystemTime)
	}

	return row, f.err
}

// fields converts raw job values and remembers the first failure, so a job can be converted in
// one straight pass and checked once at the end.
type fields struct {
	err error
}

type fieldError struct {
	field   string
	message string
}

func (e *fieldError) Error() string {
	return "field " + e.field + ": " + e.message
}

func (f *fields) fail(field, message string) {
	if f.err == nil {
		f.err = &fieldError{field: field, message: message}
	}
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// text returns the scalar as a string: JSON strings are unquoted, numbers and booleans are
// returned as written.
func (f *fields) text(field string, raw json.RawMessage) string {
	if !present(raw) {
		f.fail(field, "missing")
		return ""
	}
	trimmed := bytes.TrimSpace(raw)
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			f.fail(field, err.Error())
			return ""
		}
		return s
	case '{', '[':
		f.fail(field, "expected a scalar")
		return ""
	default:
		return string(trimmed)
	}
}

func (f *fields) int64(field string, raw json.RawMessage) int64 {
	return f.intN(field, raw, 64)
}

func (f *fields) intN(field string, raw json.RawMessage, bitSize int) int64 {
	s := f.text(field, raw)
	if f.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, bitSize)
	if err != nil {
		f.fail(field, "not an integer: "+strconv.Quote(s))
		return 0
	}
	return v
}

func (f *fields) float64(field string, raw json.RawMessage) float64 {
	s := f.text(field, raw)
	if f.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		f.fail(field, "not a number: "+strconv.Quote(s))
		return 0
	}
	return v
}

func (f *fields) bool(field string, raw json.RawMessage) bool {
	s := f.text(field, raw)
	if f.err != nil {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		f.fail(field, "not a boolean: "+strconv.Quote(s))
		return false
	}
	return v
}

func (f *fields) uuid(field string, raw json.RawMessage) string {
	s := f.text(field, raw)
	if f.err != nil {
		return ""
	}
	id, err := uuid.Parse(s)
	if err != nil {
		f.fail(field, "not a uuid: "+strconv.Quote(s))
		return ""
	}
	return id.String()
}
