package monitoring

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aanproject/aanloader/internal/aanloader/warehouse"
)

var testMetadata = Metadata{DbHost: "dbhost", DbName: "aan", BatchId: "01h0000000000000000000000"}

func TestMonitor_ObserveStep(t *testing.T) {
	var out bytes.Buffer
	metrics := NewMetrics()
	monitor := NewMonitor(&out, testMetadata, metrics)

	monitor.ObserveStep(warehouse.StepRecord{
		Step:    warehouse.RegisterRunsStep,
		Time:    time.Date(2014, 5, 21, 8, 0, 0, 0, time.UTC),
		Rows:    3,
		Elapsed: 1500 * time.Millisecond,
	})
	monitor.ObserveStep(warehouse.StepRecord{Step: warehouse.MarkProcessedStep, Rows: 10})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "2014-05-21 08:00:00.000000", first["timestamp"])
	assert.Equal(t, "register_runs", first["step"])
	assert.Equal(t, map[string]any{"register_runs-rows": 3.0, "register_runs-elapse": 1.5}, first["metrics"])
	assert.Equal(t, map[string]any{"db_host": "dbhost", "db_name": "aan", "batch_id": testMetadata.BatchId}, first["metadata"])

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.stepRows.WithLabelValues(warehouse.RegisterRunsStep)))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.stepRows.WithLabelValues(warehouse.MarkProcessedStep)))
}

func TestMonitor_Counters(t *testing.T) {
	metrics := NewMetrics()
	monitor := NewMonitor(&bytes.Buffer{}, testMetadata, metrics)

	monitor.ReportProcessed(ReportLoaded)
	monitor.ReportProcessed(ReportLoaded)
	monitor.ReportProcessed(ReportMalformed)
	monitor.BatchFailed(warehouse.RegisterUsersStep)
	monitor.BatchSucceeded(time.Unix(1400000000, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.reports.WithLabelValues(ReportLoaded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reports.WithLabelValues(ReportMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.batchFailures.WithLabelValues(warehouse.RegisterUsersStep)))
	assert.Equal(t, 1400000000.0, testutil.ToFloat64(metrics.lastSuccessTime))
}

func TestOpenMonitor_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aanloader.mon")
	require.NoError(t, os.WriteFile(path, []byte("{\"previous\":true}\n"), 0o644))

	monitor, err := OpenMonitor(path, testMetadata, NewMetrics())
	require.NoError(t, err)
	monitor.ObserveStep(warehouse.StepRecord{Step: warehouse.StageReportStep, Rows: 1})
	require.NoError(t, monitor.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)
	assert.Equal(t, `{"previous":true}`, lines[0])
	assert.Contains(t, lines[1], `"stage_report-rows":1`)
}

func TestOpenMonitor_BadPath(t *testing.T) {
	_, err := OpenMonitor(filepath.Join(t.TempDir(), "missing", "aanloader.mon"), testMetadata, NewMetrics())
	assert.Error(t, err)
}

func TestMetrics_Push(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	metrics := NewMetrics()
	monitor := NewMonitor(&bytes.Buffer{}, testMetadata, metrics)
	monitor.ReportProcessed(ReportLoaded)

	err := metrics.Push(context.Background(), server.URL, "aanloader", map[string]string{"db_name": "aan"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/aanloader/db_name/aan", path)
}

func TestMetrics_PushFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewMetrics().Push(context.Background(), server.URL, "aanloader", nil)
	assert.Error(t, err)
}
