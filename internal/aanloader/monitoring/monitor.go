// Package monitoring records what a loading run did: one JSON line per step in the monitoring
// file, and prometheus metrics that can be pushed when the run ends.
package monitoring

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aanproject/aanloader/internal/aanloader/warehouse"
)

const timestampLayout = "2006-01-02 15:04:05.000000"

// Metadata identifies the database and batch a monitoring record belongs to.
type Metadata struct {
	DbHost  string `json:"db_host"`
	DbName  string `json:"db_name"`
	BatchId string `json:"batch_id"`
}

type record struct {
	Timestamp string             `json:"timestamp"`
	Step      string             `json:"step"`
	Metrics   map[string]float64 `json:"metrics"`
	Metadata  Metadata           `json:"metadata"`
}

// Monitor implements warehouse.StepObserver. Write failures are logged and never fail a load.
type Monitor struct {
	mu       sync.Mutex
	out      io.Writer
	closer   io.Closer
	metadata Metadata
	metrics  *Metrics
}

// OpenMonitor appends to the monitoring file at path, creating it when missing.
func OpenMonitor(path string, metadata Metadata, metrics *Metrics) (*Monitor, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening monitoring file %s", path)
	}
	monitor := NewMonitor(f, metadata, metrics)
	monitor.closer = f
	return monitor, nil
}

func NewMonitor(out io.Writer, metadata Metadata, metrics *Metrics) *Monitor {
	return &Monitor{
		out:      out,
		metadata: metadata,
		metrics:  metrics,
	}
}

func (m *Monitor) ObserveStep(r warehouse.StepRecord) {
	m.metrics.stepRows.WithLabelValues(r.Step).Add(float64(r.Rows))
	m.metrics.stepDuration.WithLabelValues(r.Step).Observe(r.Elapsed.Seconds())

	line, err := json.Marshal(record{
		Timestamp: r.Time.Format(timestampLayout),
		Step:      r.Step,
		Metrics: map[string]float64{
			r.Step + "-rows":   float64(r.Rows),
			r.Step + "-elapse": r.Elapsed.Seconds(),
		},
		Metadata: m.metadata,
	})
	if err != nil {
		log.WithError(err).Warn("Could not encode monitoring record")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.out.Write(append(line, '\n')); err != nil {
		log.WithError(err).Warn("Could not write monitoring record")
	}
}

func (m *Monitor) ReportProcessed(outcome string) {
	m.metrics.reports.WithLabelValues(outcome).Inc()
}

func (m *Monitor) BatchFailed(step string) {
	m.metrics.batchFailures.WithLabelValues(step).Inc()
}

func (m *Monitor) BatchSucceeded(at time.Time) {
	m.metrics.lastSuccessTime.Set(float64(at.Unix()))
}

func (m *Monitor) Metadata() Metadata {
	return m.metadata
}

func (m *Monitor) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}
