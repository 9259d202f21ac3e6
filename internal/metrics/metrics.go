// Package metrics is the backend-agnostic metrics facade used by the load
// pipeline. Core code records through the package-level helpers; cmd/starload
// installs a concrete backend (Datadog, Pushgateway) with SetBackend.
//
// The default backend discards everything.
package metrics

import (
	"sync"
	"time"
)

// Metric names. Backends ignore names they do not know.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RowsTotal           = "etl_rows_total"
	UnresolvedTotal     = "etl_unresolved_total"
)

// Row outcomes for RowsTotal.
const (
	OutcomeRead      = "read"
	OutcomeAttempted = "attempted"
	OutcomeLoaded    = "loaded"
	OutcomeRejected  = "rejected"
)

// Labels are metric dimensions (Prometheus labels, Datadog tags).
type Labels map[string]string

// Backend receives raw observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer or push.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the discarding backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend when it supports it.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordStep counts one pipeline step and observes its duration.
func RecordStep(step string, err error, d time.Duration) {
	l := Labels{"step": step, "status": status(err)}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows adds n rows of outcome for table.
func RecordRows(table, outcome string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter(RowsTotal, float64(n), Labels{"table": table, "outcome": outcome})
}

// RecordUnresolved adds n unknown-member substitutions for a fact column.
func RecordUnresolved(table, column string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(UnresolvedTotal, float64(n), Labels{"table": table, "column": column})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
