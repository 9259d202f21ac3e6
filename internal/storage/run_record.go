package storage

import (
	"context"
	"time"
)

// RunRecorder is implemented by backends that keep a run ledger
// (etl_runs / etl_run_tables). The orchestrator type-asserts for it.
type RunRecorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
}

// RunRecord is the ledger row of one run.
type RunRecord struct {
	RunID      string
	Job        string
	State      string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	Tables     []RunTableRecord
}

// RunTableRecord is the ledger row of one table within a run.
type RunTableRecord struct {
	Set        string
	Table      string
	Kind       string
	Read       int64
	Attempted  int64
	Loaded     int64
	Rejected   int64
	Unresolved int64
	Error      string
}
