// Package report holds the run report: per table rows read, attempted,
// loaded and rejected, unresolved references per foreign key, and the final
// run state. It renders as an aligned text table or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"sagestar/internal/quality"
	"sagestar/internal/storage"
)

// Table is the outcome of one star table.
type Table struct {
	Set   string `json:"set"`
	Table string `json:"table"`
	Kind  string `json:"kind"`
	// Read counts source rows (facts) or built members (dimensions).
	Read      int64 `json:"read"`
	Attempted int64 `json:"attempted"`
	Loaded    int64 `json:"loaded"`
	Rejected  int64 `json:"rejected"`
	// Skipped counts append-mode rows already present in the store.
	Skipped int64 `json:"skipped,omitempty"`
	// Unresolved counts unknown-member substitutions per foreign-key column.
	Unresolved map[string]int64 `json:"unresolved,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// UnresolvedTotal sums Unresolved.
func (t Table) UnresolvedTotal() int64 {
	var n int64
	for _, v := range t.Unresolved {
		n += v
	}
	return n
}

// Run is the report of one invocation.
type Run struct {
	RunID      string           `json:"run_id"`
	Job        string           `json:"job"`
	State      string           `json:"state"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Error      string           `json:"error,omitempty"`
	Tables     []Table          `json:"tables"`
	Quality    []quality.Column `json:"quality,omitempty"`
	Outputs    []string         `json:"outputs,omitempty"`
}

// Add appends t, or replaces the entry with the same set and table.
func (r *Run) Add(t Table) {
	for i := range r.Tables {
		if r.Tables[i].Set == t.Set && r.Tables[i].Table == t.Table {
			r.Tables[i] = t
			return
		}
	}
	r.Tables = append(r.Tables, t)
}

// Lookup returns a pointer to the entry for set and table.
func (r *Run) Lookup(set, table string) (*Table, bool) {
	for i := range r.Tables {
		if r.Tables[i].Set == set && r.Tables[i].Table == table {
			return &r.Tables[i], true
		}
	}
	return nil, false
}

// Failed returns the tables that carry an error.
func (r *Run) Failed() []Table {
	var out []Table
	for _, t := range r.Tables {
		if t.Error != "" {
			out = append(out, t)
		}
	}
	return out
}

// Duration is FinishedAt - StartedAt, truncated to milliseconds.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond)
}

// Record converts the report to a ledger record.
func (r *Run) Record() storage.RunRecord {
	rec := storage.RunRecord{
		RunID:      r.RunID,
		Job:        r.Job,
		State:      r.State,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
		Tables:     make([]storage.RunTableRecord, 0, len(r.Tables)),
	}
	for _, t := range r.Tables {
		rec.Tables = append(rec.Tables, storage.RunTableRecord{
			Set:        t.Set,
			Table:      t.Table,
			Kind:       t.Kind,
			Read:       t.Read,
			Attempted:  t.Attempted,
			Loaded:     t.Loaded,
			Rejected:   t.Rejected,
			Unresolved: t.UnresolvedTotal(),
			Error:      t.Error,
		})
	}
	return rec
}

// WriteText renders the run summary and one line per table. Unresolved
// counts are listed as column=count pairs in column order.
func WriteText(w io.Writer, r *Run) error {
	fmt.Fprintf(w, "run %s job=%s state=%s duration=%s\n", r.RunID, r.Job, r.State, r.Duration())
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SET\tTABLE\tKIND\tREAD\tATTEMPTED\tLOADED\tREJECTED\tUNRESOLVED\tERROR")
	for _, t := range r.Tables {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			t.Set, t.Table, t.Kind, t.Read, t.Attempted, t.Loaded, t.Rejected, unresolvedText(t.Unresolved), t.Error)
	}
	return tw.Flush()
}

func unresolvedText(m map[string]int64) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, ",")
}

// WriteJSON renders r as indented JSON.
func WriteJSON(w io.Writer, r *Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// SaveJSON writes r to path, creating parent directories.
func SaveJSON(path string, r *Run) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report: mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	if err := WriteJSON(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return f.Close()
}
