package multitable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"sagestar/internal/dimension"
	"sagestar/internal/etlerr"
	"sagestar/internal/logger"
	"sagestar/internal/metrics"
	"sagestar/internal/report"
	"sagestar/internal/retry"
	"sagestar/internal/staging"
	"sagestar/internal/star"
	"sagestar/internal/storage"
)

// State is the load orchestrator's position in a run.
type State string

const (
	StateInit           State = "init"
	StateLoadDimensions State = "load_dimensions"
	StateLoadFacts      State = "load_facts"
	StateDone           State = "done"
	StateAborted        State = "aborted"
)

// Options tune one load.
type Options struct {
	// ChunkSize bounds fact rows per StageChunk call.
	ChunkSize int
	// HaltOnError turns a failed fact chunk or commit into a fatal error.
	HaltOnError    bool
	MaxRejectRatio float64
	// Ledger records the run through storage.RunRecorder when the backend
	// implements it.
	Ledger bool
	// Retry drives the Init connectivity check.
	Retry retry.Config
}

const defaultChunkSize = 1000

// Orchestrator loads built star models into a MultiRepository:
//
//	init -> load_dimensions -> load_facts -> done
//
// Init failures (connectivity, DDL) and dimension write failures end in
// aborted. A failed fact table is reported and the remaining tables still
// load, unless HaltOnError is set.
type Orchestrator struct {
	Repo    storage.MultiRepository
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Options Options

	state State
	ready bool
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// Run loads models in order and fills run. run.State and run.Error mirror
// the outcome; the returned error is non-nil when the run must fail.
func (o *Orchestrator) Run(ctx context.Context, models []*star.Model, run *report.Run) error {
	if o.Repo == nil {
		return etlerr.Configf("orchestrator: Repo is required")
	}
	log := o.logger()

	err := o.runStates(ctx, log, models, run)
	run.State = string(o.state)
	if err != nil {
		run.Error = err.Error()
	}
	o.record(ctx, log, run)
	return err
}

func (o *Orchestrator) runStates(ctx context.Context, log *slog.Logger, models []*star.Model, run *report.Run) error {
	o.enter(log, StateInit)
	if err := o.step(log, "init", func() error { return o.init(ctx, models) }); err != nil {
		o.enter(log, StateAborted)
		return err
	}
	o.ready = true

	o.enter(log, StateLoadDimensions)
	for _, m := range models {
		if err := o.step(log, "load_dimensions", func() error { return o.loadDimensions(ctx, log, m, run) }); err != nil {
			o.enter(log, StateAborted)
			return err
		}
	}

	o.enter(log, StateLoadFacts)
	var fatal error
	for _, m := range models {
		err := o.step(log, "load_facts", func() error { return o.loadFacts(ctx, log, m, run) })
		if err == nil {
			continue
		}
		if etlerr.IsFatal(err) {
			fatal = errors.Join(fatal, err)
			if o.Options.HaltOnError {
				o.enter(log, StateAborted)
				return fatal
			}
		}
	}

	o.enter(log, StateDone)
	return fatal
}

func (o *Orchestrator) init(ctx context.Context, models []*star.Model) error {
	if err := retry.Do(ctx, o.retryConfig(), func() error { return o.Repo.Ping(ctx) }); err != nil {
		return etlerr.Connectivity("ping", err)
	}

	var specs []storage.TableSpec
	for _, m := range models {
		ts, err := star.TableSpecs(m.Set)
		if err != nil {
			return &etlerr.Error{Kind: etlerr.KindConfig, Fatal: true, Op: "ddl", Table: m.Set.Name, Err: err}
		}
		specs = append(specs, ts...)
	}
	if err := o.Repo.EnsureTables(ctx, specs); err != nil {
		return &etlerr.Error{Kind: etlerr.KindTableWrite, Fatal: true, Op: "ddl", Err: err}
	}
	return nil
}

// loadDimensions reconciles every dimension of m with the store, upserts it
// and remaps the fact foreign keys to the store's surrogate keys. Any
// failure is fatal.
func (o *Orchestrator) loadDimensions(ctx context.Context, log *slog.Logger, m *star.Model, run *report.Run) error {
	remaps := make(map[string]map[int64]int64, len(m.Dimensions))
	for _, d := range m.Dimensions {
		spec := star.DimensionSpec(m.Set, d.Config)
		entry := report.Table{
			Set:        m.Set.Name,
			Table:      d.Config.Table,
			Kind:       storage.KindDimension,
			Read:       int64(len(d.Table().Rows)),
			Unresolved: toInt64(d.Result.Unresolved),
		}

		persisted, err := o.Repo.SelectAllKeyValue(ctx, spec.Name, d.Config.NaturalKey.Column, d.Config.SurrogateKey)
		if err != nil {
			return o.failDimension(log, run, entry, etlerr.TableWrite(spec.Name, true, nil, fmt.Errorf("read keys: %w", err)))
		}
		res, remap, err := dimension.Reconcile(d.Result, persisted, remaps)
		if err != nil {
			return o.failDimension(log, run, entry, err)
		}
		if err := m.ReplaceDimension(d.Config.Table, res); err != nil {
			return o.failDimension(log, run, entry, err)
		}
		remaps[d.Config.Table] = remap
		m.Fact = m.Fact.Remap(d.Config.Table, remap)

		rows := res.Table.Rows
		entry.Attempted = int64(len(rows))
		n, err := o.Repo.UpsertDimensionRows(ctx, spec.Name, star.UpsertColumns(spec), rows, d.Config.NaturalKey.Column)
		if err != nil {
			return o.failDimension(log, run, entry, etlerr.TableWrite(spec.Name, true, firstRow(rows), err))
		}
		entry.Loaded = n
		run.Add(entry)

		metrics.RecordRows(spec.Name, metrics.OutcomeRead, entry.Read)
		metrics.RecordRows(spec.Name, metrics.OutcomeLoaded, n)
		for col, c := range d.Result.Unresolved {
			metrics.RecordUnresolved(spec.Name, col, c)
		}
		log.Info("dimension loaded",
			"set", m.Set.Name, "table", spec.Name,
			"members", len(rows), "persisted", len(persisted), "written", n)
	}
	return nil
}

func (o *Orchestrator) failDimension(log *slog.Logger, run *report.Run, entry report.Table, err error) error {
	entry.Error = err.Error()
	run.Add(entry)
	log.Error("dimension load failed", "set", entry.Set, "table", entry.Table, "err", err)
	return err
}

// loadFacts stages m.Fact, drops rows with dangling keys and loads the rest
// through one FactLoad transaction.
func (o *Orchestrator) loadFacts(ctx context.Context, log *slog.Logger, m *star.Model, run *report.Run) error {
	entry := report.Table{
		Set:        m.Set.Name,
		Table:      m.Set.Fact.Table,
		Kind:       storage.KindFact,
		Read:       int64(m.SourceRows),
		Unresolved: unresolved(m),
	}
	fail := func(err error) error {
		entry.Error = err.Error()
		run.Add(entry)
		log.Error("fact load failed", "set", entry.Set, "table", entry.Table, "err", err)
		return err
	}

	st, err := staging.Check(m.Fact, m.KeySets(), staging.Options{MaxRejectRatio: o.Options.MaxRejectRatio})
	if st != nil {
		entry.Attempted = int64(st.Attempted)
		entry.Rejected = int64(len(st.Rejected))
	}
	if err != nil {
		return fail(err)
	}
	if rerr := st.Err(); rerr != nil {
		first := st.Rejected[0]
		log.Warn("fact rows rejected",
			"table", entry.Table, "rejected", len(st.Rejected), "attempted", st.Attempted,
			"line", first.Line, "column", first.Column, "value", first.Value)
	}

	spec, err := star.FactLoadSpec(m.Set)
	if err != nil {
		return fail(&etlerr.Error{Kind: etlerr.KindConfig, Fatal: true, Op: "load", Table: entry.Table, Err: err})
	}
	load, err := o.Repo.BeginFactLoad(ctx, spec)
	if err != nil {
		return fail(etlerr.TableWrite(spec.Table, o.Options.HaltOnError, nil, err))
	}

	var failedRows int
	rows := st.Accepted.Rows
	size := o.chunkSize()
	for start := 0; start < len(rows); start += size {
		chunk := rows[start:min(start+size, len(rows))]
		if err := load.StageChunk(ctx, chunk); err != nil {
			log.Error("fact chunk failed",
				"table", spec.Table, "offset", start, "rows", len(chunk),
				"sample", fmt.Sprint(chunk[0]), "err", err)
			if o.Options.HaltOnError {
				_ = load.Rollback(ctx)
				return fail(etlerr.TableWrite(spec.Table, true, chunk[0], err))
			}
			failedRows += len(chunk)
		}
	}

	res, err := load.Commit(ctx)
	if err != nil {
		_ = load.Rollback(ctx)
		return fail(etlerr.TableWrite(spec.Table, o.Options.HaltOnError, nil, fmt.Errorf("commit: %w", err)))
	}

	entry.Loaded = res.Loaded
	entry.Rejected += res.Rejected
	entry.Skipped = res.Skipped
	if failedRows > 0 {
		entry.Error = fmt.Sprintf("%d rows in failed chunks", failedRows)
	}
	run.Add(entry)

	metrics.RecordRows(spec.Table, metrics.OutcomeRead, entry.Read)
	metrics.RecordRows(spec.Table, metrics.OutcomeAttempted, entry.Attempted)
	metrics.RecordRows(spec.Table, metrics.OutcomeLoaded, entry.Loaded)
	metrics.RecordRows(spec.Table, metrics.OutcomeRejected, entry.Rejected)
	for col, c := range m.Report.Unresolved {
		metrics.RecordUnresolved(spec.Table, col, c.Total())
	}
	log.Info("fact loaded",
		"set", m.Set.Name, "table", spec.Table,
		"attempted", entry.Attempted, "loaded", res.Loaded, "rejected", entry.Rejected, "skipped", res.Skipped)
	return nil
}

// record writes the run to the store ledger when the backend keeps one.
// Ledger failures are logged only.
func (o *Orchestrator) record(ctx context.Context, log *slog.Logger, run *report.Run) {
	rec, ok := o.Repo.(storage.RunRecorder)
	if !ok || !o.Options.Ledger || !o.ready {
		return
	}
	run.FinishedAt = o.clock().Now()
	if err := rec.RecordRun(ctx, run.Record()); err != nil {
		log.Warn("run ledger write failed", "run_id", run.RunID, "err", err)
	}
}

func (o *Orchestrator) step(log *slog.Logger, name string, fn func() error) error {
	start := o.clock().Now()
	err := fn()
	d := o.clock().Since(start)
	metrics.RecordStep(name, err, d)
	if err == nil {
		log.Debug("step ok", "stage", name, "duration", d.Truncate(time.Millisecond))
	}
	return err
}

func (o *Orchestrator) enter(log *slog.Logger, s State) {
	o.state = s
	log.Debug("state", "state", string(s))
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return logger.Discard()
	}
	return o.Logger
}

func (o *Orchestrator) clock() clockwork.Clock {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o.Clock
}

func (o *Orchestrator) chunkSize() int {
	if o.Options.ChunkSize > 0 {
		return o.Options.ChunkSize
	}
	return defaultChunkSize
}

func (o *Orchestrator) retryConfig() retry.Config {
	if o.Options.Retry.MaxAttempts > 0 {
		return o.Options.Retry
	}
	return retry.DefaultConfig()
}

func unresolved(m *star.Model) map[string]int64 {
	if len(m.Report.Unresolved) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.Report.Unresolved))
	for col, c := range m.Report.Unresolved {
		if n := c.Total(); n > 0 {
			out[col] = int64(n)
		}
	}
	return out
}

func toInt64(m map[string]int) map[string]int64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		if v > 0 {
			out[k] = int64(v)
		}
	}
	return out
}

func firstRow(rows [][]any) []any {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}
