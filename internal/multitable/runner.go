package multitable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"sagestar/internal/config"
	"sagestar/internal/etlerr"
	"sagestar/internal/flat"
	"sagestar/internal/logger"
	"sagestar/internal/output"
	"sagestar/internal/parser/csv"
	"sagestar/internal/parser/xlsx"
	"sagestar/internal/probe"
	"sagestar/internal/quality"
	"sagestar/internal/report"
	"sagestar/internal/retry"
	"sagestar/internal/staging"
	"sagestar/internal/star"
	"sagestar/internal/storage"
)

// Mode selects how far a run goes.
type Mode int

const (
	// ModeQuality reads the extracts and measures column completeness.
	ModeQuality Mode = iota
	// ModeTransform also builds the star models and writes the configured
	// files.
	ModeTransform
	// ModeLoad also loads the models into the configured store.
	ModeLoad
)

func (m Mode) String() string {
	switch m {
	case ModeQuality:
		return "quality"
	case ModeTransform:
		return "transform"
	case ModeLoad:
		return "load"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Runner executes one pipeline run end to end.
type Runner struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error)
	// OpenSource opens an extract; tests swap it for in-memory readers.
	OpenSource func(path string) (io.ReadCloser, error)
	NewRunID   func() string
}

func NewDefaultRunner(log *slog.Logger) *Runner {
	return &Runner{
		Logger: log,
		Clock:  clockwork.NewRealClock(),
		NewRepository: func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
			return storage.NewMulti(ctx, cfg)
		},
		OpenSource: func(path string) (io.ReadCloser, error) { return os.Open(path) },
		NewRunID:   uuid.NewString,
	}
}

// Run executes p up to mode and returns the run report, which is complete
// even when the error is non-nil. The JSON report is saved when
// p.Output.Report is set.
func (r *Runner) Run(ctx context.Context, p config.Pipeline, mode Mode) (*report.Run, error) {
	r.defaults()
	run := &report.Run{
		RunID:     r.NewRunID(),
		Job:       p.Job,
		State:     string(StateInit),
		StartedAt: r.Clock.Now(),
	}
	log := r.Logger.With("run_id", run.RunID, "mode", mode.String())
	log.Info("run started", "sets", len(p.Sets))

	err := r.run(ctx, log, p, mode, run)
	run.FinishedAt = r.Clock.Now()
	if err != nil {
		if run.Error == "" {
			run.Error = err.Error()
		}
		// A fact table failing its reject ratio leaves the run done.
		if etlerr.IsFatal(err) && run.State != string(StateDone) {
			run.State = string(StateAborted)
		}
	}

	if p.Output.Report != "" {
		if serr := report.SaveJSON(p.Output.Report, run); serr != nil {
			log.Error("report not saved", "path", p.Output.Report, "err", serr)
			err = errors.Join(err, serr)
		} else {
			run.Outputs = append(run.Outputs, p.Output.Report)
		}
	}

	log.Info("run finished", "state", run.State, "duration", run.Duration(), "failed_tables", len(run.Failed()))
	return run, err
}

func (r *Runner) run(ctx context.Context, log *slog.Logger, p config.Pipeline, mode Mode, run *report.Run) error {
	issues := config.ValidatePipeline(p)
	if mode == ModeLoad {
		issues = append(issues, config.ValidateStorage(p)...)
	}
	for _, iss := range issues {
		if iss.Severity != config.SeverityError {
			log.Warn("config", "path", iss.Path, "msg", iss.Message)
		}
	}
	if err := config.Err(issues); err != nil {
		return err
	}

	models := make([]*star.Model, 0, len(p.Sets))
	for _, set := range p.Sets {
		src, err := r.readSource(ctx, log, set)
		if err != nil {
			return err
		}
		run.Quality = append(run.Quality, quality.Completeness(set, src)...)
		if mode == ModeQuality {
			continue
		}

		m, err := star.Build(set, src, p.Runtime.StrictReferences)
		if err != nil {
			return err
		}
		for col, c := range m.Report.Unresolved {
			if c.Total() > 0 {
				log.Warn("unresolved references attributed to unknown member",
					"set", set.Name, "column", col, "null", c.Null, "unmatched", c.Unmatched)
			}
		}
		models = append(models, m)
	}
	if mode == ModeQuality {
		run.State = string(StateDone)
		return nil
	}

	var loadErr error
	if mode == ModeLoad {
		repo, err := r.NewRepository(ctx, storage.MultiConfig{
			Kind:   p.Storage.Kind,
			DSN:    p.Storage.DSN,
			Ledger: p.Storage.Ledger,
		})
		if err != nil {
			return etlerr.Connectivity("open "+p.Storage.Kind, err)
		}
		defer repo.Close()

		orch := &Orchestrator{
			Repo:   repo,
			Logger: log,
			Clock:  r.Clock,
			Options: Options{
				ChunkSize:      p.Runtime.ChunkSize,
				HaltOnError:    p.Runtime.HaltOnError,
				MaxRejectRatio: p.Runtime.MaxRejectRatio,
				Ledger:         p.Storage.Ledger,
				Retry: retry.Config{
					MaxAttempts: p.Runtime.ConnectRetries,
					BaseBackoff: 500 * time.Millisecond,
					MaxBackoff:  5 * time.Second,
				},
			},
		}
		loadErr = orch.Run(ctx, models, run)
		if orch.State() == StateAborted {
			return loadErr
		}
	}

	tableErr, err := r.writeOutputs(log, p, mode, models, run)
	if err != nil {
		return errors.Join(loadErr, tableErr, err)
	}
	if mode == ModeTransform {
		run.State = string(StateDone)
		return tableErr
	}
	return loadErr
}

// readSource opens and parses the extract of set. A missing or unreadable
// file is a configuration error.
func (r *Runner) readSource(ctx context.Context, log *slog.Logger, set config.StarSchema) (*flat.Table, error) {
	if probe.NeedsProbe(set.Source) {
		if err := r.sniff(log, &set); err != nil {
			return nil, &etlerr.Error{Kind: etlerr.KindConfig, Fatal: true, Op: "probe", Table: set.Name, Err: err}
		}
	}
	f, err := r.OpenSource(set.Source.Path)
	if err != nil {
		return nil, &etlerr.Error{Kind: etlerr.KindConfig, Fatal: true, Op: "read", Table: set.Name, Err: err}
	}

	var src *flat.Table
	switch set.Source.Format {
	case "xlsx":
		src, err = xlsx.ReadTable(ctx, set.Name, f, set.Source.Sheet)
		_ = f.Close()
	default:
		src, err = csv.ReadTable(ctx, set.Name, f, csv.Options{
			Comma:    set.Source.CommaRune(),
			Encoding: set.Source.Encoding,
			OnError: func(line int, err error) {
				log.Warn("malformed record skipped", "set", set.Name, "line", line, "err", err)
			},
		})
	}
	if err != nil {
		return nil, &etlerr.Error{Kind: etlerr.KindConfig, Fatal: true, Op: "read", Table: set.Name, Err: err}
	}
	log.Info("extract read", "set", set.Name, "path", set.Source.Path, "rows", src.Len(), "columns", len(src.Columns))
	return src, nil
}

// sniff resolves the "auto" source settings of set from the head of its file.
func (r *Runner) sniff(log *slog.Logger, set *config.StarSchema) error {
	f, err := r.OpenSource(set.Source.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	res, err := probe.Reader(f, probe.Options{Set: set})
	if err != nil {
		return err
	}
	res.Apply(&set.Source)
	log.Info("source probed", "set", set.Name, "comma", set.Source.Comma, "encoding", set.Source.Encoding)
	if len(res.Missing) > 0 {
		log.Warn("source lacks mapped headers", "set", set.Name, "missing", res.Missing)
	}
	return nil
}

// writeOutputs stages every model and writes the configured CSV files and
// workbook. After a load the models carry the store's surrogate keys. In
// transform mode it also fills the report, counting accepted rows as loaded,
// and returns the staging failures of its fact tables as tableErr. err is a
// failed file write.
func (r *Runner) writeOutputs(log *slog.Logger, p config.Pipeline, mode Mode, models []*star.Model, run *report.Run) (tableErr, err error) {
	var wb *output.Workbook
	if p.Output.Workbook != "" {
		wb = output.NewWorkbook()
		defer wb.Close()
	}

	for _, m := range models {
		st, serr := staging.Check(m.Fact, m.KeySets(), staging.Options{MaxRejectRatio: p.Runtime.MaxRejectRatio})
		if mode == ModeTransform {
			addTransformEntries(run, m, st, serr)
		}
		if serr != nil {
			// a load already reported this table
			if mode == ModeTransform {
				tableErr = errors.Join(tableErr, serr)
			}
			continue
		}

		tables := outputTables(m, st)
		if p.Output.Dir != "" {
			paths, werr := output.WriteCSV(p.Output.Dir, m.Set.Name, tables)
			run.Outputs = append(run.Outputs, paths...)
			if werr != nil {
				return tableErr, werr
			}
			log.Info("csv written", "set", m.Set.Name, "dir", p.Output.Dir, "files", len(paths))
		}
		if wb != nil {
			if err := wb.Add(m.Set.Name, tables); err != nil {
				return tableErr, err
			}
		}
	}

	if wb != nil {
		if err := wb.Save(p.Output.Workbook); err != nil {
			return tableErr, err
		}
		run.Outputs = append(run.Outputs, p.Output.Workbook)
		log.Info("workbook written", "path", p.Output.Workbook)
	}
	return tableErr, nil
}

func outputTables(m *star.Model, st *staging.Result) []output.Table {
	tables := make([]output.Table, 0, len(m.Dimensions)+1)
	for _, d := range m.Dimensions {
		t := d.Table()
		tables = append(tables, output.Table{Name: t.Name, Columns: t.Columns, Rows: t.Rows})
	}
	return append(tables, output.Table{
		Name:    m.Set.Fact.Table,
		Columns: st.Accepted.Columns,
		Rows:    st.Accepted.Rows,
	})
}

func addTransformEntries(run *report.Run, m *star.Model, st *staging.Result, err error) {
	for _, d := range m.Dimensions {
		n := int64(len(d.Table().Rows))
		run.Add(report.Table{
			Set: m.Set.Name, Table: d.Config.Table, Kind: storage.KindDimension,
			Read: n, Attempted: n, Loaded: n,
			Unresolved: toInt64(d.Result.Unresolved),
		})
	}
	entry := report.Table{
		Set: m.Set.Name, Table: m.Set.Fact.Table, Kind: storage.KindFact,
		Read:       int64(m.SourceRows),
		Attempted:  int64(st.Attempted),
		Rejected:   int64(len(st.Rejected)),
		Unresolved: unresolved(m),
	}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Loaded = int64(st.Accepted.Len())
	}
	run.Add(entry)
}

func (r *Runner) defaults() {
	if r.Logger == nil {
		r.Logger = logger.Discard()
	}
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
	if r.NewRepository == nil {
		r.NewRepository = func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
			return storage.NewMulti(ctx, cfg)
		}
	}
	if r.OpenSource == nil {
		r.OpenSource = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}
	if r.NewRunID == nil {
		r.NewRunID = uuid.NewString
	}
}
