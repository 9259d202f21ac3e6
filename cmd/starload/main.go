package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"sagestar/internal/config"
	"sagestar/internal/etlerr"
	"sagestar/internal/logger"
	"sagestar/internal/multitable"
	"sagestar/internal/probe"
	"sagestar/internal/quality"
	"sagestar/internal/report"

	// register all backends with the storage factory.
	_ "sagestar/internal/storage/all"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	NewRunner      func(log *slog.Logger) *multitable.Runner
	MetricsBackend metricsFactory
}

// options are the persistent flags shared by every command.
type options struct {
	configPath     string
	envFiles       []string
	verbose        bool
	jsonReport     bool
	dsn            string
	storage        string
	haltOnError    bool
	maxRejectRatio float64
	strict         bool
	metricsBackend string
	out            string
	workbook       string
	reportPath     string
}

// exitError carries the process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		NewRunner:      multitable.NewDefaultRunner,
		MetricsBackend: newMetricsBackend,
	})
	stop()
	os.Exit(code)
}

// run executes the CLI and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: invalid configuration, fatal run error, or (with --halt-on-error) a
//     failed table.
//   - 2: usage error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.NewRunner == nil {
		d.NewRunner = multitable.NewDefaultRunner
	}
	if d.MetricsBackend == nil {
		d.MetricsBackend = newMetricsBackend
	}

	root := newRootCmd(ctx, d)
	root.SetArgs(args)
	root.SetOut(d.Stdout)
	root.SetErr(d.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(d.Stderr, "error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(d.Stderr, "error: %v\n", err)
	return exitUsage
}

func newRootCmd(ctx context.Context, d deps) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "starload",
		Short:         "Build the ventes/achats star schemas from flat Sage extracts and load them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	addPersistentFlags(root.PersistentFlags(), o)

	root.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the pipeline configuration and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return validateCmd(cmd, o, d)
			},
		},
		&cobra.Command{
			Use:   "quality",
			Short: "Report column completeness of the extracts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return pipelineCmd(ctx, cmd, o, d, multitable.ModeQuality)
			},
		},
		&cobra.Command{
			Use:   "transform",
			Short: "Build the star schemas and write CSV/XLSX outputs (no database)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return pipelineCmd(ctx, cmd, o, d, multitable.ModeTransform)
			},
		},
		&cobra.Command{
			Use:   "load",
			Short: "Build the star schemas and load them into the configured store",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return pipelineCmd(ctx, cmd, o, d, multitable.ModeLoad)
			},
		},
		newProbeCmd(o, d),
	)
	return root
}

func newProbeCmd(o *options, d deps) *cobra.Command {
	var setName string
	cmd := &cobra.Command{
		Use:   "probe FILE",
		Short: "Sniff the separator, encoding and column types of a CSV extract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return probeCmd(cmd, o, d, setName, args[0])
		},
	}
	cmd.Flags().StringVar(&setName, "set", "", "also report the headers this set maps but the file lacks")
	return cmd
}

func probeCmd(cmd *cobra.Command, o *options, d deps, setName, path string) error {
	var opt probe.Options
	if setName != "" {
		p, err := loadPipeline(cmd.Flags(), o)
		if err != nil {
			return &exitError{code: exitFailed, err: err}
		}
		set, ok := p.Set(setName)
		if !ok {
			return &exitError{code: exitFailed, err: fmt.Errorf("unknown set %q", setName)}
		}
		opt.Set = &set
	}

	res, err := probe.File(path, opt)
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	if o.jsonReport {
		enc := json.NewEncoder(d.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(res)
	} else {
		err = probe.WriteText(d.Stdout, res)
	}
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	if len(res.Missing) > 0 {
		return &exitError{code: exitFailed, err: fmt.Errorf("%d mapped headers missing from %s", len(res.Missing), path)}
	}
	return nil
}

func addPersistentFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVarP(&o.configPath, "config", "c", "", "pipeline config (.json, .yaml); empty uses the built-in mapping")
	fs.StringSliceVar(&o.envFiles, "env-file", []string{".env"}, "env files loaded before ${VAR} expansion (missing files are ignored)")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "enable debug logs")
	fs.BoolVar(&o.jsonReport, "json", false, "print the run report as JSON")
	fs.StringVar(&o.dsn, "dsn", "", "store DSN (overrides storage.dsn)")
	fs.StringVar(&o.storage, "storage", "", "store kind: postgres, sqlite or mssql (overrides storage.kind)")
	fs.BoolVar(&o.haltOnError, "halt-on-error", false, "fail the run on the first failed fact chunk")
	fs.Float64Var(&o.maxRejectRatio, "max-reject-ratio", 0, "fail a fact table whose rejected/attempted ratio exceeds this (0 disables)")
	fs.BoolVar(&o.strict, "strict-references", false, "reject unmatched fact references instead of using the unknown member")
	fs.StringVar(&o.metricsBackend, "metrics-backend", "", "metrics backend: none, datadog or pushgateway (overrides metrics.backend)")
	fs.StringVar(&o.out, "out", "", "CSV output directory (overrides output.dir)")
	fs.StringVar(&o.workbook, "workbook", "", "XLSX workbook path (overrides output.workbook)")
	fs.StringVar(&o.reportPath, "report", "", "JSON run report path (overrides output.report)")
}

// loadPipeline loads the config file and applies the flags the user set.
func loadPipeline(fs *pflag.FlagSet, o *options) (config.Pipeline, error) {
	p, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return config.Pipeline{}, err
	}
	if fs.Changed("dsn") {
		p.Storage.DSN = o.dsn
	}
	if fs.Changed("storage") {
		p.Storage.Kind = o.storage
	}
	if fs.Changed("halt-on-error") {
		p.Runtime.HaltOnError = o.haltOnError
	}
	if fs.Changed("max-reject-ratio") {
		p.Runtime.MaxRejectRatio = o.maxRejectRatio
	}
	if fs.Changed("strict-references") {
		p.Runtime.StrictReferences = o.strict
	}
	if fs.Changed("metrics-backend") {
		p.Metrics.Backend = o.metricsBackend
	}
	if fs.Changed("out") {
		p.Output.Dir = o.out
	}
	if fs.Changed("workbook") {
		p.Output.Workbook = o.workbook
	}
	if fs.Changed("report") {
		p.Output.Report = o.reportPath
	}
	return p, nil
}

func validateCmd(cmd *cobra.Command, o *options, d deps) error {
	p, err := loadPipeline(cmd.Flags(), o)
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}

	issues := config.ValidatePipeline(p)
	if cmd.Flags().Changed("storage") || cmd.Flags().Changed("dsn") {
		issues = append(issues, config.ValidateStorage(p)...)
	}
	for _, iss := range issues {
		fmt.Fprintln(d.Stderr, iss.String())
	}
	if err := config.Err(issues); err != nil {
		return &exitError{code: exitFailed, err: err}
	}

	if o.verbose {
		b, err := config.Dump(p)
		if err != nil {
			return &exitError{code: exitFailed, err: err}
		}
		fmt.Fprintln(d.Stdout, string(b))
	}
	fmt.Fprintf(d.Stdout, "configuration is valid: %d sets\n", len(p.Sets))
	return nil
}

func pipelineCmd(ctx context.Context, cmd *cobra.Command, o *options, d deps, mode multitable.Mode) error {
	p, err := loadPipeline(cmd.Flags(), o)
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	log := logger.NewWithWriter(d.Stderr, o.verbose)

	if mode != multitable.ModeQuality {
		closeMetrics := setupMetrics(ctx, log, d.MetricsBackend, p)
		defer closeMetrics()
	}

	r := d.NewRunner(log)
	run, err := r.Run(ctx, p, mode)
	if werr := writeReport(d.Stdout, o, mode, run); werr != nil {
		log.Warn("report not printed", "err", werr)
	}
	return exitFor(err, p, run)
}

func writeReport(w io.Writer, o *options, mode multitable.Mode, run *report.Run) error {
	if run == nil {
		return nil
	}
	if o.jsonReport {
		return report.WriteJSON(w, run)
	}
	if mode == multitable.ModeQuality {
		return quality.WriteText(w, run.Quality)
	}
	return report.WriteText(w, run)
}

// exitFor maps a run outcome to an exit error: fatal errors fail the run,
// recovered ones only when halt-on-error is set.
func exitFor(err error, p config.Pipeline, run *report.Run) error {
	if err != nil && etlerr.IsFatal(err) {
		return &exitError{code: exitFailed, err: err}
	}
	if p.Runtime.HaltOnError && run != nil && len(run.Failed()) > 0 {
		return &exitError{code: exitFailed, err: fmt.Errorf("%d tables failed", len(run.Failed()))}
	}
	return nil
}
