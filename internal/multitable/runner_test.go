package multitable

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"sagestar/internal/config"
	"sagestar/internal/etlerr"
	"sagestar/internal/storage"
	_ "sagestar/internal/storage/sqlite"
)

func writeVentesCSV(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(strings.Join(ventesHeader, ";") + "\n")
	for _, r := range ventesRows {
		cells := make([]string, len(r))
		for i, v := range r {
			if v != nil {
				cells[i] = v.(string)
			}
		}
		b.WriteString(strings.Join(cells, ";") + "\n")
	}
	path := filepath.Join(dir, "ventes.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

// deliveryPipeline reads fact_ventes' client key from a separate
// "Code livraison" column whose last value (C7) has no client member.
func deliveryPipeline(t *testing.T) config.Pipeline {
	t.Helper()
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString(strings.Join(ventesHeader, ";") + ";Code livraison\n")
	for i, r := range ventesRows {
		cells := make([]string, len(r))
		for j, v := range r {
			if v != nil {
				cells[j] = v.(string)
			}
		}
		b.WriteString(strings.Join(cells, ";") + ";" + []string{"C1", "C2", "C1", "C7"}[i] + "\n")
	}
	path := filepath.Join(dir, "ventes.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	set := ventesSet(t)
	set.Source.Path = path
	set.Source.Comma = ";"
	set.Fact.Columns[7].Source = "Code livraison"

	p := config.Default()
	p.Sets = []config.StarSchema{set}
	p.Output = config.Output{}
	p.Runtime.StrictReferences = true
	p.Runtime.MaxRejectRatio = 0.1
	return p
}

func ventesPipeline(t *testing.T) (config.Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	set := ventesSet(t)
	set.Source.Path = writeVentesCSV(t, dir)
	set.Source.Comma = ";"

	p := config.Default()
	p.Sets = []config.StarSchema{set}
	p.Output = config.Output{
		Dir:      filepath.Join(dir, "out"),
		Workbook: filepath.Join(dir, "out", "star.xlsx"),
		Report:   filepath.Join(dir, "out", "run.json"),
	}
	return p, dir
}

func testRunner() *Runner {
	r := NewDefaultRunner(nil)
	r.Clock = clockwork.NewFakeClock()
	return r
}

func TestRunner_Transform(t *testing.T) {
	t.Parallel()

	p, dir := ventesPipeline(t)
	r := testRunner()
	r.NewRunID = func() string { return "run-1" }
	r.NewRepository = func(context.Context, storage.MultiConfig) (storage.MultiRepository, error) {
		return nil, errors.New("transform must not open a store")
	}

	run, err := r.Run(context.Background(), p, ModeTransform)
	require.NoError(t, err)
	require.Equal(t, "run-1", run.RunID)
	require.Equal(t, "done", run.State)
	require.Len(t, run.Tables, 5)
	require.NotEmpty(t, run.Quality)

	fact, ok := run.Lookup("ventes", "fact_ventes")
	require.True(t, ok)
	require.Equal(t, int64(4), fact.Read)
	require.Equal(t, int64(4), fact.Loaded)

	b, err := os.ReadFile(filepath.Join(dir, "out", "ventes", "fact_ventes.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	require.Len(t, lines, 5)
	require.True(t, strings.HasPrefix(lines[0], "\uFEFFdl_no,num_cde,date_bl,num_bl"))
	require.True(t, strings.HasPrefix(lines[1], "1,10,2024-03-02,BL1,2,5.5,11,2,"))

	require.FileExists(t, filepath.Join(dir, "out", "ventes", "dim_client.csv"))
	require.FileExists(t, p.Output.Workbook)
	require.FileExists(t, p.Output.Report)
	require.Contains(t, run.Outputs, p.Output.Workbook)
}

func TestRunner_AutoSourceSettings(t *testing.T) {
	t.Parallel()

	p, _ := ventesPipeline(t)
	p.Sets[0].Source.Comma = "auto"
	p.Sets[0].Source.Encoding = "auto"
	p.Output = config.Output{}

	run, err := testRunner().Run(context.Background(), p, ModeTransform)
	require.NoError(t, err)
	fact, ok := run.Lookup("ventes", "fact_ventes")
	require.True(t, ok)
	require.Equal(t, int64(4), fact.Loaded)
}

func TestRunner_QualityOnly(t *testing.T) {
	t.Parallel()

	p, dir := ventesPipeline(t)
	p.Output.Report = ""

	run, err := testRunner().Run(context.Background(), p, ModeQuality)
	require.NoError(t, err)
	require.Equal(t, "done", run.State)
	require.Empty(t, run.Tables)
	require.NoDirExists(t, filepath.Join(dir, "out"))

	for _, c := range run.Quality {
		if c.Column == "code article" {
			require.Equal(t, 75.0, c.Percent)
		}
		require.True(t, c.Present, c.Column)
	}
}

func TestRunner_MissingSourceIsConfigError(t *testing.T) {
	t.Parallel()

	p, _ := ventesPipeline(t)
	r := testRunner()
	r.OpenSource = func(string) (io.ReadCloser, error) { return nil, os.ErrNotExist }

	run, err := r.Run(context.Background(), p, ModeTransform)
	require.Error(t, err)
	require.Equal(t, etlerr.KindConfig, etlerr.KindOf(err))
	require.Equal(t, "aborted", run.State)
	require.FileExists(t, p.Output.Report)
}

func TestRunner_InvalidConfig(t *testing.T) {
	t.Parallel()

	p, _ := ventesPipeline(t)
	p.Runtime.ChunkSize = 0
	p.Output.Report = ""

	run, err := testRunner().Run(context.Background(), p, ModeTransform)
	require.Equal(t, etlerr.KindConfig, etlerr.KindOf(err))
	require.Contains(t, run.Error, "runtime.chunk_size")
}

func TestRunner_LoadConnectivityAborts(t *testing.T) {
	t.Parallel()

	p, dir := ventesPipeline(t)
	p.Storage = config.Storage{Kind: "postgres", DSN: "postgres://localhost:1/none"}
	p.Runtime.ConnectRetries = 1

	repo := newFakeRepo()
	repo.pingErr = errors.New("connection refused")
	r := testRunner()
	r.NewRepository = func(_ context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
		require.Equal(t, "postgres", cfg.Kind)
		return repo, nil
	}

	run, err := r.Run(context.Background(), p, ModeLoad)
	require.Error(t, err)
	require.Equal(t, etlerr.KindConnectivity, etlerr.KindOf(err))
	require.Equal(t, "aborted", run.State)
	require.Equal(t, 1, repo.pings)
	require.NoDirExists(t, filepath.Join(dir, "out", "ventes"))
	require.FileExists(t, p.Output.Report)
}

func TestRunner_LoadIntoSQLiteIsRepeatable(t *testing.T) {
	t.Parallel()

	p, dir := ventesPipeline(t)
	dsn := filepath.Join(dir, "star.db")
	p.Storage = config.Storage{Kind: "sqlite", DSN: dsn, Ledger: true}
	p.Runtime.ChunkSize = 3

	for i := 0; i < 2; i++ {
		run, err := testRunner().Run(context.Background(), p, ModeLoad)
		require.NoError(t, err, "run %d", i)
		require.Equal(t, "done", run.State)
		require.Empty(t, run.Failed())

		fact, _ := run.Lookup("ventes", "fact_ventes")
		require.Equal(t, int64(4), fact.Loaded, "run %d", i)
	}

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()

	var facts, clients, runs int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM ventes_fact_ventes`).Scan(&facts))
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM ventes_dim_client`).Scan(&clients))
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM etl_runs`).Scan(&runs))
	require.Equal(t, 4, facts)
	require.Equal(t, 4, clients)
	require.Equal(t, 2, runs)

	var sk int64
	require.NoError(t, db.QueryRow(`SELECT dim_client_id FROM ventes_dim_client WHERE code_client = 'C2'`).Scan(&sk))
	require.Equal(t, int64(3), sk)
}

func TestRunner_RejectRatioFailureLeavesRunDone(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{ModeTransform, ModeLoad} {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			p := deliveryPipeline(t)
			p.Storage = config.Storage{Kind: "postgres", DSN: "postgres://localhost/star"}
			repo := newFakeRepo()
			r := testRunner()
			r.NewRepository = func(context.Context, storage.MultiConfig) (storage.MultiRepository, error) {
				return repo, nil
			}

			run, err := r.Run(context.Background(), p, mode)
			require.Error(t, err)
			require.True(t, etlerr.IsFatal(err))
			require.Equal(t, etlerr.KindReferentialViolation, etlerr.KindOf(err))
			require.Equal(t, "done", run.State)

			fact, ok := run.Lookup("ventes", "fact_ventes")
			require.True(t, ok)
			require.Equal(t, int64(1), fact.Rejected)
			require.NotEmpty(t, fact.Error)

			client, ok := run.Lookup("ventes", "dim_client")
			require.True(t, ok)
			require.Empty(t, client.Error)
			require.Positive(t, client.Loaded)
			require.Len(t, run.Failed(), 1)
		})
	}
}
