package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sagestar/internal/config"
	"sagestar/internal/metrics"
	"sagestar/internal/multitable"
	"sagestar/internal/storage"
)

const ventesCSV = `N° Ligne doc;N° Cde;Date BL;N° BL;Qté fact;Prix Unitaire;Tot HT;Code client;Raison sociale;Famille client;Responsable dossier;Representant;code article;Désignation;Code Famille;famille article libellé;sous-famille article libellé
1;10;2024-03-02;BL1;2;5.5;11;C1;Acme;GMS;Paul;Rep1;A1;Vis;F1;Quincaillerie;Visserie
2;10;2024-03-01;BL1;1;3;3;C2;Bolt;GMS;Paul;Rep1;A2;Ecrou;F1;Quincaillerie;Visserie
3;11;2024-03-01;BL2;4;1;4;C1;Acme bis;GMS;Paul;Rep1;A1;Vis longue;F1;Quincaillerie;Visserie
`

// writeConfig writes a ventes-only pipeline reading a small extract and
// returns the config path and the temp dir.
func writeConfig(t *testing.T, mutate func(p *config.Pipeline)) (string, string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "ventes.csv")
	if err := os.WriteFile(src, []byte(ventesCSV), 0o644); err != nil {
		t.Fatalf("write extract: %v", err)
	}

	p := config.Default()
	set, _ := p.Set("ventes")
	set.Source.Path = src
	set.Source.Comma = ";"
	p.Sets = []config.StarSchema{set}
	p.Output = config.Output{Dir: filepath.Join(dir, "out")}
	if mutate != nil {
		mutate(&p)
	}

	b, err := config.Dump(p)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	path := filepath.Join(dir, "pipeline.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dir
}

func runCLI(t *testing.T, d deps, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	d.Stdout = &stdout
	d.Stderr = &stderr
	code := run(context.Background(), args, d)
	return code, stdout.String(), stderr.String()
}

func TestRun_Validate(t *testing.T) {
	t.Parallel()

	cfg, _ := writeConfig(t, nil)
	code, out, errOut := runCLI(t, deps{}, "validate", "-c", cfg)
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "configuration is valid: 1 sets") {
		t.Fatalf("stdout=%q", out)
	}
}

func TestRun_ValidateReportsIssues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *config.Pipeline)
		args   []string
		want   string
	}{
		{
			name:   "chunk_size",
			mutate: func(p *config.Pipeline) { p.Runtime.ChunkSize = -5 },
			want:   "runtime.chunk_size",
		},
		{
			name: "storage_flag",
			args: []string{"--storage", "oracle"},
			want: "storage.kind",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, _ := writeConfig(t, tc.mutate)
			code, _, errOut := runCLI(t, deps{}, append([]string{"validate", "-c", cfg}, tc.args...)...)
			if code != exitFailed {
				t.Fatalf("exit=%d want %d", code, exitFailed)
			}
			if !strings.Contains(errOut, tc.want) {
				t.Fatalf("stderr=%q want %q", errOut, tc.want)
			}
		})
	}
}

func TestRun_UsageErrors(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"transform", "--no-such-flag"},
		{"frobnicate"},
		{"validate", "extra-arg"},
	} {
		code, _, _ := runCLI(t, deps{}, args...)
		if code != exitUsage {
			t.Fatalf("%v: exit=%d want %d", args, code, exitUsage)
		}
	}
}

func TestRun_TransformWritesStar(t *testing.T) {
	t.Parallel()

	cfg, dir := writeConfig(t, nil)
	out := filepath.Join(dir, "elsewhere")
	code, stdout, errOut := runCLI(t, deps{}, "transform", "-c", cfg, "--out", out)
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	for _, name := range []string{"dim_client.csv", "dim_article.csv", "dim_temps.csv", "dim_famillesarticles.csv", "fact_ventes.csv"} {
		if _, err := os.Stat(filepath.Join(out, "ventes", name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if !strings.Contains(stdout, "fact_ventes") || !strings.Contains(stdout, "state=done") {
		t.Fatalf("stdout=%q", stdout)
	}
}

func TestRun_QualityJSON(t *testing.T) {
	t.Parallel()

	cfg, _ := writeConfig(t, nil)
	code, stdout, errOut := runCLI(t, deps{}, "quality", "-c", cfg, "--json")
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	var got struct {
		State   string `json:"state"`
		Quality []struct {
			Column  string  `json:"column"`
			Percent float64 `json:"completeness_pct"`
		} `json:"quality"`
	}
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if got.State != "done" || len(got.Quality) == 0 {
		t.Fatalf("report=%+v", got)
	}
}

func TestRun_LoadIntoSQLite(t *testing.T) {
	t.Parallel()

	cfg, dir := writeConfig(t, nil)
	dsn := filepath.Join(dir, "star.db")
	code, stdout, errOut := runCLI(t, deps{}, "load", "-c", cfg, "--storage", "sqlite", "--dsn", dsn)
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(stdout, "state=done") {
		t.Fatalf("stdout=%q", stdout)
	}
}

func TestRun_LoadUnreachableStoreFails(t *testing.T) {
	t.Parallel()

	cfg, _ := writeConfig(t, nil)
	d := deps{
		NewRunner: func(log *slog.Logger) *multitable.Runner {
			r := multitable.NewDefaultRunner(log)
			r.NewRepository = func(context.Context, storage.MultiConfig) (storage.MultiRepository, error) {
				return nil, errors.New("dial tcp 127.0.0.1:5432: connection refused")
			}
			return r
		},
	}
	code, stdout, errOut := runCLI(t, d, "load", "-c", cfg, "--dsn", "postgres://127.0.0.1:5432/star")
	if code != exitFailed {
		t.Fatalf("exit=%d want %d", code, exitFailed)
	}
	if !strings.Contains(errOut, "connectivity") {
		t.Fatalf("stderr=%q", errOut)
	}
	if !strings.Contains(stdout, "state=aborted") {
		t.Fatalf("stdout=%q", stdout)
	}
}

func TestRun_Probe(t *testing.T) {
	t.Parallel()

	_, dir := writeConfig(t, nil)
	src := filepath.Join(dir, "ventes.csv")

	code, stdout, errOut := runCLI(t, deps{}, "probe", src, "--set", "ventes")
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(stdout, `comma=";"`) || !strings.Contains(stdout, "Code client") {
		t.Fatalf("stdout=%q", stdout)
	}

	code, _, errOut = runCLI(t, deps{}, "probe", src, "--set", "achats")
	if code != exitFailed || !strings.Contains(errOut, "missing") {
		t.Fatalf("achats: exit=%d stderr=%q", code, errOut)
	}

	if code, _, _ := runCLI(t, deps{}, "probe"); code != exitUsage {
		t.Fatalf("no file: exit=%d want %d", code, exitUsage)
	}
}

type countingBackend struct{}

func (countingBackend) IncCounter(string, float64, metrics.Labels)       {}
func (countingBackend) ObserveHistogram(string, float64, metrics.Labels) {}

// Not parallel: installs a process-wide metrics backend.
func TestRun_MetricsBackendLifecycle(t *testing.T) {
	cfg, _ := writeConfig(t, nil)

	var (
		gotBackend string
		closed     int
	)
	d := deps{
		MetricsBackend: func(ctx context.Context, p config.Pipeline) (metrics.Backend, func() error, error) {
			gotBackend = p.Metrics.Backend
			return countingBackend{}, func() error { closed++; return nil }, nil
		},
	}
	code, _, errOut := runCLI(t, d, "transform", "-c", cfg, "--metrics-backend", "pushgateway")
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	if gotBackend != "pushgateway" {
		t.Fatalf("backend=%q", gotBackend)
	}
	if closed != 1 {
		t.Fatalf("closed=%d want 1", closed)
	}
}

func TestNewMetricsBackend(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "none"} {
		b, closeFn, err := newMetricsBackend(context.Background(), config.Pipeline{Metrics: config.Metrics{Backend: name}})
		if err != nil || b != nil || closeFn != nil {
			t.Fatalf("%q: got %v %v %v", name, b, closeFn != nil, err)
		}
	}
	if _, _, err := newMetricsBackend(context.Background(), config.Pipeline{Metrics: config.Metrics{Backend: "statsd"}}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}

	p := config.Pipeline{Job: "sagestar", Metrics: config.Metrics{Backend: "pushgateway", PushgatewayURL: "http://127.0.0.1:9091"}}
	b, closeFn, err := newMetricsBackend(context.Background(), p)
	if err != nil || b == nil || closeFn == nil {
		t.Fatalf("pushgateway: %v %v", b, err)
	}
}
