// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Observations are buffered in memory under a mutex and submitted on Flush.
// A background loop flushes every FlushEvery so long loads produce a time
// series; Close stops the loop and flushes one last time.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/jonboulle/clockwork"

	"sagestar/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "sagestar".
	JobName string

	// Tags are extra Datadog tags (e.g. "env:prod", "service:sagestar").
	Tags []string

	// FlushEvery is the background submission period. Defaults to 60s.
	FlushEvery time.Duration

	// Test seams.
	clock     clockwork.Clock
	submitter metricsSubmitter
}

// metricsSubmitter is the subset of *datadogV2.MetricsApi the backend needs.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api   metricsSubmitter
	ctx   context.Context
	clock clockwork.Clock

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	mu sync.Mutex

	stepCounts      map[string]float64
	durationSamples map[string][]float64
	// rowCounts is keyed by table and outcome.
	rowCounts map[string]float64
	// unresolvedCounts is keyed by table and column.
	unresolvedCounts map[string]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.clock.NewTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.Chan():
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
// Calling it twice panics.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client, which
// reads DD_API_KEY and DD_SITE from the environment. Network errors surface
// from Flush, not here.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(fmt.Errorf("nil context"))
	}
	job := opts.JobName
	if job == "" {
		job = "sagestar"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	clock := opts.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		clock:      clock,
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		stepCounts:       make(map[string]float64),
		durationSamples:  make(map[string][]float64),
		rowCounts:        make(map[string]float64),
		unresolvedCounts: make(map[string]float64),
	}

	go b.loop()
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepTotal:
		b.stepCounts[pairKey(labels["step"], labels["status"])] += delta

	case metrics.RowsTotal:
		if labels["table"] == "" || labels["outcome"] == "" {
			return
		}
		b.rowCounts[pairKey(labels["table"], labels["outcome"])] += delta

	case metrics.UnresolvedTotal:
		if labels["table"] == "" {
			return
		}
		b.unresolvedCounts[pairKey(labels["table"], labels["column"])] += delta
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || name != metrics.StepDurationSeconds {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	k := pairKey(labels["step"], labels["status"])
	b.durationSamples[k] = append(b.durationSamples[k], value)
}

// snapshot is the detached buffer state of one flush window.
type snapshot struct {
	stepCounts       map[string]float64
	durationSamples  map[string][]float64
	rowCounts        map[string]float64
	unresolvedCounts map[string]float64
}

// snapshotAndReset takes the lock, detaches the buffers and starts new ones.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		stepCounts:       b.stepCounts,
		durationSamples:  b.durationSamples,
		rowCounts:        b.rowCounts,
		unresolvedCounts: b.unresolvedCounts,
	}

	b.stepCounts = make(map[string]float64)
	b.durationSamples = make(map[string][]float64)
	b.rowCounts = make(map[string]float64)
	b.unresolvedCounts = make(map[string]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.stepCounts) == 0 &&
		len(s.durationSamples) == 0 &&
		len(s.rowCounts) == 0 &&
		len(s.unresolvedCounts) == 0
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails. It returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.clock.Now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	if err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries is pure: no locks, network or clock. Series are sorted by
// metric then tags so payloads are reproducible.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.stepCounts)+len(s.rowCounts)+len(s.unresolvedCounts)+6*len(s.durationSamples))

	for k, v := range s.stepCounts {
		step, status := splitPairKey(k)
		series = append(series, countSeries("etl.step.total", v, withTags(b.baseTags, "step:"+step, "status:"+status), nowUnix))
	}
	for k, v := range s.rowCounts {
		table, outcome := splitPairKey(k)
		series = append(series, countSeries("etl.rows.total", v, withTags(b.baseTags, "table:"+table, "outcome:"+outcome), nowUnix))
	}
	for k, v := range s.unresolvedCounts {
		table, column := splitPairKey(k)
		series = append(series, countSeries("etl.unresolved.total", v, withTags(b.baseTags, "table:"+table, "column:"+column), nowUnix))
	}
	for k, samples := range s.durationSamples {
		step, status := splitPairKey(k)
		addPercentiles(&series, withTags(b.baseTags, "step:"+step, "status:"+status), "etl.step.duration_seconds", samples, nowUnix)
	}

	sort.SliceStable(series, func(i, j int) bool {
		if series[i].Metric != series[j].Metric {
			return series[i].Metric < series[j].Metric
		}
		return strings.Join(series[i].Tags, ",") < strings.Join(series[j].Tags, ",")
	})
	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges. It sorts a copy
// of samples.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metricPrefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (string, string) {
	a, b, ok := strings.Cut(k, "\x00")
	if !ok {
		return k, "unknown"
	}
	return a, b
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	return s[min(max(idx, 0), n-1)]
}

var _ metrics.Backend = (*Backend)(nil)
var _ metrics.Flusher = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:sagestar".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
