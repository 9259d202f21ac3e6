// Package prompush implements a metrics backend that accumulates into a
// private Prometheus registry and pushes it to a Pushgateway on Flush.
// It suits short-lived batch runs that cannot be scraped.
package prompush

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"sagestar/internal/metrics"
)

// Backend implements metrics.Backend and metrics.Flusher.
type Backend struct {
	pusher  *push.Pusher
	timeout time.Duration

	steps      *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	rows       *prometheus.CounterVec
	unresolved *prometheus.CounterVec
}

// NewBackend returns a backend pushing to gatewayURL under job. Extra
// grouping labels are given as "key:value" tags.
func NewBackend(job, gatewayURL string, tags ...string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: gateway url is empty")
	}
	if job == "" {
		job = "sagestar"
	}

	reg := prometheus.NewRegistry()
	b := &Backend{
		timeout: 10 * time.Second,
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline steps by outcome.",
		}, []string{"step", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDurationSeconds,
			Help:    "Pipeline step duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"step", "status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Rows per table by outcome (read, attempted, loaded, rejected).",
		}, []string{"table", "outcome"}),
		unresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.UnresolvedTotal,
			Help: "Fact foreign keys attributed to the unknown member.",
		}, []string{"table", "column"}),
	}
	reg.MustRegister(b.steps, b.durations, b.rows, b.unresolved)

	p := push.New(gatewayURL, job).Gatherer(reg)
	for _, t := range tags {
		k, v, ok := strings.Cut(t, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("prompush: invalid grouping tag %q", t)
		}
		p = p.Grouping(k, v)
	}
	b.pusher = p
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(labels["step"], labels["status"]).Add(delta)
	case metrics.RowsTotal:
		b.rows.WithLabelValues(labels["table"], labels["outcome"]).Add(delta)
	case metrics.UnresolvedTotal:
		b.unresolved.WithLabelValues(labels["table"], labels["column"]).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || value < 0 {
		return
	}
	b.durations.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush replaces the job's metric group on the gateway with the registry.
func (b *Backend) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

var _ metrics.Backend = (*Backend)(nil)
var _ metrics.Flusher = (*Backend)(nil)
