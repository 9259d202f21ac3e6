package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"sagestar/internal/config"
	"sagestar/internal/metrics"
	"sagestar/internal/metrics/datadog"
	"sagestar/internal/metrics/prompush"
)

// metricsFactory builds the backend named by p.Metrics.Backend. closeFn
// flushes (pushgateway) or stops and flushes (datadog) it at the end of the
// run. A nil backend disables metrics.
type metricsFactory func(ctx context.Context, p config.Pipeline) (b metrics.Backend, closeFn func() error, err error)

func newMetricsBackend(ctx context.Context, p config.Pipeline) (metrics.Backend, func() error, error) {
	switch p.Metrics.Backend {
	case "pushgateway":
		// flag/config -> env -> default
		gwURL := p.Metrics.PushgatewayURL
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(p.Job, gwURL, p.Metrics.Tags...)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Flush, nil

	case "datadog":
		// Buffers and submits once per minute, then a final time on Close.
		tags := append(append([]string{}, p.Metrics.Tags...), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    p.Job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil

	case "", "none":
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", p.Metrics.Backend)
	}
}

// setupMetrics installs the configured backend and returns its shutdown.
// Initialization failures only disable metrics.
func setupMetrics(ctx context.Context, log *slog.Logger, f metricsFactory, p config.Pipeline) func() {
	b, closeFn, err := f(ctx, p)
	if err != nil {
		log.Warn("metrics disabled", "backend", p.Metrics.Backend, "err", err)
		return func() {}
	}
	if b == nil {
		log.Debug("metrics disabled", "backend", p.Metrics.Backend)
		return func() {}
	}

	metrics.SetBackend(b)
	log.Info("metrics enabled", "backend", p.Metrics.Backend, "job", p.Job)
	return func() {
		if closeFn != nil {
			if err := closeFn(); err != nil {
				log.Warn("metrics flush failed", "backend", p.Metrics.Backend, "err", err)
			}
		}
		metrics.SetBackend(nil)
	}
}
