package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/thebtf/stepcluster/internal/worker"

var (
	metricsOnce   sync.Once
	runCounter    otelmetric.Int64Counter
	runDuration   otelmetric.Float64Histogram
	runStepCounts otelmetric.Int64Histogram
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	if runCounter, err = meter.Int64Counter("stepcluster.runs",
		otelmetric.WithDescription("Clustering runs by final status")); err != nil {
		log.Warn().Err(err).Msg("Failed to create run counter")
	}
	if runDuration, err = meter.Float64Histogram("stepcluster.run.duration",
		otelmetric.WithDescription("Wall time of clustering runs"),
		otelmetric.WithUnit("s")); err != nil {
		log.Warn().Err(err).Msg("Failed to create run duration histogram")
	}
	if runStepCounts, err = meter.Int64Histogram("stepcluster.run.steps",
		otelmetric.WithDescription("Steps clustered per run")); err != nil {
		log.Warn().Err(err).Msg("Failed to create run steps histogram")
	}
}

// recordRun records one finished run. Instruments that failed to
// initialize are skipped.
func recordRun(ctx context.Context, status string, elapsed time.Duration, steps int) {
	metricsOnce.Do(initMetrics)
	attrs := otelmetric.WithAttributes(attribute.String("status", status))
	if runCounter != nil {
		runCounter.Add(ctx, 1, attrs)
	}
	if runDuration != nil {
		runDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if runStepCounts != nil && steps > 0 {
		runStepCounts.Record(ctx, int64(steps), attrs)
	}
}
