package pipeline

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/specpipe/internal/pipeline"

var (
	stageAttemptCounter  metric.Int64Counter
	stageDuration        metric.Float64Histogram
	verdictCounter       metric.Int64Counter
	workerTimeoutCounter metric.Int64Counter
	escalationCounter    metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for the pipeline.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	stageAttemptCounter, err = meter.Int64Counter(
		"specpipe.pipeline.stage_attempts",
		metric.WithDescription("Total number of stage attempts started"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create stage attempt counter: %v", err))
	}

	stageDuration, err = meter.Float64Histogram(
		"specpipe.pipeline.stage_duration",
		metric.WithDescription("Duration of stage attempts from spawn to verdict"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create stage duration histogram: %v", err))
	}

	verdictCounter, err = meter.Int64Counter(
		"specpipe.pipeline.verdicts",
		metric.WithDescription("Number of gate verdicts by resolution"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create verdict counter: %v", err))
	}

	workerTimeoutCounter, err = meter.Int64Counter(
		"specpipe.pipeline.worker_timeouts",
		metric.WithDescription("Number of workers marked timed out at the stage bound"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create worker timeout counter: %v", err))
	}

	escalationCounter, err = meter.Int64Counter(
		"specpipe.pipeline.escalations",
		metric.WithDescription("Number of runs halted for human review"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create escalation counter: %v", err))
	}
}

func init() {
	initMetrics()
}
