package agent

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/ricmars/visualization-sub001/internal/agent"

type telemetry struct {
	tracer   trace.Tracer
	toolRuns metric.Int64Counter
	runs     metric.Int64Counter
}

func newTelemetry(log Logger) telemetry {
	meter := otel.Meter(instrumentation)
	t := telemetry{tracer: otel.Tracer(instrumentation)}

	var err error
	t.toolRuns, err = meter.Int64Counter("agent.tool.executions",
		metric.WithDescription("Tool calls executed by the agent loop."))
	if err != nil {
		log.Warn("creating tool counter", "error", err)
		t.toolRuns = noop.Int64Counter{}
	}
	t.runs, err = meter.Int64Counter("agent.runs",
		metric.WithDescription("Agent loop runs by outcome."))
	if err != nil {
		log.Warn("creating run counter", "error", err)
		t.runs = noop.Int64Counter{}
	}
	return t
}
