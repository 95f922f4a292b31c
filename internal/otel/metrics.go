package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all taskpilot metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	PlanDuration    metric.Float64Histogram
	ToolDuration    metric.Float64Histogram
	ToolErrors      metric.Int64Counter
	TurnsTotal      metric.Int64Counter
	AppendConflicts metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskpilot.request.duration",
		metric.WithDescription("Inbound chat request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PlanDuration, err = meter.Float64Histogram("taskpilot.plan.duration",
		metric.WithDescription("Planner model call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram("taskpilot.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolErrors, err = meter.Int64Counter("taskpilot.tool.errors",
		metric.WithDescription("Tool call rejection/failure count"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("taskpilot.turns",
		metric.WithDescription("Total conversation turns persisted"),
	)
	if err != nil {
		return nil, err
	}

	m.AppendConflicts, err = meter.Int64Counter("taskpilot.ledger.append_conflicts",
		metric.WithDescription("Turn append retries due to sequence conflicts"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
