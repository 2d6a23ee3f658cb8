package metrics

import (
	"context"
	"time"

	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/model"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	MInvocationLatencyMs = stats.Float64("flowgrid/invocation_latency", "pipeline invocation latency", stats.UnitMilliseconds)
	MInvocationCount     = stats.Int64("flowgrid/invocation_count", "pipeline invocations", stats.UnitDimensionless)
	MTokens              = stats.Int64("flowgrid/tokens", "tokens consumed", stats.UnitDimensionless)
	MCostUSD             = stats.Float64("flowgrid/cost_usd", "estimated or actual cost in usd", stats.UnitDimensionless)
	MBudgetDenials       = stats.Int64("flowgrid/budget_denials", "budget ledger denials", stats.UnitDimensionless)
	MStepCount           = stats.Int64("flowgrid/step_count", "workflow steps by status", stats.UnitDimensionless)
	MExecutionLatencyMs  = stats.Float64("flowgrid/execution_latency", "whole execution latency", stats.UnitMilliseconds)
)

var (
	KeyRoute, _    = tag.NewKey("route")
	KeyKind, _     = tag.NewKey("kind")
	KeyError, _    = tag.NewKey("error")
	KeyReason, _   = tag.NewKey("reason")
	KeyWorkflow, _ = tag.NewKey("workflow")
	KeyStatus, _   = tag.NewKey("status")
)

var views = []*view.View{
	{Name: "flowgrid/invocation_latency", Measure: MInvocationLatencyMs, TagKeys: []tag.Key{KeyRoute, KeyKind, KeyError},
		Aggregation: view.Distribution(5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000)},
	{Name: "flowgrid/invocation_count", Measure: MInvocationCount, TagKeys: []tag.Key{KeyRoute, KeyKind, KeyError},
		Aggregation: view.Count()},
	{Name: "flowgrid/tokens", Measure: MTokens, TagKeys: []tag.Key{KeyRoute}, Aggregation: view.Sum()},
	{Name: "flowgrid/cost_usd", Measure: MCostUSD, TagKeys: []tag.Key{KeyRoute}, Aggregation: view.Sum()},
	{Name: "flowgrid/budget_denials", Measure: MBudgetDenials, TagKeys: []tag.Key{KeyReason}, Aggregation: view.Count()},
	{Name: "flowgrid/step_count", Measure: MStepCount, TagKeys: []tag.Key{KeyWorkflow, KeyStatus}, Aggregation: view.Count()},
	{Name: "flowgrid/execution_latency", Measure: MExecutionLatencyMs, TagKeys: []tag.Key{KeyWorkflow, KeyStatus},
		Aggregation: view.Distribution(25, 100, 500, 1000, 5000, 15000, 60000, 300000)},
}

type OpenCensusCollector struct{}

var _ Collector = new(OpenCensusCollector)

func NewOpenCensusCollector() (*OpenCensusCollector, error) {
	if err := view.Register(views...); err != nil {
		return nil, err
	}
	return &OpenCensusCollector{}, nil
}

func (oc *OpenCensusCollector) RecordInvocation(route string, kind model.StepKind, duration time.Duration, usage *model.UsageRecord, errKind string) {
	ctx := context.Background()
	mutators := []tag.Mutator{
		tag.Upsert(KeyRoute, route),
		tag.Upsert(KeyKind, string(kind)),
		tag.Upsert(KeyError, errKind),
	}
	measurements := []stats.Measurement{
		MInvocationLatencyMs.M(float64(duration.Milliseconds())),
		MInvocationCount.M(1),
	}
	if usage != nil {
		measurements = append(measurements, MTokens.M(int64(usage.TotalTokens)), MCostUSD.M(usage.CostUSD))
	}
	if err := stats.RecordWithTags(ctx, mutators, measurements...); err != nil {
		logger.Error("error recording invocation metrics")
	}
}

func (oc *OpenCensusCollector) RecordBudgetDenial(reason string) {
	ctx := context.Background()
	_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(KeyReason, reason)}, MBudgetDenials.M(1))
}

func (oc *OpenCensusCollector) RecordStep(workflowName string, status model.StepStatus) {
	ctx := context.Background()
	_ = stats.RecordWithTags(ctx,
		[]tag.Mutator{tag.Upsert(KeyWorkflow, workflowName), tag.Upsert(KeyStatus, string(status))},
		MStepCount.M(1))
}

func (oc *OpenCensusCollector) RecordExecution(workflowName string, status model.ExecutionStatus, duration time.Duration) {
	ctx := context.Background()
	_ = stats.RecordWithTags(ctx,
		[]tag.Mutator{tag.Upsert(KeyWorkflow, workflowName), tag.Upsert(KeyStatus, string(status))},
		MExecutionLatencyMs.M(float64(duration.Milliseconds())))
}
