package metrics

import (
	"time"

	"github.com/flowgrid/flowgrid/model"
)

// Collector is the sink the observability stage reports into. Events are
// recorded in the order traversals complete.
type Collector interface {
	RecordInvocation(route string, kind model.StepKind, duration time.Duration, usage *model.UsageRecord, errKind string)
	RecordBudgetDenial(reason string)
	RecordStep(workflowName string, status model.StepStatus)
	RecordExecution(workflowName string, status model.ExecutionStatus, duration time.Duration)
}

type NoopCollector struct{}

var _ Collector = new(NoopCollector)

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (NoopCollector) RecordInvocation(route string, kind model.StepKind, duration time.Duration, usage *model.UsageRecord, errKind string) {
}

func (NoopCollector) RecordBudgetDenial(reason string) {}

func (NoopCollector) RecordStep(workflowName string, status model.StepStatus) {}

func (NoopCollector) RecordExecution(workflowName string, status model.ExecutionStatus, duration time.Duration) {
}
