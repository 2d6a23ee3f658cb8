package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/flowgrid/flowgrid/budget"
	"github.com/flowgrid/flowgrid/cost"
	"github.com/flowgrid/flowgrid/engine"
	"github.com/flowgrid/flowgrid/metadata"
	"github.com/flowgrid/flowgrid/metrics"
	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/persistence"
	"github.com/flowgrid/flowgrid/pipeline"
	"github.com/flowgrid/flowgrid/registry"
	"github.com/flowgrid/flowgrid/util"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, reg *registry.Registry, dao persistence.ExecutionDao) *WorkflowExecutionService {
	t.Helper()
	p := pipeline.New(
		pipeline.NewContextSetupInterceptor(),
		pipeline.NewObservabilityInterceptor(metrics.NewNoopCollector()),
		pipeline.NewErrorNormalizationInterceptor(),
		pipeline.NewRoutingInterceptor(nil),
		pipeline.NewValidationInterceptor(),
		pipeline.NewBudgetInterceptor(budget.NewLedger(budget.Limits{}), cost.NewTokenCounter(), cost.NewEstimator()),
		pipeline.NewExecutionInterceptor(),
	)
	eng := engine.NewEngine(p, util.NewRealClock(), metrics.NewNoopCollector(), 4)
	metadataService := metadata.NewService(metadata.NewInMemoryStorage(), reg)
	svc := NewWorkflowExecutionService(metadataService, eng, dao, 20*time.Millisecond)
	t.Cleanup(svc.Stop)

	require.NoError(t, metadataService.SaveWorkflow(model.WorkflowDefinition{
		Name: "pair",
		Steps: []model.StepDefinition{
			{Id: "a", Kind: model.STEP_KIND_AGENT, AgentId: "echo", Input: "one"},
			{Id: "b", Kind: model.STEP_KIND_AGENT, AgentId: "echo", DependsOn: []string{"a"}, Input: "${a}"},
		},
	}))
	require.NoError(t, metadataService.SaveWorkflow(wideWorkflow(160)))
	return svc
}

func wideWorkflow(width int) model.WorkflowDefinition {
	steps := make([]model.StepDefinition, 0, width)
	for i := 0; i < width; i++ {
		steps = append(steps, model.StepDefinition{
			Id:      fmt.Sprintf("s%03d", i),
			Kind:    model.STEP_KIND_AGENT,
			AgentId: "echo",
			Input:   "x",
		})
	}
	return model.WorkflowDefinition{Name: "wide", Steps: steps}
}

func echoRegistry() *registry.Registry {
	reg := registry.NewRegistry()
	reg.RegisterAgent("echo", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		return input, model.NewUsageRecord(1, 1, 0, false), nil
	}))
	return reg
}

func TestStartSync(t *testing.T) {
	svc := newTestService(t, echoRegistry(), persistence.NewInMemoryExecutionDao())

	rec, err := svc.StartSync(context.Background(), model.WorkflowRunRequest{
		Name: "pair", UserId: "u1", Mode: model.RUN_MODE_SYNC,
	})
	require.NoError(t, err)
	require.Equal(t, model.EXECUTION_COMPLETED, rec.Status)
	require.Equal(t, model.STEP_COMPLETED, rec.Steps["a"].Status)
	require.Equal(t, "one", rec.Steps["b"].Result)
}

func TestStartSyncUnknownWorkflow(t *testing.T) {
	svc := newTestService(t, echoRegistry(), persistence.NewInMemoryExecutionDao())

	_, err := svc.StartSync(context.Background(), model.WorkflowRunRequest{Name: "ghost"})
	require.Error(t, err)
}

func TestStartAsync(t *testing.T) {
	svc := newTestService(t, echoRegistry(), persistence.NewInMemoryExecutionDao())

	executionId, err := svc.StartAsync(model.WorkflowRunRequest{Name: "pair", Mode: model.RUN_MODE_ASYNC})
	require.NoError(t, err)
	require.NotEmpty(t, executionId)

	require.Eventually(t, func() bool {
		rec, err := svc.GetExecution(executionId)
		return err == nil && rec.Status == model.EXECUTION_COMPLETED
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStreamDeliversEventsInWaveOrder(t *testing.T) {
	svc := newTestService(t, echoRegistry(), persistence.NewInMemoryExecutionDao())

	executionId, events, err := svc.StartStream(context.Background(), model.WorkflowRunRequest{
		Name: "pair", Mode: model.RUN_MODE_STREAM,
	})
	require.NoError(t, err)
	require.NotEmpty(t, executionId)

	var seen []model.StepEvent
	for ev := range events {
		seen = append(seen, ev)
	}
	require.Len(t, seen, 2)
	require.Equal(t, "a", seen[0].StepId)
	require.Equal(t, 0, seen[0].Wave)
	require.Equal(t, "b", seen[1].StepId)
	require.Equal(t, 1, seen[1].Wave)

	rec, err := svc.GetExecution(executionId)
	require.NoError(t, err)
	require.Equal(t, model.EXECUTION_COMPLETED, rec.Status)
}

func TestSlowStreamConsumerDoesNotStallEngine(t *testing.T) {
	svc := newTestService(t, echoRegistry(), persistence.NewInMemoryExecutionDao())

	executionId, events, err := svc.StartStream(context.Background(), model.WorkflowRunRequest{
		Name: "wide", Mode: model.RUN_MODE_STREAM,
	})
	require.NoError(t, err)

	// the consumer reads nothing until the run is already terminal; with
	// more steps than any channel buffer, the run must still finish
	require.Eventually(t, func() bool {
		rec, err := svc.GetExecution(executionId)
		return err == nil && rec.Status == model.EXECUTION_COMPLETED
	}, 5*time.Second, 10*time.Millisecond)

	seen := 0
	for range events {
		seen++
	}
	require.Equal(t, 160, seen)
}

func TestCancelRunningExecution(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	reg := registry.NewRegistry()
	reg.RegisterAgent("echo", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		started <- struct{}{}
		<-release
		return input, nil, nil
	}))
	svc := newTestService(t, reg, persistence.NewInMemoryExecutionDao())

	executionId, err := svc.StartAsync(model.WorkflowRunRequest{Name: "pair"})
	require.NoError(t, err)

	<-started
	require.NoError(t, svc.Cancel(executionId))
	close(release)

	require.Eventually(t, func() bool {
		rec, err := svc.GetExecution(executionId)
		return err == nil && rec.Status == model.EXECUTION_CANCELLED
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelUnknownExecution(t *testing.T) {
	svc := newTestService(t, echoRegistry(), persistence.NewInMemoryExecutionDao())
	require.Error(t, svc.Cancel("no-such-id"))
}

func TestRecordsAreFlushedToPersistence(t *testing.T) {
	dao := persistence.NewInMemoryExecutionDao()
	svc := newTestService(t, echoRegistry(), dao)

	rec, err := svc.StartSync(context.Background(), model.WorkflowRunRequest{Name: "pair"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := dao.GetExecution(rec.ExecutionId)
		return err == nil && stored.Status == model.EXECUTION_COMPLETED
	}, 2*time.Second, 10*time.Millisecond)

	// after flushing a terminal record, reads come from the dao
	got, err := svc.GetExecution(rec.ExecutionId)
	require.NoError(t, err)
	require.Equal(t, model.EXECUTION_COMPLETED, got.Status)
}
