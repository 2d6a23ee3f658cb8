package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowgrid/flowgrid/budget"
	"github.com/flowgrid/flowgrid/cost"
	"github.com/flowgrid/flowgrid/flow"
	"github.com/flowgrid/flowgrid/metrics"
	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/pipeline"
	"github.com/flowgrid/flowgrid/registry"
	"github.com/flowgrid/flowgrid/util"
	"github.com/stretchr/testify/require"
)

func newTestEngine(clock util.Clock, limits budget.Limits) *Engine {
	return newTestEngineWithConcurrency(clock, limits, 4)
}

func newTestEngineWithConcurrency(clock util.Clock, limits budget.Limits, concurrency int) *Engine {
	p := pipeline.New(
		pipeline.NewContextSetupInterceptor(),
		pipeline.NewObservabilityInterceptor(metrics.NewNoopCollector()),
		pipeline.NewErrorNormalizationInterceptor(),
		pipeline.NewRoutingInterceptor(nil),
		pipeline.NewValidationInterceptor(),
		pipeline.NewBudgetInterceptor(budget.NewLedger(limits), cost.NewTokenCounter(), cost.NewEstimator()),
		pipeline.NewExecutionInterceptor(),
	)
	return NewEngine(p, clock, metrics.NewNoopCollector(), concurrency)
}

func makeRecord(fl *flow.Flow) *model.ExecutionRecord {
	rec := &model.ExecutionRecord{
		ExecutionId:  "exec-1",
		WorkflowName: fl.Def.Name,
		Status:       model.EXECUTION_PENDING,
		Steps:        make(map[string]*model.StepResult),
	}
	for id := range fl.Steps {
		rec.Steps[id] = &model.StepResult{StepId: id, Status: model.STEP_PENDING}
	}
	return rec
}

func buildFlow(t *testing.T, reg *registry.Registry, def *model.WorkflowDefinition) *flow.Flow {
	t.Helper()
	fl, err := flow.Build(def, reg)
	require.NoError(t, err)
	return fl
}

func TestRunLinearWorkflow(t *testing.T) {
	reg := registry.NewRegistry()
	reg.RegisterAgent("writer", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		return map[string]any{"text": "draft about " + input.(string)}, model.NewUsageRecord(10, 10, 0, false), nil
	}))
	reg.RegisterTool("wordcount", registry.ToolInvokerFunc(func(ctx context.Context, toolName string, input any) (any, error) {
		return 2, nil
	}))

	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name:      "linear",
		Variables: map[string]any{"topic": "caching"},
		Steps: []model.StepDefinition{
			{Id: "write", Kind: model.STEP_KIND_AGENT, AgentId: "writer", Input: "${topic}"},
			{Id: "count", Kind: model.STEP_KIND_TOOL, ToolName: "wordcount", DependsOn: []string{"write"}, Input: "${write.text}"},
		},
	})
	rec := makeRecord(fl)
	eng := newTestEngine(util.NewFakeClock(time.Now()), budget.Limits{})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_COMPLETED, rec.Status)
	require.Equal(t, model.STEP_COMPLETED, rec.Steps["write"].Status)
	require.Equal(t, model.STEP_COMPLETED, rec.Steps["count"].Status)
	require.Equal(t, map[string]any{"count": 2}, rec.FinalResult)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	reg := registry.NewRegistry()
	reg.RegisterAgent("flaky", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, nil, errors.New("transient provider error")
		}
		return "ok", nil, nil
	}))

	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name: "retrying",
		Steps: []model.StepDefinition{
			{Id: "call", Kind: model.STEP_KIND_AGENT, AgentId: "flaky",
				Retry: &model.RetryPolicy{MaxRetries: 3, BackoffSeconds: 2}},
		},
	})
	rec := makeRecord(fl)
	clock := util.NewFakeClock(time.Now())
	eng := newTestEngine(clock, budget.Limits{})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_COMPLETED, rec.Status)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	require.Equal(t, 2, rec.Steps["call"].RetryCount)
	// backoff doubles: 2s then 4s
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.Sleeps)
}

func TestRunStopsAfterRetryBudget(t *testing.T) {
	var attempts int32
	reg := registry.NewRegistry()
	reg.RegisterAgent("broken", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, nil, errors.New("still broken")
	}))

	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name: "exhausted",
		Steps: []model.StepDefinition{
			{Id: "call", Kind: model.STEP_KIND_AGENT, AgentId: "broken",
				Retry: &model.RetryPolicy{MaxRetries: 2, BackoffSeconds: 1}},
		},
	})
	rec := makeRecord(fl)
	eng := newTestEngine(util.NewFakeClock(time.Now()), budget.Limits{})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_FAILED, rec.Status)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	require.Equal(t, model.STEP_FAILED, rec.Steps["call"].Status)
	require.Equal(t, 2, rec.Steps["call"].RetryCount)
	require.Equal(t, "call", rec.FailedStepId)
}

func TestBudgetDenialIsNotRetried(t *testing.T) {
	var attempts int32
	reg := registry.NewRegistry()
	reg.RegisterAgent("pricey", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		atomic.AddInt32(&attempts, 1)
		return "ok", nil, nil
	}))

	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name: "overbudget",
		Steps: []model.StepDefinition{
			{Id: "call", Kind: model.STEP_KIND_AGENT, AgentId: "pricey",
				Input: "a prompt with enough words to exceed the tiny limit",
				Retry: &model.RetryPolicy{MaxRetries: 5, BackoffSeconds: 1}},
		},
	})
	rec := makeRecord(fl)
	clock := util.NewFakeClock(time.Now())
	eng := newTestEngine(clock, budget.Limits{EnforceLimits: true, DailyTokenLimit: 1})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_FAILED, rec.Status)
	require.Equal(t, int32(0), atomic.LoadInt32(&attempts))
	require.Empty(t, clock.Sleeps)
	require.Equal(t, string(pipeline.ERR_BUDGET_EXCEEDED), rec.Steps["call"].Error.Kind)
}

func TestFailFastSkipsRemainingWaves(t *testing.T) {
	reg := registry.NewRegistry()
	reg.RegisterAgent("bad", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		return nil, nil, errors.New("nope")
	}))
	reg.RegisterAgent("good", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		return "fine", nil, nil
	}))

	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name:          "failfast",
		ErrorStrategy: model.ERROR_STRATEGY_FAIL_FAST,
		Steps: []model.StepDefinition{
			{Id: "first", Kind: model.STEP_KIND_AGENT, AgentId: "bad"},
			{Id: "second", Kind: model.STEP_KIND_AGENT, AgentId: "good", DependsOn: []string{"first"}},
			{Id: "third", Kind: model.STEP_KIND_AGENT, AgentId: "good", DependsOn: []string{"second"}},
		},
	})
	rec := makeRecord(fl)
	eng := newTestEngine(util.NewFakeClock(time.Now()), budget.Limits{})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_FAILED, rec.Status)
	require.Equal(t, "first", rec.FailedStepId)
	require.Equal(t, model.STEP_SKIPPED, rec.Steps["second"].Status)
	require.Equal(t, model.STEP_SKIPPED, rec.Steps["third"].Status)
}

func TestFailFastStopsQueuedSiblings(t *testing.T) {
	var failed atomic.Bool
	var lateSiblings int32
	reg := registry.NewRegistry()
	reg.RegisterAgent("doomed", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		failed.Store(true)
		return nil, nil, errors.New("nope")
	}))
	reg.RegisterAgent("sibling", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		if failed.Load() {
			atomic.AddInt32(&lateSiblings, 1)
		}
		return "fine", nil, nil
	}))

	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name:          "aborting",
		ErrorStrategy: model.ERROR_STRATEGY_FAIL_FAST,
		Steps: []model.StepDefinition{
			{Id: "a", Kind: model.STEP_KIND_AGENT, AgentId: "doomed"},
			{Id: "b", Kind: model.STEP_KIND_AGENT, AgentId: "sibling"},
			{Id: "c", Kind: model.STEP_KIND_AGENT, AgentId: "sibling"},
		},
	})
	// concurrency 1 queues the independent siblings behind the failing step
	eng := newTestEngineWithConcurrency(util.NewFakeClock(time.Now()), budget.Limits{}, 1)

	for i := 0; i < 25; i++ {
		failed.Store(false)
		rec := makeRecord(fl)

		eng.Run(context.Background(), fl, rec, nil, RunOptions{})

		require.Equal(t, model.EXECUTION_FAILED, rec.Status)
		require.Equal(t, "a", rec.FailedStepId)
	}
	// a sibling still queued when the failure lands must never dispatch
	require.Equal(t, int32(0), atomic.LoadInt32(&lateSiblings))
}

func TestContinueStrategyKeepsSiblings(t *testing.T) {
	reg := registry.NewRegistry()
	reg.RegisterAgent("bad", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		return nil, nil, errors.New("nope")
	}))
	reg.RegisterAgent("good", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		return "fine", nil, nil
	}))

	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name:          "partial",
		ErrorStrategy: model.ERROR_STRATEGY_CONTINUE,
		Steps: []model.StepDefinition{
			{Id: "root", Kind: model.STEP_KIND_AGENT, AgentId: "good"},
			{Id: "left", Kind: model.STEP_KIND_AGENT, AgentId: "bad", DependsOn: []string{"root"}},
			{Id: "right", Kind: model.STEP_KIND_AGENT, AgentId: "good", DependsOn: []string{"root"}},
			{Id: "after-left", Kind: model.STEP_KIND_AGENT, AgentId: "good", DependsOn: []string{"left"}},
		},
	})
	rec := makeRecord(fl)
	eng := newTestEngine(util.NewFakeClock(time.Now()), budget.Limits{})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_FAILED, rec.Status)
	require.Equal(t, model.STEP_COMPLETED, rec.Steps["right"].Status)
	require.Equal(t, model.STEP_FAILED, rec.Steps["left"].Status)
	require.Equal(t, model.STEP_SKIPPED, rec.Steps["after-left"].Status)
	// completed sibling results survive a partial failure
	require.Equal(t, "fine", rec.Steps["right"].Result)
}

func TestConditionPrunesUnchosenBranch(t *testing.T) {
	reg := registry.NewRegistry()
	reg.RegisterAgent("good", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		return "fine", nil, nil
	}))

	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name:      "branching",
		Variables: map[string]any{"score": 0.9},
		Steps: []model.StepDefinition{
			{Id: "gate", Kind: model.STEP_KIND_CONDITION, Expression: "$.score > 0.5",
				WhenTrue: "high", WhenFalse: "low"},
			{Id: "high", Kind: model.STEP_KIND_AGENT, AgentId: "good", DependsOn: []string{"gate"}},
			{Id: "low", Kind: model.STEP_KIND_AGENT, AgentId: "good", DependsOn: []string{"gate"}},
			{Id: "after-low", Kind: model.STEP_KIND_AGENT, AgentId: "good", DependsOn: []string{"low"}},
		},
	})
	rec := makeRecord(fl)
	eng := newTestEngine(util.NewFakeClock(time.Now()), budget.Limits{})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_COMPLETED, rec.Status)
	require.Equal(t, model.STEP_COMPLETED, rec.Steps["gate"].Status)
	require.Equal(t, map[string]any{"value": true, "next": "high"}, rec.Steps["gate"].Result)
	require.Equal(t, model.STEP_COMPLETED, rec.Steps["high"].Status)
	require.Equal(t, model.STEP_SKIPPED, rec.Steps["low"].Status)
	require.Equal(t, model.STEP_SKIPPED, rec.Steps["after-low"].Status)
}

func TestCancellationDiscardsWaveResults(t *testing.T) {
	cancel := NewCancellation()
	reg := registry.NewRegistry()
	reg.RegisterAgent("slow", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		cancel.Cancel()
		return "finished anyway", nil, nil
	}))
	reg.RegisterAgent("good", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		return "fine", nil, nil
	}))

	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name: "cancelling",
		Steps: []model.StepDefinition{
			{Id: "first", Kind: model.STEP_KIND_AGENT, AgentId: "slow"},
			{Id: "second", Kind: model.STEP_KIND_AGENT, AgentId: "good", DependsOn: []string{"first"}},
		},
	})
	rec := makeRecord(fl)
	eng := newTestEngine(util.NewFakeClock(time.Now()), budget.Limits{})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{Cancel: cancel})

	require.Equal(t, model.EXECUTION_CANCELLED, rec.Status)
	// the in-flight step ran to completion but its result was discarded
	require.Equal(t, model.STEP_PENDING, rec.Steps["first"].Status)
	require.Equal(t, model.STEP_PENDING, rec.Steps["second"].Status)
}

func TestExpiredContextFailsRun(t *testing.T) {
	reg := registry.NewRegistry()
	reg.RegisterAgent("good", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		return "fine", nil, nil
	}))
	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name: "expired",
		Steps: []model.StepDefinition{
			{Id: "a", Kind: model.STEP_KIND_AGENT, AgentId: "good"},
		},
	})
	rec := makeRecord(fl)
	eng := newTestEngine(util.NewFakeClock(time.Now()), budget.Limits{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	eng.Run(ctx, fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_FAILED, rec.Status)
}

func TestTransformStep(t *testing.T) {
	reg := registry.NewRegistry()
	reg.RegisterTransform("upper", func(ctx context.Context, input any) (any, error) {
		return map[string]any{"shouted": input}, nil
	})
	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name:      "transforming",
		Variables: map[string]any{"msg": "hello"},
		Steps: []model.StepDefinition{
			{Id: "shape", Kind: model.STEP_KIND_TRANSFORM, Transform: "upper", Input: "${msg}"},
		},
	})
	rec := makeRecord(fl)
	eng := newTestEngine(util.NewFakeClock(time.Now()), budget.Limits{})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_COMPLETED, rec.Status)
	require.Equal(t, map[string]any{"shouted": "hello"}, rec.Steps["shape"].Result)
}

func TestUnresolvedInputFailsWithoutRetry(t *testing.T) {
	var attempts int32
	reg := registry.NewRegistry()
	reg.RegisterAgent("good", registry.AgentInvokerFunc(func(ctx context.Context, agentId string, input any) (any, *model.UsageRecord, error) {
		atomic.AddInt32(&attempts, 1)
		return "fine", nil, nil
	}))
	fl := buildFlow(t, reg, &model.WorkflowDefinition{
		Name: "unresolved",
		Steps: []model.StepDefinition{
			{Id: "a", Kind: model.STEP_KIND_AGENT, AgentId: "good", Input: "${missing.value}",
				Retry: &model.RetryPolicy{MaxRetries: 3, BackoffSeconds: 1}},
		},
	})
	rec := makeRecord(fl)
	eng := newTestEngine(util.NewFakeClock(time.Now()), budget.Limits{})

	eng.Run(context.Background(), fl, rec, nil, RunOptions{})

	require.Equal(t, model.EXECUTION_FAILED, rec.Status)
	require.Equal(t, int32(0), atomic.LoadInt32(&attempts))
	require.Equal(t, string(pipeline.ERR_RESOLUTION), rec.Steps["a"].Error.Kind)
}
