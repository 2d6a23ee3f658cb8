package engine

import (
	"context"
	"sync"
	"time"

	"github.com/flowgrid/flowgrid/analytics"
	"github.com/flowgrid/flowgrid/flow"
	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/metrics"
	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/pipeline"
	"github.com/flowgrid/flowgrid/util"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Engine drives one execution through its waves. Waves run strictly in
// sequence; steps within a wave run concurrently under the semaphore cap.
// All per-execution state (record, scope) is owned by the single goroutine
// running Run; step goroutines only read the scope and report outcomes back
// over a channel, so the budget ledger is the only state shared across
// concurrent tasks.
type Engine struct {
	pipeline    *pipeline.Pipeline
	clock       util.Clock
	collector   metrics.Collector
	concurrency int64
}

func NewEngine(p *pipeline.Pipeline, clock util.Clock, collector metrics.Collector, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Engine{
		pipeline:    p,
		clock:       clock,
		collector:   collector,
		concurrency: int64(concurrency),
	}
}

type RunOptions struct {
	UserId    string
	SessionId string
	Cancel    *Cancellation
	Publish   func(event model.StepEvent)

	executionId string
	// abort is flipped when a fail_fast execution loses a step, so queued
	// same-wave siblings stop at their next suspension point. Separate from
	// the user Cancel token: an aborted run finishes as failed.
	abort *Cancellation
}

type stepOutcome struct {
	stepId    string
	result    *model.StepResult
	value     any
	prune     []string
	cancelled bool
}

// Run executes the flow against the record until the record is terminal.
// The record must have been created by the caller with every step pending.
func (e *Engine) Run(ctx context.Context, fl *flow.Flow, rec *model.ExecutionRecord, input map[string]any, opts RunOptions) {
	if opts.Cancel == nil {
		opts.Cancel = NewCancellation()
	}
	if opts.Publish == nil {
		opts.Publish = func(model.StepEvent) {}
	}
	opts.executionId = rec.ExecutionId
	opts.abort = NewCancellation()
	if fl.Def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(fl.Def.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	rec.Status = model.EXECUTION_RUNNING
	rec.StartTime = e.clock.Now()

	scope := make(map[string]any)
	for k, v := range fl.Def.Variables {
		scope[k] = v
	}
	for k, v := range input {
		scope[k] = v
	}

	skipped := make(map[string]bool)
	failed := false
	sem := semaphore.NewWeighted(e.concurrency)

	for waveIdx, wave := range fl.Waves {
		// wave boundary is a cancellation suspension point
		if opts.Cancel.Cancelled() {
			e.finish(rec, fl, scope, model.EXECUTION_CANCELLED)
			return
		}
		if ctx.Err() != nil {
			rec.FailedStepId = ""
			e.finish(rec, fl, scope, model.EXECUTION_FAILED)
			return
		}

		outcomes := make(chan stepOutcome, len(wave))
		var wg sync.WaitGroup
		for _, stepId := range wave {
			step := fl.Steps[stepId]
			if skipped[stepId] || (failed && fl.Def.ErrorStrategy == model.ERROR_STRATEGY_FAIL_FAST) {
				e.markSkipped(rec, fl, waveIdx, stepId, opts)
				continue
			}
			if !e.depsCompleted(rec, step) {
				skipped[stepId] = true
				e.markSkipped(rec, fl, waveIdx, stepId, opts)
				continue
			}
			wg.Add(1)
			go func(step *flow.Step) {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					outcomes <- stepOutcome{stepId: step.Def.Id, result: timeoutResult(step.Def.Id), value: nil}
					return
				}
				defer sem.Release(1)
				outcome := e.runStep(ctx, fl, step, scope, opts)
				// flip the abort token before releasing the semaphore so a
				// queued sibling cannot start against a lost wave
				if fl.Def.ErrorStrategy == model.ERROR_STRATEGY_FAIL_FAST && outcome.result.Status == model.STEP_FAILED {
					opts.abort.Cancel()
				}
				outcomes <- outcome
			}(step)
		}
		wg.Wait()
		close(outcomes)

		// Results produced after a cancellation are discarded from the
		// aggregate: the wave's outcomes are dropped wholesale.
		if opts.Cancel.Cancelled() {
			e.finish(rec, fl, scope, model.EXECUTION_CANCELLED)
			return
		}

		for outcome := range outcomes {
			sr := outcome.result
			rec.Steps[outcome.stepId] = sr
			opts.Publish(model.StepEvent{
				ExecutionId: rec.ExecutionId,
				StepId:      outcome.stepId,
				Wave:        waveIdx,
				Status:      sr.Status,
				Result:      sr.Result,
				Error:       sr.Error,
				Timestamp:   e.clock.Now(),
			})
			e.collector.RecordStep(fl.Def.Name, sr.Status)
			switch sr.Status {
			case model.STEP_COMPLETED:
				scope[outcome.stepId] = outcome.value
				analytics.RecordStepSuccess(fl.Def.Name, rec.ExecutionId, outcome.stepId, sr.RetryCount, sr.Result)
				for _, pruned := range outcome.prune {
					skipped[pruned] = true
				}
			case model.STEP_FAILED:
				failed = true
				if rec.FailedStepId == "" {
					rec.FailedStepId = outcome.stepId
				}
				reason := ""
				if sr.Error != nil {
					reason = sr.Error.Message
				}
				analytics.RecordStepFailure(fl.Def.Name, rec.ExecutionId, outcome.stepId, sr.RetryCount, reason)
				for _, dependent := range fl.TransitiveDependents(outcome.stepId) {
					skipped[dependent] = true
				}
			}
		}
		if failed && fl.Def.ErrorStrategy == model.ERROR_STRATEGY_FAIL_FAST {
			e.skipRemaining(rec, fl, waveIdx, opts)
			e.finish(rec, fl, scope, model.EXECUTION_FAILED)
			return
		}
	}
	status := model.EXECUTION_COMPLETED
	if failed {
		status = model.EXECUTION_FAILED
	}
	e.finish(rec, fl, scope, status)
}

func (e *Engine) depsCompleted(rec *model.ExecutionRecord, step *flow.Step) bool {
	for _, dep := range step.Def.DependsOn {
		sr, ok := rec.Steps[dep]
		if !ok || sr.Status != model.STEP_COMPLETED {
			return false
		}
	}
	return true
}

func (e *Engine) markSkipped(rec *model.ExecutionRecord, fl *flow.Flow, waveIdx int, stepId string, opts RunOptions) {
	sr := &model.StepResult{StepId: stepId, Status: model.STEP_SKIPPED}
	rec.Steps[stepId] = sr
	e.collector.RecordStep(fl.Def.Name, model.STEP_SKIPPED)
	opts.Publish(model.StepEvent{
		ExecutionId: rec.ExecutionId,
		StepId:      stepId,
		Wave:        waveIdx,
		Status:      model.STEP_SKIPPED,
		Timestamp:   e.clock.Now(),
	})
}

// skipRemaining marks every step not yet dispatched in later waves as
// skipped once a fail_fast execution aborts.
func (e *Engine) skipRemaining(rec *model.ExecutionRecord, fl *flow.Flow, waveIdx int, opts RunOptions) {
	for w := waveIdx + 1; w < len(fl.Waves); w++ {
		for _, stepId := range fl.Waves[w] {
			if sr, ok := rec.Steps[stepId]; ok && sr.Status != model.STEP_PENDING {
				continue
			}
			e.markSkipped(rec, fl, w, stepId, opts)
		}
	}
}

func (e *Engine) finish(rec *model.ExecutionRecord, fl *flow.Flow, scope map[string]any, status model.ExecutionStatus) {
	rec.Status = status
	rec.EndTime = e.clock.Now()
	if status == model.EXECUTION_COMPLETED || status == model.EXECUTION_FAILED {
		final := make(map[string]any)
		for _, leaf := range fl.Leaves() {
			if sr, ok := rec.Steps[leaf]; ok && sr.Status == model.STEP_COMPLETED {
				final[leaf] = sr.Result
			}
		}
		rec.FinalResult = final
	}
	e.collector.RecordExecution(fl.Def.Name, status, rec.EndTime.Sub(rec.StartTime))
	logger.Info("execution finished",
		zap.String("executionId", rec.ExecutionId),
		zap.String("workflow", fl.Def.Name),
		zap.String("status", string(status)))
}

func timeoutResult(stepId string) *model.StepResult {
	return &model.StepResult{
		StepId: stepId,
		Status: model.STEP_FAILED,
		Error:  &model.ErrorDetail{Kind: string(pipeline.ERR_TIMEOUT), Message: "execution deadline exceeded before dispatch"},
	}
}
