package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowgrid/flowgrid/flow"
	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/pipeline"
	"github.com/flowgrid/flowgrid/template"
	"go.uber.org/zap"
)

// runStep resolves the step's input against the current scope and executes
// it according to its kind. Agent and tool steps go through the interceptor
// pipeline inside a bounded retry loop; condition and transform steps are
// pure evaluations that never touch the pipeline.
func (e *Engine) runStep(ctx context.Context, fl *flow.Flow, step *flow.Step, scope map[string]any, opts RunOptions) stepOutcome {
	stepId := step.Def.Id
	start := e.clock.Now()

	if opts.abort.Cancelled() {
		return stepOutcome{stepId: stepId, result: skippedResult(stepId)}
	}

	resolved, err := template.Resolve(step.Def.Input, scope)
	if err != nil {
		perr := pipeline.Normalize(stepId, err)
		return stepOutcome{stepId: stepId, result: failedResult(stepId, 0, start, e.clock.Now(), perr)}
	}

	switch step.Def.Kind {
	case model.STEP_KIND_CONDITION:
		return e.runCondition(fl, step, scope, start)
	case model.STEP_KIND_TRANSFORM:
		return e.runTransform(ctx, step, resolved, start)
	default:
		return e.runPipelined(ctx, fl, step, resolved, opts, start)
	}
}

func (e *Engine) runCondition(fl *flow.Flow, step *flow.Step, scope map[string]any, start time.Time) stepOutcome {
	stepId := step.Def.Id
	value, err := step.EvaluateCondition(scope)
	if err != nil {
		perr := pipeline.NewError(pipeline.ERR_RESOLUTION, stepId, err.Error())
		return stepOutcome{stepId: stepId, result: failedResult(stepId, 0, start, e.clock.Now(), perr)}
	}
	chosen, unchosen := step.Def.WhenTrue, step.Def.WhenFalse
	if !value {
		chosen, unchosen = step.Def.WhenFalse, step.Def.WhenTrue
	}
	var prune []string
	if unchosen != "" {
		prune = append([]string{unchosen}, fl.TransitiveDependents(unchosen)...)
	}
	result := map[string]any{"value": value, "next": chosen}
	return stepOutcome{
		stepId: stepId,
		result: completedResult(stepId, 0, start, e.clock.Now(), result),
		value:  result,
		prune:  prune,
	}
}

func (e *Engine) runTransform(ctx context.Context, step *flow.Step, resolved any, start time.Time) stepOutcome {
	stepId := step.Def.Id
	result, err := step.Transform(ctx, resolved)
	if err != nil {
		perr := pipeline.Normalize(stepId, err)
		return stepOutcome{stepId: stepId, result: failedResult(stepId, 0, start, e.clock.Now(), perr)}
	}
	return stepOutcome{
		stepId: stepId,
		result: completedResult(stepId, 0, start, e.clock.Now(), result),
		value:  result,
	}
}

// runPipelined drives the step's payload through the interceptor pipeline
// with the retry policy in force. Every attempt performs a fresh budget
// check; denied budget and unresolved inputs are permanent and exit the
// loop immediately.
func (e *Engine) runPipelined(ctx context.Context, fl *flow.Flow, step *flow.Step, resolved any, opts RunOptions, start time.Time) stepOutcome {
	stepId := step.Def.Id
	retry := fl.Def.RetryFor(step.Def)
	var lastErr *pipeline.Error
	retries := 0

	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		retries = attempt
		// cancellation suspension point: before starting an attempt
		if opts.Cancel.Cancelled() {
			return stepOutcome{stepId: stepId, cancelled: true,
				result: failedResult(stepId, attempt, start, e.clock.Now(),
					pipeline.NewError(pipeline.ERR_EXECUTION, stepId, "execution cancelled"))}
		}
		if attempt > 0 {
			if opts.abort.Cancelled() {
				break
			}
			if err := e.clock.Sleep(ctx, e.backoff(retry, attempt)); err != nil {
				lastErr = pipeline.Normalize(stepId, err)
				break
			}
			logger.Debug("retrying step", zap.String("step", stepId), zap.Int("attempt", attempt))
		}
		stepCtx := ctx
		if step.Def.TimeoutSeconds > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.Def.TimeoutSeconds)*time.Second)
			defer cancel()
		}
		c := &pipeline.Context{
			Ctx:         stepCtx,
			ExecutionId: opts.executionId,
			StepId:      stepId,
			Kind:        step.Def.Kind,
			Route:       route(step.Def),
			ModelId:     step.Def.AgentId,
			UserId:      opts.UserId,
			SessionId:   opts.SessionId,
			Input:       resolved,
			Metadata:    map[string]any{pipeline.METADATA_HANDLER: step.Handler},
		}
		resp := e.pipeline.Execute(c)
		if resp.Err == nil {
			return stepOutcome{
				stepId: stepId,
				result: completedResult(stepId, attempt, start, e.clock.Now(), resp.Result),
				value:  resp.Result,
			}
		}
		lastErr = resp.Err
		if !resp.Err.Retryable() {
			break
		}
	}
	return stepOutcome{stepId: stepId, result: failedResult(stepId, retries, start, e.clock.Now(), lastErr)}
}

// backoff doubles the base delay on every attempt, with up to 10% jitter
// when the policy asks for it.
func (e *Engine) backoff(retry model.RetryPolicy, attempt int) time.Duration {
	base := time.Duration(retry.BackoffSeconds) * time.Second
	if base <= 0 {
		base = 1 * time.Second
	}
	delay := base << (attempt - 1)
	if retry.Jitter {
		delay += time.Duration(rand.Float64() * float64(delay) * 0.1)
	}
	return delay
}

func route(def *model.StepDefinition) string {
	if def.Kind == model.STEP_KIND_AGENT {
		return def.AgentId
	}
	return def.ToolName
}

func completedResult(stepId string, retryCount int, start time.Time, end time.Time, result any) *model.StepResult {
	return &model.StepResult{
		StepId:         stepId,
		Status:         model.STEP_COMPLETED,
		Result:         result,
		DurationMillis: end.Sub(start).Milliseconds(),
		RetryCount:     retryCount,
	}
}

func skippedResult(stepId string) *model.StepResult {
	return &model.StepResult{
		StepId: stepId,
		Status: model.STEP_SKIPPED,
	}
}

func failedResult(stepId string, retryCount int, start time.Time, end time.Time, perr *pipeline.Error) *model.StepResult {
	sr := &model.StepResult{
		StepId:         stepId,
		Status:         model.STEP_FAILED,
		DurationMillis: end.Sub(start).Milliseconds(),
		RetryCount:     retryCount,
	}
	if perr != nil {
		sr.Error = perr.Detail()
	}
	return sr
}
