package pipeline

import (
	"context"
	"time"

	"github.com/flowgrid/flowgrid/model"
)

// InvocationState tracks one pipeline traversal through its lifecycle:
// created -> validating -> budget_checked -> executing -> completed|failed
// -> observed. States only move forward; a traversal never re-enters an
// earlier state.
type InvocationState int

const STATE_CREATED InvocationState = 1
const STATE_VALIDATING InvocationState = 2
const STATE_BUDGET_CHECKED InvocationState = 3
const STATE_EXECUTING InvocationState = 4
const STATE_COMPLETED InvocationState = 5
const STATE_FAILED InvocationState = 6
const STATE_OBSERVED InvocationState = 7

func (s InvocationState) String() string {
	switch s {
	case STATE_CREATED:
		return "created"
	case STATE_VALIDATING:
		return "validating"
	case STATE_BUDGET_CHECKED:
		return "budget_checked"
	case STATE_EXECUTING:
		return "executing"
	case STATE_COMPLETED:
		return "completed"
	case STATE_FAILED:
		return "failed"
	case STATE_OBSERVED:
		return "observed"
	}
	return "unknown"
}

// Metadata keys. The bound handler travels through context metadata so
// agent and tool invocations share one pipeline.
const METADATA_HANDLER = "handler"
const METADATA_ESTIMATED_TOKENS = "estimatedTokens"

// Handler is the opaque unit of work the pipeline wraps: one agent or tool
// invocation, bound at flow-build time.
type Handler func(ctx context.Context, input any) (any, *model.UsageRecord, error)

// Context is the per-invocation envelope. It is owned exclusively by one
// pipeline traversal and never shared across concurrent invocations.
type Context struct {
	Ctx         context.Context
	RequestId   string
	TraceId     string
	ExecutionId string
	StepId      string
	Kind        model.StepKind
	Route       string
	ModelId     string
	UserId      string
	SessionId   string
	Input       any
	Metadata    map[string]any

	State     InvocationState
	StartTime time.Time
	Duration  time.Duration
}

// Advance moves the invocation state forward. Regressions are ignored so a
// stage unwinding on the response path cannot rewind the lifecycle.
func (c *Context) Advance(state InvocationState) {
	if state > c.State {
		c.State = state
	}
}

func (c *Context) Handler() (Handler, bool) {
	h, ok := c.Metadata[METADATA_HANDLER].(Handler)
	return h, ok
}

// Response is the result side of the envelope. Err is always a normalized
// *Error once the traversal has unwound past the error stage.
type Response struct {
	Result any
	Usage  *model.UsageRecord
	Err    *Error
}
