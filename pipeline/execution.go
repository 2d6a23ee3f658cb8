package pipeline

import (
	"github.com/flowgrid/flowgrid/model"
)

var _ Interceptor = new(executionInterceptor)

// executionInterceptor is the terminal stage: it invokes the bound handler
// and never calls next.
type executionInterceptor struct{}

func NewExecutionInterceptor() *executionInterceptor {
	return &executionInterceptor{}
}

func (i *executionInterceptor) Name() string {
	return "execution"
}

func (i *executionInterceptor) Priority() int {
	return PRIORITY_EXECUTION
}

func (i *executionInterceptor) Handle(c *Context, next Next) (*Response, error) {
	handler, ok := c.Handler()
	if !ok {
		return nil, NewError(ERR_RESOLUTION, c.StepId, "no handler bound for execution")
	}
	if err := c.Ctx.Err(); err != nil {
		return nil, err
	}
	c.Advance(STATE_EXECUTING)
	result, usage, err := handler(c.Ctx, c.Input)
	if err != nil {
		c.Advance(STATE_FAILED)
		return nil, err
	}
	if usage == nil {
		usage = model.NewUsageRecord(0, 0, 0, false)
	}
	c.Advance(STATE_COMPLETED)
	return &Response{Result: result, Usage: usage}, nil
}
