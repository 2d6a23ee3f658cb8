package pipeline

import (
	"github.com/flowgrid/flowgrid/model"
)

var _ Interceptor = new(validationInterceptor)

// validationInterceptor rejects malformed requests before any budget is
// reserved or any handler runs.
type validationInterceptor struct{}

func NewValidationInterceptor() *validationInterceptor {
	return &validationInterceptor{}
}

func (i *validationInterceptor) Name() string {
	return "validation"
}

func (i *validationInterceptor) Priority() int {
	return PRIORITY_VALIDATION
}

func (i *validationInterceptor) Handle(c *Context, next Next) (*Response, error) {
	c.Advance(STATE_VALIDATING)
	if c.StepId == "" {
		return nil, NewError(ERR_RESOLUTION, c.StepId, "request has no step id")
	}
	switch c.Kind {
	case model.STEP_KIND_AGENT, model.STEP_KIND_TOOL:
		if c.Route == "" {
			return nil, NewError(ERR_RESOLUTION, c.StepId, "request has no route")
		}
	}
	if _, ok := c.Handler(); !ok {
		return nil, NewError(ERR_RESOLUTION, c.StepId, "no handler bound after routing")
	}
	return next(c)
}
