package pipeline

import (
	"fmt"

	"github.com/flowgrid/flowgrid/logger"
	"go.uber.org/zap"
)

var _ Interceptor = new(errorNormalizationInterceptor)

// errorNormalizationInterceptor guarantees that no raw error or panic from
// the inner stages crosses outward: everything becomes a typed *Error the
// engine can dispatch on.
type errorNormalizationInterceptor struct{}

func NewErrorNormalizationInterceptor() *errorNormalizationInterceptor {
	return &errorNormalizationInterceptor{}
}

func (i *errorNormalizationInterceptor) Name() string {
	return "error-normalization"
}

func (i *errorNormalizationInterceptor) Priority() int {
	return PRIORITY_ERROR
}

func (i *errorNormalizationInterceptor) Handle(c *Context, next Next) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in pipeline stage", zap.String("step", c.StepId), zap.Any("panic", r))
			resp = &Response{Err: &Error{
				Kind:    ERR_EXECUTION,
				StepId:  c.StepId,
				Message: fmt.Sprintf("panic: %v", r),
			}}
			err = nil
		}
		if resp != nil && resp.Err != nil {
			c.Advance(STATE_FAILED)
		}
	}()
	resp, err = next(c)
	if resp == nil {
		resp = &Response{}
	}
	if err != nil && resp.Err == nil {
		resp.Err = Normalize(c.StepId, err)
	}
	return resp, nil
}
