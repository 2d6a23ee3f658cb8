package pipeline

import (
	"time"

	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/metrics"
	"go.uber.org/zap"
)

var _ Interceptor = new(observabilityInterceptor)

// observabilityInterceptor wraps timing and metrics around the whole
// remaining chain. It sits just inside context setup so it is the last
// stage to handle the fully normalized response on the way out, at which
// point the invocation moves to its final observed state.
type observabilityInterceptor struct {
	collector metrics.Collector
}

func NewObservabilityInterceptor(collector metrics.Collector) *observabilityInterceptor {
	return &observabilityInterceptor{collector: collector}
}

func (i *observabilityInterceptor) Name() string {
	return "observability"
}

func (i *observabilityInterceptor) Priority() int {
	return PRIORITY_OBSERVABILITY
}

func (i *observabilityInterceptor) Handle(c *Context, next Next) (*Response, error) {
	start := time.Now()
	c.StartTime = start
	resp, err := next(c)

	c.Duration = time.Since(start)
	if resp == nil {
		resp = &Response{}
	}
	if err != nil && resp.Err == nil {
		resp.Err = Normalize(c.StepId, err)
	}
	errKind := ""
	if resp.Err != nil {
		errKind = string(resp.Err.Kind)
		if resp.Err.Kind == ERR_BUDGET_EXCEEDED {
			if reason, ok := c.Metadata[metadataDenyReason].(string); ok {
				i.collector.RecordBudgetDenial(reason)
			}
		}
	}
	c.Advance(STATE_OBSERVED)
	i.collector.RecordInvocation(c.Route, c.Kind, c.Duration, resp.Usage, errKind)
	logger.Debug("pipeline invocation observed",
		zap.String("requestId", c.RequestId),
		zap.String("traceId", c.TraceId),
		zap.String("step", c.StepId),
		zap.String("route", c.Route),
		zap.String("state", c.State.String()),
		zap.Duration("duration", c.Duration),
		zap.String("error", errKind))
	return resp, nil
}
