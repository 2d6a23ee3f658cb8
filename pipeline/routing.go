package pipeline

import (
	"fmt"
)

// HandlerResolver locates a concrete handler for a request that arrived
// without one bound in metadata.
type HandlerResolver func(c *Context) (Handler, error)

var _ Interceptor = new(routingInterceptor)

// routingInterceptor locates the unit of work. When the caller already
// bound a handler through context metadata (the engine does this at
// flow-build time) the request passes through unchanged; this is how agent
// and tool invocations share one pipeline.
type routingInterceptor struct {
	resolver HandlerResolver
}

func NewRoutingInterceptor(resolver HandlerResolver) *routingInterceptor {
	return &routingInterceptor{resolver: resolver}
}

func (i *routingInterceptor) Name() string {
	return "routing"
}

func (i *routingInterceptor) Priority() int {
	return PRIORITY_ROUTING
}

func (i *routingInterceptor) Handle(c *Context, next Next) (*Response, error) {
	if _, ok := c.Handler(); ok {
		return next(c)
	}
	if i.resolver == nil {
		return nil, NewError(ERR_RESOLUTION, c.StepId, fmt.Sprintf("no handler bound for route %s", c.Route))
	}
	handler, err := i.resolver(c)
	if err != nil {
		return nil, &Error{Kind: ERR_RESOLUTION, StepId: c.StepId, Message: err.Error(), Cause: err}
	}
	c.Metadata[METADATA_HANDLER] = handler
	return next(c)
}
