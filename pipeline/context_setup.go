package pipeline

import (
	"github.com/google/uuid"
)

var _ Interceptor = new(contextSetupInterceptor)

// contextSetupInterceptor is the outermost stage: it stamps identities and
// initializes the envelope before anything else runs.
type contextSetupInterceptor struct{}

func NewContextSetupInterceptor() *contextSetupInterceptor {
	return &contextSetupInterceptor{}
}

func (i *contextSetupInterceptor) Name() string {
	return "context-setup"
}

func (i *contextSetupInterceptor) Priority() int {
	return PRIORITY_CONTEXT_SETUP
}

func (i *contextSetupInterceptor) Handle(c *Context, next Next) (*Response, error) {
	if c.RequestId == "" {
		c.RequestId = uuid.New().String()
	}
	if c.TraceId == "" {
		c.TraceId = c.RequestId
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Advance(STATE_CREATED)
	return next(c)
}
