package pipeline

import (
	"context"
	"sort"
)

// Stage priorities order the chain from the outside in: lower priority
// stages wrap higher priority ones, and the execution stage with the
// highest priority sits innermost as the terminal stage. Observability
// therefore times everything below it and is the last stage to handle the
// fully normalized response before it leaves the pipeline.
const PRIORITY_CONTEXT_SETUP = 10
const PRIORITY_OBSERVABILITY = 20
const PRIORITY_ERROR = 30
const PRIORITY_ROUTING = 40
const PRIORITY_VALIDATION = 50
const PRIORITY_BUDGET = 60
const PRIORITY_EXECUTION = 70

// Next delegates to the remaining chain.
type Next func(c *Context) (*Response, error)

// Interceptor is one cross-cutting stage wrapping a unit of work. A stage
// may short-circuit by returning without calling next, mutate the context
// before calling next, or wrap the result after next returns.
type Interceptor interface {
	Name() string
	Priority() int
	Handle(c *Context, next Next) (*Response, error)
}

type Pipeline struct {
	interceptors []Interceptor
}

// New assembles a pipeline from interceptors sorted by ascending priority.
func New(interceptors ...Interceptor) *Pipeline {
	sorted := make([]Interceptor, len(interceptors))
	copy(sorted, interceptors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Pipeline{interceptors: sorted}
}

// Execute drives one invocation through the chain. The returned response is
// never nil and its Err field is always a normalized *Error on failure.
func (p *Pipeline) Execute(c *Context) *Response {
	if c.Ctx == nil {
		c.Ctx = context.Background()
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	resp, err := p.chain(0)(c)
	if resp == nil {
		resp = &Response{}
	}
	if err != nil && resp.Err == nil {
		resp.Err = Normalize(c.StepId, err)
	}
	return resp
}

func (p *Pipeline) chain(idx int) Next {
	if idx >= len(p.interceptors) {
		return func(c *Context) (*Response, error) {
			return nil, NewError(ERR_EXECUTION, c.StepId, "pipeline chain exhausted without a terminal stage")
		}
	}
	return func(c *Context) (*Response, error) {
		return p.interceptors[idx].Handle(c, p.chain(idx+1))
	}
}
