package pipeline

import (
	"time"

	"github.com/flowgrid/flowgrid/budget"
	"github.com/flowgrid/flowgrid/cost"
	"github.com/flowgrid/flowgrid/model"
)

const metadataDenyReason = "denyReason"

const anonymousUser = "anonymous"

var _ Interceptor = new(budgetInterceptor)

// budgetInterceptor reserves estimated usage with the ledger before
// execution and reconciles the reservation with actual usage afterwards.
// A denial short-circuits the chain: the handler is never invoked. Only
// agent invocations consume tokens; tool requests pass through untouched.
type budgetInterceptor struct {
	ledger    *budget.Ledger
	counter   *cost.TokenCounter
	estimator *cost.Estimator
}

func NewBudgetInterceptor(ledger *budget.Ledger, counter *cost.TokenCounter, estimator *cost.Estimator) *budgetInterceptor {
	return &budgetInterceptor{
		ledger:    ledger,
		counter:   counter,
		estimator: estimator,
	}
}

func (i *budgetInterceptor) Name() string {
	return "budget"
}

func (i *budgetInterceptor) Priority() int {
	return PRIORITY_BUDGET
}

func (i *budgetInterceptor) Handle(c *Context, next Next) (*Response, error) {
	if c.Kind != model.STEP_KIND_AGENT || i.ledger == nil {
		c.Advance(STATE_BUDGET_CHECKED)
		return next(c)
	}
	promptEst, completionEst := i.estimateTokens(c)
	estCost := i.estimator.Estimate(c.ModelId, promptEst, completionEst)

	userId := c.UserId
	if userId == "" {
		userId = anonymousUser
	}
	sessionId := c.SessionId
	if sessionId == "" {
		sessionId = c.ExecutionId
	}
	key := budget.KeyFor(userId, sessionId, time.Now())

	decision := i.ledger.CheckAndReserve(key, promptEst+completionEst, estCost)
	if !decision.Allowed {
		c.Metadata[metadataDenyReason] = string(decision.Reason)
		return &Response{Err: &Error{
			Kind:    ERR_BUDGET_EXCEEDED,
			StepId:  c.StepId,
			Message: decision.Detail,
		}}, nil
	}
	c.Advance(STATE_BUDGET_CHECKED)
	reserved := model.NewUsageRecord(promptEst, completionEst, estCost, true)

	resp, err := next(c)

	actual := i.actualUsage(c, resp)
	i.ledger.Commit(key, reserved, actual)
	if resp != nil && resp.Usage == nil && resp.Err == nil {
		resp.Usage = actual
	}
	return resp, err
}

func (i *budgetInterceptor) estimateTokens(c *Context) (int, int) {
	if total, ok := c.Metadata[METADATA_ESTIMATED_TOKENS].(int); ok && total > 0 {
		half := total / 2
		return total - half, half
	}
	// Without a caller-supplied estimate, assume the completion costs about
	// as much as the rendered prompt.
	prompt := i.counter.CountTokens(c.Input)
	return prompt, prompt
}

// actualUsage extracts what really happened so Commit can reconcile the
// reservation. A failed or usage-less invocation commits zero usage, which
// releases the whole reservation. When the provider reported tokens but no
// cost, the estimator fills the gap.
func (i *budgetInterceptor) actualUsage(c *Context, resp *Response) *model.UsageRecord {
	if resp == nil || resp.Usage == nil {
		return model.NewUsageRecord(0, 0, 0, false)
	}
	usage := resp.Usage
	if usage.CostUSD == 0 && usage.TotalTokens > 0 {
		usage.CostUSD = i.estimator.Estimate(c.ModelId, usage.PromptTokens, usage.CompletionTokens)
		usage.Estimated = true
	}
	return usage
}
