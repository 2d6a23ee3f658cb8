package model

type StepKind string

const STEP_KIND_AGENT StepKind = "agent"
const STEP_KIND_TOOL StepKind = "tool"
const STEP_KIND_CONDITION StepKind = "condition"
const STEP_KIND_TRANSFORM StepKind = "transform"

type ErrorStrategy string

const ERROR_STRATEGY_FAIL_FAST ErrorStrategy = "fail_fast"
const ERROR_STRATEGY_CONTINUE ErrorStrategy = "continue"

type RetryPolicy struct {
	MaxRetries     int  `json:"maxRetries"`
	BackoffSeconds int  `json:"backoffSeconds"`
	Jitter         bool `json:"jitter"`
}

type WorkflowDefinition struct {
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Steps          []StepDefinition `json:"steps"`
	Variables      map[string]any   `json:"variables"`
	TimeoutSeconds int              `json:"timeoutSeconds"`
	DefaultRetry   RetryPolicy      `json:"defaultRetry"`
	ErrorStrategy  ErrorStrategy    `json:"errorStrategy"`
}

type StepDefinition struct {
	Id             string       `json:"id"`
	Kind           StepKind     `json:"kind"`
	DependsOn      []string     `json:"dependsOn"`
	Input          any          `json:"input"`
	TimeoutSeconds int          `json:"timeoutSeconds"`
	Retry          *RetryPolicy `json:"retry"`
	AgentId        string       `json:"agentId"`
	ToolName       string       `json:"toolName"`
	Expression     string       `json:"expression"`
	WhenTrue       string       `json:"whenTrue"`
	WhenFalse      string       `json:"whenFalse"`
	Transform      string       `json:"transform"`
}

// RetryFor returns the effective retry policy for a step, falling back to
// the workflow default when the step carries no override.
func (wf *WorkflowDefinition) RetryFor(step *StepDefinition) RetryPolicy {
	if step.Retry != nil {
		return *step.Retry
	}
	return wf.DefaultRetry
}

type RunMode string

const RUN_MODE_SYNC RunMode = "sync"
const RUN_MODE_ASYNC RunMode = "async"
const RUN_MODE_STREAM RunMode = "stream"

type WorkflowRunRequest struct {
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	UserId    string         `json:"userId"`
	SessionId string         `json:"sessionId"`
	Mode      RunMode        `json:"mode"`
}
