package model

import "time"

type ExecutionStatus string

const EXECUTION_PENDING ExecutionStatus = "pending"
const EXECUTION_RUNNING ExecutionStatus = "running"
const EXECUTION_COMPLETED ExecutionStatus = "completed"
const EXECUTION_FAILED ExecutionStatus = "failed"
const EXECUTION_CANCELLED ExecutionStatus = "cancelled"

type StepStatus string

const STEP_PENDING StepStatus = "pending"
const STEP_RUNNING StepStatus = "running"
const STEP_COMPLETED StepStatus = "completed"
const STEP_FAILED StepStatus = "failed"
const STEP_SKIPPED StepStatus = "skipped"

type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type StepResult struct {
	StepId         string       `json:"stepId"`
	Status         StepStatus   `json:"status"`
	Result         any          `json:"result"`
	Error          *ErrorDetail `json:"error,omitempty"`
	DurationMillis int64        `json:"durationMillis"`
	RetryCount     int          `json:"retryCount"`
}

type ExecutionRecord struct {
	ExecutionId  string                 `json:"executionId"`
	WorkflowName string                 `json:"workflowName"`
	Status       ExecutionStatus        `json:"status"`
	StartTime    time.Time              `json:"startTime"`
	EndTime      time.Time              `json:"endTime,omitempty"`
	Steps        map[string]*StepResult `json:"steps"`
	FinalResult  map[string]any         `json:"finalResult,omitempty"`
	FailedStepId string                 `json:"failedStepId,omitempty"`
}

func (r *ExecutionRecord) Terminal() bool {
	switch r.Status {
	case EXECUTION_COMPLETED, EXECUTION_FAILED, EXECUTION_CANCELLED:
		return true
	}
	return false
}

type StepEvent struct {
	ExecutionId string       `json:"executionId"`
	StepId      string       `json:"stepId"`
	Wave        int          `json:"wave"`
	Status      StepStatus   `json:"status"`
	Result      any          `json:"result,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}
