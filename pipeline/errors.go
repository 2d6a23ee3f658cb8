package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/template"
)

type ErrorKind string

const ERR_RESOLUTION ErrorKind = "resolution"
const ERR_BUDGET_EXCEEDED ErrorKind = "budget_exceeded"
const ERR_EXECUTION ErrorKind = "execution"
const ERR_TIMEOUT ErrorKind = "timeout"
const ERR_CYCLE ErrorKind = "cycle"

// Error is the only error type allowed to cross a stage boundary on the way
// out of the pipeline. The engine decides retry/skip/abort from Kind alone,
// never from error text.
type Error struct {
	Kind    ErrorKind
	StepId  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.StepId != "" {
		return fmt.Sprintf("%s: step %s: %s", e.Kind, e.StepId, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the engine may re-attempt the step. Budget
// denials are permanent until the ledger window resets; resolution failures
// will not heal by retrying; cycles never reach execution.
func (e *Error) Retryable() bool {
	return e.Kind == ERR_EXECUTION || e.Kind == ERR_TIMEOUT
}

func (e *Error) Detail() *model.ErrorDetail {
	return &model.ErrorDetail{
		Kind:    string(e.Kind),
		Message: e.Message,
	}
}

func NewError(kind ErrorKind, stepId string, message string) *Error {
	return &Error{Kind: kind, StepId: stepId, Message: message}
}

// Normalize maps an arbitrary error to the pipeline taxonomy. Already typed
// errors pass through unchanged; deadline errors become timeouts; template
// resolution failures keep their own kind; everything else is an execution
// failure.
func Normalize(stepId string, err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		if perr.StepId == "" {
			perr.StepId = stepId
		}
		return perr
	}
	var rerr template.ResolutionError
	if errors.As(err, &rerr) {
		return &Error{Kind: ERR_RESOLUTION, StepId: stepId, Message: rerr.Error(), Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ERR_TIMEOUT, StepId: stepId, Message: err.Error(), Cause: err}
	}
	return &Error{Kind: ERR_EXECUTION, StepId: stepId, Message: err.Error(), Cause: err}
}
