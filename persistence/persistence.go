package persistence

import (
	"fmt"

	"github.com/flowgrid/flowgrid/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

// ExecutionDao is the durable sink for execution records. The controller
// writes behind it; reads during a run are served from memory, so the dao
// only has to be eventually consistent with the live record.
type ExecutionDao interface {
	SaveExecution(rec *model.ExecutionRecord) error

	GetExecution(executionId string) (*model.ExecutionRecord, error)

	DeleteExecution(executionId string) error
}
