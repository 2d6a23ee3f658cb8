package persistence

import (
	"fmt"
	"sync"

	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/util"
)

var _ ExecutionDao = new(inMemoryExecutionDao)

// inMemoryExecutionDao keeps records as encoded snapshots so that callers
// never share mutable state with the dao.
type inMemoryExecutionDao struct {
	mu             sync.RWMutex
	records        map[string][]byte
	encoderDecoder util.EncoderDecoder[model.ExecutionRecord]
}

func NewInMemoryExecutionDao() *inMemoryExecutionDao {
	return &inMemoryExecutionDao{
		records:        make(map[string][]byte),
		encoderDecoder: util.NewJsonEncoderDecoder[model.ExecutionRecord](),
	}
}

func (d *inMemoryExecutionDao) SaveExecution(rec *model.ExecutionRecord) error {
	data, err := d.encoderDecoder.Encode(*rec)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[rec.ExecutionId] = data
	return nil
}

func (d *inMemoryExecutionDao) GetExecution(executionId string) (*model.ExecutionRecord, error) {
	d.mu.RLock()
	data, ok := d.records[executionId]
	d.mu.RUnlock()
	if !ok {
		return nil, StorageLayerError{Message: fmt.Sprintf("execution %s not found", executionId)}
	}
	return d.encoderDecoder.Decode(data)
}

func (d *inMemoryExecutionDao) DeleteExecution(executionId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, executionId)
	return nil
}
