package metadata

import (
	"fmt"
	"sync"

	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/util"
)

var _ Storage = new(inMemoryStorage)

type inMemoryStorage struct {
	mu             sync.RWMutex
	definitions    map[string][]byte
	encoderDecoder util.EncoderDecoder[model.WorkflowDefinition]
}

func NewInMemoryStorage() *inMemoryStorage {
	return &inMemoryStorage{
		definitions:    make(map[string][]byte),
		encoderDecoder: util.NewJsonEncoderDecoder[model.WorkflowDefinition](),
	}
}

func (s *inMemoryStorage) SaveWorkflowDefinition(wf model.WorkflowDefinition) error {
	data, err := s.encoderDecoder.Encode(wf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[wf.Name] = data
	return nil
}

func (s *inMemoryStorage) DeleteWorkflowDefinition(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.definitions, name)
	return nil
}

func (s *inMemoryStorage) GetWorkflowDefinition(name string) (*model.WorkflowDefinition, error) {
	s.mu.RLock()
	data, ok := s.definitions[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %s does not exist", name)
	}
	return s.encoderDecoder.Decode(data)
}
