package metadata

import (
	"time"

	"github.com/flowgrid/flowgrid/flow"
	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/registry"
	cache "github.com/patrickmn/go-cache"
)

type Service interface {
	// GetFlow returns the compiled flow for a stored workflow definition.
	// Compiled flows are cached until the definition changes.
	GetFlow(name string) (*flow.Flow, error)
	ValidateWorkflow(wf model.WorkflowDefinition) error
	SaveWorkflow(wf model.WorkflowDefinition) error
	DeleteWorkflow(name string) error
	GetStorage() Storage
}

var _ Service = new(serviceImpl)

type serviceImpl struct {
	storage  Storage
	registry *registry.Registry
	compiled *cache.Cache
}

func NewService(storage Storage, reg *registry.Registry) Service {
	return &serviceImpl{
		storage:  storage,
		registry: reg,
		compiled: cache.New(10*time.Minute, 30*time.Minute),
	}
}

func (s *serviceImpl) GetFlow(name string) (*flow.Flow, error) {
	if cached, ok := s.compiled.Get(name); ok {
		return cached.(*flow.Flow), nil
	}
	wf, err := s.storage.GetWorkflowDefinition(name)
	if err != nil {
		return nil, err
	}
	fl, err := flow.Build(wf, s.registry)
	if err != nil {
		return nil, err
	}
	s.compiled.SetDefault(name, fl)
	return fl, nil
}

// ValidateWorkflow compiles the definition against the current registry.
// Compilation covers the structural checks: unique step ids, known kinds,
// resolvable dependencies, registered agents and tools, parsable condition
// expressions and the absence of dependency cycles.
func (s *serviceImpl) ValidateWorkflow(wf model.WorkflowDefinition) error {
	_, err := flow.Build(&wf, s.registry)
	return err
}

func (s *serviceImpl) SaveWorkflow(wf model.WorkflowDefinition) error {
	if err := s.ValidateWorkflow(wf); err != nil {
		return err
	}
	if err := s.storage.SaveWorkflowDefinition(wf); err != nil {
		return err
	}
	s.compiled.Delete(wf.Name)
	return nil
}

func (s *serviceImpl) DeleteWorkflow(name string) error {
	if err := s.storage.DeleteWorkflowDefinition(name); err != nil {
		return err
	}
	s.compiled.Delete(name)
	return nil
}

func (s *serviceImpl) GetStorage() Storage {
	return s.storage
}
