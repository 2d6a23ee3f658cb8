package metadata

import "github.com/flowgrid/flowgrid/model"

type Storage interface {
	SaveWorkflowDefinition(wf model.WorkflowDefinition) error
	DeleteWorkflowDefinition(name string) error
	GetWorkflowDefinition(name string) (*model.WorkflowDefinition, error)
}
