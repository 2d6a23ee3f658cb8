package redis

import (
	"context"

	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/metadata"
	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/persistence"
	"github.com/flowgrid/flowgrid/util"
	"go.uber.org/zap"
)

const WORKFLOW_DEF string = "WORKFLOW"

var _ metadata.Storage = new(redisMetadataStorage)

type redisMetadataStorage struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.WorkflowDefinition]
}

func NewRedisMetadataStorage(conf Config) *redisMetadataStorage {
	return &redisMetadataStorage{
		baseDao:        newBaseDao(conf),
		encoderDecoder: util.NewJsonEncoderDecoder[model.WorkflowDefinition](),
	}
}

func (rfd *redisMetadataStorage) SaveWorkflowDefinition(wf model.WorkflowDefinition) error {
	data, err := rfd.encoderDecoder.Encode(wf)
	if err != nil {
		return err
	}
	key := rfd.baseDao.getNamespaceKey(WORKFLOW_DEF)
	ctx := context.Background()
	if err := rfd.baseDao.redisClient.HSet(ctx, key, []string{wf.Name, string(data)}).Err(); err != nil {
		logger.Error("error in saving workflow definition", zap.String("workflow", wf.Name), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rfd *redisMetadataStorage) DeleteWorkflowDefinition(name string) error {
	key := rfd.baseDao.getNamespaceKey(WORKFLOW_DEF)
	ctx := context.Background()
	if err := rfd.baseDao.redisClient.HDel(ctx, key, name).Err(); err != nil {
		logger.Error("error in deleting workflow definition", zap.String("workflow", name), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rfd *redisMetadataStorage) GetWorkflowDefinition(name string) (*model.WorkflowDefinition, error) {
	key := rfd.baseDao.getNamespaceKey(WORKFLOW_DEF)
	ctx := context.Background()
	wfStr, err := rfd.baseDao.redisClient.HGet(ctx, key, name).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rfd.encoderDecoder.Decode([]byte(wfStr))
}
