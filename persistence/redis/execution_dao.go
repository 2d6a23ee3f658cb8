package redis

import (
	"context"

	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/persistence"
	"github.com/flowgrid/flowgrid/util"
)

const EXECUTION_KEY string = "EXECUTION"

var _ persistence.ExecutionDao = new(redisExecutionDao)

type redisExecutionDao struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.ExecutionRecord]
}

func NewRedisExecutionDao(conf Config) *redisExecutionDao {
	return &redisExecutionDao{
		baseDao:        newBaseDao(conf),
		encoderDecoder: util.NewJsonEncoderDecoder[model.ExecutionRecord](),
	}
}

func (r *redisExecutionDao) SaveExecution(rec *model.ExecutionRecord) error {
	key := r.baseDao.getNamespaceKey(EXECUTION_KEY)
	ctx := context.Background()
	data, err := r.encoderDecoder.Encode(*rec)
	if err != nil {
		return err
	}
	if err := r.baseDao.redisClient.HSet(ctx, key, []string{rec.ExecutionId, string(data)}).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisExecutionDao) GetExecution(executionId string) (*model.ExecutionRecord, error) {
	key := r.baseDao.getNamespaceKey(EXECUTION_KEY)
	ctx := context.Background()
	recStr, err := r.baseDao.redisClient.HGet(ctx, key, executionId).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.encoderDecoder.Decode([]byte(recStr))
}

func (r *redisExecutionDao) DeleteExecution(executionId string) error {
	key := r.baseDao.getNamespaceKey(EXECUTION_KEY)
	ctx := context.Background()
	if err := r.baseDao.redisClient.HDel(ctx, key, executionId).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
