package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = "" // to hide stacktrace info
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	core := zapcore.NewTee(zapcore.NewCore(fileEncoder, writer, zapcore.InfoLevel))
	logger := zap.New(core)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   logger,
	}, nil
}

func (lc *LogFileDataCollector) RecordStepSuccess(wfName string, executionId string, stepId string, retryCount int, result any) {
	lc.logger.Info("success", zap.String("workflow", wfName), zap.String("executionId", executionId), zap.String("step", stepId), zap.Int("retries", retryCount), zap.Any("result", result))
}

func (lc *LogFileDataCollector) RecordStepFailure(wfName string, executionId string, stepId string, retryCount int, reason string) {
	lc.logger.Info("failure", zap.String("workflow", wfName), zap.String("executionId", executionId), zap.String("step", stepId), zap.Int("retries", retryCount), zap.String("reason", reason))
}
