package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.Logger

func init() {
	conf := zap.NewProductionConfig()
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := conf.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	log = l
}

// Configure replaces the process wide logger. Called once from main after
// config is loaded; the default production logger is used until then.
func Configure(level string) error {
	conf := zap.NewProductionConfig()
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return err
	}
	conf.Level = zap.NewAtomicLevelAt(lvl)
	l, err := conf.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	log = l
	return nil
}

func Info(msg string, fields ...zap.Field) {
	log.Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	log.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	log.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	log.Warn(msg, fields...)
}
