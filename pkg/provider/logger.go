package provider

import "go.uber.org/zap"

// zapLeveled adapts zap to retryablehttp.LeveledLogger.
type zapLeveled struct {
	log *zap.Logger
}

func (l zapLeveled) Error(msg string, kv ...interface{}) { l.log.Sugar().Errorw(msg, kv...) }
func (l zapLeveled) Info(msg string, kv ...interface{})  { l.log.Sugar().Debugw(msg, kv...) }
func (l zapLeveled) Debug(msg string, kv ...interface{}) { l.log.Sugar().Debugw(msg, kv...) }
func (l zapLeveled) Warn(msg string, kv ...interface{})  { l.log.Sugar().Warnw(msg, kv...) }
