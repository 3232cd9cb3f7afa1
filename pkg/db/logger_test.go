package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm/logger"
)

func observed(level logger.LogLevel) (*ZapGormLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewZapGormLogger(zap.New(core), level, true), logs
}

func query(sql string) func() (string, int64) {
	return func() (string, int64) { return sql, 1 }
}

func TestTraceSlowQueryCarriesSpan(t *testing.T) {
	l, logs := observed(logger.Warn)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1},
		SpanID:  trace.SpanID{2},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Trace(ctx, time.Now().Add(-time.Second), query("SELECT 1"), nil)

	entries := logs.FilterMessage("gorm.slow_query").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "SELECT 1", fields["sql"])
	require.Equal(t, sc.TraceID().String(), fields["trace_id"])
}

func TestTraceIgnoresRecordNotFound(t *testing.T) {
	l, logs := observed(logger.Info)

	l.Trace(context.Background(), time.Now(), query("SELECT 1"), logger.ErrRecordNotFound)
	require.Zero(t, logs.FilterMessage("gorm.query").FilterField(zap.Error(logger.ErrRecordNotFound)).Len())

	l.Trace(context.Background(), time.Now(), query("SELECT 2"), errors.New("boom"))
	require.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestTraceSilent(t *testing.T) {
	l, logs := observed(logger.Silent)

	l.Trace(context.Background(), time.Now().Add(-time.Second), query("SELECT 1"), errors.New("boom"))
	require.Zero(t, logs.Len())
}
