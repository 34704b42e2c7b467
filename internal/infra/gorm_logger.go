package infra

import (
	"context"
	"errors"
	"time"

	"workhub/internal/logger"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

// GormZapLogger GORM 日志适配器（输出到 Zap）
type GormZapLogger struct {
	ZapLogger                 *zap.Logger
	LogLevel                  gormLogger.LogLevel
	SlowThreshold             time.Duration
	IgnoreRecordNotFoundError bool
}

// NewGormZapLogger 创建适配器；记录不存在不视为错误
func NewGormZapLogger(l *zap.Logger, level gormLogger.LogLevel, slow time.Duration) *GormZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &GormZapLogger{
		ZapLogger:                 l.Named("gorm"),
		LogLevel:                  level,
		SlowThreshold:             slow,
		IgnoreRecordNotFoundError: true,
	}
}

// LogMode 设置日志级别
func (l *GormZapLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormZapLogger) with(ctx context.Context) *zap.Logger {
	if traceID := logger.GetTraceID(ctx); traceID != "" {
		return l.ZapLogger.With(zap.String("trace_id", traceID))
	}
	return l.ZapLogger
}

// Info 日志
func (l *GormZapLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormLogger.Info {
		l.with(ctx).Sugar().Infof(msg, data...)
	}
}

// Warn 日志
func (l *GormZapLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormLogger.Warn {
		l.with(ctx).Sugar().Warnf(msg, data...)
	}
}

// Error 日志
func (l *GormZapLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormLogger.Error {
		l.with(ctx).Sugar().Errorf(msg, data...)
	}
}

// Trace SQL 执行日志
func (l *GormZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}
	log := l.with(ctx)

	if err != nil && (!errors.Is(err, gormLogger.ErrRecordNotFound) || !l.IgnoreRecordNotFoundError) {
		log.Error("SQL 执行错误", append(fields, zap.Error(err))...)
		return
	}
	if l.SlowThreshold > 0 && elapsed > l.SlowThreshold {
		log.Warn("SQL 慢查询", fields...)
		return
	}
	if l.LogLevel >= gormLogger.Info {
		log.Debug("SQL 执行", fields...)
	}
}
