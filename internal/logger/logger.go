package logger

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger *zap.Logger

type contextKey string

const (
	traceIDKey     contextKey = "trace_id"
	teamIDKey      contextKey = "team_id"
	executionIDKey contextKey = "execution_id"
)

// New 按级别、格式与输出位置构建 Logger；无法识别的级别按 info 处理
func New(level, format, outputPath string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	writer, err := openWriter(outputPath)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, writer, zapLevel)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func openWriter(outputPath string) (zapcore.WriteSyncer, error) {
	switch outputPath {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	return zapcore.AddSync(file), nil
}

// Init 初始化全局 Logger
func Init(level, format, outputPath string) error {
	l, err := New(level, format, outputPath)
	if err != nil {
		return err
	}
	globalLogger = l
	return nil
}

// Set 替换全局 Logger（测试与嵌入场景）
func Set(l *zap.Logger) {
	globalLogger = l
}

// Get 获取全局 Logger
func Get() *zap.Logger {
	if globalLogger == nil {
		panic("日志系统未初始化，请先调用 Init()")
	}
	return globalLogger
}

// WithTraceID 创建带 TraceID 的上下文
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID 从上下文获取 TraceID，没有显式设置时取 otel span 的 trace id
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTeamID 在上下文中记录团队
func WithTeamID(ctx context.Context, teamID string) context.Context {
	return context.WithValue(ctx, teamIDKey, teamID)
}

// GetTeamID 从上下文获取团队
func GetTeamID(ctx context.Context) string {
	teamID, _ := ctx.Value(teamIDKey).(string)
	return teamID
}

// WithExecutionID 在上下文中记录链执行
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// GetExecutionID 从上下文获取链执行
func GetExecutionID(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey).(string)
	return id
}

// Fields 上下文中已知的关联字段
func Fields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if v := GetTraceID(ctx); v != "" {
		fields = append(fields, zap.String("trace_id", v))
	}
	if v := GetTeamID(ctx); v != "" {
		fields = append(fields, zap.String("team_id", v))
	}
	if v := GetExecutionID(ctx); v != "" {
		fields = append(fields, zap.String("execution_id", v))
	}
	return fields
}

// With 在给定 Logger 上附加上下文字段
func With(base *zap.Logger, ctx context.Context) *zap.Logger {
	if fields := Fields(ctx); len(fields) > 0 {
		return base.With(fields...)
	}
	return base
}

// WithContext 全局 Logger 附加上下文字段
func WithContext(ctx context.Context) *zap.Logger {
	return With(Get(), ctx)
}

// Sync 刷新日志缓冲区
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
