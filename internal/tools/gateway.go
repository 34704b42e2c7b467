package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"workhub/internal/agent"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// 工具执行结果状态
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusDenied  = "denied"
)

// ToolResult 工具执行结果
// NotFound / PermissionDenied / 执行异常都以结果形式返回，不抛出
type ToolResult struct {
	Success       bool           `json:"success"`
	Status        string         `json:"status"`
	ToolName      string         `json:"tool"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	ActivityLogID string         `json:"activity_log_id,omitempty"`
}

// IsDenied 是否因权限被拒绝
func (r *ToolResult) IsDenied() bool {
	return r != nil && r.Status == StatusDenied
}

// ActivityRecorder 活动日志写入接口
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, log *agent.AgentActivityLog) error
}

// Gateway 工具调用的唯一入口：权限校验 -> 调用 -> 记录日志
type Gateway struct {
	registry    *ToolRegistry
	permissions *PermissionService
	activity    ActivityRecorder
	metrics     *ToolMetrics
	logger      *zap.Logger
	tracer      trace.Tracer
	timeout     time.Duration
}

// GatewayOption 自定义配置
type GatewayOption func(*Gateway)

// WithGatewayLogger 注入日志器
func WithGatewayLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithToolMetrics 注入统计器
func WithToolMetrics(m *ToolMetrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithToolTimeout 单次工具调用超时
func WithToolTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGateway 创建工具网关
func NewGateway(registry *ToolRegistry, permissions *PermissionService, activity ActivityRecorder, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:    registry,
		permissions: permissions,
		activity:    activity,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("workhub/internal/tools"),
		timeout:     30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.permissions == nil {
		g.permissions = NewPermissionService()
	}
	return g
}

// Registry 返回注册表
func (g *Gateway) Registry() *ToolRegistry {
	return g.registry
}

// ExecOptions 单次调用的附加信息
type ExecOptions struct {
	WorkflowStateID *string
}

// ExecOption 调用选项
type ExecOption func(*ExecOptions)

// WithWorkflowState 关联到某个工作流状态
func WithWorkflowState(id string) ExecOption {
	return func(o *ExecOptions) {
		if id != "" {
			o.WorkflowStateID = &id
		}
	}
}

// Execute 执行工具
// 返回的 error 只代表基础设施故障（如活动日志无法写入）
func (g *Gateway) Execute(ctx context.Context, a *agent.Agent, cfg *agent.AgentConfiguration, toolName string, params map[string]any, opts ...ExecOption) (*ToolResult, error) {
	options := &ExecOptions{}
	for _, opt := range opts {
		opt(options)
	}

	ctx, span := g.tracer.Start(ctx, "ToolGateway.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("tool_name", toolName))

	start := time.Now()
	result := g.run(ctx, cfg, toolName, params)
	result.DurationMs = time.Since(start).Milliseconds()

	if result.Status != StatusSuccess {
		span.SetStatus(codes.Error, result.Error)
	}
	g.metrics.Record(toolName, result.Status, time.Since(start), result.Error)

	logFields := []zap.Field{
		zap.String("tool", toolName),
		zap.String("status", result.Status),
		zap.Int64("duration_ms", result.DurationMs),
	}
	if a != nil {
		logFields = append(logFields, zap.String("agent_id", a.ID))
	}
	switch result.Status {
	case StatusSuccess:
		g.logger.Info("工具执行成功", logFields...)
	case StatusDenied:
		g.logger.Warn("工具执行被拒绝", append(logFields, zap.String("error", result.Error))...)
	default:
		g.logger.Warn("工具执行失败", append(logFields, zap.String("error", result.Error))...)
	}

	logID, err := g.recordActivity(ctx, a, cfg, toolName, params, result, options)
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	result.ActivityLogID = logID
	return result, nil
}

// run 依次执行：查找 -> 权限 -> 调用
func (g *Gateway) run(ctx context.Context, cfg *agent.AgentConfiguration, toolName string, params map[string]any) *ToolResult {
	tool, err := g.registry.Get(toolName)
	if err != nil {
		msg := fmt.Sprintf("tool not found: %s", toolName)
		if errors.Is(err, ErrNoImplementation) {
			msg = fmt.Sprintf("tool %s has no implementation", toolName)
		}
		return &ToolResult{Status: StatusFailed, ToolName: toolName, Error: msg}
	}

	category := tool.Category()
	if def, ok := g.registry.GetDefinition(toolName); ok {
		category = def.PermissionCategory()
	}
	if !g.permissions.CanExecuteTool(cfg, toolName, category) {
		return &ToolResult{
			Status:   StatusDenied,
			ToolName: toolName,
			Error:    fmt.Sprintf("Permission denied: agent lacks %s permission for tool %s", category, toolName),
		}
	}

	data, err := g.invoke(ctx, tool, params)
	if err != nil {
		return &ToolResult{Status: StatusFailed, ToolName: toolName, Error: err.Error()}
	}
	return &ToolResult{Success: true, Status: StatusSuccess, ToolName: toolName, Data: data}
}

// invoke 带超时调用工具，panic 转为错误
func (g *Gateway) invoke(ctx context.Context, tool Tool, params map[string]any) (data map[string]any, err error) {
	execCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()

	if params == nil {
		params = map[string]any{}
	}
	return tool.Execute(execCtx, params)
}

func (g *Gateway) recordActivity(ctx context.Context, a *agent.Agent, cfg *agent.AgentConfiguration, toolName string, params map[string]any, result *ToolResult, options *ExecOptions) (string, error) {
	if g.activity == nil {
		return "", nil
	}

	call := agent.ToolCallRecord{
		Tool:       toolName,
		Params:     params,
		Status:     result.Status,
		DurationMs: result.DurationMs,
	}
	if result.Status == StatusSuccess {
		call.Result = result.Data
	} else {
		call.Error = result.Error
	}

	entry := &agent.AgentActivityLog{
		RunType:         agent.RunTypeToolExecution,
		Status:          result.Status,
		InputSummary:    summarize(map[string]any{"tool": toolName, "params": params}),
		OutputSummary:   result.Status,
		ToolCalls:       []agent.ToolCallRecord{call},
		DurationMs:      result.DurationMs,
		WorkflowStateID: options.WorkflowStateID,
	}
	if result.Error != "" {
		entry.OutputSummary = result.Status + ": " + result.Error
	}
	if a != nil {
		entry.AgentID = a.ID
	}
	if cfg != nil {
		entry.TeamID = cfg.TeamID
		if entry.AgentID == "" {
			entry.AgentID = cfg.AgentID
		}
	}

	if err := g.activity.RecordActivity(ctx, entry); err != nil {
		g.logger.Error("写入工具活动日志失败", zap.String("tool", toolName), zap.Error(err))
		return "", err
	}
	return entry.ID, nil
}

// BatchCall 批量调用请求
type BatchCall struct {
	ToolName string
	Params   map[string]any
}

// ExecuteBatch 并行执行多个工具调用，结果顺序与请求一致
func (g *Gateway) ExecuteBatch(ctx context.Context, a *agent.Agent, cfg *agent.AgentConfiguration, calls []BatchCall, opts ...ExecOption) ([]*ToolResult, error) {
	results := make([]*ToolResult, len(calls))
	errs := make([]error, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c BatchCall) {
			defer wg.Done()
			results[idx], errs[idx] = g.Execute(ctx, a, cfg, c.ToolName, c.Params, opts...)
		}(i, call)
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

const maxSummaryLen = 500

func summarize(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	if len(data) > maxSummaryLen {
		return string(data[:maxSummaryLen]) + "..."
	}
	return string(data)
}
