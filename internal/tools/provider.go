package tools

import (
	"context"

	"workhub/internal/agent"
)

// DefinitionProvider 抽象工具定义提供方,便于上层通过接口依赖而非具体实现
type DefinitionProvider interface {
	GetDefinition(name string) (*ToolDefinition, bool)
	List() []*ToolDefinition
	ListByCategory(category string) []*ToolDefinition
}

// ExecutionProvider 抽象工具执行方,用于统一调用入口
type ExecutionProvider interface {
	Execute(ctx context.Context, a *agent.Agent, cfg *agent.AgentConfiguration, toolName string, params map[string]any, opts ...ExecOption) (*ToolResult, error)
}

var (
	_ DefinitionProvider = (*ToolRegistry)(nil)
	_ ExecutionProvider  = (*Gateway)(nil)
)
