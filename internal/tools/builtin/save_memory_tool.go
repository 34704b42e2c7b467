package builtin

import (
	"context"
	"fmt"

	"workhub/internal/memory"
	"workhub/internal/tools"
)

// SaveMemoryTool 记忆保存工具
type SaveMemoryTool struct {
	memory *memory.Service
}

// NewSaveMemoryTool 创建记忆保存工具
func NewSaveMemoryTool(svc *memory.Service) *SaveMemoryTool {
	return &SaveMemoryTool{memory: svc}
}

func (t *SaveMemoryTool) Name() string     { return "save_memory" }
func (t *SaveMemoryTool) Category() string { return tools.CategoryGeneral }

func (t *SaveMemoryTool) Description() string {
	return "把信息保存到项目、客户或组织范围的记忆中，可设置过期时间"
}

func (t *SaveMemoryTool) Parameters() map[string]any {
	return objectSchema([]string{"team_id", "scope", "scope_id", "key", "value"}, map[string]any{
		"team_id":     prop("string", "团队 ID"),
		"scope":       map[string]any{"type": "string", "enum": []string{"project", "client", "org", "chain"}},
		"scope_id":    prop("string", "范围对象 ID"),
		"key":         prop("string", "记忆键"),
		"value":       map[string]any{"description": "任意 JSON 值"},
		"ttl_minutes": prop("integer", "过期分钟数（可选）"),
		"agent_id":    prop("string", "写入者（可选）"),
	})
}

func (t *SaveMemoryTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	teamID, err := requiredString(params, "team_id")
	if err != nil {
		return nil, err
	}
	scopeName, err := requiredString(params, "scope")
	if err != nil {
		return nil, err
	}
	scope, err := memory.ParseScope(scopeName)
	if err != nil {
		return nil, err
	}
	scopeID, err := requiredString(params, "scope_id")
	if err != nil {
		return nil, err
	}
	key, err := requiredString(params, "key")
	if err != nil {
		return nil, err
	}
	value, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("缺少必需参数: value")
	}

	opts := []memory.StoreOption{memory.WithAgent(optionalString(params, "agent_id"))}
	if ttl := optionalInt(params, "ttl_minutes", 0); ttl > 0 {
		opts = append(opts, memory.WithTTL(ttl))
	}

	record, err := t.memory.Store(ctx, teamID, scope, scopeID, key, value, opts...)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"memory_id": record.ID,
		"scope":     string(scope),
		"key":       key,
	}
	if record.ExpiresAt != nil {
		result["expires_at"] = record.ExpiresAt
	}
	return result, nil
}

// RecallMemoryTool 记忆读取工具
type RecallMemoryTool struct {
	memory *memory.Service
}

// NewRecallMemoryTool 创建记忆读取工具
func NewRecallMemoryTool(svc *memory.Service) *RecallMemoryTool {
	return &RecallMemoryTool{memory: svc}
}

func (t *RecallMemoryTool) Name() string        { return "recall_memory" }
func (t *RecallMemoryTool) Category() string    { return tools.CategoryGeneral }
func (t *RecallMemoryTool) Description() string { return "读取已保存的记忆，过期或不存在时返回 found=false" }

func (t *RecallMemoryTool) Parameters() map[string]any {
	return objectSchema([]string{"team_id", "scope", "scope_id", "key"}, map[string]any{
		"team_id":  prop("string", "团队 ID"),
		"scope":    map[string]any{"type": "string", "enum": []string{"project", "client", "org", "chain"}},
		"scope_id": prop("string", "范围对象 ID"),
		"key":      prop("string", "记忆键"),
	})
}

func (t *RecallMemoryTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	teamID, err := requiredString(params, "team_id")
	if err != nil {
		return nil, err
	}
	scopeName, err := requiredString(params, "scope")
	if err != nil {
		return nil, err
	}
	scope, err := memory.ParseScope(scopeName)
	if err != nil {
		return nil, err
	}
	scopeID, err := requiredString(params, "scope_id")
	if err != nil {
		return nil, err
	}
	key, err := requiredString(params, "key")
	if err != nil {
		return nil, err
	}

	value, found, err := t.memory.Retrieve(ctx, teamID, scope, scopeID, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"found": found, "key": key, "value": value}, nil
}
