package builtin

import (
	"context"
	"fmt"

	"workhub/internal/entity"
	"workhub/internal/tools"

	"gorm.io/gorm"
)

// ClientProfileTool 读取客户资料
type ClientProfileTool struct {
	db *gorm.DB
}

// NewClientProfileTool 创建客户资料工具
func NewClientProfileTool(db *gorm.DB) *ClientProfileTool {
	return &ClientProfileTool{db: db}
}

func (t *ClientProfileTool) Name() string        { return "get_client_profile" }
func (t *ClientProfileTool) Category() string    { return tools.CategoryClient }
func (t *ClientProfileTool) Description() string { return "读取客户资料与项目数量" }

func (t *ClientProfileTool) Parameters() map[string]any {
	return objectSchema([]string{"client_id"}, map[string]any{
		"client_id": prop("string", "客户 ID"),
	})
}

func (t *ClientProfileTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	id, err := requiredString(params, "client_id")
	if err != nil {
		return nil, err
	}

	var client entity.Client
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&client).Error; err != nil {
		return nil, fmt.Errorf("客户不存在: %w", err)
	}

	var projectCount int64
	if err := t.db.WithContext(ctx).Model(&entity.Project{}).Where("client_id = ?", id).Count(&projectCount).Error; err != nil {
		return nil, fmt.Errorf("统计客户项目失败: %w", err)
	}

	return map[string]any{
		"id":            client.ID,
		"name":          client.Name,
		"industry":      client.Industry,
		"email":         client.Email,
		"notes":         client.Notes,
		"project_count": projectCount,
	}, nil
}
