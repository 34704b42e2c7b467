package builtin

import (
	"context"
	"fmt"

	"workhub/internal/entity"
	"workhub/internal/tools"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ListWorkOrdersTool 查询项目下的工单
type ListWorkOrdersTool struct {
	db *gorm.DB
}

// NewListWorkOrdersTool 创建工单查询工具
func NewListWorkOrdersTool(db *gorm.DB) *ListWorkOrdersTool {
	return &ListWorkOrdersTool{db: db}
}

func (t *ListWorkOrdersTool) Name() string        { return "list_work_orders" }
func (t *ListWorkOrdersTool) Category() string    { return tools.CategoryGeneral }
func (t *ListWorkOrdersTool) Description() string { return "列出项目下的工单，可按状态过滤" }

func (t *ListWorkOrdersTool) Parameters() map[string]any {
	return objectSchema([]string{"project_id"}, map[string]any{
		"project_id": prop("string", "项目 ID"),
		"status":     prop("string", "按状态过滤（可选）"),
		"limit":      prop("integer", "最多返回条数，默认 20"),
	})
}

func (t *ListWorkOrdersTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	projectID, err := requiredString(params, "project_id")
	if err != nil {
		return nil, err
	}

	query := t.db.WithContext(ctx).Where("project_id = ?", projectID)
	if status := optionalString(params, "status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var orders []entity.WorkOrder
	if err := query.Order("created_at DESC").Limit(optionalInt(params, "limit", 20)).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("查询工单失败: %w", err)
	}

	items := make([]any, 0, len(orders))
	for i := range orders {
		items = append(items, orders[i].Attributes())
	}
	return map[string]any{"work_orders": items, "count": len(items)}, nil
}

// CreateWorkOrderTool 创建工单
type CreateWorkOrderTool struct {
	db *gorm.DB
}

// NewCreateWorkOrderTool 创建工单创建工具
func NewCreateWorkOrderTool(db *gorm.DB) *CreateWorkOrderTool {
	return &CreateWorkOrderTool{db: db}
}

func (t *CreateWorkOrderTool) Name() string        { return "create_work_order" }
func (t *CreateWorkOrderTool) Category() string    { return tools.CategoryWorkOrders }
func (t *CreateWorkOrderTool) Description() string { return "在项目下创建一个草稿工单" }

func (t *CreateWorkOrderTool) Parameters() map[string]any {
	return objectSchema([]string{"project_id", "title"}, map[string]any{
		"project_id": prop("string", "项目 ID"),
		"title":      prop("string", "工单标题"),
		"priority":   prop("string", "优先级 low/medium/high"),
		"budget":     prop("number", "预算金额"),
		"tags": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	})
}

func (t *CreateWorkOrderTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	projectID, err := requiredString(params, "project_id")
	if err != nil {
		return nil, err
	}
	title, err := requiredString(params, "title")
	if err != nil {
		return nil, err
	}

	var project entity.Project
	if err := t.db.WithContext(ctx).Where("id = ?", projectID).First(&project).Error; err != nil {
		return nil, fmt.Errorf("项目不存在: %w", err)
	}

	order := &entity.WorkOrder{
		ID:        uuid.New().String(),
		TeamID:    project.TeamID,
		ProjectID: project.ID,
		Title:     title,
		Status:    "draft",
		Priority:  optionalString(params, "priority"),
		Budget:    optionalFloat(params, "budget"),
		Tags:      stringList(params, "tags"),
	}
	if err := t.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("创建工单失败: %w", err)
	}
	return order.Attributes(), nil
}

// UpdateWorkOrderStatusTool 修改工单状态
type UpdateWorkOrderStatusTool struct {
	db *gorm.DB
}

// NewUpdateWorkOrderStatusTool 创建工单状态修改工具
func NewUpdateWorkOrderStatusTool(db *gorm.DB) *UpdateWorkOrderStatusTool {
	return &UpdateWorkOrderStatusTool{db: db}
}

func (t *UpdateWorkOrderStatusTool) Name() string        { return "update_work_order_status" }
func (t *UpdateWorkOrderStatusTool) Category() string    { return tools.CategoryTasks }
func (t *UpdateWorkOrderStatusTool) Description() string { return "修改工单状态" }

func (t *UpdateWorkOrderStatusTool) Parameters() map[string]any {
	return objectSchema([]string{"work_order_id", "status"}, map[string]any{
		"work_order_id": prop("string", "工单 ID"),
		"status":        prop("string", "目标状态"),
	})
}

func (t *UpdateWorkOrderStatusTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	id, err := requiredString(params, "work_order_id")
	if err != nil {
		return nil, err
	}
	status, err := requiredString(params, "status")
	if err != nil {
		return nil, err
	}

	var order entity.WorkOrder
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, fmt.Errorf("工单不存在: %w", err)
	}
	previous := order.Status
	if err := t.db.WithContext(ctx).Model(&order).Update("status", status).Error; err != nil {
		return nil, fmt.Errorf("更新工单状态失败: %w", err)
	}
	return map[string]any{
		"work_order_id": order.ID,
		"from_status":   previous,
		"to_status":     status,
	}, nil
}
