package builtin

import (
	"context"
	"fmt"

	"workhub/internal/entity"
	"workhub/internal/tools"

	"gorm.io/gorm"
)

// ProjectFinancialsTool 汇总项目预算与工单预算
type ProjectFinancialsTool struct {
	db *gorm.DB
}

// NewProjectFinancialsTool 创建项目财务工具
func NewProjectFinancialsTool(db *gorm.DB) *ProjectFinancialsTool {
	return &ProjectFinancialsTool{db: db}
}

func (t *ProjectFinancialsTool) Name() string        { return "get_project_financials" }
func (t *ProjectFinancialsTool) Category() string    { return tools.CategoryFinancial }
func (t *ProjectFinancialsTool) Description() string { return "汇总项目预算、已分配工单预算与剩余额度" }

func (t *ProjectFinancialsTool) Parameters() map[string]any {
	return objectSchema([]string{"project_id"}, map[string]any{
		"project_id": prop("string", "项目 ID"),
	})
}

func (t *ProjectFinancialsTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	projectID, err := requiredString(params, "project_id")
	if err != nil {
		return nil, err
	}

	var project entity.Project
	if err := t.db.WithContext(ctx).Where("id = ?", projectID).First(&project).Error; err != nil {
		return nil, fmt.Errorf("项目不存在: %w", err)
	}

	var agg struct {
		Allocated float64
		Count     int64
	}
	err = t.db.WithContext(ctx).Model(&entity.WorkOrder{}).
		Select("COALESCE(SUM(budget), 0) AS allocated, COUNT(*) AS count").
		Where("project_id = ?", projectID).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("汇总工单预算失败: %w", err)
	}

	return map[string]any{
		"project_id":       project.ID,
		"budget":           project.Budget,
		"allocated":        agg.Allocated,
		"remaining":        project.Budget - agg.Allocated,
		"work_order_count": agg.Count,
	}, nil
}
