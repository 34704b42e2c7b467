package builtin

import (
	"workhub/internal/memory"
	"workhub/internal/tools"

	"gorm.io/gorm"
)

// Dependencies 内置工具依赖
type Dependencies struct {
	DB     *gorm.DB
	Memory *memory.Service
	Email  EmailConfig
}

// RegisterAll 注册所有内置工具
func RegisterAll(registry *tools.ToolRegistry, deps Dependencies) {
	// 工单
	registry.Register(NewListWorkOrdersTool(deps.DB))
	registry.Register(NewCreateWorkOrderTool(deps.DB))
	registry.Register(NewUpdateWorkOrderStatusTool(deps.DB))

	// 客户与财务
	registry.Register(NewClientProfileTool(deps.DB))
	registry.Register(NewProjectFinancialsTool(deps.DB))

	registry.Register(NewEmailTool(deps.DB, deps.Email))

	if deps.Memory != nil {
		registry.Register(NewSaveMemoryTool(deps.Memory))
		registry.Register(NewRecallMemoryTool(deps.Memory))
	}
}
