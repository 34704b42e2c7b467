package tools

import (
	"workhub/internal/agent"
)

// 需要人工审批的动作类别
const (
	ActionExternalSends = "external_sends"
	ActionFinancial     = "financial"
	ActionContracts     = "contracts"
	ActionScopeChanges  = "scope_changes"
)

// PermissionService 工具权限判定（纯函数，无副作用）
type PermissionService struct{}

// NewPermissionService 创建权限服务
func NewPermissionService() *PermissionService {
	return &PermissionService{}
}

// CanExecuteTool 判断配置是否授予工具所属类别的权限
// 单工具覆盖优先；没有对应开关的类别默认允许
func (s *PermissionService) CanExecuteTool(cfg *agent.AgentConfiguration, toolName, category string) bool {
	if cfg == nil {
		return false
	}
	if allowed, ok := cfg.ToolPermissions[toolName]; ok {
		return allowed
	}

	switch category {
	case CategoryWorkOrders:
		return cfg.CanCreateWorkOrders
	case CategoryTasks:
		return cfg.CanModifyTasks
	case CategoryClient:
		return cfg.CanAccessClientData
	case CategoryEmail:
		return cfg.CanSendEmails
	case CategoryDeliverables:
		return cfg.CanModifyDeliverables
	case CategoryFinancial:
		return cfg.CanAccessFinancialData
	case CategoryPlaybooks:
		return cfg.CanModifyPlaybooks
	default:
		return true
	}
}

// RequiresHumanApproval 判断动作类别在团队策略下是否必须人工审批
// 未匹配的类别默认不需要
func (s *PermissionService) RequiresHumanApproval(actionClass string, settings *agent.GlobalAISettings) bool {
	if settings == nil {
		return false
	}
	switch actionClass {
	case ActionExternalSends:
		return settings.ApprovalExternalSends
	case ActionFinancial:
		return settings.ApprovalFinancial
	case ActionContracts:
		return settings.ApprovalContracts
	case ActionScopeChanges:
		return settings.ApprovalScopeChanges
	default:
		return false
	}
}

// AllowedTools 过滤出配置允许的工具名
func (s *PermissionService) AllowedTools(cfg *agent.AgentConfiguration, registry DefinitionProvider, candidates []string) []string {
	allowed := make([]string, 0, len(candidates))
	for _, name := range candidates {
		def, ok := registry.GetDefinition(name)
		if !ok {
			continue
		}
		if s.CanExecuteTool(cfg, name, def.PermissionCategory()) {
			allowed = append(allowed, name)
		}
	}
	return allowed
}
