package agent

import (
	"time"

	"gorm.io/datatypes"
)

// Agent 可复用的智能体能力定义
// 运行期间不可变，由管理端维护
type Agent struct {
	ID          string   `json:"id" gorm:"primaryKey;type:uuid"`
	Code        string   `json:"code" gorm:"size:100;not null;uniqueIndex"` // 身份编码，如 pm-copilot
	Name        string   `json:"name" gorm:"size:255;not null"`
	Type        string   `json:"type" gorm:"size:50;not null"` // copilot, analyst, writer ...
	Description string   `json:"description" gorm:"type:text"`
	Tools       []string `json:"tools" gorm:"type:jsonb;serializer:json"` // 声明的工具能力
	TemplateID  *string  `json:"templateId,omitempty" gorm:"type:uuid;index"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// AgentTemplate 智能体模板
type AgentTemplate struct {
	ID           string         `json:"id" gorm:"primaryKey;type:uuid"`
	Code         string         `json:"code" gorm:"size:100;not null;uniqueIndex"`
	Name         string         `json:"name" gorm:"size:255;not null"`
	Type         string         `json:"type" gorm:"size:50;not null"`
	Description  string         `json:"description" gorm:"type:text"`
	DefaultTools []string       `json:"defaultTools" gorm:"type:jsonb;serializer:json"`
	DefaultLimit map[string]any `json:"defaultLimit" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// AgentConfiguration 团队维度的智能体绑定（每个 team+agent 唯一）
type AgentConfiguration struct {
	ID      string `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID  string `json:"teamId" gorm:"type:uuid;not null;uniqueIndex:idx_agent_config_team_agent"`
	AgentID string `json:"agentId" gorm:"type:uuid;not null;uniqueIndex:idx_agent_config_team_agent"`
	Enabled bool   `json:"enabled"`

	// 限额
	DailyRunLimit     int     `json:"dailyRunLimit" gorm:"default:0"`
	DailySpend        float64 `json:"dailySpend" gorm:"default:0"`
	MonthlyBudgetCap  float64 `json:"monthlyBudgetCap" gorm:"default:0"`
	CurrentMonthSpend float64 `json:"currentMonthSpend" gorm:"default:0"`

	// 工具类别权限
	CanCreateWorkOrders    bool `json:"canCreateWorkOrders" gorm:"default:false"`
	CanModifyTasks         bool `json:"canModifyTasks" gorm:"default:false"`
	CanAccessClientData    bool `json:"canAccessClientData" gorm:"default:false"`
	CanSendEmails          bool `json:"canSendEmails" gorm:"default:false"`
	CanModifyDeliverables  bool `json:"canModifyDeliverables" gorm:"default:false"`
	CanAccessFinancialData bool `json:"canAccessFinancialData" gorm:"default:false"`
	CanModifyPlaybooks     bool `json:"canModifyPlaybooks" gorm:"default:false"`

	// 单工具覆盖，优先级高于类别权限
	ToolPermissions map[string]bool `json:"toolPermissions" gorm:"type:jsonb;serializer:json"`

	Agent *Agent `json:"agent,omitempty" gorm:"foreignKey:AgentID"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// GlobalAISettings 团队级 AI 策略（每个团队单例）
type GlobalAISettings struct {
	ID                 string  `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID             string  `json:"teamId" gorm:"type:uuid;not null;uniqueIndex"`
	TotalMonthlyBudget float64 `json:"totalMonthlyBudget" gorm:"default:0"`
	CurrentSpend       float64 `json:"currentSpend" gorm:"default:0"`

	// 需要人工审批的动作类别
	ApprovalExternalSends bool `json:"approvalExternalSends"`
	ApprovalFinancial     bool `json:"approvalFinancial"`
	ApprovalContracts     bool `json:"approvalContracts"`
	ApprovalScopeChanges  bool `json:"approvalScopeChanges"`

	// 自动建议开关
	AutoSuggestPMCopilot bool `json:"autoSuggestPmCopilot" gorm:"default:false"`
	AutoSuggestDispatch  bool `json:"autoSuggestDispatch" gorm:"default:false"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// ToolCallRecord 单次工具调用记录
type ToolCallRecord struct {
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params"`
	Status     string         `json:"status"`
	DurationMs int64          `json:"duration_ms"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// 运行类型
const (
	RunTypeToolExecution = "tool_execution"
	RunTypeAgentRun      = "agent_run"
	RunTypeChainStep     = "chain_step"
)

// 活动结果
const (
	ActivitySuccess = "success"
	ActivityFailed  = "failed"
	ActivityDenied  = "denied"
)

// AgentActivityLog 工具执行或智能体运行的审计记录（只追加）
type AgentActivityLog struct {
	ID              string           `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID          string           `json:"teamId" gorm:"type:uuid;not null;index"`
	AgentID         string           `json:"agentId" gorm:"type:uuid;index"`
	WorkflowStateID *string          `json:"workflowStateId,omitempty" gorm:"type:uuid;index"`
	RunType         string           `json:"runType" gorm:"size:50;not null"`
	Status          string           `json:"status" gorm:"size:20;index"` // success, failed, denied
	InputSummary    string           `json:"inputSummary" gorm:"type:text"`
	OutputSummary   string           `json:"outputSummary" gorm:"type:text"`
	TokensUsed      int              `json:"tokensUsed" gorm:"default:0"`
	Cost            float64          `json:"cost" gorm:"default:0"`
	ApprovalStatus  string           `json:"approvalStatus" gorm:"size:50"`
	ToolCalls       []ToolCallRecord `json:"toolCalls" gorm:"type:jsonb;serializer:json"`
	ContextAccessed datatypes.JSON   `json:"contextAccessed" gorm:"type:jsonb"`
	DurationMs      int64            `json:"durationMs" gorm:"default:0"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{&Agent{}, &AgentTemplate{}, &AgentConfiguration{}, &GlobalAISettings{}, &AgentActivityLog{}}
}
