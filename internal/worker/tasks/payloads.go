package tasks

import "workhub/internal/ref"

// Task Types
const (
	TypeProcessChainTrigger     = "chain:process_trigger"
	TypeRunChainExecution       = "chain:run_execution"
	TypeReportStalePaused       = "chain:report_stale_paused"
	TypeProcessPMCopilotTrigger = "agent:pm_copilot"
	TypeResetDailyBudget        = "budget:reset_daily"
	TypeResetMonthlyBudget      = "budget:reset_monthly"
	TypePurgeExpiredMemory      = "memory:purge_expired"
)

// Queues
const (
	QueueChains      = "chains"
	QueueAgents      = "agents"
	QueueMaintenance = "maintenance"
)

// ProcessChainTriggerPayload 触发器命中后启动链执行
type ProcessChainTriggerPayload struct {
	TriggerID  string  `json:"trigger_id"`
	TeamID     string  `json:"team_id"`
	ChainID    string  `json:"chain_id"`
	Entity     ref.Ref `json:"entity"`
	Actor      string  `json:"actor,omitempty"`
	FromStatus string  `json:"from_status,omitempty"`
	ToStatus   string  `json:"to_status"`
}

// RunChainExecutionPayload 驱动已存在的链执行（审批恢复、手动启动）
type RunChainExecutionPayload struct {
	ExecutionID string `json:"execution_id"`
}

// ProcessPMCopilotTriggerPayload 新工单交给项目经理助手
type ProcessPMCopilotTriggerPayload struct {
	TeamID      string `json:"team_id"`
	WorkOrderID string `json:"work_order_id"`
	Actor       string `json:"actor,omitempty"`
}

// ReportStalePausedPayload 长时间暂停执行的巡检参数
type ReportStalePausedPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}
