package chain

import (
	"sort"
	"strconv"
	"time"

	"workhub/internal/ref"
)

// ExecutionStatus 链执行状态
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// IsTerminal 终态不可再变更
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	case StatusPending, StatusRunning, StatusPaused:
		return false
	default:
		return false
	}
}

// CanTransitionTo 合法的状态迁移
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusPaused || next == StatusCompleted || next == StatusFailed
	case StatusPaused:
		return next == StatusRunning || next == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	default:
		return false
	}
}

// StepStatus 步骤执行状态
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// AgentChain 团队定义的智能体链
type AgentChain struct {
	ID          string          `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID      string          `json:"teamId" gorm:"type:uuid;not null;index"`
	Name        string          `json:"name" gorm:"size:255;not null"`
	Description string          `json:"description" gorm:"type:text"`
	Definition  ChainDefinition `json:"chainDefinition" gorm:"column:chain_definition;type:jsonb;serializer:json"`
	TemplateID  *string         `json:"templateId,omitempty" gorm:"type:uuid;index"`
	Enabled     bool            `json:"enabled"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// AgentChainTemplate 可复用的链定义，TeamID 为空表示系统模板
type AgentChainTemplate struct {
	ID          string          `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID      *string         `json:"teamId,omitempty" gorm:"type:uuid;index"`
	Code        string          `json:"code" gorm:"size:100;not null;uniqueIndex"`
	Name        string          `json:"name" gorm:"size:255;not null"`
	Description string          `json:"description" gorm:"type:text"`
	Category    string          `json:"category" gorm:"size:50"`
	Definition  ChainDefinition `json:"chainDefinition" gorm:"column:chain_definition;type:jsonb;serializer:json"`
	IsSystem    bool            `json:"isSystem"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// AgentChainExecution 链的一次执行
type AgentChainExecution struct {
	ID               string          `json:"id" gorm:"primaryKey;type:uuid"`
	ChainID          string          `json:"chainId" gorm:"type:uuid;not null;index"`
	TeamID           string          `json:"teamId" gorm:"type:uuid;not null;index"`
	CurrentStepIndex int             `json:"currentStepIndex" gorm:"not null;default:0"`
	Status           ExecutionStatus `json:"status" gorm:"size:20;not null;index"`
	ChainContext     ChainContext    `json:"chainContext" gorm:"type:jsonb;serializer:json"`
	TriggerEntity    ref.Ref         `json:"triggerEntity" gorm:"type:text"`
	TriggeredBy      string          `json:"triggeredBy" gorm:"size:64"`
	ErrorMessage     string          `json:"errorMessage,omitempty" gorm:"type:text"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty" gorm:"index"`
	ResumedAt   *time.Time `json:"resumedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`

	Chain *AgentChain               `json:"chain,omitempty" gorm:"foreignKey:ChainID"`
	Steps []AgentChainExecutionStep `json:"steps,omitempty" gorm:"foreignKey:ExecutionID"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Ref 多态引用
func (e *AgentChainExecution) Ref() ref.Ref {
	return ref.New(ref.TypeChainExec, e.ID)
}

// IsPaused 是否暂停
func (e *AgentChainExecution) IsPaused() bool { return e.Status == StatusPaused }

// IsCompleted 是否完成
func (e *AgentChainExecution) IsCompleted() bool { return e.Status == StatusCompleted }

// IsFailed 是否失败
func (e *AgentChainExecution) IsFailed() bool { return e.Status == StatusFailed }

// AgentChainExecutionStep 单个步骤的执行记录（只追加）
type AgentChainExecutionStep struct {
	ID              string         `json:"id" gorm:"primaryKey;type:uuid"`
	ExecutionID     string         `json:"executionId" gorm:"type:uuid;not null;index:idx_chain_step_exec_index,priority:1"`
	StepIndex       int            `json:"stepIndex" gorm:"not null;index:idx_chain_step_exec_index,priority:2"`
	StepGroup       string         `json:"stepGroup,omitempty" gorm:"size:100"`
	AgentID         string         `json:"agentId,omitempty" gorm:"size:64"`
	Status          StepStatus     `json:"status" gorm:"size:20;not null"`
	WorkflowStateID *string        `json:"workflowStateId,omitempty" gorm:"type:uuid"`
	OutputData      map[string]any `json:"outputData,omitempty" gorm:"type:jsonb;serializer:json"`
	ErrorMessage    string         `json:"errorMessage,omitempty" gorm:"type:text"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// StepRecord chain_context.steps 中单个步骤的记录
type StepRecord struct {
	Output      map[string]any `json:"output"`
	AgentID     string         `json:"agent_id,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// PendingApproval 等待审批的步骤输出
type PendingApproval struct {
	StepIndex       int            `json:"step_index"`
	Output          map[string]any `json:"output"`
	AgentID         string         `json:"agent_id,omitempty"`
	WorkflowStateID string         `json:"workflow_state_id"`
	InboxItemID     string         `json:"inbox_item_id,omitempty"`
}

// ChainContext 执行过程中累积的上下文
// Steps 按步骤下标合并，已记录的输出不会被删除
type ChainContext struct {
	Steps              map[string]StepRecord `json:"steps"`
	AccumulatedContext map[string]any        `json:"accumulated_context,omitempty"`
	Metadata           map[string]any        `json:"metadata,omitempty"`
	PauseReason        string                `json:"pause_reason,omitempty"`
	ResumeData         map[string]any        `json:"resume_data,omitempty"`
	Error              string                `json:"error,omitempty"`
	PendingApproval    *PendingApproval      `json:"pending_approval,omitempty"`
}

// Step 读取某步骤的记录
func (c *ChainContext) Step(index int) (StepRecord, bool) {
	rec, ok := c.Steps[strconv.Itoa(index)]
	return rec, ok
}

// MergeStep 把输出合并到某步骤，已有键被同名新值覆盖，其余保留
func (c *ChainContext) MergeStep(index int, agentID string, output map[string]any, at time.Time) {
	if c.Steps == nil {
		c.Steps = make(map[string]StepRecord)
	}
	key := strconv.Itoa(index)
	rec := c.Steps[key]
	merged := make(map[string]any, len(rec.Output)+len(output))
	for k, v := range rec.Output {
		merged[k] = v
	}
	for k, v := range output {
		merged[k] = v
	}
	rec.Output = merged
	if agentID != "" {
		rec.AgentID = agentID
	}
	completed := at
	rec.CompletedAt = &completed
	c.Steps[key] = rec

	if c.AccumulatedContext == nil {
		c.AccumulatedContext = make(map[string]any)
	}
	c.AccumulatedContext["last_step_index"] = index
}

// PreviousOutputs 下标小于 before 的步骤输出，按下标升序
func (c *ChainContext) PreviousOutputs(before int) []map[string]any {
	indices := make([]int, 0, len(c.Steps))
	for key := range c.Steps {
		idx, err := strconv.Atoi(key)
		if err != nil || idx >= before {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]map[string]any, 0, len(indices))
	for _, idx := range indices {
		out = append(out, c.Steps[strconv.Itoa(idx)].Output)
	}
	return out
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{&AgentChain{}, &AgentChainTemplate{}, &AgentChainExecution{}, &AgentChainExecutionStep{}}
}
