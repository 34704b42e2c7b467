package workflow

import (
	"time"

	"workhub/internal/ref"
)

// Status 工作流状态
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted:
		return true
	case StatusRunning, StatusPaused:
		return false
	default:
		return false
	}
}

// StateData 工作流状态数据
type StateData struct {
	Input           map[string]any `json:"input,omitempty"`
	ApprovalData    map[string]any `json:"approval_data,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Rejected        bool           `json:"rejected,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	RejectedBy      string         `json:"rejected_by,omitempty"`
}

// AgentWorkflowState 单个智能体一次工作流的持久化状态
type AgentWorkflowState struct {
	ID               string     `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID           string     `json:"teamId" gorm:"type:uuid;not null;index"`
	AgentID          string     `json:"agentId" gorm:"type:uuid;index"`
	WorkflowClass    string     `json:"workflowClass" gorm:"size:100;not null"`
	CurrentNode      string     `json:"currentNode" gorm:"size:100"`
	Status           Status     `json:"status" gorm:"size:20;not null;index"`
	StateData        StateData  `json:"stateData" gorm:"type:jsonb;serializer:json"`
	PauseReason      string     `json:"pauseReason" gorm:"type:text"`
	ApprovalRequired bool       `json:"approvalRequired"`
	PausedAt         *time.Time `json:"pausedAt,omitempty"`
	ResumedAt        *time.Time `json:"resumedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Ref 多态引用
func (s *AgentWorkflowState) Ref() ref.Ref {
	return ref.New(ref.TypeWorkflowState, s.ID)
}

// IsPaused 是否暂停中
func (s *AgentWorkflowState) IsPaused() bool {
	return s.Status == StatusPaused
}

// IsCompleted 是否已完成
func (s *AgentWorkflowState) IsCompleted() bool {
	return s.Status == StatusCompleted
}

// ChainExecutionID 若该状态属于链步骤，返回所属执行 ID
func (s *AgentWorkflowState) ChainExecutionID() string {
	id, _ := s.StateData.Input["chain_execution_id"].(string)
	return id
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{&AgentWorkflowState{}}
}
