package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workhub/internal/agent"
	"workhub/internal/entity"
	"workhub/internal/infra"
	"workhub/internal/ref"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PMCopilotWorkflow 项目经理助手的工作流名称
const PMCopilotWorkflow = "pm_copilot"

// NodeFailed 异常结束时的节点标记
const NodeFailed = "failed"

var (
	// ErrStateNotFound 工作流状态不存在
	ErrStateNotFound = errors.New("workflow state not found")
	// ErrStateCompleted 已完成的状态不能再变更
	ErrStateCompleted = errors.New("workflow state already completed")
)

// Orchestrator 单智能体工作流编排
type Orchestrator struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator 创建编排器
func NewOrchestrator(db *gorm.DB, opts ...Option) *Orchestrator {
	o := &Orchestrator{db: db, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute 创建运行中的工作流状态
func (o *Orchestrator) Execute(ctx context.Context, workflowClass string, input map[string]any, teamID string, a *agent.Agent) (*AgentWorkflowState, error) {
	if input == nil {
		input = map[string]any{}
	}
	state := &AgentWorkflowState{
		ID:            uuid.New().String(),
		TeamID:        teamID,
		WorkflowClass: workflowClass,
		CurrentNode:   "start",
		Status:        StatusRunning,
		StateData:     StateData{Input: input},
	}
	if a != nil {
		state.AgentID = a.ID
	}

	if err := o.db.WithContext(ctx).Create(state).Error; err != nil {
		return nil, fmt.Errorf("创建工作流状态失败: %w", err)
	}
	o.logger.Info("工作流已启动",
		zap.String("workflow_state_id", state.ID),
		zap.String("workflow_class", workflowClass),
		zap.String("team_id", teamID),
		zap.String("agent_id", state.AgentID),
	)
	return state, nil
}

// InvokePMCopilot 以工单为输入启动项目经理助手
func (o *Orchestrator) InvokePMCopilot(ctx context.Context, wo *entity.WorkOrder, a *agent.Agent) (*AgentWorkflowState, error) {
	input := map[string]any{
		"work_order_id": wo.ID,
		"work_order":    wo.Attributes(),
	}
	return o.Execute(ctx, PMCopilotWorkflow, input, wo.TeamID, a)
}

// Pause 暂停并标记需要审批
func (o *Orchestrator) Pause(ctx context.Context, state *AgentWorkflowState, reason string) error {
	if state.IsCompleted() {
		return fmt.Errorf("%w: %s", ErrStateCompleted, state.ID)
	}
	now := o.now()
	state.Status = StatusPaused
	state.PausedAt = &now
	state.PauseReason = reason
	state.ApprovalRequired = true
	return o.save(ctx, state, "暂停")
}

// Resume 恢复运行，resumeData 写入 approval_data
func (o *Orchestrator) Resume(ctx context.Context, state *AgentWorkflowState, resumeData map[string]any) error {
	if state.IsCompleted() {
		return fmt.Errorf("%w: %s", ErrStateCompleted, state.ID)
	}
	now := o.now()
	state.Status = StatusRunning
	state.ResumedAt = &now
	state.PausedAt = nil
	state.ApprovalRequired = false
	state.StateData.ApprovalData = resumeData
	return o.save(ctx, state, "恢复")
}

// MarkRejected 记录驳回信息，状态保持暂停
func (o *Orchestrator) MarkRejected(ctx context.Context, state *AgentWorkflowState, rejectedBy, reason string) error {
	state.StateData.Rejected = true
	state.StateData.RejectionReason = reason
	state.StateData.RejectedBy = rejectedBy
	return o.save(ctx, state, "驳回")
}

// Complete 完成工作流
func (o *Orchestrator) Complete(ctx context.Context, state *AgentWorkflowState, output map[string]any) error {
	if state.IsCompleted() {
		return fmt.Errorf("%w: %s", ErrStateCompleted, state.ID)
	}
	now := o.now()
	state.Status = StatusCompleted
	state.CompletedAt = &now
	state.CurrentNode = "end"
	state.StateData.Output = output
	return o.save(ctx, state, "完成")
}

// Abort 以失败结束工作流：状态记为已完成，节点为 failed，原因写入 output.error
func (o *Orchestrator) Abort(ctx context.Context, state *AgentWorkflowState, reason string) error {
	if state.IsCompleted() {
		return fmt.Errorf("%w: %s", ErrStateCompleted, state.ID)
	}
	now := o.now()
	state.Status = StatusCompleted
	state.CompletedAt = &now
	state.CurrentNode = NodeFailed
	state.StateData.Output = map[string]any{"error": reason}
	return o.save(ctx, state, "终止")
}

// Get 获取工作流状态
func (o *Orchestrator) Get(ctx context.Context, id string) (*AgentWorkflowState, error) {
	var state AgentWorkflowState
	if err := o.db.WithContext(ctx).Where("id = ?", id).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, id)
		}
		return nil, fmt.Errorf("查询工作流状态失败: %w", err)
	}
	return &state, nil
}

// RegisterLoaders 向引用注册表登记工作流状态加载器
func (o *Orchestrator) RegisterLoaders(reg *ref.Registry) {
	reg.Register(ref.TypeWorkflowState, func(ctx context.Context, id string) (any, error) {
		return o.Get(ctx, id)
	})
}

func (o *Orchestrator) save(ctx context.Context, state *AgentWorkflowState, action string) error {
	if err := infra.Conn(ctx, o.db).Save(state).Error; err != nil {
		return fmt.Errorf("%s工作流状态失败: %w", action, err)
	}
	o.logger.Debug("工作流状态已更新",
		zap.String("workflow_state_id", state.ID),
		zap.String("action", action),
		zap.String("status", string(state.Status)),
	)
	return nil
}
