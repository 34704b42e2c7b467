package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workhub/internal/infra"
	"workhub/internal/ref"
	"workhub/internal/workflow"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInboxItemNotFound 条目不存在
	ErrInboxItemNotFound = errors.New("inbox item not found")
	// ErrAlreadyResolved 条目已被处理
	ErrAlreadyResolved = errors.New("inbox item already resolved")
	// ErrNotApprovable 条目没有可审批的对象
	ErrNotApprovable = errors.New("inbox item is not an approval")
)

// StateController 审批需要的工作流状态操作
type StateController interface {
	Pause(ctx context.Context, state *workflow.AgentWorkflowState, reason string) error
	Resume(ctx context.Context, state *workflow.AgentWorkflowState, resumeData map[string]any) error
	MarkRejected(ctx context.Context, state *workflow.AgentWorkflowState, rejectedBy, reason string) error
}

// Recorder 审批指标接口
type Recorder interface {
	RecordApprovalRequested(teamID string)
	RecordApprovalResolved(teamID, decision string)
}

// DecisionHook 审批决定后的回调（例如恢复所属的链执行）
type DecisionHook func(ctx context.Context, item *InboxItem, state *workflow.AgentWorkflowState, decision string) error

// Service 审批服务
type Service struct {
	db       *gorm.DB
	states   StateController
	refs     *ref.Registry
	bus      *EventBus
	recorder Recorder
	hooks    []DecisionHook
	now      func() time.Time
	logger   *zap.Logger
}

// Option 服务选项
type Option func(*Service)

// WithEventBus 注入事件总线
func WithEventBus(bus *EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithRecorder 注入指标
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService 创建审批服务；refs 需已登记工作流状态加载器
func NewService(db *gorm.DB, states StateController, refs *ref.Registry, opts ...Option) *Service {
	s := &Service{
		db:     db,
		states: states,
		refs:   refs,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnDecision 注册审批决定回调
func (s *Service) OnDecision(hook DecisionHook) {
	s.hooks = append(s.hooks, hook)
}

// RequestOptions 审批请求的附加信息
type RequestOptions struct {
	Urgency    string
	SourceType string
	SourceID   string
}

// RequestApproval 暂停工作流并创建审批条目
func (s *Service) RequestApproval(ctx context.Context, state *workflow.AgentWorkflowState, description string, opts *RequestOptions) (*InboxItem, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	if err := s.states.Pause(ctx, state, description); err != nil {
		return nil, err
	}

	item := &InboxItem{
		ID:             uuid.New().String(),
		TeamID:         state.TeamID,
		Type:           InboxTypeApproval,
		Title:          fmt.Sprintf("Approval required: %s", state.WorkflowClass),
		Description:    description,
		SourceType:     opts.SourceType,
		SourceID:       opts.SourceID,
		ApprovableType: ref.TypeWorkflowState,
		ApprovableID:   state.ID,
		Urgency:        opts.Urgency,
	}
	if item.SourceType == "" {
		item.SourceType = "agent"
		item.SourceID = state.AgentID
	}
	if item.Urgency == "" {
		item.Urgency = UrgencyNormal
	}

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("创建审批条目失败: %w", err)
	}
	if s.recorder != nil {
		s.recorder.RecordApprovalRequested(item.TeamID)
	}
	s.logger.Info("已发起审批",
		zap.String("inbox_item_id", item.ID),
		zap.String("workflow_state_id", state.ID),
		zap.String("team_id", item.TeamID),
	)
	return item, nil
}

// HandleApproval 通过审批并恢复工作流
// 条目的认领与工作流恢复在同一事务中完成，并发的重复决定返回 ErrAlreadyResolved
func (s *Service) HandleApproval(ctx context.Context, item *InboxItem, approverID string) (*workflow.AgentWorkflowState, error) {
	state, err := s.prepare(ctx, item)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.resolve(ctx, item.ID, map[string]any{
		"approved_at": now,
		"approved_by": approverID,
	}, func(txCtx context.Context) error {
		return s.states.Resume(txCtx, state, map[string]any{
			"approved":    true,
			"approver_id": approverID,
		})
	})
	if err != nil {
		return nil, err
	}

	item.ApprovedAt = &now
	item.ApprovedBy = &approverID
	s.finish(ctx, item, state, DecisionApproved, approverID, "")
	return state, nil
}

// HandleRejection 驳回审批；工作流保持暂停，由调用方决定是否恢复
func (s *Service) HandleRejection(ctx context.Context, item *InboxItem, approverID, reason string) (*workflow.AgentWorkflowState, error) {
	state, err := s.prepare(ctx, item)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.resolve(ctx, item.ID, map[string]any{
		"rejected_at":      now,
		"rejected_by":      approverID,
		"rejection_reason": reason,
	}, func(txCtx context.Context) error {
		return s.states.MarkRejected(txCtx, state, approverID, reason)
	})
	if err != nil {
		return nil, err
	}

	item.RejectedAt = &now
	item.RejectedBy = &approverID
	item.RejectionReason = reason
	s.finish(ctx, item, state, DecisionRejected, approverID, reason)
	return state, nil
}

// resolve 只认领仍未处理的条目，再在同一事务内变更工作流状态
func (s *Service) resolve(ctx context.Context, itemID string, decision map[string]any, apply func(txCtx context.Context) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&InboxItem{}).
			Where("id = ? AND approved_at IS NULL AND rejected_at IS NULL", itemID).
			Updates(decision)
		if res.Error != nil {
			return fmt.Errorf("更新审批条目失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, itemID)
		}
		return apply(infra.ContextWithTx(ctx, tx))
	})
}

// Get 获取条目
func (s *Service) Get(ctx context.Context, id string) (*InboxItem, error) {
	var item InboxItem
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInboxItemNotFound, id)
		}
		return nil, fmt.Errorf("查询审批条目失败: %w", err)
	}
	return &item, nil
}

// ListPending 团队未处理的审批
func (s *Service) ListPending(ctx context.Context, teamID string) ([]*InboxItem, error) {
	var items []*InboxItem
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND type = ? AND approved_at IS NULL AND rejected_at IS NULL", teamID, InboxTypeApproval).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("查询待审批条目失败: %w", err)
	}
	return items, nil
}

func (s *Service) prepare(ctx context.Context, item *InboxItem) (*workflow.AgentWorkflowState, error) {
	if item.IsResolved() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, item.ID)
	}
	if item.Type != InboxTypeApproval || item.ApprovableType != ref.TypeWorkflowState {
		return nil, fmt.Errorf("%w: %s", ErrNotApprovable, item.ID)
	}
	return ref.ResolveAs[*workflow.AgentWorkflowState](ctx, s.refs, item.Approvable())
}

// finish 发布事件并执行回调；回调失败只记录日志，审批结果已持久化
func (s *Service) finish(ctx context.Context, item *InboxItem, state *workflow.AgentWorkflowState, decision, actor, reason string) {
	if s.recorder != nil {
		s.recorder.RecordApprovalResolved(item.TeamID, decision)
	}
	s.bus.Publish(Event{
		InboxItemID:     item.ID,
		TeamID:          item.TeamID,
		WorkflowStateID: state.ID,
		Decision:        decision,
		DecidedBy:       actor,
		Reason:          reason,
		OccurredAt:      s.now(),
	})
	s.logger.Info("审批已处理",
		zap.String("inbox_item_id", item.ID),
		zap.String("decision", decision),
		zap.String("actor", actor),
	)

	for _, hook := range s.hooks {
		if err := hook(ctx, item, state, decision); err != nil {
			s.logger.Error("审批回调失败",
				zap.String("inbox_item_id", item.ID),
				zap.String("decision", decision),
				zap.Error(err),
			)
		}
	}
}
