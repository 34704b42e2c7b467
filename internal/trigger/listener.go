package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workhub/internal/agent"
	"workhub/internal/entity"
	"workhub/internal/ref"
	"workhub/internal/worker/tasks"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PMCopilotAgentCode 项目经理助手的身份编码
const PMCopilotAgentCode = "pm-copilot"

// Dispatcher 异步任务投递
type Dispatcher interface {
	EnqueueChainTrigger(ctx context.Context, payload tasks.ProcessChainTriggerPayload) error
	EnqueuePMCopilot(ctx context.Context, payload tasks.ProcessPMCopilotTriggerPayload) error
}

// AgentLookup 判断团队是否启用了某个智能体
type AgentLookup interface {
	GetAgentByCode(ctx context.Context, code string) (*agent.Agent, error)
	GetConfiguration(ctx context.Context, teamID, agentID string) (*agent.AgentConfiguration, error)
}

// DispatchRecorder 派发指标接口
type DispatchRecorder interface {
	RecordTriggerDispatch(teamID, status string)
}

type releaser interface {
	Release(ctx context.Context, triggerID string, target ref.Ref) error
}

// StatusChangeEvent 实体状态变化事件
type StatusChangeEvent struct {
	Entity     entity.Entity
	FromStatus string
	ToStatus   string
	Actor      string
}

// Listener 监听领域事件，匹配触发器并投递任务；不等待链执行
type Listener struct {
	db                  *gorm.DB
	dispatcher          Dispatcher
	dedup               DedupStore
	agents              AgentLookup
	recorder            DispatchRecorder
	defaultDedupMinutes int
	now                 func() time.Time
	logger              *zap.Logger
}

// Option 监听器选项
type Option func(*Listener)

// WithDedupStore 替换去重存储，默认使用数据库预留表
func WithDedupStore(s DedupStore) Option {
	return func(l *Listener) {
		if s != nil {
			l.dedup = s
		}
	}
}

// WithAgentLookup 用于工单创建事件
func WithAgentLookup(a AgentLookup) Option {
	return func(l *Listener) { l.agents = a }
}

// WithRecorder 注入指标记录器
func WithRecorder(r DispatchRecorder) Option {
	return func(l *Listener) { l.recorder = r }
}

// WithDefaultDedupWindow 触发器未配置窗口时的默认分钟数
func WithDefaultDedupWindow(minutes int) Option {
	return func(l *Listener) { l.defaultDedupMinutes = minutes }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(l *Listener) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger 注入日志器
func WithLogger(lg *zap.Logger) Option {
	return func(l *Listener) { l.logger = lg }
}

// NewListener 创建触发监听器
func NewListener(db *gorm.DB, dispatcher Dispatcher, opts ...Option) *Listener {
	l := &Listener{
		db:         db,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dedup == nil {
		l.dedup = NewGormDedupStore(db, l.now)
	}
	return l
}

// MatchingTriggers 团队中与状态迁移匹配的启用触发器，按优先级降序
func (l *Listener) MatchingTriggers(ctx context.Context, teamID, entityType, from, to string) ([]*AgentTrigger, error) {
	var out []*AgentTrigger
	err := l.db.WithContext(ctx).
		Where("team_id = ? AND enabled = ? AND entity_type = ? AND status_to = ?", teamID, true, entityType, to).
		Where("status_from IS NULL OR status_from = ?", from).
		Order("priority DESC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询触发器失败: %w", err)
	}
	return out, nil
}

// HandleStatusChange 处理状态变化事件，返回本次写入的派发记录
// 每个触发器独立处理，单个失败不影响其他触发器
func (l *Listener) HandleStatusChange(ctx context.Context, evt StatusChangeEvent) ([]*AgentTriggerDispatch, error) {
	if evt.Entity == nil {
		return nil, errors.New("status change event without entity")
	}
	teamID := evt.Entity.EntityTeamID()
	target := evt.Entity.EntityRef()

	triggers, err := l.MatchingTriggers(ctx, teamID, target.Type, evt.FromStatus, evt.ToStatus)
	if err != nil {
		return nil, err
	}
	attrs := evt.Entity.Attributes()

	var (
		dispatches []*AgentTriggerDispatch
		errs       []error
	)
	for _, t := range triggers {
		if !t.MatchesTransition(target.Type, evt.FromStatus, evt.ToStatus) {
			continue
		}
		if !t.Conditions.Evaluate(attrs) {
			l.logger.Debug("触发条件不满足",
				zap.String("trigger_id", t.ID),
				zap.String("entity", target.String()),
			)
			continue
		}

		d, err := l.dispatch(ctx, t, target, evt)
		if d != nil {
			dispatches = append(dispatches, d)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return dispatches, errors.Join(errs...)
}

func (l *Listener) dispatch(ctx context.Context, t *AgentTrigger, target ref.Ref, evt StatusChangeEvent) (*AgentTriggerDispatch, error) {
	d := &AgentTriggerDispatch{
		ID:           uuid.New().String(),
		TriggerID:    t.ID,
		TeamID:       t.TeamID,
		ChainID:      t.ChainID,
		EntityType:   target.Type,
		EntityID:     target.ID,
		Actor:        evt.Actor,
		FromStatus:   evt.FromStatus,
		ToStatus:     evt.ToStatus,
		Status:       DispatchEnqueued,
		DispatchedAt: l.now(),
	}

	if window := t.Conditions.DedupWindow(l.defaultDedupMinutes); window > 0 {
		ok, err := l.dedup.Reserve(ctx, t.ID, target, window)
		if err != nil {
			return nil, fmt.Errorf("触发器 %s 去重失败: %w", t.ID, err)
		}
		if !ok {
			d.Status = DispatchDeduplicated
			l.logger.Warn("去重窗口内已派发，跳过",
				zap.String("trigger_id", t.ID),
				zap.String("entity", target.String()),
				zap.Duration("window", window),
			)
			return d, l.save(ctx, d)
		}
	}

	err := l.dispatcher.EnqueueChainTrigger(ctx, tasks.ProcessChainTriggerPayload{
		TriggerID:  t.ID,
		TeamID:     t.TeamID,
		ChainID:    t.ChainID,
		Entity:     target,
		Actor:      evt.Actor,
		FromStatus: evt.FromStatus,
		ToStatus:   evt.ToStatus,
	})
	if err != nil {
		d.Status = DispatchFailed
		d.Error = err.Error()
		if r, ok := l.dedup.(releaser); ok {
			if relErr := r.Release(ctx, t.ID, target); relErr != nil {
				l.logger.Error("撤销去重预留失败", zap.String("trigger_id", t.ID), zap.Error(relErr))
			}
		}
		l.logger.Error("投递链触发任务失败",
			zap.String("trigger_id", t.ID),
			zap.String("entity", target.String()),
			zap.Error(err),
		)
		if saveErr := l.save(ctx, d); saveErr != nil {
			return d, errors.Join(err, saveErr)
		}
		return d, fmt.Errorf("投递触发器 %s 失败: %w", t.ID, err)
	}

	l.logger.Info("已投递链触发任务",
		zap.String("trigger_id", t.ID),
		zap.String("chain_id", t.ChainID),
		zap.String("team_id", t.TeamID),
		zap.String("entity", target.String()),
	)
	return d, l.save(ctx, d)
}

func (l *Listener) save(ctx context.Context, d *AgentTriggerDispatch) error {
	if l.recorder != nil {
		l.recorder.RecordTriggerDispatch(d.TeamID, string(d.Status))
	}
	if err := l.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("写入派发日志失败: %w", err)
	}
	return nil
}

// HandleWorkOrderCreated 团队启用了项目经理助手时投递工单分析任务；返回是否已投递
func (l *Listener) HandleWorkOrderCreated(ctx context.Context, wo *entity.WorkOrder, actor string) (bool, error) {
	if l.agents == nil {
		return false, nil
	}
	a, err := l.agents.GetAgentByCode(ctx, PMCopilotAgentCode)
	if err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			return false, nil
		}
		return false, err
	}
	cfg, err := l.agents.GetConfiguration(ctx, wo.TeamID, a.ID)
	if err != nil {
		if errors.Is(err, agent.ErrConfigurationNotFound) {
			return false, nil
		}
		return false, err
	}
	if !cfg.Enabled {
		return false, nil
	}

	if err := l.dispatcher.EnqueuePMCopilot(ctx, tasks.ProcessPMCopilotTriggerPayload{
		TeamID:      wo.TeamID,
		WorkOrderID: wo.ID,
		Actor:       actor,
	}); err != nil {
		return false, fmt.Errorf("投递项目经理助手任务失败: %w", err)
	}
	l.logger.Info("已投递项目经理助手任务",
		zap.String("team_id", wo.TeamID),
		zap.String("work_order_id", wo.ID),
	)
	return true, nil
}

// CreateTrigger 保存触发器定义
func (l *Listener) CreateTrigger(ctx context.Context, t *AgentTrigger) error {
	if t.TeamID == "" || t.ChainID == "" || t.EntityType == "" || t.StatusTo == "" {
		return errors.New("trigger requires team, chain, entity type and target status")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if err := l.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("保存触发器失败: %w", err)
	}
	return nil
}

// Get 获取触发器
func (l *Listener) Get(ctx context.Context, id string) (*AgentTrigger, error) {
	var t AgentTrigger
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("trigger not found: %s", id)
		}
		return nil, fmt.Errorf("查询触发器失败: %w", err)
	}
	return &t, nil
}
