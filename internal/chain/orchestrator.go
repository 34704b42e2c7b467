package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workhub/internal/ref"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrChainNotFound 链不存在
	ErrChainNotFound = errors.New("chain not found")
	// ErrExecutionNotFound 执行不存在
	ErrExecutionNotFound = errors.New("chain execution not found")
	// ErrTerminalExecution 已完成或已失败的执行不可再推进
	ErrTerminalExecution = errors.New("chain execution is terminal")
	// ErrInvalidTransition 当前状态不允许该操作
	ErrInvalidTransition = errors.New("invalid chain execution transition")
	// ErrStepOutOfRange 当前下标没有对应步骤
	ErrStepOutOfRange = errors.New("step index out of range")
	// ErrNotParallelStep 当前步骤不属于并行组
	ErrNotParallelStep = errors.New("current step is not part of a parallel group")
)

// ChainMemory 执行完成时清理链作用域记忆
type ChainMemory interface {
	ClearChainMemory(ctx context.Context, teamID, executionID string) (int64, error)
}

// ExecutionRecorder 链执行指标接口
type ExecutionRecorder interface {
	RecordChainTransition(teamID, status string)
}

// StartOptions 创建执行时的可选信息
type StartOptions struct {
	TriggerEntity ref.Ref
	TriggeredBy   string
}

// Orchestrator 链编排器，执行行是唯一的状态来源
type Orchestrator struct {
	db       *gorm.DB
	memory   ChainMemory
	recorder ExecutionRecorder
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithMemory 注入链记忆清理
func WithMemory(m ChainMemory) Option {
	return func(o *Orchestrator) { o.memory = m }
}

// WithRecorder 注入指标记录器
func WithRecorder(r ExecutionRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

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

// NewOrchestrator 创建链编排器
func NewOrchestrator(db *gorm.DB, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:     db,
		now:    time.Now,
		logger: zap.NewNop(),
		tracer: otel.Tracer("workhub/internal/chain"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteChain 从第 0 步开始一次运行中的执行
func (o *Orchestrator) ExecuteChain(ctx context.Context, chain *AgentChain, teamID string, opts *StartOptions) (*AgentChainExecution, error) {
	exec, err := o.create(ctx, chain, teamID, opts, StatusRunning)
	if err != nil {
		return nil, err
	}
	o.logger.Info("链执行已开始",
		zap.String("execution_id", exec.ID),
		zap.String("chain_id", chain.ID),
		zap.String("team_id", teamID),
	)
	return exec, nil
}

// CreatePending 创建待处理的执行，由 worker 异步启动
func (o *Orchestrator) CreatePending(ctx context.Context, chain *AgentChain, teamID string, opts *StartOptions) (*AgentChainExecution, error) {
	return o.create(ctx, chain, teamID, opts, StatusPending)
}

func (o *Orchestrator) create(ctx context.Context, chain *AgentChain, teamID string, opts *StartOptions, status ExecutionStatus) (*AgentChainExecution, error) {
	if chain == nil {
		return nil, ErrChainNotFound
	}
	if opts == nil {
		opts = &StartOptions{}
	}
	exec := &AgentChainExecution{
		ID:            uuid.New().String(),
		ChainID:       chain.ID,
		TeamID:        teamID,
		Status:        status,
		ChainContext:  ChainContext{Steps: map[string]StepRecord{}},
		TriggerEntity: opts.TriggerEntity,
		TriggeredBy:   opts.TriggeredBy,
	}
	if status == StatusRunning {
		now := o.now()
		exec.StartedAt = &now
	}
	if err := o.db.WithContext(ctx).Omit(clause.Associations).Create(exec).Error; err != nil {
		return nil, fmt.Errorf("创建链执行失败: %w", err)
	}
	exec.Chain = chain
	o.record(exec)
	return exec, nil
}

// Start 启动待处理的执行；已在运行时不做任何事
func (o *Orchestrator) Start(ctx context.Context, exec *AgentChainExecution) error {
	return o.mutate(ctx, exec, "start", func(_ *gorm.DB, e *AgentChainExecution) error {
		if e.Status == StatusRunning {
			return nil
		}
		if e.Status != StatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusRunning)
		}
		o.markRunning(e)
		return nil
	})
}

// ExecuteStep 记录当前步骤的输出并选择下一步
func (o *Orchestrator) ExecuteStep(ctx context.Context, exec *AgentChainExecution, output map[string]any) error {
	ctx, span := o.tracer.Start(ctx, "ChainOrchestrator.ExecuteStep")
	defer span.End()
	span.SetAttributes(
		attribute.String("execution_id", exec.ID),
		attribute.Int("step_index", exec.CurrentStepIndex),
	)

	def, err := o.definition(ctx, exec)
	if err != nil {
		return err
	}
	if output == nil {
		output = map[string]any{}
	}

	completed := false
	err = o.mutate(ctx, exec, "execute_step", func(tx *gorm.DB, e *AgentChainExecution) error {
		if e.Status == StatusPending {
			o.markRunning(e)
		}
		if e.Status != StatusRunning {
			return fmt.Errorf("%w: 状态 %s 不能执行步骤", ErrInvalidTransition, e.Status)
		}

		idx := e.CurrentStepIndex
		step, ok := def.Step(idx)
		if !ok {
			return fmt.Errorf("%w: %d", ErrStepOutOfRange, idx)
		}

		now := o.now()
		row, err := o.finishStep(tx, e.ID, idx, step.StepGroup, StepCompleted, output, "", now)
		if err != nil {
			return err
		}
		agentID := row.AgentID
		if agentID == "" {
			agentID = step.AgentID
		}
		e.ChainContext.MergeStep(idx, agentID, output, now)

		next, terminate := nextIndex(step, &e.ChainContext, idx)
		if !terminate {
			e.CurrentStepIndex = next
		}
		if terminate || next >= len(def.Steps) {
			e.Status = StatusCompleted
			e.CompletedAt = &now
			completed = true
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	o.logger.Info("链步骤已完成",
		zap.String("execution_id", exec.ID),
		zap.Int("next_step_index", exec.CurrentStepIndex),
		zap.String("status", string(exec.Status)),
	)
	if completed {
		o.onCompleted(ctx, exec)
	}
	return nil
}

// nextIndex 按声明顺序匹配分支条件，未命中时顺延一步
func nextIndex(step StepDefinition, cc *ChainContext, idx int) (int, bool) {
	for _, cond := range step.NextStepConditions {
		if !cond.Matches(cc, idx) {
			continue
		}
		switch cond.Action {
		case ActionTerminate:
			return idx, true
		case ActionGoto:
			if cond.TargetStep != nil {
				return *cond.TargetStep, false
			}
		}
	}
	return idx + 1, false
}

// StartStep 为当前顺序步骤写入一条运行中的步骤记录
func (o *Orchestrator) StartStep(ctx context.Context, exec *AgentChainExecution, agentID string, workflowStateID *string) (*AgentChainExecutionStep, error) {
	if exec.Status.IsTerminal() {
		o.warnTerminal(exec, "start_step")
		return nil, ErrTerminalExecution
	}
	def, err := o.definition(ctx, exec)
	if err != nil {
		return nil, err
	}
	step, ok := def.Step(exec.CurrentStepIndex)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrStepOutOfRange, exec.CurrentStepIndex)
	}

	now := o.now()
	row := &AgentChainExecutionStep{
		ID:              uuid.New().String(),
		ExecutionID:     exec.ID,
		StepIndex:       exec.CurrentStepIndex,
		StepGroup:       step.StepGroup,
		AgentID:         agentID,
		Status:          StepRunning,
		WorkflowStateID: workflowStateID,
		StartedAt:       &now,
	}
	if err := o.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("创建步骤记录失败: %w", err)
	}
	return row, nil
}

// ExecuteParallelStepGroup 为当前步骤所在并行组的每个成员创建运行中的步骤记录
func (o *Orchestrator) ExecuteParallelStepGroup(ctx context.Context, exec *AgentChainExecution) ([]*AgentChainExecutionStep, error) {
	ctx, span := o.tracer.Start(ctx, "ChainOrchestrator.ExecuteParallelStepGroup")
	defer span.End()

	def, err := o.definition(ctx, exec)
	if err != nil {
		return nil, err
	}

	var rows []*AgentChainExecutionStep
	err = o.mutate(ctx, exec, "execute_parallel_group", func(tx *gorm.DB, e *AgentChainExecution) error {
		if e.Status == StatusPending {
			o.markRunning(e)
		}
		if e.Status != StatusRunning {
			return fmt.Errorf("%w: 状态 %s 不能执行步骤", ErrInvalidTransition, e.Status)
		}
		step, ok := def.Step(e.CurrentStepIndex)
		if !ok {
			return fmt.Errorf("%w: %d", ErrStepOutOfRange, e.CurrentStepIndex)
		}
		if !step.IsParallel() {
			return fmt.Errorf("%w: %d", ErrNotParallelStep, e.CurrentStepIndex)
		}

		now := o.now()
		for _, idx := range def.GroupIndices(step.StepGroup) {
			existing, err := latestStep(tx, e.ID, idx)
			if err != nil {
				return err
			}
			if existing != nil && existing.Status == StepRunning {
				rows = append(rows, existing)
				continue
			}
			member, _ := def.Step(idx)
			row := &AgentChainExecutionStep{
				ID:          uuid.New().String(),
				ExecutionID: e.ID,
				StepIndex:   idx,
				StepGroup:   step.StepGroup,
				AgentID:     member.AgentID,
				Status:      StepRunning,
				StartedAt:   &now,
			}
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("创建并行步骤记录失败: %w", err)
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return rows, nil
}

// RecordParallelStepResult 记录并行组中某个成员的结果；errMsg 非空表示失败
func (o *Orchestrator) RecordParallelStepResult(ctx context.Context, exec *AgentChainExecution, stepIndex int, agentID string, output map[string]any, errMsg string) error {
	def, err := o.definition(ctx, exec)
	if err != nil {
		return err
	}
	step, ok := def.Step(stepIndex)
	if !ok {
		return fmt.Errorf("%w: %d", ErrStepOutOfRange, stepIndex)
	}

	return o.mutate(ctx, exec, "record_parallel_step", func(tx *gorm.DB, e *AgentChainExecution) error {
		now := o.now()
		status := StepCompleted
		if errMsg != "" {
			status = StepFailed
		}
		row, err := o.finishStep(tx, e.ID, stepIndex, step.StepGroup, status, output, errMsg, now)
		if err != nil {
			return err
		}
		if status == StepCompleted {
			if agentID == "" {
				agentID = row.AgentID
			}
			e.ChainContext.MergeStep(stepIndex, agentID, output, now)
		}
		return nil
	})
}

// CompleteParallelGroup 组内步骤全部结束后整体推进；返回是否已推进
func (o *Orchestrator) CompleteParallelGroup(ctx context.Context, exec *AgentChainExecution, group string) (bool, error) {
	def, err := o.definition(ctx, exec)
	if err != nil {
		return false, err
	}
	indices := def.GroupIndices(group)
	if len(indices) == 0 {
		return false, fmt.Errorf("%w: 并行组 %s 不存在", ErrNotParallelStep, group)
	}

	advanced, completed := false, false
	err = o.mutate(ctx, exec, "complete_parallel_group", func(tx *gorm.DB, e *AgentChainExecution) error {
		if e.Status != StatusRunning {
			return fmt.Errorf("%w: 状态 %s 不能推进并行组", ErrInvalidTransition, e.Status)
		}
		first, last := indices[0], indices[len(indices)-1]
		if e.CurrentStepIndex < first || e.CurrentStepIndex > last {
			// 已被其他 worker 推进
			return nil
		}
		for _, idx := range indices {
			row, err := latestStep(tx, e.ID, idx)
			if err != nil {
				return err
			}
			if row == nil || row.Status == StepRunning {
				return nil
			}
		}

		advanced = true
		e.CurrentStepIndex = last + 1
		if e.CurrentStepIndex >= len(def.Steps) {
			now := o.now()
			e.Status = StatusCompleted
			e.CompletedAt = &now
			completed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if completed {
		o.onCompleted(ctx, exec)
	}
	return advanced, nil
}

// Pause 暂停执行，与步骤自身的工作流暂停相互独立
func (o *Orchestrator) Pause(ctx context.Context, exec *AgentChainExecution, reason string) error {
	return o.mutate(ctx, exec, "pause", func(_ *gorm.DB, e *AgentChainExecution) error {
		if !e.Status.CanTransitionTo(StatusPaused) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusPaused)
		}
		now := o.now()
		e.Status = StatusPaused
		e.PausedAt = &now
		e.ChainContext.PauseReason = reason
		return nil
	})
}

// Resume 恢复暂停的执行
func (o *Orchestrator) Resume(ctx context.Context, exec *AgentChainExecution, resumeData map[string]any) error {
	return o.mutate(ctx, exec, "resume", func(_ *gorm.DB, e *AgentChainExecution) error {
		if e.Status != StatusPaused {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusRunning)
		}
		now := o.now()
		e.Status = StatusRunning
		e.ResumedAt = &now
		e.ChainContext.ResumeData = resumeData
		return nil
	})
}

// Fail 将执行标记为失败，并把进行中的步骤标记为失败；已记录的步骤输出保持不变
func (o *Orchestrator) Fail(ctx context.Context, exec *AgentChainExecution, message string) error {
	err := o.mutate(ctx, exec, "fail", func(tx *gorm.DB, e *AgentChainExecution) error {
		now := o.now()
		res := tx.Model(&AgentChainExecutionStep{}).
			Where("execution_id = ? AND status = ?", e.ID, StepRunning).
			Updates(map[string]any{
				"status":        StepFailed,
				"error_message": message,
				"completed_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("标记步骤失败出错: %w", res.Error)
		}

		current, err := latestStep(tx, e.ID, e.CurrentStepIndex)
		if err != nil {
			return err
		}
		// 并行组成员已各自记录结果，不再补写失败记录
		if res.RowsAffected == 0 && (current == nil || (current.Status == StepCompleted && current.StepGroup == "")) {
			row := &AgentChainExecutionStep{
				ID:           uuid.New().String(),
				ExecutionID:  e.ID,
				StepIndex:    e.CurrentStepIndex,
				Status:       StepFailed,
				ErrorMessage: message,
				StartedAt:    &now,
				CompletedAt:  &now,
			}
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("创建失败步骤记录出错: %w", err)
			}
		}

		e.Status = StatusFailed
		e.FailedAt = &now
		e.ErrorMessage = message
		e.ChainContext.Error = message
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Warn("链执行失败",
		zap.String("execution_id", exec.ID),
		zap.Int("step_index", exec.CurrentStepIndex),
		zap.String("error", message),
	)
	return nil
}

// SetPendingApproval 记录等待审批的步骤输出
func (o *Orchestrator) SetPendingApproval(ctx context.Context, exec *AgentChainExecution, pending *PendingApproval) error {
	return o.mutate(ctx, exec, "set_pending_approval", func(_ *gorm.DB, e *AgentChainExecution) error {
		e.ChainContext.PendingApproval = pending
		return nil
	})
}

// TakePendingApproval 取出并清除等待审批的步骤输出
func (o *Orchestrator) TakePendingApproval(ctx context.Context, exec *AgentChainExecution) (*PendingApproval, error) {
	var pending *PendingApproval
	err := o.mutate(ctx, exec, "take_pending_approval", func(_ *gorm.DB, e *AgentChainExecution) error {
		pending = e.ChainContext.PendingApproval
		e.ChainContext.PendingApproval = nil
		return nil
	})
	return pending, err
}

// Get 获取执行及其步骤记录
func (o *Orchestrator) Get(ctx context.Context, id string) (*AgentChainExecution, error) {
	var exec AgentChainExecution
	err := o.db.WithContext(ctx).
		Preload("Chain").
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_index ASC, created_at ASC")
		}).
		Where("id = ?", id).
		First(&exec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("查询链执行失败: %w", err)
	}
	return &exec, nil
}

// ListStalePaused 暂停时间超过 olderThan 的执行，供外部巡检使用
func (o *Orchestrator) ListStalePaused(ctx context.Context, olderThan time.Duration) ([]*AgentChainExecution, error) {
	cutoff := o.now().Add(-olderThan)
	var out []*AgentChainExecution
	err := o.db.WithContext(ctx).
		Where("status = ? AND paused_at < ?", StatusPaused, cutoff).
		Order("paused_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询长时间暂停的执行失败: %w", err)
	}
	return out, nil
}

// RegisterLoaders 登记执行的引用加载器
func (o *Orchestrator) RegisterLoaders(reg *ref.Registry) {
	reg.Register(ref.TypeChainExec, func(ctx context.Context, id string) (any, error) {
		return o.Get(ctx, id)
	})
}

// mutate 在行锁事务内修改执行，成功后同步回调用方持有的对象
func (o *Orchestrator) mutate(ctx context.Context, exec *AgentChainExecution, action string, fn func(tx *gorm.DB, e *AgentChainExecution) error) error {
	before := exec.Status
	var locked AgentChainExecution
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", exec.ID).
			First(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
			}
			return fmt.Errorf("锁定链执行失败: %w", err)
		}
		if locked.Status.IsTerminal() {
			return ErrTerminalExecution
		}
		if err := fn(tx, &locked); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Save(&locked).Error; err != nil {
			return fmt.Errorf("保存链执行失败: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTerminalExecution) {
			o.warnTerminal(exec, action)
		}
		return err
	}

	locked.Chain = exec.Chain
	locked.Steps = exec.Steps
	*exec = locked
	if exec.Status != before {
		o.record(exec)
	}
	return nil
}

func (o *Orchestrator) markRunning(e *AgentChainExecution) {
	now := o.now()
	e.Status = StatusRunning
	if e.StartedAt == nil {
		e.StartedAt = &now
	}
}

// finishStep 结束该下标最近一条运行中的记录，没有时新建一条
func (o *Orchestrator) finishStep(tx *gorm.DB, executionID string, idx int, group string, status StepStatus, output map[string]any, errMsg string, now time.Time) (*AgentChainExecutionStep, error) {
	row, err := latestStep(tx, executionID, idx)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Status != StepRunning {
		row = &AgentChainExecutionStep{
			ID:          uuid.New().String(),
			ExecutionID: executionID,
			StepIndex:   idx,
			StepGroup:   group,
			StartedAt:   &now,
		}
	}
	row.Status = status
	row.OutputData = output
	row.ErrorMessage = errMsg
	row.CompletedAt = &now
	if err := tx.Save(row).Error; err != nil {
		return nil, fmt.Errorf("保存步骤记录失败: %w", err)
	}
	return row, nil
}

func latestStep(tx *gorm.DB, executionID string, idx int) (*AgentChainExecutionStep, error) {
	var rows []AgentChainExecutionStep
	err := tx.Where("execution_id = ? AND step_index = ?", executionID, idx).
		Order("created_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询步骤记录失败: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (o *Orchestrator) definition(ctx context.Context, exec *AgentChainExecution) (ChainDefinition, error) {
	if exec.Chain == nil {
		var c AgentChain
		if err := o.db.WithContext(ctx).Where("id = ?", exec.ChainID).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ChainDefinition{}, fmt.Errorf("%w: %s", ErrChainNotFound, exec.ChainID)
			}
			return ChainDefinition{}, fmt.Errorf("查询链失败: %w", err)
		}
		exec.Chain = &c
	}
	return exec.Chain.Definition, nil
}

func (o *Orchestrator) onCompleted(ctx context.Context, exec *AgentChainExecution) {
	o.logger.Info("链执行已完成",
		zap.String("execution_id", exec.ID),
		zap.String("team_id", exec.TeamID),
	)
	if o.memory == nil {
		return
	}
	if _, err := o.memory.ClearChainMemory(ctx, exec.TeamID, exec.ID); err != nil {
		o.logger.Error("清理链记忆失败",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) warnTerminal(exec *AgentChainExecution, action string) {
	o.logger.Warn("终态执行不可再变更",
		zap.String("execution_id", exec.ID),
		zap.String("action", action),
	)
}

func (o *Orchestrator) record(exec *AgentChainExecution) {
	if o.recorder != nil {
		o.recorder.RecordChainTransition(exec.TeamID, string(exec.Status))
	}
}
