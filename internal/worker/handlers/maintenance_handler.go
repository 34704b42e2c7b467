package handlers

import (
	"context"
	"encoding/json"
	"time"

	"workhub/internal/chain"
	"workhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// BudgetResetter 预算周期重置
type BudgetResetter interface {
	ResetDailySpend(ctx context.Context) (int64, error)
	ResetMonthlySpend(ctx context.Context) (int64, error)
}

// MemoryPurger 过期记忆清理
type MemoryPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// StalePausedLister 长时间暂停的执行
type StalePausedLister interface {
	ListStalePaused(ctx context.Context, olderThan time.Duration) ([]*chain.AgentChainExecution, error)
}

// MaintenanceHandler 周期任务
type MaintenanceHandler struct {
	budget   BudgetResetter
	memory   MemoryPurger
	chains   StalePausedLister
	logger   *zap.Logger
	defHours int
}

func NewMaintenanceHandler(budget BudgetResetter, memory MemoryPurger, chains StalePausedLister, staleHours int, logger *zap.Logger) *MaintenanceHandler {
	if staleHours <= 0 {
		staleHours = 24
	}
	return &MaintenanceHandler{
		budget:   budget,
		memory:   memory,
		chains:   chains,
		logger:   logger,
		defHours: staleHours,
	}
}

func (h *MaintenanceHandler) HandleResetDailyBudget(ctx context.Context, _ *asynq.Task) error {
	n, err := h.budget.ResetDailySpend(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("日预算已重置", zap.Int64("configs", n))
	return nil
}

func (h *MaintenanceHandler) HandleResetMonthlyBudget(ctx context.Context, _ *asynq.Task) error {
	n, err := h.budget.ResetMonthlySpend(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("月预算已重置", zap.Int64("configs", n))
	return nil
}

func (h *MaintenanceHandler) HandlePurgeExpiredMemory(ctx context.Context, _ *asynq.Task) error {
	n, err := h.memory.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		h.logger.Info("已清理过期记忆", zap.Int64("rows", n))
	}
	return nil
}

// HandleReportStalePaused 只报告，不自动失败
func (h *MaintenanceHandler) HandleReportStalePaused(ctx context.Context, t *asynq.Task) error {
	hours := h.defHours
	if len(t.Payload()) > 0 {
		var p tasks.ReportStalePausedPayload
		if err := json.Unmarshal(t.Payload(), &p); err == nil && p.OlderThanHours > 0 {
			hours = p.OlderThanHours
		}
	}

	stale, err := h.chains.ListStalePaused(ctx, time.Duration(hours)*time.Hour)
	if err != nil {
		return err
	}
	for _, exec := range stale {
		h.logger.Warn("链执行长时间暂停",
			zap.String("execution_id", exec.ID),
			zap.String("team_id", exec.TeamID),
			zap.Int("step_index", exec.CurrentStepIndex),
			zap.String("reason", exec.ChainContext.PauseReason),
		)
	}
	return nil
}
