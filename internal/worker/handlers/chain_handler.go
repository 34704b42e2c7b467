package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"workhub/internal/chain"
	"workhub/internal/logger"
	"workhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// ChainRunner 链驱动抽象，便于注入 mock
type ChainRunner interface {
	StartChain(ctx context.Context, chainID, teamID string, opts *chain.StartOptions) (*chain.AgentChainExecution, error)
	Run(ctx context.Context, executionID string) error
}

type ChainHandler struct {
	runner ChainRunner
	logger *zap.Logger
}

func NewChainHandler(runner ChainRunner, logger *zap.Logger) *ChainHandler {
	return &ChainHandler{
		runner: runner,
		logger: logger,
	}
}

// HandleProcessChainTrigger 触发器命中后创建并驱动链执行
func (h *ChainHandler) HandleProcessChainTrigger(ctx context.Context, t *asynq.Task) error {
	var p tasks.ProcessChainTriggerPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	ctx = logger.WithTeamID(ctx, p.TeamID)
	log := logger.With(h.logger, ctx)
	log.Info("开始处理链触发任务",
		zap.String("trigger_id", p.TriggerID),
		zap.String("chain_id", p.ChainID),
		zap.String("entity", p.Entity.String()),
	)

	exec, err := h.runner.StartChain(ctx, p.ChainID, p.TeamID, &chain.StartOptions{
		TriggerEntity: p.Entity,
		TriggeredBy:   "trigger:" + p.TriggerID,
	})
	if err != nil {
		log.Error("链执行失败",
			zap.String("trigger_id", p.TriggerID),
			zap.String("chain_id", p.ChainID),
			zap.Error(err),
		)
		if errors.Is(err, chain.ErrChainNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		// 执行已创建时不重试，避免同一事件产生多个执行
		if exec != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if exec == nil {
		return nil
	}

	log.Info("链触发任务完成",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(exec.Status)),
	)
	return nil
}

// HandleRunChainExecution 继续驱动已存在的执行
func (h *ChainHandler) HandleRunChainExecution(ctx context.Context, t *asynq.Task) error {
	var p tasks.RunChainExecutionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	ctx = logger.WithExecutionID(ctx, p.ExecutionID)
	log := logger.With(h.logger, ctx)
	log.Info("开始驱动链执行")

	if err := h.runner.Run(ctx, p.ExecutionID); err != nil {
		log.Error("链执行失败", zap.Error(err))
		if errors.Is(err, chain.ErrExecutionNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	log.Info("链执行驱动结束")
	return nil
}
