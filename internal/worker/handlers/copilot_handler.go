package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"workhub/internal/agent"
	"workhub/internal/entity"
	"workhub/internal/worker/tasks"
	"workhub/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const pmCopilotCode = "pm-copilot"

// WorkOrderLoader 工单读取
type WorkOrderLoader interface {
	GetWorkOrder(ctx context.Context, id string) (*entity.WorkOrder, error)
}

// AgentFinder 按编码查找智能体
type AgentFinder interface {
	GetAgentByCode(ctx context.Context, code string) (*agent.Agent, error)
}

// CopilotInvoker 启动项目经理助手工作流
type CopilotInvoker interface {
	InvokePMCopilot(ctx context.Context, wo *entity.WorkOrder, a *agent.Agent) (*workflow.AgentWorkflowState, error)
}

type CopilotHandler struct {
	workOrders WorkOrderLoader
	agents     AgentFinder
	workflows  CopilotInvoker
	logger     *zap.Logger
}

func NewCopilotHandler(workOrders WorkOrderLoader, agents AgentFinder, workflows CopilotInvoker, logger *zap.Logger) *CopilotHandler {
	return &CopilotHandler{
		workOrders: workOrders,
		agents:     agents,
		workflows:  workflows,
		logger:     logger,
	}
}

// HandleProcessPMCopilotTrigger 新工单交给项目经理助手
func (h *CopilotHandler) HandleProcessPMCopilotTrigger(ctx context.Context, t *asynq.Task) error {
	var p tasks.ProcessPMCopilotTriggerPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	wo, err := h.workOrders.GetWorkOrder(ctx, p.WorkOrderID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			h.logger.Warn("工单不存在，跳过", zap.String("work_order_id", p.WorkOrderID))
			return nil
		}
		return err
	}
	a, err := h.agents.GetAgentByCode(ctx, pmCopilotCode)
	if err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	state, err := h.workflows.InvokePMCopilot(ctx, wo, a)
	if err != nil {
		h.logger.Error("项目经理助手启动失败",
			zap.String("work_order_id", wo.ID),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("项目经理助手已启动",
		zap.String("team_id", wo.TeamID),
		zap.String("work_order_id", wo.ID),
		zap.String("workflow_id", state.ID),
	)
	return nil
}
