package chains

import (
	"context"
	"errors"
	"net/http"

	response "workhub/api/handlers/common"
	"workhub/internal/chain"
	"workhub/internal/middleware"
	"workhub/internal/ref"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Enqueuer 把执行交给 worker
type Enqueuer interface {
	EnqueueChainExecution(ctx context.Context, executionID string) error
}

// ChainHandler 链执行控制
type ChainHandler struct {
	chains   *chain.Service
	orch     *chain.Orchestrator
	enqueuer Enqueuer
	logger   *zap.Logger
}

// NewChainHandler 创建 ChainHandler 实例
func NewChainHandler(chains *chain.Service, orch *chain.Orchestrator, enqueuer Enqueuer, logger *zap.Logger) *ChainHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainHandler{chains: chains, orch: orch, enqueuer: enqueuer, logger: logger}
}

type executeRequest struct {
	TriggerEntity *ref.Ref `json:"trigger_entity"`
}

// Execute 手动启动链
// POST /api/chains/:id/execute
func (h *ChainHandler) Execute(c *gin.Context) {
	var req executeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.FailMessage(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	teamID := middleware.GetTeamID(c)
	ch, err := h.chains.GetChain(ctx, teamID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ch.Enabled {
		response.FailMessage(c, http.StatusConflict, "chain is disabled")
		return
	}

	opts := &chain.StartOptions{TriggeredBy: "user:" + middleware.GetActorID(c)}
	if req.TriggerEntity != nil {
		opts.TriggerEntity = *req.TriggerEntity
	}
	exec, err := h.orch.ExecuteChain(ctx, ch, teamID, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.enqueuer.EnqueueChainExecution(ctx, exec.ID); err != nil {
		h.logger.Error("投递链执行失败", zap.String("execution_id", exec.ID), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, err)
		return
	}
	response.OK(c, http.StatusAccepted, exec)
}

// GetExecution 查询执行及步骤
// GET /api/chain-executions/:id
func (h *ChainHandler) GetExecution(c *gin.Context) {
	exec, ok := h.load(c)
	if !ok {
		return
	}
	response.OK(c, http.StatusOK, exec)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// Pause 暂停执行
// POST /api/chain-executions/:id/pause
func (h *ChainHandler) Pause(c *gin.Context) {
	var req pauseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.FailMessage(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
			return
		}
	}
	exec, ok := h.load(c)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "paused by " + middleware.GetActorID(c)
	}
	if err := h.orch.Pause(c.Request.Context(), exec, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, http.StatusOK, exec)
}

// Resume 恢复执行并重新投递；等待审批的执行只能通过审批恢复
// POST /api/chain-executions/:id/resume
func (h *ChainHandler) Resume(c *gin.Context) {
	var data map[string]any
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&data); err != nil {
			response.FailMessage(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
			return
		}
	}
	exec, ok := h.load(c)
	if !ok {
		return
	}
	if exec.ChainContext.PendingApproval != nil {
		response.FailMessage(c, http.StatusConflict, "execution is awaiting approval")
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["resumed_by"] = middleware.GetActorID(c)

	ctx := c.Request.Context()
	if err := h.orch.Resume(ctx, exec, data); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.enqueuer.EnqueueChainExecution(ctx, exec.ID); err != nil {
		h.logger.Error("投递链执行失败", zap.String("execution_id", exec.ID), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, err)
		return
	}
	response.OK(c, http.StatusOK, exec)
}

type failRequest struct {
	Message string `json:"message" binding:"required"`
}

// Fail 人工终止执行
// POST /api/chain-executions/:id/fail
func (h *ChainHandler) Fail(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FailMessage(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	exec, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.orch.Fail(c.Request.Context(), exec, req.Message); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, http.StatusOK, exec)
}

func (h *ChainHandler) load(c *gin.Context) (*chain.AgentChainExecution, bool) {
	exec, err := h.orch.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if exec.TeamID != middleware.GetTeamID(c) {
		response.Fail(c, http.StatusNotFound, chain.ErrExecutionNotFound)
		return nil, false
	}
	return exec, true
}

func (h *ChainHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chain.ErrChainNotFound), errors.Is(err, chain.ErrExecutionNotFound):
		response.Fail(c, http.StatusNotFound, err)
	case errors.Is(err, chain.ErrTerminalExecution), errors.Is(err, chain.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, err)
	default:
		response.Fail(c, http.StatusInternalServerError, err)
	}
}
