package agents

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	response "workhub/api/handlers/common"
	"workhub/internal/agent"
	"workhub/internal/budget"
	"workhub/internal/middleware"

	"github.com/gin-gonic/gin"
)

// ActivityLister 活动日志查询
type ActivityLister interface {
	ListActivity(ctx context.Context, teamID, agentID string, limit int) ([]*agent.AgentActivityLog, error)
}

// AgentHandler 智能体预算、活动与运行统计查询
type AgentHandler struct {
	budget      *budget.Service
	activity    ActivityLister
	performance *agent.PerformanceService
	now         func() time.Time
}

// NewAgentHandler 创建 AgentHandler 实例
func NewAgentHandler(budgetSvc *budget.Service, activity ActivityLister, performance *agent.PerformanceService) *AgentHandler {
	return &AgentHandler{budget: budgetSvc, activity: activity, performance: performance, now: time.Now}
}

// GetBudget 当前团队下智能体的预算状态
// GET /api/agents/:id/budget
func (h *AgentHandler) GetBudget(c *gin.Context) {
	status, err := h.budget.GetStatus(c.Request.Context(), middleware.GetTeamID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, budget.ErrConfigurationNotFound) {
			response.Fail(c, http.StatusNotFound, err)
			return
		}
		response.Fail(c, http.StatusInternalServerError, err)
		return
	}
	response.OK(c, http.StatusOK, status)
}

// ListActivity 最近的活动日志
// GET /api/agents/:id/activity?limit=50
func (h *AgentHandler) ListActivity(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	logs, err := h.activity.ListActivity(c.Request.Context(), middleware.GetTeamID(c), c.Param("id"), limit)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, err)
		return
	}
	response.OK(c, http.StatusOK, logs)
}

// GetPerformance 最近若干天的运行统计
// GET /api/agents/:id/performance?days=7
func (h *AgentHandler) GetPerformance(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 90 {
			response.FailMessage(c, http.StatusBadRequest, "days 取值范围 1-90")
			return
		}
		days = n
	}
	end := h.now()
	stats, err := h.performance.GetAgentStats(c.Request.Context(), &agent.PerformanceQuery{
		TeamID:    middleware.GetTeamID(c),
		AgentID:   c.Param("id"),
		StartTime: end.AddDate(0, 0, -days),
		EndTime:   end,
	})
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, err)
		return
	}
	response.OK(c, http.StatusOK, stats)
}
