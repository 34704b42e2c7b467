package api

import (
	"time"

	"workhub/api/handlers/agents"
	"workhub/api/handlers/chains"
	"workhub/api/handlers/events"
	"workhub/api/handlers/inbox"
	middlewarepkg "workhub/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Handlers 所有 HTTP 处理器
type Handlers struct {
	Events *events.EventHandler
	Inbox  *inbox.InboxHandler
	Stream *inbox.StreamHandler
	Chains *chains.ChainHandler
	Agents *agents.AgentHandler
}

// NewHandlers 基于容器创建处理器
func NewHandlers(c *AppContainer) *Handlers {
	return &Handlers{
		Events: events.NewEventHandler(c.Entities, c.Listener),
		Inbox:  inbox.NewInboxHandler(c.Approvals),
		Stream: inbox.NewStreamHandler(c.ApprovalBus, 30*time.Second, c.Logger.Named("inbox")),
		Chains: chains.NewChainHandler(c.Chains, c.Executions, c.Queue, c.Logger.Named("http")),
		Agents: agents.NewAgentHandler(c.Budget, c.Agents, c.Performance),
	}
}

// SetupRouter 创建 Gin 路由
func SetupRouter(c *AppContainer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	metricsPath := c.Config.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	router.Use(c.Metrics.GinMiddleware(metricsPath))
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(middlewarepkg.AccessLog(c.Logger.Named("http")))
	router.Use(CORS())

	router.GET("/health", HealthCheck(c))
	if c.Config.Metrics.Enabled {
		router.GET(metricsPath, gin.WrapH(c.Metrics.Handler()))
	}

	RegisterRoutes(router, c, NewHandlers(c))
	return router
}

// RegisterRoutes 注册业务路由
func RegisterRoutes(router *gin.Engine, c *AppContainer, h *Handlers) {
	api := router.Group("/api")
	api.Use(middlewarepkg.TeamContextMiddleware(c.Logger.Named("http")))

	registerEventRoutes(api, h)
	registerInboxRoutes(api, h)
	registerChainRoutes(api, h)
	registerAgentRoutes(api, h)
}

// registerEventRoutes 领域事件入口
func registerEventRoutes(api *gin.RouterGroup, h *Handlers) {
	evts := api.Group("/events")
	{
		evts.POST("/status-change", h.Events.StatusChange)
		evts.POST("/work-order-created", h.Events.WorkOrderCreated)
	}
}

// registerInboxRoutes 审批收件箱
func registerInboxRoutes(api *gin.RouterGroup, h *Handlers) {
	box := api.Group("/inbox")
	{
		box.GET("", h.Inbox.ListPending)
		box.GET("/stream", h.Stream.Connect)
		box.POST("/:id/approve", h.Inbox.Approve)
		box.POST("/:id/reject", h.Inbox.Reject)
	}
}

// registerChainRoutes 链执行控制
func registerChainRoutes(api *gin.RouterGroup, h *Handlers) {
	api.POST("/chains/:id/execute", h.Chains.Execute)

	execs := api.Group("/chain-executions")
	{
		execs.GET("/:id", h.Chains.GetExecution)
		execs.POST("/:id/pause", h.Chains.Pause)
		execs.POST("/:id/resume", h.Chains.Resume)
		execs.POST("/:id/fail", h.Chains.Fail)
	}
}

// registerAgentRoutes 智能体预算、活动与运行统计
func registerAgentRoutes(api *gin.RouterGroup, h *Handlers) {
	ag := api.Group("/agents")
	{
		ag.GET("/:id/budget", h.Agents.GetBudget)
		ag.GET("/:id/activity", h.Agents.ListActivity)
		ag.GET("/:id/performance", h.Agents.GetPerformance)
	}
}
