package events

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	response "workhub/api/handlers/common"
	"workhub/internal/entity"
	"workhub/internal/middleware"
	"workhub/internal/ref"
	"workhub/internal/trigger"

	"github.com/gin-gonic/gin"
)

// EntityLoader 实体读取
type EntityLoader interface {
	LoadEntity(ctx context.Context, target ref.Ref) (entity.Entity, error)
}

// EventHandler 领域事件入口
type EventHandler struct {
	entities EntityLoader
	listener *trigger.Listener
}

// NewEventHandler 创建 EventHandler 实例
func NewEventHandler(entities EntityLoader, listener *trigger.Listener) *EventHandler {
	return &EventHandler{entities: entities, listener: listener}
}

type statusChangeRequest struct {
	EntityType string `json:"entity_type" binding:"required"`
	EntityID   string `json:"entity_id" binding:"required"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status" binding:"required"`
}

type statusChangeResponse struct {
	Dispatches []*trigger.AgentTriggerDispatch `json:"dispatches"`
	Errors     string                          `json:"errors,omitempty"`
}

// StatusChange 实体状态变化
// POST /api/events/status-change
func (h *EventHandler) StatusChange(c *gin.Context) {
	var req statusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FailMessage(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	e, err := h.loadTeamEntity(c, ref.New(req.EntityType, req.EntityID))
	if err != nil {
		return
	}

	dispatches, err := h.listener.HandleStatusChange(c.Request.Context(), trigger.StatusChangeEvent{
		Entity:     e,
		FromStatus: req.FromStatus,
		ToStatus:   req.ToStatus,
		Actor:      middleware.GetActorID(c),
	})
	resp := statusChangeResponse{Dispatches: dispatches}
	if dispatches == nil {
		resp.Dispatches = []*trigger.AgentTriggerDispatch{}
	}
	if err != nil {
		// 单个触发器失败不影响其他触发器，结果中带回错误
		_ = c.Error(err)
		resp.Errors = err.Error()
	}
	response.OK(c, http.StatusAccepted, resp)
}

type workOrderCreatedRequest struct {
	WorkOrderID string `json:"work_order_id" binding:"required"`
}

// WorkOrderCreated 新工单事件
// POST /api/events/work-order-created
func (h *EventHandler) WorkOrderCreated(c *gin.Context) {
	var req workOrderCreatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FailMessage(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	e, err := h.loadTeamEntity(c, ref.New(ref.TypeWorkOrder, req.WorkOrderID))
	if err != nil {
		return
	}
	wo := e.(*entity.WorkOrder)

	enqueued, err := h.listener.HandleWorkOrderCreated(c.Request.Context(), wo, middleware.GetActorID(c))
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, err)
		return
	}
	response.OK(c, http.StatusAccepted, gin.H{"enqueued": enqueued})
}

// loadTeamEntity 读取实体并校验团队归属；失败时已写入响应
func (h *EventHandler) loadTeamEntity(c *gin.Context, target ref.Ref) (entity.Entity, error) {
	e, err := h.entities.LoadEntity(c.Request.Context(), target)
	switch {
	case errors.Is(err, ref.ErrUnknownType):
		response.Fail(c, http.StatusBadRequest, err)
		return nil, err
	case errors.Is(err, entity.ErrNotFound):
		response.Fail(c, http.StatusNotFound, err)
		return nil, err
	case err != nil:
		response.Fail(c, http.StatusInternalServerError, err)
		return nil, err
	}
	if e.EntityTeamID() != middleware.GetTeamID(c) {
		err := fmt.Errorf("%w: %s", entity.ErrNotFound, target)
		response.Fail(c, http.StatusNotFound, err)
		return nil, err
	}
	return e, nil
}
