package inbox

import (
	"errors"
	"net/http"

	response "workhub/api/handlers/common"
	"workhub/internal/approval"
	"workhub/internal/middleware"

	"github.com/gin-gonic/gin"
)

// InboxHandler 审批操作
type InboxHandler struct {
	approvals *approval.Service
}

// NewInboxHandler 创建 InboxHandler 实例
func NewInboxHandler(approvals *approval.Service) *InboxHandler {
	return &InboxHandler{approvals: approvals}
}

// ListPending 团队待处理条目
// GET /api/inbox
func (h *InboxHandler) ListPending(c *gin.Context) {
	items, err := h.approvals.ListPending(c.Request.Context(), middleware.GetTeamID(c))
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, err)
		return
	}
	response.OK(c, http.StatusOK, items)
}

// Approve 批准
// POST /api/inbox/:id/approve
func (h *InboxHandler) Approve(c *gin.Context) {
	item, ok := h.load(c)
	if !ok {
		return
	}
	state, err := h.approvals.HandleApproval(c.Request.Context(), item, middleware.GetActorID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, http.StatusOK, gin.H{"item": item, "workflow": state})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// Reject 驳回
// POST /api/inbox/:id/reject
func (h *InboxHandler) Reject(c *gin.Context) {
	var req rejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.FailMessage(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
			return
		}
	}
	item, ok := h.load(c)
	if !ok {
		return
	}
	state, err := h.approvals.HandleRejection(c.Request.Context(), item, middleware.GetActorID(c), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, http.StatusOK, gin.H{"item": item, "workflow": state})
}

func (h *InboxHandler) load(c *gin.Context) (*approval.InboxItem, bool) {
	item, err := h.approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if item.TeamID != middleware.GetTeamID(c) {
		response.Fail(c, http.StatusNotFound, approval.ErrInboxItemNotFound)
		return nil, false
	}
	return item, true
}

func (h *InboxHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, approval.ErrInboxItemNotFound):
		response.Fail(c, http.StatusNotFound, err)
	case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, approval.ErrNotApprovable):
		response.Fail(c, http.StatusConflict, err)
	default:
		response.Fail(c, http.StatusInternalServerError, err)
	}
}
