package inbox

import (
	"net/http"
	"time"

	"workhub/internal/approval"
	"workhub/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamHandler 通过 WebSocket 推送团队的审批决定
type StreamHandler struct {
	bus       *approval.EventBus
	upgrader  websocket.Upgrader
	keepAlive time.Duration
	logger    *zap.Logger
}

// NewStreamHandler 创建推送处理器
func NewStreamHandler(bus *approval.EventBus, keepAlive time.Duration, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &StreamHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		keepAlive: keepAlive,
		logger:    logger,
	}
}

type streamEvent struct {
	InboxItemID     string    `json:"inbox_item_id"`
	WorkflowStateID string    `json:"workflow_state_id"`
	Decision        string    `json:"decision"`
	DecidedBy       string    `json:"decided_by,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Connect 建立连接
// GET /api/inbox/stream
func (h *StreamHandler) Connect(c *gin.Context) {
	teamID := middleware.GetTeamID(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket 握手失败", zap.String("team_id", teamID), zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := h.bus.Subscribe(teamID)
	defer cancel()

	// 读循环只用于感知断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	h.logger.Debug("审批推送已连接", zap.String("team_id", teamID))
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(streamEvent{
				InboxItemID:     evt.InboxItemID,
				WorkflowStateID: evt.WorkflowStateID,
				Decision:        evt.Decision,
				DecidedBy:       evt.DecidedBy,
				Reason:          evt.Reason,
				OccurredAt:      evt.OccurredAt,
			}); err != nil {
				h.logger.Debug("推送审批事件失败", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
