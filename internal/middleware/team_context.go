package middleware

import (
	"net/http"
	"strings"

	"workhub/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 身份头；认证由上游网关负责
const (
	HeaderTeamID  = "X-Team-ID"
	HeaderActorID = "X-Actor-ID"
)

const (
	teamIDKey  = "team_id"
	actorIDKey = "actor_id"
)

// TeamContextMiddleware 把团队与操作人注入 Gin 上下文与 context.Context
// 缺少团队时返回 400；WebSocket 握手无法带自定义头，允许 team_id 查询参数
func TeamContextMiddleware(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		teamID := strings.TrimSpace(c.GetHeader(HeaderTeamID))
		if teamID == "" {
			teamID = strings.TrimSpace(c.Query("team_id"))
		}
		if teamID == "" {
			log.Warn("请求缺少团队信息", zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": "缺少团队信息"})
			return
		}

		c.Set(teamIDKey, teamID)
		c.Set(actorIDKey, strings.TrimSpace(c.GetHeader(HeaderActorID)))
		c.Request = c.Request.WithContext(logger.WithTeamID(c.Request.Context(), teamID))
		c.Next()
	}
}

// GetTeamID 当前请求的团队
func GetTeamID(c *gin.Context) string {
	return c.GetString(teamIDKey)
}

// GetActorID 当前请求的操作人
func GetActorID(c *gin.Context) string {
	return c.GetString(actorIDKey)
}
