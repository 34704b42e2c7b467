package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"workhub/internal/infra"
	"workhub/internal/infra/queue"

	"github.com/gin-gonic/gin"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status   string             `json:"status"`
	Service  string             `json:"service"`
	Database string             `json:"database"`
	Redis    string             `json:"redis,omitempty"`
	Queues   []queue.QueueStats `json:"queues,omitempty"`
	Checks   map[string]string  `json:"checks,omitempty"`
}

// HealthCheck 健康检查，数据库不可用时返回 503
// Redis 不影响状态码，只在响应中体现
func HealthCheck(c *AppContainer) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		reqCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "healthy", Service: "workhub", Database: "connected"}
		status := http.StatusOK

		if err := infra.PingDatabase(reqCtx, c.DB); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "unreachable"
			resp.Checks = map[string]string{"database": err.Error()}
			status = http.StatusServiceUnavailable
		}
		if c.Redis != nil {
			resp.Redis = "connected"
			if err := infra.PingRedis(reqCtx, c.Redis); err != nil {
				resp.Redis = "unreachable"
			}
		}
		if c.Inspector != nil {
			resp.Queues = c.Inspector.Stats()
		}
		ctx.JSON(status, resp)
	}
}

// --- 环境变量辅助函数 ---

// getEnvList 读取逗号分隔的环境变量列表
func getEnvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var res []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			res = append(res, v)
		}
	}
	return res
}

// stringInSlice 判断字符串是否存在于切片中
func stringInSlice(target string, list []string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// defaultIfEmpty 返回非空列表或默认值
func defaultIfEmpty(list []string, def []string) []string {
	if len(list) == 0 {
		return def
	}
	return list
}
