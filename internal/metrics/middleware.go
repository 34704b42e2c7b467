package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware HTTP 请求指标，跳过指标端点本身
func (m *Metrics) GinMiddleware(metricsPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == metricsPath {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := normalizePath(c)
		status := strconv.Itoa(c.Writer.Status())
		m.APIRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.APIRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// normalizePath 使用路由模板（如 /api/agents/:id），未匹配时用实际路径
func normalizePath(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	return path
}
