package middleware

import (
	"time"

	"workhub/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTP 头常量
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

const requestIDKey = "request_id"

// RequestIDMiddleware 请求 ID 中间件
// 支持上游传递；没有 Trace ID 时使用 Request ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = requestID
		}

		c.Set(requestIDKey, requestID)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), traceID))

		c.Header(HeaderRequestID, requestID)
		c.Header(HeaderTraceID, traceID)
		c.Next()
	}
}

// GetRequestID 从 Gin 上下文获取请求 ID
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// AccessLog 请求日志
func AccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", GetRequestID(c)),
			zap.String("trace_id", logger.GetTraceID(c.Request.Context())),
		}
		if teamID := GetTeamID(c); teamID != "" {
			fields = append(fields, zap.String("team_id", teamID))
		}
		if len(c.Errors) > 0 {
			log.Warn("请求处理失败", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Info("请求完成", fields...)
	}
}
