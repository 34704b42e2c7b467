package api

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS 跨域中间件，来源白名单读取 CORS_ALLOW_ORIGINS
func CORS() gin.HandlerFunc {
	allowedOrigins := getEnvList("CORS_ALLOW_ORIGINS")
	allowedHeaders := strings.Join(defaultIfEmpty(
		getEnvList("CORS_ALLOW_HEADERS"),
		[]string{
			"Content-Type", "Content-Length", "Accept", "Origin", "Cache-Control",
			"X-Requested-With", "X-Team-ID", "X-Actor-ID", "X-Request-ID", "X-Trace-ID",
		},
	), ", ")
	allowedMethods := strings.Join(defaultIfEmpty(
		getEnvList("CORS_ALLOW_METHODS"),
		[]string{"POST", "OPTIONS", "GET"},
	), ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case len(allowedOrigins) == 0:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && stringInSlice(origin, allowedOrigins):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		c.Writer.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		c.Writer.Header().Set("Access-Control-Max-Age", "600")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
