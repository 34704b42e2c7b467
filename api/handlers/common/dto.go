package common

import (
	"github.com/gin-gonic/gin"
)

// APIResponse 通用响应结构，用于封装成功结果。
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse 统一错误返回结构。
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// OK 写入成功响应
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

// Fail 写入错误响应并记录到 gin 上下文
func Fail(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Success: false, Message: err.Error()})
}

// FailMessage 写入错误响应
func FailMessage(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Success: false, Message: message})
}
