package common

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("成功响应", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		OK(c, http.StatusCreated, map[string]string{"key": "value"})

		var resp APIResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.True(t, resp.Success)
		assert.Equal(t, map[string]any{"key": "value"}, resp.Data)
	})

	t.Run("错误响应", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Fail(c, http.StatusConflict, errors.New("already resolved"))

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.False(t, resp.Success)
		assert.Equal(t, "already resolved", resp.Message)
		assert.True(t, c.IsAborted())
	})
}
