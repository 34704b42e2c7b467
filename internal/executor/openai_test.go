package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workhub/internal/agent"
	"workhub/internal/agentctx"
	"workhub/internal/chain"
	"workhub/internal/tools"
)

type fakeTools struct {
	calls []string
	last  map[string]any
}

func (f *fakeTools) Execute(_ context.Context, _ *agent.Agent, _ *agent.AgentConfiguration, name string, params map[string]any, _ ...tools.ExecOption) (*tools.ToolResult, error) {
	f.calls = append(f.calls, name)
	f.last = params
	return &tools.ToolResult{
		Success:    true,
		Status:     tools.StatusSuccess,
		ToolName:   name,
		Data:       map[string]any{"count": 2},
		DurationMs: 3,
	}, nil
}

func completion(content string, toolCalls []map[string]any, tokens int) map[string]any {
	msg := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{"index": 0, "message": msg, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": tokens / 2, "completion_tokens": tokens / 2, "total_tokens": tokens},
	}
}

func newServer(t *testing.T, handler func(n int32, body map[string]any) (int, any)) *httptest.Server {
	t.Helper()
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		status, resp := handler(atomic.AddInt32(&n, 1), body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func request() *chain.AgentRequest {
	return &chain.AgentRequest{
		Agent:  &agent.Agent{Code: "pm-copilot", Name: "PM Copilot"},
		Config: &agent.AgentConfiguration{TeamID: "team-1"},
		Context: &agentctx.AgentContext{
			Project: map[string]any{"name": "Website"},
		},
		Prompt:       "summarize open work",
		AllowedTools: []string{"list_work_orders"},
	}
}

func TestOpenAIExecutor_JSONAnswer(t *testing.T) {
	srv := newServer(t, func(_ int32, body map[string]any) (int, any) {
		msgs := body["messages"].([]any)
		system := msgs[0].(map[string]any)["content"].(string)
		assert.Contains(t, system, "PM Copilot")
		assert.Contains(t, system, "Website")
		return http.StatusOK, completion(`{"summary":"ok"}`, nil, 200)
	})

	exec, err := NewOpenAIExecutor(Config{APIKey: "k", BaseURL: srv.URL, CostPer1KTokens: 0.5})
	require.NoError(t, err)

	resp, err := exec.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Output["summary"])
	assert.Equal(t, 200, resp.TokensUsed)
	assert.InDelta(t, 0.1, resp.Cost, 1e-9)
}

func TestOpenAIExecutor_ToolLoop(t *testing.T) {
	registry := tools.NewToolRegistry()
	require.NoError(t, registry.RegisterDefinition(tools.ToolDefinition{
		Name:        "list_work_orders",
		Category:    tools.CategoryGeneral,
		Description: "列出工单",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"status": map[string]any{"type": "string"}}},
	}))

	srv := newServer(t, func(n int32, body map[string]any) (int, any) {
		if n == 1 {
			toolsField := body["tools"].([]any)
			assert.Len(t, toolsField, 1)
			return http.StatusOK, completion("", []map[string]any{{
				"id":       "call_1",
				"type":     "function",
				"function": map[string]any{"name": "list_work_orders", "arguments": `{"status":"open"}`},
			}}, 100)
		}
		msgs := body["messages"].([]any)
		last := msgs[len(msgs)-1].(map[string]any)
		assert.Equal(t, "tool", last["role"])
		assert.Equal(t, "call_1", last["tool_call_id"])
		return http.StatusOK, completion("plain answer", nil, 50)
	})

	fake := &fakeTools{}
	req := request()
	req.Tools = fake

	exec, err := NewOpenAIExecutor(Config{APIKey: "k", BaseURL: srv.URL}, WithDefinitions(registry))
	require.NoError(t, err)

	resp, err := exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"list_work_orders"}, fake.calls)
	assert.Equal(t, "open", fake.last["status"])
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, tools.StatusSuccess, resp.ToolCalls[0].Status)
	assert.Equal(t, 150, resp.TokensUsed)
	assert.Equal(t, "plain answer", resp.Output["content"])
}

func TestOpenAIExecutor_RetriesServerErrors(t *testing.T) {
	srv := newServer(t, func(n int32, _ map[string]any) (int, any) {
		if n < 3 {
			return http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"message": "busy", "type": "server_error"}}
		}
		return http.StatusOK, completion(`{"done":true}`, nil, 10)
	})

	exec, err := NewOpenAIExecutor(Config{APIKey: "k", BaseURL: srv.URL, MaxRetries: 3}, WithBackoff(time.Millisecond))
	require.NoError(t, err)

	resp, err := exec.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, true, resp.Output["done"])
}

func TestOpenAIExecutor_NoRetryOnClientError(t *testing.T) {
	var hits int32
	srv := newServer(t, func(n int32, _ map[string]any) (int, any) {
		atomic.StoreInt32(&hits, n)
		return http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "bad", "type": "invalid_request_error"}}
	})

	exec, err := NewOpenAIExecutor(Config{APIKey: "k", BaseURL: srv.URL}, WithBackoff(time.Millisecond))
	require.NoError(t, err)

	_, err = exec.Run(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestOpenAIExecutor_ToolRoundLimit(t *testing.T) {
	srv := newServer(t, func(_ int32, _ map[string]any) (int, any) {
		return http.StatusOK, completion("", []map[string]any{{
			"id":       "call_x",
			"type":     "function",
			"function": map[string]any{"name": "list_work_orders", "arguments": "{}"},
		}}, 1)
	})
	req := request()
	req.Tools = &fakeTools{}

	exec, err := NewOpenAIExecutor(Config{APIKey: "k", BaseURL: srv.URL, MaxToolRounds: 2})
	require.NoError(t, err)

	resp, err := exec.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrToolRoundsExceeded)
	assert.Len(t, resp.ToolCalls, 3)
}

func TestNewOpenAIExecutor_RequiresKey(t *testing.T) {
	_, err := NewOpenAIExecutor(Config{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestParseOutput(t *testing.T) {
	assert.Equal(t, map[string]any{"a": "b"}, ParseOutput("```json\n{\"a\":\"b\"}\n```"))
	assert.Equal(t, map[string]any{"content": "hello"}, ParseOutput("hello"))
	assert.Equal(t, map[string]any{"content": "[1,2]"}, ParseOutput("[1,2]"))
}

func TestEchoExecutor(t *testing.T) {
	resp, err := EchoExecutor{}.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "pm-copilot", resp.Output["agent"])
	assert.Equal(t, "summarize open work", resp.Output["prompt"])
	assert.Zero(t, resp.Cost)
}
