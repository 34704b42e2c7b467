package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"workhub/internal/agent"
	"workhub/internal/chain"
	"workhub/internal/tools"
)

var (
	// ErrMissingAPIKey 未配置 API Key
	ErrMissingAPIKey = errors.New("LLM API Key 不能为空")
	// ErrEmptyResponse 模型返回空响应
	ErrEmptyResponse = errors.New("LLM 返回空响应")
	// ErrToolRoundsExceeded 工具调用轮数超限
	ErrToolRoundsExceeded = errors.New("工具调用轮数超限")
)

// Config OpenAI 兼容执行器配置
type Config struct {
	APIKey          string
	BaseURL         string
	OrgID           string
	Model           string
	MaxRetries      int
	MaxToolRounds   int
	Temperature     float32
	CostPer1KTokens float64
}

// Option 执行器选项
type Option func(*OpenAIExecutor)

// WithLogger 注入日志
func WithLogger(l *zap.Logger) Option {
	return func(e *OpenAIExecutor) { e.logger = l }
}

// WithDefinitions 提供工具定义，用于生成 function schema
func WithDefinitions(defs tools.DefinitionProvider) Option {
	return func(e *OpenAIExecutor) { e.definitions = defs }
}

// WithBackoff 重试退避基数
func WithBackoff(d time.Duration) Option {
	return func(e *OpenAIExecutor) { e.backoff = d }
}

// WithHTTPClient 自定义 HTTP 客户端
func WithHTTPClient(c *http.Client) Option {
	return func(e *OpenAIExecutor) { e.httpClient = c }
}

// OpenAIExecutor 通过 OpenAI 兼容接口运行智能体步骤
// 工具调用经由 Gateway 执行，权限和审计由 Gateway 负责
type OpenAIExecutor struct {
	client      *openai.Client
	cfg         Config
	definitions tools.DefinitionProvider
	backoff     time.Duration
	httpClient  *http.Client
	logger      *zap.Logger
}

var _ chain.AgentExecutor = (*OpenAIExecutor)(nil)

// NewOpenAIExecutor 创建执行器
func NewOpenAIExecutor(cfg Config, opts ...Option) (*OpenAIExecutor, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 5
	}

	e := &OpenAIExecutor{
		cfg:     cfg,
		backoff: time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientConfig.OrgID = cfg.OrgID
	}
	if e.httpClient != nil {
		clientConfig.HTTPClient = e.httpClient
	}
	e.client = openai.NewClientWithConfig(clientConfig)
	return e, nil
}

// Run 执行一次智能体调用，循环处理工具调用直到模型给出最终答复
func (e *OpenAIExecutor) Run(ctx context.Context, req *chain.AgentRequest) (*chain.AgentResponse, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req)},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
	}
	toolDefs := e.toolSchemas(req.AllowedTools)

	resp := &chain.AgentResponse{}
	for round := 0; ; round++ {
		if round > e.cfg.MaxToolRounds {
			return resp, fmt.Errorf("%w: %d", ErrToolRoundsExceeded, e.cfg.MaxToolRounds)
		}

		completion, err := e.complete(ctx, openai.ChatCompletionRequest{
			Model:       e.cfg.Model,
			Messages:    messages,
			Temperature: e.cfg.Temperature,
			Tools:       toolDefs,
		})
		if err != nil {
			return resp, err
		}
		resp.TokensUsed += completion.Usage.TotalTokens
		resp.Cost = e.cost(resp.TokensUsed)

		msg := completion.Choices[0].Message
		if len(msg.ToolCalls) == 0 || req.Tools == nil {
			resp.Output = ParseOutput(msg.Content)
			return resp, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			record, content := e.invokeTool(ctx, req, call)
			resp.ToolCalls = append(resp.ToolCalls, record)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}
}

func (e *OpenAIExecutor) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	var err error
	for i := 0; i <= e.cfg.MaxRetries; i++ {
		resp, err = e.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		if !isRetryable(err) || i == e.cfg.MaxRetries {
			break
		}
		wait := time.Duration(1<<uint(i)) * e.backoff
		e.logger.Warn("LLM 调用失败，准备重试",
			zap.Int("attempt", i+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		return resp, fmt.Errorf("LLM 调用失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return resp, ErrEmptyResponse
	}
	return resp, nil
}

func (e *OpenAIExecutor) invokeTool(ctx context.Context, req *chain.AgentRequest, call openai.ToolCall) (agent.ToolCallRecord, string) {
	name := call.Function.Name
	params := map[string]any{}
	if args := strings.TrimSpace(call.Function.Arguments); args != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			record := agent.ToolCallRecord{Tool: name, Status: tools.StatusFailed, Error: "参数解析失败: " + err.Error()}
			return record, toolContent(map[string]any{"success": false, "error": record.Error})
		}
	}

	result, err := req.Tools.Execute(ctx, req.Agent, req.Config, name, params, tools.WithWorkflowState(req.WorkflowStateID))
	if err != nil {
		record := agent.ToolCallRecord{Tool: name, Params: params, Status: tools.StatusFailed, Error: err.Error()}
		return record, toolContent(map[string]any{"success": false, "error": err.Error()})
	}

	record := agent.ToolCallRecord{
		Tool:       name,
		Params:     params,
		Status:     result.Status,
		DurationMs: result.DurationMs,
		Result:     result.Data,
		Error:      result.Error,
	}
	return record, toolContent(result)
}

func (e *OpenAIExecutor) toolSchemas(allowed []string) []openai.Tool {
	if e.definitions == nil || len(allowed) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(allowed))
	for _, name := range allowed {
		def, ok := e.definitions.GetDefinition(name)
		if !ok {
			continue
		}
		params := def.Parameters
		if len(params) == 0 {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func (e *OpenAIExecutor) cost(tokens int) float64 {
	return float64(tokens) / 1000 * e.cfg.CostPer1KTokens
}

func systemPrompt(req *chain.AgentRequest) string {
	var b strings.Builder
	if req.Agent != nil {
		fmt.Fprintf(&b, "You are %s (%s).\n", req.Agent.Name, req.Agent.Code)
		if req.Agent.Description != "" {
			b.WriteString(req.Agent.Description)
			b.WriteString("\n")
		}
	}
	b.WriteString("Respond with a single JSON object.\n")
	if req.Context != nil {
		b.WriteString("\n")
		b.WriteString(req.Context.ToPromptString())
	}
	return b.String()
}

func userPrompt(req *chain.AgentRequest) string {
	if strings.TrimSpace(req.Prompt) != "" {
		return req.Prompt
	}
	return "Run your default task for the current context."
}

func toolContent(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// ParseOutput 把模型答复解析为输出对象；非 JSON 对象时放入 content 字段
func ParseOutput(content string) map[string]any {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out
	}
	return map[string]any{"content": content}
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}
