package executor

import (
	"context"

	"workhub/internal/chain"
)

// EchoExecutor 不调用模型的本地执行器，未配置 API Key 时使用
// 输出回显提示词与上下文规模，成本为零
type EchoExecutor struct{}

var _ chain.AgentExecutor = EchoExecutor{}

// Run 回显请求
func (EchoExecutor) Run(_ context.Context, req *chain.AgentRequest) (*chain.AgentResponse, error) {
	out := map[string]any{
		"prompt":     req.Prompt,
		"step_index": req.StepIndex,
	}
	if req.Agent != nil {
		out["agent"] = req.Agent.Code
	}
	if req.Context != nil {
		out["previous_outputs"] = len(req.Context.PreviousStepOutputs)
		out["truncated"] = req.Context.Truncated
	}
	return &chain.AgentResponse{Output: out}, nil
}
