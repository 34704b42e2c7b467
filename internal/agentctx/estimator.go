package agentctx

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator 估算文本的 token 数，必须是确定性的
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator 按字节数 / 4 向上取整估算
type CharEstimator struct{}

func (CharEstimator) Estimate(text string) int {
	return (len(text) + 3) / 4
}

// TiktokenEstimator 基于 tiktoken 的精确计数
type TiktokenEstimator struct {
	mu  sync.Mutex
	tkm *tiktoken.Tiktoken
}

// NewTiktokenEstimator 按模型加载编码，未识别的模型回退到 cl100k_base
func NewTiktokenEstimator(model string) (*TiktokenEstimator, error) {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("加载 tiktoken 编码失败: %w", err)
		}
	}
	return &TiktokenEstimator{tkm: tkm}, nil
}

func (e *TiktokenEstimator) Estimate(text string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tkm.Encode(text, nil, nil))
}

// NewEstimator 根据配置名创建估算器
func NewEstimator(kind, model string) (TokenEstimator, error) {
	switch kind {
	case "", "chars":
		return CharEstimator{}, nil
	case "tiktoken":
		return NewTiktokenEstimator(model)
	default:
		return nil, fmt.Errorf("未知的 token 估算器: %s", kind)
	}
}
