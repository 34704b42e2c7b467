package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Kind 变换类型
type Kind string

const (
	KindFlatten    Kind = "flatten"
	KindSelectKeys Kind = "select_keys"
	KindRenameKeys Kind = "rename_keys"
	KindSummarize  Kind = "summarize"
)

// 汇总表达式前缀
const (
	exprCount = "count:"
	exprSum   = "sum:"
)

// Config 输出变换配置
type Config struct {
	Type      Kind              `json:"type" yaml:"type"`
	Separator string            `json:"separator,omitempty" yaml:"separator"` // flatten，默认 "."
	Keys      []string          `json:"keys,omitempty" yaml:"keys"`           // select_keys
	Mapping   map[string]string `json:"mapping,omitempty" yaml:"mapping"`     // rename_keys: 旧键 -> 新键
	Fields    map[string]string `json:"fields,omitempty" yaml:"fields"`       // summarize: 字段名 -> 表达式
}

// Validate 校验配置，未知类型不视为错误
func (c Config) Validate() error {
	switch c.Type {
	case KindSelectKeys:
		if len(c.Keys) == 0 {
			return fmt.Errorf("select_keys 需要 keys")
		}
	case KindRenameKeys:
		if len(c.Mapping) == 0 {
			return fmt.Errorf("rename_keys 需要 mapping")
		}
	case KindSummarize:
		if len(c.Fields) == 0 {
			return fmt.Errorf("summarize 需要 fields")
		}
		for name, expr := range c.Fields {
			if !strings.HasPrefix(expr, exprCount) && !strings.HasPrefix(expr, exprSum) {
				return fmt.Errorf("summarize 字段 %s 的表达式无效: %q", name, expr)
			}
		}
	case KindFlatten:
	}
	return nil
}

// Known 是否为已知类型
func (k Kind) Known() bool {
	switch k {
	case KindFlatten, KindSelectKeys, KindRenameKeys, KindSummarize:
		return true
	default:
		return false
	}
}

// Transformer 输出变换器，无共享状态
type Transformer struct {
	logger *zap.Logger
}

// New 创建变换器
func New(logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{logger: logger}
}

// Apply 使用默认变换器
func Apply(data map[string]any, cfg Config) map[string]any {
	return New(nil).Transform(data, cfg)
}

// Transform 返回变换后的新 map，不修改输入；未知类型原样返回
func (t *Transformer) Transform(data map[string]any, cfg Config) map[string]any {
	switch cfg.Type {
	case KindFlatten:
		sep := cfg.Separator
		if sep == "" {
			sep = "."
		}
		out := make(map[string]any, len(data))
		flattenInto(out, "", sep, data)
		return out
	case KindSelectKeys:
		out := make(map[string]any, len(cfg.Keys))
		for _, key := range cfg.Keys {
			if v, ok := data[key]; ok {
				out[key] = v
			}
		}
		return out
	case KindRenameKeys:
		out := make(map[string]any, len(data))
		for k, v := range data {
			if _, renamed := cfg.Mapping[k]; !renamed {
				out[k] = v
			}
		}
		for from, to := range cfg.Mapping {
			if v, ok := data[from]; ok {
				out[to] = v
			}
		}
		return out
	case KindSummarize:
		out := make(map[string]any, len(cfg.Fields))
		for name, expr := range cfg.Fields {
			value, err := evaluate(data, expr)
			if err != nil {
				t.logger.Warn("汇总表达式无效", zap.String("field", name), zap.String("expr", expr), zap.Error(err))
				out[name] = nil
				continue
			}
			out[name] = value
		}
		return out
	default:
		if cfg.Type != "" {
			t.logger.Warn("未知的输出变换类型，原样返回", zap.String("type", string(cfg.Type)))
		}
		return copyMap(data)
	}
}

func flattenInto(out map[string]any, prefix, sep string, data map[string]any) {
	for k, v := range data {
		key := k
		if prefix != "" {
			key = prefix + sep + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flattenInto(out, key, sep, nested)
			continue
		}
		out[key] = v
	}
}

func evaluate(data map[string]any, expr string) (any, error) {
	switch {
	case strings.HasPrefix(expr, exprCount):
		path := strings.TrimPrefix(expr, exprCount)
		values := resolve(data, splitPath(path))
		if len(values) == 0 {
			return 0, nil
		}
		if strings.Contains(path, "*") {
			return len(values), nil
		}
		return countOf(values[0]), nil
	case strings.HasPrefix(expr, exprSum):
		path := strings.TrimPrefix(expr, exprSum)
		total := 0.0
		for _, v := range resolve(data, splitPath(path)) {
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if n, ok := toFloat(item); ok {
						total += n
					}
				}
				continue
			}
			if n, ok := toFloat(v); ok {
				total += n
			}
		}
		return total, nil
	default:
		return nil, fmt.Errorf("不支持的表达式: %s", expr)
	}
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// resolve 按路径取值，"*" 展开列表元素或 map 的值（按键排序）
func resolve(current any, segments []string) []any {
	if len(segments) == 0 {
		return []any{current}
	}
	seg, rest := segments[0], segments[1:]

	if seg == "*" {
		var out []any
		switch v := current.(type) {
		case []any:
			for _, item := range v {
				out = append(out, resolve(item, rest)...)
			}
		case []map[string]any:
			for _, item := range v {
				out = append(out, resolve(item, rest)...)
			}
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, resolve(v[k], rest)...)
			}
		}
		return out
	}

	switch v := current.(type) {
	case map[string]any:
		next, ok := v[seg]
		if !ok {
			return nil
		}
		return resolve(next, rest)
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil
		}
		return resolve(v[idx], rest)
	default:
		return nil
	}
}

func countOf(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case []any:
		return len(val)
	case []map[string]any:
		return len(val)
	case []string:
		return len(val)
	case map[string]any:
		return len(val)
	default:
		return 1
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
