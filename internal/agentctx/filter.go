package agentctx

// FilterRules 上游输出进入下游上下文前的键过滤规则
// Include 非空时只保留列出的键；同时出现在两侧的键以 Include 为准
type FilterRules struct {
	Include []string `json:"context_include,omitempty" yaml:"context_include"`
	Exclude []string `json:"context_exclude,omitempty" yaml:"context_exclude"`
}

// IsZero 没有任何规则
func (r FilterRules) IsZero() bool {
	return len(r.Include) == 0 && len(r.Exclude) == 0
}

// Apply 返回过滤后的副本，不修改输入
func (r FilterRules) Apply(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	if len(r.Include) > 0 {
		for _, key := range r.Include {
			if v, ok := data[key]; ok {
				out[key] = v
			}
		}
		return out
	}

	excluded := make(map[string]struct{}, len(r.Exclude))
	for _, key := range r.Exclude {
		excluded[key] = struct{}{}
	}
	for k, v := range data {
		if _, drop := excluded[k]; !drop {
			out[k] = v
		}
	}
	return out
}
