package agentctx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AgentContext 一次智能体调用的上下文
type AgentContext struct {
	Project             map[string]any   `json:"project,omitempty"`
	Client              map[string]any   `json:"client,omitempty"`
	Org                 map[string]any   `json:"org,omitempty"`
	PreviousStepOutputs []map[string]any `json:"previous_step_outputs,omitempty"`
	Metadata            map[string]any   `json:"metadata,omitempty"`
	Truncated           bool             `json:"truncated,omitempty"`
}

// Serialize 稳定的 JSON 序列化（map 键有序）
func (c *AgentContext) Serialize() string {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", *c)
	}
	return string(data)
}

// ToPromptString 渲染为可读的提示词文本，输出稳定
func (c *AgentContext) ToPromptString() string {
	var b strings.Builder
	writeSection(&b, "Project Context", c.Project)
	writeSection(&b, "Client Context", c.Client)
	writeSection(&b, "Organization Context", c.Org)

	if len(c.PreviousStepOutputs) > 0 {
		b.WriteString("## Previous Step Outputs\n")
		for i, output := range c.PreviousStepOutputs {
			fmt.Fprintf(&b, "### Step %d\n", i)
			writeFields(&b, output)
		}
		b.WriteString("\n")
	}
	if c.Truncated {
		b.WriteString("(context truncated to fit token budget)\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeSection(b *strings.Builder, title string, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n", title)
	writeFields(b, fields)
	b.WriteString("\n")
}

func writeFields(b *strings.Builder, fields map[string]any) {
	for _, key := range sortedKeys(fields) {
		fmt.Fprintf(b, "- %s: %s\n", key, renderValue(fields[key]))
	}
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any, []map[string]any, []string:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *AgentContext) clone() *AgentContext {
	out := &AgentContext{
		Project:   cloneMap(c.Project),
		Client:    cloneMap(c.Client),
		Org:       cloneMap(c.Org),
		Metadata:  cloneMap(c.Metadata),
		Truncated: c.Truncated,
	}
	if c.PreviousStepOutputs != nil {
		out.PreviousStepOutputs = make([]map[string]any, len(c.PreviousStepOutputs))
		for i, o := range c.PreviousStepOutputs {
			out.PreviousStepOutputs[i] = cloneMap(o)
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if list, ok := v.([]any); ok {
			v = append([]any(nil), list...)
		}
		out[k] = v
	}
	return out
}
