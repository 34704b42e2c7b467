package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"workhub/internal/agentctx"
	"workhub/internal/transform"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition 链定义不合法
var ErrInvalidDefinition = errors.New("invalid chain definition")

// Mode 步骤执行模式
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// ConditionAction 条件命中后的动作
type ConditionAction string

const (
	ActionGoto      ConditionAction = "goto"
	ActionTerminate ConditionAction = "terminate"
)

// Operator 条件比较方式
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
)

// NextStepCondition 步骤完成后的分支条件
type NextStepCondition struct {
	// Field 当前步骤输出中的字段路径，或完整路径 steps.<i>.output.<field>
	Field      string          `json:"field" yaml:"field"`
	Operator   Operator        `json:"operator,omitempty" yaml:"operator"`
	Value      any             `json:"value" yaml:"value"`
	Action     ConditionAction `json:"action" yaml:"action"`
	TargetStep *int            `json:"target_step,omitempty" yaml:"target_step"`
}

// StepDefinition 链中的单个步骤
type StepDefinition struct {
	Index              int                  `json:"index" yaml:"index"`
	Name               string               `json:"name,omitempty" yaml:"name"`
	AgentID            string               `json:"agent_id,omitempty" yaml:"agent_id"`
	AgentCode          string               `json:"agent_code,omitempty" yaml:"agent_code"`
	Mode               Mode                 `json:"execution_mode,omitempty" yaml:"execution_mode"`
	StepGroup          string               `json:"step_group,omitempty" yaml:"step_group"`
	Prompt             string               `json:"prompt,omitempty" yaml:"prompt"`
	ContextFilterRules agentctx.FilterRules `json:"context_filter_rules" yaml:"context_filter_rules"`
	OutputTransformer  *transform.Config    `json:"output_transformer,omitempty" yaml:"output_transformer"`
	NextStepConditions []NextStepCondition  `json:"next_step_conditions,omitempty" yaml:"next_step_conditions"`
	// ActionClass 非空时按团队策略决定是否需要人工审批
	ActionClass   string  `json:"action_class,omitempty" yaml:"action_class"`
	ProjectedCost float64 `json:"projected_cost,omitempty" yaml:"projected_cost"`
	MaxTokens     int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// IsParallel 是否属于并行组
func (s StepDefinition) IsParallel() bool {
	return s.Mode == ModeParallel
}

// AgentRef 用于日志的智能体标识
func (s StepDefinition) AgentRef() string {
	if s.AgentID != "" {
		return s.AgentID
	}
	return s.AgentCode
}

// ChainDefinition chain_definition 列的类型化结构
type ChainDefinition struct {
	Steps []StepDefinition `json:"steps" yaml:"steps"`
}

// ParseDefinition 解析并校验 JSON 链定义
func ParseDefinition(raw []byte) (ChainDefinition, error) {
	var def ChainDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return ChainDefinition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	def.normalize()
	if err := def.Validate(); err != nil {
		return ChainDefinition{}, err
	}
	return def, nil
}

// ParseDefinitionYAML 解析并校验 YAML 链定义
func ParseDefinitionYAML(raw []byte) (ChainDefinition, error) {
	var def ChainDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return ChainDefinition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	def.normalize()
	if err := def.Validate(); err != nil {
		return ChainDefinition{}, err
	}
	return def, nil
}

// normalize 未声明下标时按位置补齐，未声明模式时视为顺序
func (d *ChainDefinition) normalize() {
	explicit := false
	for _, s := range d.Steps {
		if s.Index != 0 {
			explicit = true
			break
		}
	}
	for i := range d.Steps {
		if !explicit {
			d.Steps[i].Index = i
		}
		if d.Steps[i].Mode == "" {
			d.Steps[i].Mode = ModeSequential
		}
	}
}

// Validate 校验链定义
func (d ChainDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: 至少需要一个步骤", ErrInvalidDefinition)
	}

	seen := make(map[int]bool, len(d.Steps))
	groupEnd := make(map[string]int)
	for pos, step := range d.Steps {
		if seen[step.Index] {
			return fmt.Errorf("%w: 步骤下标 %d 重复", ErrInvalidDefinition, step.Index)
		}
		seen[step.Index] = true
		if step.Index != pos {
			return fmt.Errorf("%w: 步骤下标 %d 与位置 %d 不一致", ErrInvalidDefinition, step.Index, pos)
		}
		if step.AgentID == "" && step.AgentCode == "" {
			return fmt.Errorf("%w: 步骤 %d 缺少智能体", ErrInvalidDefinition, pos)
		}

		switch step.Mode {
		case ModeSequential, "":
		case ModeParallel:
			if step.StepGroup == "" {
				return fmt.Errorf("%w: 并行步骤 %d 缺少 step_group", ErrInvalidDefinition, pos)
			}
			if last, ok := groupEnd[step.StepGroup]; ok && last != pos-1 {
				return fmt.Errorf("%w: 并行组 %s 的步骤必须连续", ErrInvalidDefinition, step.StepGroup)
			}
			groupEnd[step.StepGroup] = pos
		default:
			return fmt.Errorf("%w: 步骤 %d 的执行模式未知: %s", ErrInvalidDefinition, pos, step.Mode)
		}

		if t := step.OutputTransformer; t != nil {
			if !t.Type.Known() {
				return fmt.Errorf("%w: 步骤 %d 的输出变换类型未知: %s", ErrInvalidDefinition, pos, t.Type)
			}
			if err := t.Validate(); err != nil {
				return fmt.Errorf("%w: 步骤 %d: %v", ErrInvalidDefinition, pos, err)
			}
		}

		for ci, cond := range step.NextStepConditions {
			if cond.Field == "" {
				return fmt.Errorf("%w: 步骤 %d 条件 %d 缺少 field", ErrInvalidDefinition, pos, ci)
			}
			switch cond.Operator {
			case "", OpEquals, OpNotEquals:
			default:
				return fmt.Errorf("%w: 步骤 %d 条件 %d 的比较方式未知: %s", ErrInvalidDefinition, pos, ci, cond.Operator)
			}
			switch cond.Action {
			case ActionGoto:
				if cond.TargetStep == nil || *cond.TargetStep < 0 || *cond.TargetStep >= len(d.Steps) {
					return fmt.Errorf("%w: 步骤 %d 条件 %d 的跳转目标越界", ErrInvalidDefinition, pos, ci)
				}
			case ActionTerminate:
			default:
				return fmt.Errorf("%w: 步骤 %d 条件 %d 的动作未知: %s", ErrInvalidDefinition, pos, ci, cond.Action)
			}
		}
	}
	return nil
}

// Step 按下标获取步骤定义
func (d ChainDefinition) Step(index int) (StepDefinition, bool) {
	if index < 0 || index >= len(d.Steps) {
		return StepDefinition{}, false
	}
	return d.Steps[index], true
}

// GroupIndices 并行组包含的步骤下标（升序）
func (d ChainDefinition) GroupIndices(group string) []int {
	var out []int
	for _, s := range d.Steps {
		if s.IsParallel() && s.StepGroup == group {
			out = append(out, s.Index)
		}
	}
	return out
}

// Matches 判断条件是否命中；cc 为当前链上下文，stepIndex 为刚完成的步骤
func (c NextStepCondition) Matches(cc *ChainContext, stepIndex int) bool {
	actual, found := c.lookup(cc, stepIndex)
	switch c.Operator {
	case OpNotEquals:
		return !found || !looseEqual(actual, c.Value)
	case OpEquals, "":
		return found && looseEqual(actual, c.Value)
	default:
		return false
	}
}

func (c NextStepCondition) lookup(cc *ChainContext, stepIndex int) (any, bool) {
	index := stepIndex
	path := c.Field
	if strings.HasPrefix(path, "steps.") {
		parts := strings.SplitN(strings.TrimPrefix(path, "steps."), ".", 3)
		if len(parts) != 3 || parts[1] != "output" {
			return nil, false
		}
		i, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, false
		}
		index, path = i, parts[2]
	}

	rec, ok := cc.Step(index)
	if !ok {
		return nil, false
	}
	var current any = rec.Output
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual JSON 解码后的数字统一按 float64 比较
func looseEqual(a, b any) bool {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
