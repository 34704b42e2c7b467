package agentctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workhub/internal/agent"
	"workhub/internal/entity"

	"go.uber.org/zap"
)

// EntitySource 构建上下文所需的实体读取接口
type EntitySource interface {
	GetTeam(ctx context.Context, id string) (*entity.Team, error)
	GetClient(ctx context.Context, id string) (*entity.Client, error)
}

// Builder 上下文构建器
type Builder struct {
	entities         EntitySource
	estimator        TokenEstimator
	defaultMaxTokens int
	maxWorkOrders    int
	logger           *zap.Logger
}

// Option 构建器选项
type Option func(*Builder)

// WithEstimator 替换 token 估算器
func WithEstimator(e TokenEstimator) Option {
	return func(b *Builder) {
		if e != nil {
			b.estimator = e
		}
	}
}

// WithDefaultMaxTokens 调用方未指定上限时使用的默认值，0 表示不限
func WithDefaultMaxTokens(n int) Option {
	return func(b *Builder) { b.defaultMaxTokens = n }
}

// WithMaxWorkOrders 项目上下文中最多携带的工单数
func WithMaxWorkOrders(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxWorkOrders = n
		}
	}
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder 创建上下文构建器
func NewBuilder(entities EntitySource, opts ...Option) *Builder {
	b := &Builder{
		entities:      entities,
		estimator:     CharEstimator{},
		maxWorkOrders: 20,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Estimate 估算上下文的 token 数
func (b *Builder) Estimate(c *AgentContext) int {
	return b.estimator.Estimate(c.Serialize())
}

// Build 为项目构建上下文；maxTokens <= 0 时使用默认上限
func (b *Builder) Build(ctx context.Context, project *entity.Project, a *agent.Agent, maxTokens int) (*AgentContext, error) {
	c, err := b.assemble(ctx, project, a)
	if err != nil {
		return nil, err
	}
	return b.fit(c, b.limit(maxTokens)), nil
}

// ChainInput 基于链执行构建上下文的输入
type ChainInput struct {
	ExecutionID      string
	CurrentStepIndex int
	Project          *entity.Project  // 可为空
	PreviousOutputs  []map[string]any // 按步骤顺序
	Filter           FilterRules      // 当前步骤的过滤规则
}

// BuildFromChainContext 在项目上下文之上注入过滤后的上游步骤输出
func (b *Builder) BuildFromChainContext(ctx context.Context, in ChainInput, a *agent.Agent, maxTokens int) (*AgentContext, error) {
	c, err := b.assemble(ctx, in.Project, a)
	if err != nil {
		return nil, err
	}

	c.PreviousStepOutputs = make([]map[string]any, 0, len(in.PreviousOutputs))
	for _, output := range in.PreviousOutputs {
		c.PreviousStepOutputs = append(c.PreviousStepOutputs, in.Filter.Apply(output))
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Metadata["chain_execution_id"] = in.ExecutionID
	c.Metadata["current_step_index"] = in.CurrentStepIndex

	return b.fit(c, b.limit(maxTokens)), nil
}

// BuildClientContext 客户上下文
func (b *Builder) BuildClientContext(client *entity.Client) map[string]any {
	if client == nil {
		return nil
	}
	out := map[string]any{"name": client.Name}
	setIfNotEmpty(out, "industry", client.Industry)
	setIfNotEmpty(out, "email", client.Email)
	setIfNotEmpty(out, "notes", client.Notes)
	return out
}

// BuildOrgContext 组织上下文
func (b *Builder) BuildOrgContext(team *entity.Team) map[string]any {
	if team == nil {
		return nil
	}
	out := map[string]any{"name": team.Name}
	setIfNotEmpty(out, "industry", team.Industry)
	setIfNotEmpty(out, "timezone", team.Timezone)
	setIfNotEmpty(out, "website", team.Website)
	return out
}

// BuildProjectContext 项目上下文，工单按传入顺序截取
func (b *Builder) BuildProjectContext(project *entity.Project) map[string]any {
	if project == nil {
		return nil
	}
	out := map[string]any{
		"id":     project.ID,
		"name":   project.Name,
		"status": project.Status,
	}
	setIfNotEmpty(out, "description", project.Description)
	if project.Budget != 0 {
		out["budget"] = project.Budget
	}

	if len(project.WorkOrders) > 0 {
		orders := make([]any, 0, min(len(project.WorkOrders), b.maxWorkOrders))
		for i := range project.WorkOrders {
			if len(orders) >= b.maxWorkOrders {
				break
			}
			wo := project.WorkOrders[i]
			item := map[string]any{
				"id":     wo.ID,
				"title":  wo.Title,
				"status": wo.Status,
			}
			setIfNotEmpty(item, "priority", wo.Priority)
			if wo.DueAt != nil {
				item["due_at"] = wo.DueAt.UTC().Format(time.RFC3339)
			}
			orders = append(orders, item)
		}
		out["work_orders"] = orders
	}
	return out
}

func (b *Builder) assemble(ctx context.Context, project *entity.Project, a *agent.Agent) (*AgentContext, error) {
	c := &AgentContext{}
	if a != nil {
		c.Metadata = map[string]any{"agent_id": a.ID, "agent_code": a.Code}
	}
	if project == nil {
		return c, nil
	}

	c.Project = b.BuildProjectContext(project)

	client := project.Client
	if client == nil && project.ClientID != nil && b.entities != nil {
		loaded, err := b.entities.GetClient(ctx, *project.ClientID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return nil, fmt.Errorf("加载客户上下文失败: %w", err)
		}
		client = loaded
	}
	c.Client = b.BuildClientContext(client)

	if b.entities != nil && project.TeamID != "" {
		team, err := b.entities.GetTeam(ctx, project.TeamID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return nil, fmt.Errorf("加载组织上下文失败: %w", err)
		}
		c.Org = b.BuildOrgContext(team)
	}
	return c, nil
}

func (b *Builder) limit(maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	return b.defaultMaxTokens
}

// fit 按优先级从低到高裁剪，直到估算值不超过上限
func (b *Builder) fit(c *AgentContext, maxTokens int) *AgentContext {
	if maxTokens <= 0 || b.Estimate(c) <= maxTokens {
		return c
	}

	before := b.Estimate(c)
	out := c.clone()
	out.Truncated = true
	for _, reduce := range reducers {
		for b.Estimate(out) > maxTokens && reduce(out) {
		}
		if b.Estimate(out) <= maxTokens {
			b.logger.Debug("上下文已裁剪", zap.Int("before", before), zap.Int("after", b.Estimate(out)), zap.Int("max_tokens", maxTokens))
			return out
		}
	}

	// 最小上下文仍超限时返回空上下文
	b.logger.Warn("上下文超出 token 上限，已清空", zap.Int("before", before), zap.Int("max_tokens", maxTokens))
	out = &AgentContext{Truncated: true}
	if b.Estimate(out) > maxTokens {
		out.Truncated = false
	}
	return out
}

// reducers 每次调用移除一部分内容，没有可移除内容时返回 false
var reducers = []func(*AgentContext) bool{
	func(c *AgentContext) bool { return popListTail(c.Project, "work_orders") },
	func(c *AgentContext) bool {
		if len(c.PreviousStepOutputs) == 0 {
			return false
		}
		c.PreviousStepOutputs = c.PreviousStepOutputs[1:]
		return true
	},
	func(c *AgentContext) bool {
		return deleteKeys(c.Project, "description") || deleteKeys(c.Client, "notes")
	},
	func(c *AgentContext) bool { return keepOnly(c.Org, "name") || keepOnly(c.Client, "name") },
	func(c *AgentContext) bool {
		if c.Org != nil {
			c.Org = nil
			return true
		}
		if c.Client != nil {
			c.Client = nil
			return true
		}
		return false
	},
	func(c *AgentContext) bool { return keepOnly(c.Project, "name", "status") },
	func(c *AgentContext) bool {
		// chain_execution_id 始终保留
		if keepOnly(c.Metadata, "chain_execution_id") {
			if len(c.Metadata) == 0 {
				c.Metadata = nil
			}
			return true
		}
		if c.Project != nil {
			c.Project = nil
			return true
		}
		return false
	},
}

func popListTail(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	list, ok := m[key].([]any)
	if !ok {
		return false
	}
	if len(list) <= 1 {
		delete(m, key)
		return true
	}
	m[key] = list[:len(list)-1]
	return true
}

func deleteKeys(m map[string]any, keys ...string) bool {
	changed := false
	for _, k := range keys {
		if _, ok := m[k]; ok {
			delete(m, k)
			changed = true
		}
	}
	return changed
}

func keepOnly(m map[string]any, keys ...string) bool {
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}
	changed := false
	for k := range m {
		if _, ok := keep[k]; !ok {
			delete(m, k)
			changed = true
		}
	}
	return changed
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
