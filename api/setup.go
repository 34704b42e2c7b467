package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workhub/internal/agent"
	"workhub/internal/agentctx"
	"workhub/internal/approval"
	"workhub/internal/budget"
	"workhub/internal/chain"
	"workhub/internal/config"
	"workhub/internal/entity"
	"workhub/internal/executor"
	"workhub/internal/infra/queue"
	"workhub/internal/memory"
	"workhub/internal/metrics"
	"workhub/internal/ref"
	"workhub/internal/tools"
	"workhub/internal/tools/builtin"
	"workhub/internal/transform"
	"workhub/internal/trigger"
	"workhub/internal/worker"
	"workhub/internal/workflow"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Infra 容器需要的外部资源
type Infra struct {
	DB        *gorm.DB
	Redis     *redis.Client // 可为空，为空时去重退回数据库
	Queue     *queue.Client
	Inspector *queue.Inspector // 可为空
	Metrics   *metrics.Metrics
	Executor  chain.AgentExecutor // 为空时按配置创建
}

// AppContainer 应用依赖容器
type AppContainer struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client

	Refs        *ref.Registry
	Entities    *entity.Repository
	Agents      *agent.Repository
	Performance *agent.PerformanceService
	Registry    *tools.ToolRegistry
	Permissions *tools.PermissionService
	Gateway     *tools.Gateway
	Budget      *budget.Service
	Memory      *memory.Service
	Contexts    *agentctx.Builder
	Workflows   *workflow.Orchestrator
	ApprovalBus *approval.EventBus
	Approvals   *approval.Service
	Transformer *transform.Transformer
	Chains      *chain.Service
	Executions  *chain.Orchestrator
	Runner      *chain.Runner
	Listener    *trigger.Listener

	Queue     *queue.Client
	Inspector *queue.Inspector
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Models 需要迁移的全部模型
func Models() []any {
	var out []any
	out = append(out, entity.AllModels()...)
	out = append(out, agent.AllModels()...)
	out = append(out, memory.AllModels()...)
	out = append(out, workflow.AllModels()...)
	out = append(out, approval.AllModels()...)
	out = append(out, chain.AllModels()...)
	out = append(out, trigger.AllModels()...)
	return out
}

// NewContainer 组装所有服务
func NewContainer(ctx context.Context, cfg *config.Config, inf Infra, log *zap.Logger) (*AppContainer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if inf.DB == nil {
		return nil, fmt.Errorf("数据库未初始化")
	}
	if inf.Queue == nil {
		return nil, fmt.Errorf("队列客户端未初始化")
	}
	if inf.Metrics == nil {
		inf.Metrics = metrics.New()
	}
	orch := cfg.Orchestration

	c := &AppContainer{
		Config:    cfg,
		DB:        inf.DB,
		Redis:     inf.Redis,
		Refs:      ref.NewRegistry(),
		Queue:     inf.Queue,
		Inspector: inf.Inspector,
		Metrics:   inf.Metrics,
		Logger:    log,
	}

	// 实体与智能体
	c.Entities = entity.NewRepository(inf.DB)
	c.Entities.RegisterLoaders(c.Refs)
	c.Agents = agent.NewRepository(inf.DB)
	c.Performance = agent.NewPerformanceService(inf.DB)

	// 记忆与预算
	c.Memory = memory.NewService(inf.DB, memory.WithLogger(log.Named("memory")))
	c.Budget = budget.NewService(inf.DB,
		budget.WithLogger(log.Named("budget")),
		budget.WithDeductionRecorder(inf.Metrics),
	)

	// 工具
	c.Registry = tools.NewToolRegistry()
	builtin.RegisterAll(c.Registry, builtin.Dependencies{DB: inf.DB, Memory: c.Memory})
	if dir := strings.TrimSpace(orch.ToolsDir); dir != "" {
		n, err := c.Registry.LoadDefinitionsFromDirectory(dir)
		if err != nil {
			log.Warn("加载工具定义失败", zap.String("dir", dir), zap.Error(err))
		} else {
			log.Info("已加载工具定义", zap.String("dir", dir), zap.Int("count", n))
		}
	}
	c.Permissions = tools.NewPermissionService()
	c.Gateway = tools.NewGateway(c.Registry, c.Permissions, c.Agents,
		tools.WithGatewayLogger(log.Named("tools")),
		tools.WithToolMetrics(tools.NewToolMetrics(inf.Metrics)),
	)

	// 上下文
	estimator, err := agentctx.NewEstimator(orch.TokenEstimator, orch.TiktokenModel)
	if err != nil {
		return nil, fmt.Errorf("初始化 token 估算器失败: %w", err)
	}
	c.Contexts = agentctx.NewBuilder(c.Entities,
		agentctx.WithEstimator(estimator),
		agentctx.WithDefaultMaxTokens(orch.DefaultMaxTokens),
		agentctx.WithLogger(log.Named("context")),
	)

	// 工作流与审批
	c.Workflows = workflow.NewOrchestrator(inf.DB, workflow.WithLogger(log.Named("workflow")))
	c.Workflows.RegisterLoaders(c.Refs)
	c.ApprovalBus = approval.NewEventBus(&approval.EventBusConfig{BufferSize: 16})
	c.Approvals = approval.NewService(inf.DB, c.Workflows, c.Refs,
		approval.WithEventBus(c.ApprovalBus),
		approval.WithRecorder(inf.Metrics),
		approval.WithLogger(log.Named("approval")),
	)

	// 链
	c.Transformer = transform.New(log.Named("transform"))
	c.Chains = chain.NewService(inf.DB, chain.WithServiceLogger(log.Named("chain")))
	if dir := strings.TrimSpace(orch.ChainTemplatesDir); dir != "" {
		n, err := c.Chains.LoadTemplatesFromDirectory(ctx, dir)
		if err != nil {
			log.Warn("加载链模板失败", zap.String("dir", dir), zap.Error(err))
		} else {
			log.Info("已加载链模板", zap.String("dir", dir), zap.Int("count", n))
		}
	}
	c.Executions = chain.NewOrchestrator(inf.DB,
		chain.WithMemory(c.Memory),
		chain.WithRecorder(inf.Metrics),
		chain.WithLogger(log.Named("chain")),
	)
	c.Executions.RegisterLoaders(c.Refs)

	exec := inf.Executor
	if exec == nil {
		exec, err = newExecutor(cfg.LLM, c.Registry, log.Named("executor"))
		if err != nil {
			return nil, err
		}
	}
	c.Runner = chain.NewRunner(chain.RunnerDeps{
		Chains:      c.Executions,
		Agents:      c.Agents,
		Entities:    c.Entities,
		Contexts:    c.Contexts,
		Memory:      c.Memory,
		Budget:      c.Budget,
		Permissions: c.Permissions,
		Registry:    c.Registry,
		Gateway:     c.Gateway,
		Workflows:   c.Workflows,
		Approvals:   c.Approvals,
		Transformer: c.Transformer,
		Executor:    exec,
		Enqueuer:    inf.Queue,
	},
		chain.WithParallelism(orch.ParallelMaxConcurrency),
		chain.WithRunnerLogger(log.Named("runner")),
	)
	c.Approvals.OnDecision(c.Runner.HandleApprovalDecision)

	// 触发器
	listenerOpts := []trigger.Option{
		trigger.WithAgentLookup(c.Agents),
		trigger.WithRecorder(inf.Metrics),
		trigger.WithDefaultDedupWindow(orch.DefaultDedupWindowMinutes),
		trigger.WithLogger(log.Named("trigger")),
	}
	if strings.EqualFold(orch.DedupStore, "redis") {
		if inf.Redis == nil {
			log.Warn("Redis 不可用，触发去重退回数据库")
		} else {
			listenerOpts = append(listenerOpts, trigger.WithDedupStore(trigger.NewRedisDedupStore(inf.Redis, "")))
		}
	}
	c.Listener = trigger.NewListener(inf.DB, inf.Queue, listenerOpts...)

	return c, nil
}

// WorkerDeps 后台任务处理器依赖
func (c *AppContainer) WorkerDeps() worker.Deps {
	return worker.Deps{
		Chains:      c.Runner,
		WorkOrders:  c.Entities,
		Agents:      c.Agents,
		Workflows:   c.Workflows,
		Budget:      c.Budget,
		Memory:      c.Memory,
		StaleLister: c.Executions,
	}
}

func newExecutor(cfg config.LLMConfig, defs tools.DefinitionProvider, log *zap.Logger) (chain.AgentExecutor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "echo":
		log.Warn("未配置模型，使用回显执行器")
		return executor.EchoExecutor{}, nil
	case "openai":
		exec, err := executor.NewOpenAIExecutor(executor.Config{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			OrgID:           cfg.OrgID,
			Model:           cfg.Model,
			MaxRetries:      cfg.MaxRetries,
			MaxToolRounds:   cfg.MaxToolRounds,
			Temperature:     cfg.Temperature,
			CostPer1KTokens: cfg.CostPer1KTokens,
		},
			executor.WithDefinitions(defs),
			executor.WithLogger(log),
			executor.WithBackoff(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("初始化模型执行器失败: %w", err)
		}
		return exec, nil
	default:
		return nil, fmt.Errorf("未知的模型提供方: %s", cfg.Provider)
	}
}
