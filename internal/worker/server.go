package worker

import (
	"context"

	"workhub/internal/config"
	"workhub/internal/infra"
	"workhub/internal/worker/handlers"
	"workhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Deps 处理器依赖
type Deps struct {
	Chains      handlers.ChainRunner
	WorkOrders  handlers.WorkOrderLoader
	Agents      handlers.AgentFinder
	Workflows   handlers.CopilotInvoker
	Budget      handlers.BudgetResetter
	Memory      handlers.MemoryPurger
	StaleLister handlers.StalePausedLister
}

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewServer(redisCfg config.RedisConfig, workerCfg config.WorkerConfig, deps Deps, logger *zap.Logger) *Server {
	concurrency := workerCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	queues := workerCfg.Queues
	if len(queues) == 0 {
		queues = map[string]int{
			tasks.QueueChains:      6,
			tasks.QueueAgents:      3,
			tasks.QueueMaintenance: 1,
		}
	}

	srv := asynq.NewServer(
		infra.AsynqRedisOpt(&redisCfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues:      queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	return &Server{
		server: srv,
		mux:    NewMux(deps, workerCfg, logger),
		logger: logger,
	}
}

// NewMux 注册所有任务处理器
func NewMux(deps Deps, workerCfg config.WorkerConfig, logger *zap.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()

	chainHandler := handlers.NewChainHandler(deps.Chains, logger)
	mux.HandleFunc(tasks.TypeProcessChainTrigger, chainHandler.HandleProcessChainTrigger)
	mux.HandleFunc(tasks.TypeRunChainExecution, chainHandler.HandleRunChainExecution)

	copilotHandler := handlers.NewCopilotHandler(deps.WorkOrders, deps.Agents, deps.Workflows, logger)
	mux.HandleFunc(tasks.TypeProcessPMCopilotTrigger, copilotHandler.HandleProcessPMCopilotTrigger)

	maintenance := handlers.NewMaintenanceHandler(deps.Budget, deps.Memory, deps.StaleLister, workerCfg.StalePausedHours, logger)
	mux.HandleFunc(tasks.TypeResetDailyBudget, maintenance.HandleResetDailyBudget)
	mux.HandleFunc(tasks.TypeResetMonthlyBudget, maintenance.HandleResetMonthlyBudget)
	mux.HandleFunc(tasks.TypePurgeExpiredMemory, maintenance.HandlePurgeExpiredMemory)
	mux.HandleFunc(tasks.TypeReportStalePaused, maintenance.HandleReportStalePaused)

	return mux
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}
