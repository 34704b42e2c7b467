package worker

import (
	"fmt"

	"workhub/internal/config"
	"workhub/internal/infra"
	"workhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// PeriodicTask 周期任务定义
type PeriodicTask struct {
	Cron     string
	TaskType string
	Queue    string
}

// PeriodicTasks 根据配置生成周期任务；cron 为空的任务不注册
func PeriodicTasks(cfg config.WorkerConfig) []PeriodicTask {
	all := []PeriodicTask{
		{Cron: cfg.BudgetResetCron, TaskType: tasks.TypeResetDailyBudget},
		{Cron: cfg.BudgetMonthlyResetCron, TaskType: tasks.TypeResetMonthlyBudget},
		{Cron: cfg.MemoryPurgeCron, TaskType: tasks.TypePurgeExpiredMemory},
		{Cron: cfg.StalePausedCron, TaskType: tasks.TypeReportStalePaused},
	}
	out := all[:0]
	for _, p := range all {
		if p.Cron == "" {
			continue
		}
		p.Queue = tasks.QueueMaintenance
		out = append(out, p)
	}
	return out
}

// Scheduler asynq 周期调度器
type Scheduler struct {
	scheduler *asynq.Scheduler
	logger    *zap.Logger
}

// NewScheduler 注册所有周期任务
func NewScheduler(redisCfg config.RedisConfig, workerCfg config.WorkerConfig, logger *zap.Logger) (*Scheduler, error) {
	s := asynq.NewScheduler(infra.AsynqRedisOpt(&redisCfg), &asynq.SchedulerOpts{
		EnqueueErrorHandler: func(task *asynq.Task, _ []asynq.Option, err error) {
			logger.Error("周期任务入队失败", zap.String("type", task.Type()), zap.Error(err))
		},
	})

	for _, p := range PeriodicTasks(workerCfg) {
		id, err := s.Register(p.Cron, asynq.NewTask(p.TaskType, nil), asynq.Queue(p.Queue), asynq.MaxRetry(1))
		if err != nil {
			return nil, fmt.Errorf("注册周期任务 %s 失败: %w", p.TaskType, err)
		}
		logger.Info("已注册周期任务",
			zap.String("type", p.TaskType),
			zap.String("cron", p.Cron),
			zap.String("entry_id", id),
		)
	}
	return &Scheduler{scheduler: s, logger: logger}, nil
}

// Start 非阻塞启动
func (s *Scheduler) Start() error {
	s.logger.Info("周期调度器启动中...")
	return s.scheduler.Start()
}

// Shutdown 停止调度器
func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
}
