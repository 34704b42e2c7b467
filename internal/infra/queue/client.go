package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workhub/internal/config"
	"workhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer asynq.Client 的投递接口
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client 编排任务投递客户端
type Client struct {
	enqueuer Enqueuer
	closer   func() error
	logger   *zap.Logger
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig, logger *zap.Logger) *Client {
	c := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	client := NewClientWith(c, logger)
	client.closer = c.Close
	return client
}

// NewClientWith 使用自定义投递实现
func NewClientWith(e Enqueuer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{enqueuer: e, logger: logger}
}

// EnqueueChainTrigger 投递触发器命中后的链启动任务
func (c *Client) EnqueueChainTrigger(ctx context.Context, payload tasks.ProcessChainTriggerPayload) error {
	return c.enqueue(ctx, tasks.TypeProcessChainTrigger, payload, TaskOptions{
		Queue:    tasks.QueueChains,
		MaxRetry: 3,
		Timeout:  30 * time.Minute,
	})
}

// EnqueueChainExecution 重新投递已存在的执行；同一执行短时间内只保留一个待处理任务
func (c *Client) EnqueueChainExecution(ctx context.Context, executionID string) error {
	err := c.enqueue(ctx, tasks.TypeRunChainExecution, tasks.RunChainExecutionPayload{ExecutionID: executionID}, TaskOptions{
		Queue:    tasks.QueueChains,
		MaxRetry: 3,
		Timeout:  30 * time.Minute,
		Unique:   time.Minute,
	})
	if errors.Is(err, asynq.ErrDuplicateTask) {
		c.logger.Debug("执行已在队列中", zap.String("execution_id", executionID))
		return nil
	}
	return err
}

// EnqueuePMCopilot 投递新工单分析任务
func (c *Client) EnqueuePMCopilot(ctx context.Context, payload tasks.ProcessPMCopilotTriggerPayload) error {
	return c.enqueue(ctx, tasks.TypeProcessPMCopilotTrigger, payload, TaskOptions{
		Queue:    tasks.QueueAgents,
		MaxRetry: 3,
		Timeout:  10 * time.Minute,
		TaskID:   "pm-copilot:" + payload.WorkOrderID,
	})
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts TaskOptions) error {
	task, err := NewTask(taskType, payload)
	if err != nil {
		return err
	}
	info, err := c.enqueuer.EnqueueContext(ctx, task, opts.asynqOptions()...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			c.logger.Debug("任务已存在", zap.String("type", taskType), zap.String("task_id", opts.TaskID))
			return nil
		}
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	c.logger.Debug("任务已入队",
		zap.String("type", taskType),
		zap.String("queue", info.Queue),
		zap.String("task_id", info.ID),
	)
	return nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
