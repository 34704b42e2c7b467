package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskOptions 任务选项
type TaskOptions struct {
	Queue     string        // 队列名称
	MaxRetry  int           // 最大重试次数
	Timeout   time.Duration // 超时时间
	Unique    time.Duration // 去重窗口
	TaskID    string        // 任务 ID
	ProcessAt time.Time     // 延迟执行时间
	Retention time.Duration // 完成后保留时间
}

func (o TaskOptions) asynqOptions() []asynq.Option {
	var opts []asynq.Option
	if o.Queue != "" {
		opts = append(opts, asynq.Queue(o.Queue))
	}
	opts = append(opts, asynq.MaxRetry(o.MaxRetry))
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	if o.Unique > 0 {
		opts = append(opts, asynq.Unique(o.Unique))
	}
	if o.TaskID != "" {
		opts = append(opts, asynq.TaskID(o.TaskID))
	}
	if !o.ProcessAt.IsZero() {
		opts = append(opts, asynq.ProcessAt(o.ProcessAt))
	}
	if o.Retention > 0 {
		opts = append(opts, asynq.Retention(o.Retention))
	}
	return opts
}

// NewTask 以 JSON 编码 payload 构造任务
func NewTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(taskType, data), nil
}
