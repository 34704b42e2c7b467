package queue

import (
	"workhub/internal/config"
	"workhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// QueueStats 队列统计
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// Inspector 队列状态查询，用于健康检查
type Inspector struct {
	inspector *asynq.Inspector
	queues    []string
}

// NewInspector 创建队列检查器
func NewInspector(cfg config.RedisConfig) *Inspector {
	return &Inspector{
		inspector: asynq.NewInspector(asynq.RedisClientOpt{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		queues: []string{tasks.QueueChains, tasks.QueueAgents, tasks.QueueMaintenance},
	}
}

// Stats 各队列的统计；尚未创建的队列跳过
func (i *Inspector) Stats() []QueueStats {
	out := make([]QueueStats, 0, len(i.queues))
	for _, q := range i.queues {
		info, err := i.inspector.GetQueueInfo(q)
		if err != nil {
			continue
		}
		out = append(out, QueueStats{
			Queue:     q,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Processed: info.Processed,
			Failed:    info.Failed,
		})
	}
	return out
}

// Close 关闭检查器
func (i *Inspector) Close() error {
	return i.inspector.Close()
}
