package metrics

import (
	"context"
	"database/sql"
	"time"
)

// DBStatsCollector 定期采集数据库连接池状态
type DBStatsCollector struct {
	db       *sql.DB
	metrics  *Metrics
	interval time.Duration
}

// NewDBStatsCollector 创建连接池采集器
func NewDBStatsCollector(db *sql.DB, m *Metrics, interval time.Duration) *DBStatsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &DBStatsCollector{db: db, metrics: m, interval: interval}
}

// Run 阻塞采集直到 ctx 结束
func (c *DBStatsCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CollectOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce()
		}
	}
}

// CollectOnce 采集一次
func (c *DBStatsCollector) CollectOnce() {
	stats := c.db.Stats()
	c.metrics.DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	c.metrics.DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	c.metrics.DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
}
