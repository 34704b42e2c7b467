package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

// PerformanceService 基于活动日志的智能体运行统计
type PerformanceService struct {
	db *gorm.DB
}

// NewPerformanceService 创建性能分析服务
func NewPerformanceService(db *gorm.DB) *PerformanceService {
	return &PerformanceService{db: db}
}

// AgentPerformanceStats 单个智能体的运行统计
type AgentPerformanceStats struct {
	AgentID         string            `json:"agent_id"`
	TotalRuns       int64             `json:"total_runs"`
	SuccessRuns     int64             `json:"success_runs"`
	FailedRuns      int64             `json:"failed_runs"`
	SuccessRate     float64           `json:"success_rate"`
	TotalTokens     int64             `json:"total_tokens"`
	TotalCost       float64           `json:"total_cost"`
	AvgTokensPerRun float64           `json:"avg_tokens_per_run"`
	AvgLatencyMs    float64           `json:"avg_latency_ms"`
	P50LatencyMs    float64           `json:"p50_latency_ms"`
	P95LatencyMs    float64           `json:"p95_latency_ms"`
	P99LatencyMs    float64           `json:"p99_latency_ms"`
	MinLatencyMs    int64             `json:"min_latency_ms"`
	MaxLatencyMs    int64             `json:"max_latency_ms"`
	DailyTrend      []AgentDailyStats `json:"daily_trend"`
}

// AgentDailyStats 每日统计
type AgentDailyStats struct {
	Date         string  `json:"date"`
	TotalRuns    int64   `json:"total_runs"`
	SuccessRuns  int64   `json:"success_runs"`
	FailedRuns   int64   `json:"failed_runs"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// PerformanceQuery 性能查询参数
type PerformanceQuery struct {
	TeamID    string
	AgentID   string
	StartTime time.Time
	EndTime   time.Time
}

type runSample struct {
	Status     string
	TokensUsed int
	Cost       float64
	DurationMs int64
	CreatedAt  time.Time
}

// GetAgentStats 统计时间窗口内的智能体运行（只计 agent_run，不含单次工具调用）
// 百分位在内存中计算，兼容 postgres 与 sqlite
func (s *PerformanceService) GetAgentStats(ctx context.Context, query *PerformanceQuery) (*AgentPerformanceStats, error) {
	var samples []runSample
	err := s.db.WithContext(ctx).Model(&AgentActivityLog{}).
		Select("status, tokens_used, cost, duration_ms, created_at").
		Where("team_id = ? AND agent_id = ? AND run_type = ?", query.TeamID, query.AgentID, RunTypeAgentRun).
		Where("created_at BETWEEN ? AND ?", query.StartTime, query.EndTime).
		Order("created_at ASC").
		Scan(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}

	stats := &AgentPerformanceStats{AgentID: query.AgentID, DailyTrend: []AgentDailyStats{}}
	if len(samples) == 0 {
		return stats, nil
	}

	latencies := make([]int64, 0, len(samples))
	var totalLatency int64
	daily := make(map[string]*AgentDailyStats)
	var days []string
	dayLatency := make(map[string]int64)

	for _, r := range samples {
		stats.TotalRuns++
		stats.TotalTokens += int64(r.TokensUsed)
		stats.TotalCost += r.Cost
		totalLatency += r.DurationMs
		latencies = append(latencies, r.DurationMs)

		key := r.CreatedAt.UTC().Format("2006-01-02")
		d, ok := daily[key]
		if !ok {
			d = &AgentDailyStats{Date: key}
			daily[key] = d
			days = append(days, key)
		}
		d.TotalRuns++
		d.TotalTokens += int64(r.TokensUsed)
		d.TotalCost += r.Cost
		dayLatency[key] += r.DurationMs

		switch r.Status {
		case ActivityFailed:
			stats.FailedRuns++
			d.FailedRuns++
		default:
			stats.SuccessRuns++
			d.SuccessRuns++
		}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	stats.MinLatencyMs = latencies[0]
	stats.MaxLatencyMs = latencies[len(latencies)-1]
	stats.AvgLatencyMs = float64(totalLatency) / float64(stats.TotalRuns)
	stats.AvgTokensPerRun = float64(stats.TotalTokens) / float64(stats.TotalRuns)
	stats.SuccessRate = float64(stats.SuccessRuns) / float64(stats.TotalRuns) * 100
	stats.P50LatencyMs = percentile(latencies, 50)
	stats.P95LatencyMs = percentile(latencies, 95)
	stats.P99LatencyMs = percentile(latencies, 99)

	sort.Strings(days)
	for _, key := range days {
		d := daily[key]
		d.AvgLatencyMs = float64(dayLatency[key]) / float64(d.TotalRuns)
		stats.DailyTrend = append(stats.DailyTrend, *d)
	}
	return stats, nil
}

// percentile 线性插值，sorted 必须升序
func percentile(sorted []int64, p float64) float64 {
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return float64(sorted[len(sorted)-1])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo]) + frac*float64(sorted[lo+1]-sorted[lo])
}
