package tools

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder 外部指标记录接口（对接 Prometheus）
type MetricsRecorder interface {
	RecordToolCall(tool, status string, duration time.Duration)
}

// ToolMetrics 进程内工具调用统计
type ToolMetrics struct {
	mu       sync.RWMutex
	tools    map[string]*toolStats
	recorder MetricsRecorder
}

type toolStats struct {
	total         atomic.Int64
	success       atomic.Int64
	failed        atomic.Int64
	denied        atomic.Int64
	totalDuration atomic.Int64 // 纳秒
	maxDuration   atomic.Int64
	lastCalled    atomic.Int64 // Unix 时间戳
	lastError     atomic.Value // string
}

// ToolStatsSnapshot 工具统计快照
type ToolStatsSnapshot struct {
	Name        string        `json:"name"`
	TotalCalls  int64         `json:"total_calls"`
	Success     int64         `json:"success"`
	Failed      int64         `json:"failed"`
	Denied      int64         `json:"denied"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	LastCalled  *time.Time    `json:"last_called,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// NewToolMetrics 创建统计器，recorder 可为 nil
func NewToolMetrics(recorder MetricsRecorder) *ToolMetrics {
	return &ToolMetrics{
		tools:    make(map[string]*toolStats),
		recorder: recorder,
	}
}

func (m *ToolMetrics) statsFor(name string) *toolStats {
	m.mu.RLock()
	stats, ok := m.tools[name]
	m.mu.RUnlock()
	if ok {
		return stats
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if stats, ok = m.tools[name]; ok {
		return stats
	}
	stats = &toolStats{}
	m.tools[name] = stats
	return stats
}

// Record 记录一次调用
func (m *ToolMetrics) Record(name, status string, duration time.Duration, errMsg string) {
	if m == nil {
		return
	}
	stats := m.statsFor(name)
	stats.total.Add(1)
	switch status {
	case StatusSuccess:
		stats.success.Add(1)
	case StatusDenied:
		stats.denied.Add(1)
	default:
		stats.failed.Add(1)
	}
	if errMsg != "" {
		stats.lastError.Store(errMsg)
	}

	ns := duration.Nanoseconds()
	stats.totalDuration.Add(ns)
	for {
		old := stats.maxDuration.Load()
		if ns <= old || stats.maxDuration.CompareAndSwap(old, ns) {
			break
		}
	}
	stats.lastCalled.Store(time.Now().Unix())

	if m.recorder != nil {
		m.recorder.RecordToolCall(name, status, duration)
	}
}

// Snapshot 获取单个工具统计
func (m *ToolMetrics) Snapshot(name string) *ToolStatsSnapshot {
	m.mu.RLock()
	stats, ok := m.tools[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return snapshotOf(name, stats)
}

// All 按名称排序返回全部统计
func (m *ToolMetrics) All() []*ToolStatsSnapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	result := make([]*ToolStatsSnapshot, 0, len(names))
	for _, name := range names {
		result = append(result, m.Snapshot(name))
	}
	return result
}

func snapshotOf(name string, stats *toolStats) *ToolStatsSnapshot {
	total := stats.total.Load()
	snap := &ToolStatsSnapshot{
		Name:        name,
		TotalCalls:  total,
		Success:     stats.success.Load(),
		Failed:      stats.failed.Load(),
		Denied:      stats.denied.Load(),
		MaxDuration: time.Duration(stats.maxDuration.Load()),
	}
	if total > 0 {
		snap.SuccessRate = float64(snap.Success) / float64(total)
		snap.AvgDuration = time.Duration(stats.totalDuration.Load() / total)
	}
	if ts := stats.lastCalled.Load(); ts > 0 {
		t := time.Unix(ts, 0)
		snap.LastCalled = &t
	}
	if v, ok := stats.lastError.Load().(string); ok {
		snap.LastError = v
	}
	return snap
}
