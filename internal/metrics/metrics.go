package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workhub"

// Metrics 编排引擎的 Prometheus 指标
// 同时实现各服务的指标记录接口
type Metrics struct {
	registry *prometheus.Registry

	// API
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// 工具网关
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// 链执行
	ChainTransitionsTotal *prometheus.CounterVec

	// 触发器
	TriggerDispatchesTotal *prometheus.CounterVec

	// 审批
	ApprovalsPending       *prometheus.GaugeVec
	ApprovalsResolvedTotal *prometheus.CounterVec

	// 预算
	BudgetDeductionsTotal *prometheus.CounterVec
	BudgetSpendTotal      *prometheus.CounterVec

	// 数据库连接池
	DBConnections *prometheus.GaugeVec
}

// New 在独立注册表上创建指标，附带 Go 运行时与进程指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		APIRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API 请求总数",
		}, []string{"method", "path", "status"}),
		APIRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API 请求延迟分布",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ToolCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "工具调用总数",
		}, []string{"tool", "status"}),
		ToolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "工具调用耗时分布",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"tool"}),
		ChainTransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_transitions_total",
			Help:      "链执行状态迁移次数",
		}, []string{"team_id", "status"}),
		TriggerDispatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_dispatches_total",
			Help:      "触发器派发次数",
		}, []string{"team_id", "status"}),
		ApprovalsPending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "待处理的审批数量",
		}, []string{"team_id"}),
		ApprovalsResolvedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "已处理的审批数量",
		}, []string{"team_id", "decision"}),
		BudgetDeductionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_deductions_total",
			Help:      "预算扣减次数",
		}, []string{"team_id"}),
		BudgetSpendTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_spend_total",
			Help:      "累计扣减金额",
		}, []string{"team_id"}),
		DBConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections",
			Help:      "数据库连接数",
		}, []string{"state"}),
	}
}

// Registry 指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordToolCall 工具网关回调
func (m *Metrics) RecordToolCall(tool, status string, duration time.Duration) {
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordChainTransition 链编排器回调
func (m *Metrics) RecordChainTransition(teamID, status string) {
	m.ChainTransitionsTotal.WithLabelValues(teamID, status).Inc()
}

// RecordTriggerDispatch 触发监听器回调
func (m *Metrics) RecordTriggerDispatch(teamID, status string) {
	m.TriggerDispatchesTotal.WithLabelValues(teamID, status).Inc()
}

// RecordApprovalRequested 审批服务回调
func (m *Metrics) RecordApprovalRequested(teamID string) {
	m.ApprovalsPending.WithLabelValues(teamID).Inc()
}

// RecordApprovalResolved 审批服务回调
func (m *Metrics) RecordApprovalResolved(teamID, decision string) {
	m.ApprovalsPending.WithLabelValues(teamID).Dec()
	m.ApprovalsResolvedTotal.WithLabelValues(teamID, decision).Inc()
}

// RecordBudgetDeduction 预算服务回调
func (m *Metrics) RecordBudgetDeduction(teamID string, cost float64) {
	m.BudgetDeductionsTotal.WithLabelValues(teamID).Inc()
	if cost > 0 {
		m.BudgetSpendTotal.WithLabelValues(teamID).Add(cost)
	}
}
