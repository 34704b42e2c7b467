package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"workhub/internal/agent"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type memoryRecorder struct {
	mu   sync.Mutex
	logs []*agent.AgentActivityLog
	err  error
}

func (m *memoryRecorder) RecordActivity(ctx context.Context, log *agent.AgentActivityLog) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log.ID = fmt.Sprintf("log-%d", len(m.logs)+1)
	m.logs = append(m.logs, log)
	return nil
}

func newTestGateway(t *testing.T, rec ActivityRecorder, registered ...Tool) (*Gateway, *ToolMetrics) {
	t.Helper()
	r := NewToolRegistry()
	for _, tool := range registered {
		r.Register(tool)
	}
	metrics := NewToolMetrics(nil)
	return NewGateway(r, NewPermissionService(), rec, WithGatewayLogger(zaptest.NewLogger(t)), WithToolMetrics(metrics)), metrics
}

func testAgent() (*agent.Agent, *agent.AgentConfiguration) {
	a := &agent.Agent{ID: "agent-1", Code: "pm-copilot"}
	cfg := &agent.AgentConfiguration{ID: "cfg-1", TeamID: "team-1", AgentID: a.ID, Enabled: true}
	return a, cfg
}

func TestGatewayUnknownToolFails(t *testing.T) {
	rec := &memoryRecorder{}
	gw, _ := newTestGateway(t, rec)
	a, cfg := testAgent()

	for _, name := range []string{"missing", "also_missing", ""} {
		before := len(rec.logs)
		res, err := gw.Execute(context.Background(), a, cfg, name, map[string]any{"x": 1})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Error, "not found")

		require.Len(t, rec.logs, before+1)
		entry := rec.logs[len(rec.logs)-1]
		require.Len(t, entry.ToolCalls, 1)
		assert.Equal(t, StatusFailed, entry.ToolCalls[0].Status)
		assert.Equal(t, agent.RunTypeToolExecution, entry.RunType)
		assert.Equal(t, "team-1", entry.TeamID)
		assert.Equal(t, res.ActivityLogID, entry.ID)
	}
}

func TestGatewayDeniedNeverInvokesTool(t *testing.T) {
	categories := []string{CategoryWorkOrders, CategoryTasks, CategoryClient, CategoryEmail, CategoryDeliverables, CategoryFinancial, CategoryPlaybooks}
	for _, category := range categories {
		t.Run(category, func(t *testing.T) {
			tool := &stubTool{name: "guarded_" + category, category: category, result: map[string]any{"ok": true}}
			rec := &memoryRecorder{}
			gw, metrics := newTestGateway(t, rec, tool)
			a, cfg := testAgent()

			res, err := gw.Execute(context.Background(), a, cfg, tool.name, nil)
			require.NoError(t, err)
			assert.Equal(t, StatusDenied, res.Status)
			assert.True(t, res.IsDenied())
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, "Permission denied")
			assert.Contains(t, res.Error, category)
			assert.Equal(t, 0, tool.calls)

			require.Len(t, rec.logs, 1)
			assert.Equal(t, StatusDenied, rec.logs[0].ToolCalls[0].Status)

			snap := metrics.Snapshot(tool.name)
			require.NotNil(t, snap)
			assert.Equal(t, int64(1), snap.Denied)
		})
	}
}

func TestGatewayDefinitionPermissionOverridesCategory(t *testing.T) {
	tool := &stubTool{name: "approve_invoice", category: CategoryGeneral, result: map[string]any{}}
	rec := &memoryRecorder{}
	gw, _ := newTestGateway(t, rec, tool)
	require.NoError(t, gw.Registry().RegisterDefinition(ToolDefinition{
		Name:               "approve_invoice",
		Category:           CategoryGeneral,
		RequiredPermission: CategoryFinancial,
	}))
	a, cfg := testAgent()

	res, err := gw.Execute(context.Background(), a, cfg, "approve_invoice", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, res.Status)

	cfg.CanAccessFinancialData = true
	res, err = gw.Execute(context.Background(), a, cfg, "approve_invoice", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, tool.calls)
}

func TestGatewayToolErrorAndPanic(t *testing.T) {
	failing := &stubTool{name: "flaky", category: CategoryGeneral, err: errors.New("upstream timeout")}
	panicking := &stubTool{name: "broken", category: CategoryGeneral, panicVal: "nil map"}
	rec := &memoryRecorder{}
	gw, _ := newTestGateway(t, rec, failing, panicking)
	a, cfg := testAgent()

	res, err := gw.Execute(context.Background(), a, cfg, "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "upstream timeout", res.Error)

	res, err = gw.Execute(context.Background(), a, cfg, "broken", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "nil map")

	require.Len(t, rec.logs, 2)
	assert.Equal(t, "upstream timeout", rec.logs[0].ToolCalls[0].Error)
}

func TestGatewaySuccess(t *testing.T) {
	tool := &stubTool{name: "list_tasks", category: CategoryGeneral, result: map[string]any{"count": 3}}
	rec := &memoryRecorder{}
	gw, metrics := newTestGateway(t, rec, tool)
	a, cfg := testAgent()

	res, err := gw.Execute(context.Background(), a, cfg, "list_tasks", map[string]any{"project_id": "p1"}, WithWorkflowState("wf-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Data["count"])
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))

	require.Len(t, rec.logs, 1)
	entry := rec.logs[0]
	require.NotNil(t, entry.WorkflowStateID)
	assert.Equal(t, "wf-1", *entry.WorkflowStateID)
	assert.Equal(t, "p1", entry.ToolCalls[0].Params["project_id"])
	assert.Equal(t, 3, entry.ToolCalls[0].Result["count"])

	snap := metrics.Snapshot("list_tasks")
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Success)
}

func TestGatewayRecorderFailurePropagates(t *testing.T) {
	tool := &stubTool{name: "list_tasks", category: CategoryGeneral, result: map[string]any{}}
	rec := &memoryRecorder{err: errors.New("db down")}
	gw, _ := newTestGateway(t, rec, tool)
	a, cfg := testAgent()

	res, err := gw.Execute(context.Background(), a, cfg, "list_tasks", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestGatewayExecuteBatchKeepsOrder(t *testing.T) {
	rec := &memoryRecorder{}
	gw, _ := newTestGateway(t, rec,
		&stubTool{name: "one", category: CategoryGeneral, result: map[string]any{"n": 1}},
		&stubTool{name: "email", category: CategoryEmail, result: map[string]any{}},
	)
	a, cfg := testAgent()

	results, err := gw.ExecuteBatch(context.Background(), a, cfg, []BatchCall{
		{ToolName: "one"},
		{ToolName: "email"},
		{ToolName: "ghost"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, StatusDenied, results[1].Status)
	assert.Equal(t, StatusFailed, results[2].Status)
	assert.Len(t, rec.logs, 3)
}

func TestGatewayPersistsActivityLog(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(agent.AllModels()...))

	repo := agent.NewRepository(db)
	gw, _ := newTestGateway(t, repo)
	a, cfg := testAgent()

	res, err := gw.Execute(context.Background(), a, cfg, "unknown_tool", map[string]any{"id": "w1"})
	require.NoError(t, err)
	require.NotEmpty(t, res.ActivityLogID)

	logs, err := repo.ListActivity(context.Background(), "team-1", "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Len(t, logs[0].ToolCalls, 1)
	assert.Equal(t, "unknown_tool", logs[0].ToolCalls[0].Tool)
	assert.Equal(t, StatusFailed, logs[0].ToolCalls[0].Status)
}
