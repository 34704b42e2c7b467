package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"workhub/internal/agent"
	"workhub/internal/chain"
	"workhub/internal/entity"
	"workhub/internal/ref"
	"workhub/internal/worker/tasks"
	"workhub/internal/workflow"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRunner struct {
	startedChain string
	startOpts    *chain.StartOptions
	ranExec      string
	exec         *chain.AgentChainExecution
	retErr       error
}

func (f *fakeRunner) StartChain(_ context.Context, chainID, _ string, opts *chain.StartOptions) (*chain.AgentChainExecution, error) {
	f.startedChain = chainID
	f.startOpts = opts
	return f.exec, f.retErr
}

func (f *fakeRunner) Run(_ context.Context, executionID string) error {
	f.ranExec = executionID
	return f.retErr
}

func mustTask(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, data)
}

func TestHandleProcessChainTrigger(t *testing.T) {
	runner := &fakeRunner{exec: &chain.AgentChainExecution{ID: "exec-1", Status: chain.StatusCompleted}}
	h := NewChainHandler(runner, zaptest.NewLogger(t))
	task := mustTask(t, tasks.TypeProcessChainTrigger, tasks.ProcessChainTriggerPayload{
		TriggerID: "tr-1", TeamID: "team-1", ChainID: "chain-1", Entity: ref.New(ref.TypeWorkOrder, "wo-1"),
	})

	require.NoError(t, h.HandleProcessChainTrigger(context.Background(), task))
	assert.Equal(t, "chain-1", runner.startedChain)
	assert.Equal(t, ref.New(ref.TypeWorkOrder, "wo-1"), runner.startOpts.TriggerEntity)
	assert.Equal(t, "trigger:tr-1", runner.startOpts.TriggeredBy)
}

func TestHandleProcessChainTriggerErrors(t *testing.T) {
	ctx := context.Background()
	task := mustTask(t, tasks.TypeProcessChainTrigger, tasks.ProcessChainTriggerPayload{ChainID: "chain-1"})

	runner := &fakeRunner{retErr: chain.ErrChainNotFound}
	err := NewChainHandler(runner, zaptest.NewLogger(t)).HandleProcessChainTrigger(ctx, task)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	runner = &fakeRunner{retErr: errors.New("db down")}
	err = NewChainHandler(runner, zaptest.NewLogger(t)).HandleProcessChainTrigger(ctx, task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	runner = &fakeRunner{exec: &chain.AgentChainExecution{ID: "exec-1"}, retErr: errors.New("db down")}
	err = NewChainHandler(runner, zaptest.NewLogger(t)).HandleProcessChainTrigger(ctx, task)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	runner = &fakeRunner{}
	err = NewChainHandler(runner, zaptest.NewLogger(t)).HandleProcessChainTrigger(ctx, asynq.NewTask(tasks.TypeProcessChainTrigger, []byte("not-json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, runner.startedChain)
}

func TestHandleProcessChainTriggerDisabledChain(t *testing.T) {
	runner := &fakeRunner{}
	h := NewChainHandler(runner, zaptest.NewLogger(t))
	task := mustTask(t, tasks.TypeProcessChainTrigger, tasks.ProcessChainTriggerPayload{ChainID: "chain-1"})
	assert.NoError(t, h.HandleProcessChainTrigger(context.Background(), task))
}

func TestHandleRunChainExecution(t *testing.T) {
	runner := &fakeRunner{}
	h := NewChainHandler(runner, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, h.HandleRunChainExecution(ctx, mustTask(t, tasks.TypeRunChainExecution, tasks.RunChainExecutionPayload{ExecutionID: "exec-1"})))
	assert.Equal(t, "exec-1", runner.ranExec)

	runner.retErr = chain.ErrExecutionNotFound
	err := h.HandleRunChainExecution(ctx, mustTask(t, tasks.TypeRunChainExecution, tasks.RunChainExecutionPayload{ExecutionID: "missing"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeCopilotDeps struct {
	wo      *entity.WorkOrder
	agent   *agent.Agent
	invoked *entity.WorkOrder
}

func (f *fakeCopilotDeps) GetWorkOrder(_ context.Context, id string) (*entity.WorkOrder, error) {
	if f.wo == nil || f.wo.ID != id {
		return nil, entity.ErrNotFound
	}
	return f.wo, nil
}

func (f *fakeCopilotDeps) GetAgentByCode(_ context.Context, code string) (*agent.Agent, error) {
	if f.agent == nil || f.agent.Code != code {
		return nil, agent.ErrAgentNotFound
	}
	return f.agent, nil
}

func (f *fakeCopilotDeps) InvokePMCopilot(_ context.Context, wo *entity.WorkOrder, _ *agent.Agent) (*workflow.AgentWorkflowState, error) {
	f.invoked = wo
	return &workflow.AgentWorkflowState{ID: "wf-1"}, nil
}

func TestHandleProcessPMCopilotTrigger(t *testing.T) {
	deps := &fakeCopilotDeps{
		wo:    &entity.WorkOrder{ID: "wo-1", TeamID: "team-1"},
		agent: &agent.Agent{ID: "agent-pm", Code: pmCopilotCode},
	}
	h := NewCopilotHandler(deps, deps, deps, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, h.HandleProcessPMCopilotTrigger(ctx, mustTask(t, tasks.TypeProcessPMCopilotTrigger, tasks.ProcessPMCopilotTriggerPayload{WorkOrderID: "wo-1"})))
	require.NotNil(t, deps.invoked)
	assert.Equal(t, "wo-1", deps.invoked.ID)

	deps.invoked = nil
	require.NoError(t, h.HandleProcessPMCopilotTrigger(ctx, mustTask(t, tasks.TypeProcessPMCopilotTrigger, tasks.ProcessPMCopilotTriggerPayload{WorkOrderID: "gone"})))
	assert.Nil(t, deps.invoked)

	deps.agent = nil
	err := h.HandleProcessPMCopilotTrigger(ctx, mustTask(t, tasks.TypeProcessPMCopilotTrigger, tasks.ProcessPMCopilotTriggerPayload{WorkOrderID: "wo-1"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeMaintenance struct {
	daily, monthly, purged int
	olderThan              time.Duration
	stale                  []*chain.AgentChainExecution
}

func (f *fakeMaintenance) ResetDailySpend(context.Context) (int64, error) {
	f.daily++
	return 3, nil
}

func (f *fakeMaintenance) ResetMonthlySpend(context.Context) (int64, error) {
	f.monthly++
	return 3, nil
}

func (f *fakeMaintenance) PurgeExpired(context.Context) (int64, error) {
	f.purged++
	return 2, nil
}

func (f *fakeMaintenance) ListStalePaused(_ context.Context, olderThan time.Duration) ([]*chain.AgentChainExecution, error) {
	f.olderThan = olderThan
	return f.stale, nil
}

func TestMaintenanceHandlers(t *testing.T) {
	f := &fakeMaintenance{stale: []*chain.AgentChainExecution{{ID: "exec-1", Status: chain.StatusPaused}}}
	h := NewMaintenanceHandler(f, f, f, 0, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, h.HandleResetDailyBudget(ctx, asynq.NewTask(tasks.TypeResetDailyBudget, nil)))
	require.NoError(t, h.HandleResetMonthlyBudget(ctx, asynq.NewTask(tasks.TypeResetMonthlyBudget, nil)))
	require.NoError(t, h.HandlePurgeExpiredMemory(ctx, asynq.NewTask(tasks.TypePurgeExpiredMemory, nil)))
	assert.Equal(t, 1, f.daily)
	assert.Equal(t, 1, f.monthly)
	assert.Equal(t, 1, f.purged)

	require.NoError(t, h.HandleReportStalePaused(ctx, asynq.NewTask(tasks.TypeReportStalePaused, nil)))
	assert.Equal(t, 24*time.Hour, f.olderThan)

	require.NoError(t, h.HandleReportStalePaused(ctx, mustTask(t, tasks.TypeReportStalePaused, tasks.ReportStalePausedPayload{OlderThanHours: 2})))
	assert.Equal(t, 2*time.Hour, f.olderThan)
}
