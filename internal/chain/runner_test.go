package chain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"workhub/internal/agent"
	"workhub/internal/agentctx"
	"workhub/internal/approval"
	"workhub/internal/budget"
	"workhub/internal/entity"
	"workhub/internal/ref"
	"workhub/internal/tools"
	"workhub/internal/transform"
	"workhub/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeExecutor struct {
	mu   sync.Mutex
	reqs []*AgentRequest
	run  func(req *AgentRequest) (*AgentResponse, error)
}

func (f *fakeExecutor) Run(_ context.Context, req *AgentRequest) (*AgentResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.run(req)
}

func (f *fakeExecutor) request(stepIndex int) *AgentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.reqs {
		if req.StepIndex == stepIndex {
			return req
		}
	}
	return nil
}

type queuedExecutions struct {
	ids []string
}

func (q *queuedExecutions) EnqueueChainExecution(_ context.Context, id string) error {
	q.ids = append(q.ids, id)
	return nil
}

type runnerFixture struct {
	*orchestratorFixture
	runner    *Runner
	executor  *fakeExecutor
	agents    *agent.Repository
	approvals *approval.Service
	workflows *workflow.Orchestrator
	pm        *agent.Agent
	writer    *agent.Agent
}

func setupRunner(t *testing.T, run func(req *AgentRequest) (*AgentResponse, error)) *runnerFixture {
	t.Helper()
	ctx := context.Background()
	f := setupOrchestrator(t)
	models := append(agent.AllModels(), entity.AllModels()...)
	models = append(models, workflow.AllModels()...)
	models = append(models, approval.AllModels()...)
	require.NoError(t, f.db.AutoMigrate(models...))

	logger := zaptest.NewLogger(t)
	agents := agent.NewRepository(f.db)
	entities := entity.NewRepository(f.db)
	workflows := workflow.NewOrchestrator(f.db, workflow.WithLogger(logger))
	refs := ref.NewRegistry()
	workflows.RegisterLoaders(refs)
	approvals := approval.NewService(f.db, workflows, refs, approval.WithLogger(logger))

	registry := tools.NewToolRegistry()
	permissions := tools.NewPermissionService()
	executor := &fakeExecutor{run: run}

	runner := NewRunner(RunnerDeps{
		Chains:      f.orch,
		Agents:      agents,
		Entities:    entities,
		Contexts:    agentctx.NewBuilder(entities, agentctx.WithLogger(logger)),
		Memory:      f.memory,
		Budget:      budget.NewService(f.db, budget.WithLogger(logger)),
		Permissions: permissions,
		Registry:    registry,
		Gateway:     tools.NewGateway(registry, permissions, agents),
		Workflows:   workflows,
		Approvals:   approvals,
		Transformer: transform.New(logger),
		Executor:    executor,
	}, WithParallelism(1), WithRunnerLogger(logger))
	approvals.OnDecision(runner.HandleApprovalDecision)

	require.NoError(t, f.db.Create(&entity.Team{ID: "team-1", Name: "Northwind Studio"}).Error)
	require.NoError(t, f.db.Create(&entity.Project{ID: "proj-1", TeamID: "team-1", Name: "Spring launch", Status: "active"}).Error)
	require.NoError(t, f.db.Create(&entity.WorkOrder{ID: "wo-1", TeamID: "team-1", ProjectID: "proj-1", Title: "Landing page", Status: "ready"}).Error)

	pm := &agent.Agent{ID: "agent-pm", Code: "pm-copilot", Name: "PM Copilot", Type: "copilot"}
	writer := &agent.Agent{ID: "agent-writer", Code: "writer", Name: "Writer", Type: "writer"}
	for _, a := range []*agent.Agent{pm, writer} {
		require.NoError(t, f.db.Create(a).Error)
		require.NoError(t, agents.SaveConfiguration(ctx, &agent.AgentConfiguration{
			TeamID:           "team-1",
			AgentID:          a.ID,
			Enabled:          true,
			MonthlyBudgetCap: 10,
		}))
	}

	return &runnerFixture{
		orchestratorFixture: f,
		runner:              runner,
		executor:            executor,
		agents:              agents,
		approvals:           approvals,
		workflows:           workflows,
		pm:                  pm,
		writer:              writer,
	}
}

func echoStep(req *AgentRequest) (*AgentResponse, error) {
	return &AgentResponse{
		Output:     map[string]any{"step": req.StepIndex, "agent": req.Agent.Code},
		TokensUsed: 120,
		Cost:       0.25,
	}, nil
}

func (f *runnerFixture) start(t *testing.T, steps ...StepDefinition) *AgentChainExecution {
	t.Helper()
	c := f.createChain(t, steps...)
	exec, err := f.runner.StartChain(context.Background(), c.ID, "team-1", &StartOptions{
		TriggerEntity: ref.New(ref.TypeWorkOrder, "wo-1"),
		TriggeredBy:   "user-1",
	})
	require.NoError(t, err)
	require.NotNil(t, exec)
	loaded, err := f.orch.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	return loaded
}

func TestRunnerCompletesSequentialChain(t *testing.T) {
	ctx := context.Background()
	f := setupRunner(t, func(req *AgentRequest) (*AgentResponse, error) {
		if req.StepIndex == 0 {
			return &AgentResponse{Output: map[string]any{"text": "brief", "internal": "notes"}, Cost: 0.25}, nil
		}
		return echoStep(req)
	})

	exec := f.start(t,
		StepDefinition{
			AgentCode:         "pm-copilot",
			Prompt:            "Summarize the work order",
			OutputTransformer: &transform.Config{Type: transform.KindRenameKeys, Mapping: map[string]string{"text": "summary"}},
		},
		StepDefinition{
			AgentID:            "agent-writer",
			ContextFilterRules: agentctx.FilterRules{Include: []string{"summary"}},
		},
	)

	assert.Equal(t, StatusCompleted, exec.Status)
	require.Len(t, exec.Steps, 2)
	step0, _ := exec.ChainContext.Step(0)
	assert.Equal(t, "brief", step0.Output["summary"])
	assert.NotContains(t, step0.Output, "text")
	assert.Equal(t, "agent-pm", step0.AgentID)

	second := f.executor.request(1)
	require.NotNil(t, second)
	require.Len(t, second.Context.PreviousStepOutputs, 1)
	assert.Equal(t, map[string]any{"summary": "brief"}, second.Context.PreviousStepOutputs[0])
	assert.Equal(t, "Spring launch", second.Context.Project["name"])
	assert.Equal(t, exec.ID, second.Context.Metadata["chain_execution_id"])

	logs, err := f.agents.ListActivity(ctx, "team-1", "agent-pm", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, agent.RunTypeAgentRun, logs[0].RunType)
	require.NotNil(t, logs[0].WorkflowStateID)

	cfg, err := f.agents.GetConfiguration(ctx, "team-1", "agent-writer")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, cfg.CurrentMonthSpend, 1e-9)

	memories, err := f.memory.GetAllChainMemories(ctx, "team-1", exec.ID)
	require.NoError(t, err)
	assert.Empty(t, memories)
}

func TestRunnerFailsWhenBudgetExceeded(t *testing.T) {
	f := setupRunner(t, echoStep)
	exec := f.start(t,
		StepDefinition{AgentCode: "pm-copilot"},
		StepDefinition{AgentCode: "writer", ProjectedCost: 50},
	)

	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, "budget exceeded", exec.ErrorMessage)
	assert.Nil(t, f.executor.request(1))
	_, ok := exec.ChainContext.Step(0)
	assert.True(t, ok)
}

func TestRunnerFailsForDisabledAgent(t *testing.T) {
	ctx := context.Background()
	f := setupRunner(t, echoStep)
	cfg, err := f.agents.GetConfiguration(ctx, "team-1", "agent-pm")
	require.NoError(t, err)
	cfg.Enabled = false
	require.NoError(t, f.agents.SaveConfiguration(ctx, cfg))

	exec := f.start(t, StepDefinition{AgentCode: "pm-copilot"})
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "agent disabled")
	require.Len(t, exec.Steps, 1)
	assert.Equal(t, StepFailed, exec.Steps[0].Status)
}

func TestRunnerFailsOnExecutorError(t *testing.T) {
	f := setupRunner(t, func(req *AgentRequest) (*AgentResponse, error) {
		return nil, errors.New("upstream 503")
	})
	exec := f.start(t, StepDefinition{AgentCode: "pm-copilot"})
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, "agent run failed: upstream 503", exec.ErrorMessage)

	// 失败步骤的工作流状态不能停留在 running
	var states []workflow.AgentWorkflowState
	require.NoError(t, f.db.Where("workflow_class = ?", ChainStepWorkflow).Find(&states).Error)
	require.Len(t, states, 1)
	assert.Equal(t, workflow.StatusCompleted, states[0].Status)
	assert.Equal(t, workflow.NodeFailed, states[0].CurrentNode)
	assert.Equal(t, "agent run failed: upstream 503", states[0].StateData.Output["error"])
}

func TestRunnerPausesForApprovalAndResumes(t *testing.T) {
	ctx := context.Background()
	f := setupRunner(t, func(req *AgentRequest) (*AgentResponse, error) {
		if req.StepIndex == 0 {
			return &AgentResponse{Output: map[string]any{"email": "draft", "requires_approval": true}}, nil
		}
		return echoStep(req)
	})

	exec := f.start(t, StepDefinition{AgentCode: "pm-copilot"}, StepDefinition{AgentCode: "writer"})
	assert.Equal(t, StatusPaused, exec.Status)
	assert.Contains(t, exec.ChainContext.PauseReason, "awaiting approval")
	require.NotNil(t, exec.ChainContext.PendingApproval)
	_, recorded := exec.ChainContext.Step(0)
	assert.False(t, recorded)

	items, err := f.approvals.ListPending(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "agent_chain", items[0].SourceType)

	_, err = f.approvals.HandleApproval(ctx, items[0], "user-7")
	require.NoError(t, err)

	loaded, err := f.orch.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, "user-7", loaded.ChainContext.ResumeData["approver_id"])
	assert.Nil(t, loaded.ChainContext.PendingApproval)
	step0, ok := loaded.ChainContext.Step(0)
	require.True(t, ok)
	assert.Equal(t, "draft", step0.Output["email"])

	wf, err := f.workflows.Get(ctx, exec.ChainContext.PendingApproval.WorkflowStateID)
	require.NoError(t, err)
	assert.True(t, wf.IsCompleted())
}

func TestRunnerApprovalReenqueuesWhenQueueConfigured(t *testing.T) {
	ctx := context.Background()
	f := setupRunner(t, func(req *AgentRequest) (*AgentResponse, error) {
		return &AgentResponse{Output: map[string]any{"requires_approval": true}}, nil
	})
	queue := &queuedExecutions{}
	f.runner.Enqueuer = queue

	exec := f.start(t, StepDefinition{AgentCode: "pm-copilot"})
	items, err := f.approvals.ListPending(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = f.approvals.HandleApproval(ctx, items[0], "user-7")
	require.NoError(t, err)
	assert.Equal(t, []string{exec.ID}, queue.ids)

	loaded, err := f.orch.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)

	require.NoError(t, f.runner.Run(ctx, exec.ID))
	loaded, err = f.orch.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
}

func TestRunnerRejectionFailsChain(t *testing.T) {
	ctx := context.Background()
	f := setupRunner(t, func(req *AgentRequest) (*AgentResponse, error) {
		return &AgentResponse{Output: map[string]any{"requires_approval": true}}, nil
	})

	exec := f.start(t, StepDefinition{AgentCode: "pm-copilot"}, StepDefinition{AgentCode: "writer"})
	items, err := f.approvals.ListPending(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = f.approvals.HandleRejection(ctx, items[0], "user-7", "too pricey")
	require.NoError(t, err)

	loaded, err := f.orch.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.Equal(t, "approval rejected: too pricey", loaded.ErrorMessage)
}

func TestRunnerRunsParallelGroup(t *testing.T) {
	f := setupRunner(t, echoStep)
	exec := f.start(t,
		StepDefinition{AgentCode: "pm-copilot"},
		StepDefinition{AgentCode: "writer", Mode: ModeParallel, StepGroup: "drafts"},
		StepDefinition{AgentCode: "pm-copilot", Mode: ModeParallel, StepGroup: "drafts"},
		StepDefinition{AgentCode: "writer"},
	)

	assert.Equal(t, StatusCompleted, exec.Status)
	require.Len(t, exec.Steps, 4)
	for _, step := range exec.Steps {
		assert.Equal(t, StepCompleted, step.Status)
	}

	member := f.executor.request(2)
	require.NotNil(t, member)
	assert.Len(t, member.Context.PreviousStepOutputs, 1)

	last := f.executor.request(3)
	require.NotNil(t, last)
	assert.Len(t, last.Context.PreviousStepOutputs, 3)
}

func TestRunnerParallelFailureFailsChain(t *testing.T) {
	f := setupRunner(t, func(req *AgentRequest) (*AgentResponse, error) {
		if req.StepIndex == 2 {
			return nil, errors.New("rate limited")
		}
		return echoStep(req)
	})
	exec := f.start(t,
		StepDefinition{AgentCode: "writer", Mode: ModeParallel, StepGroup: "drafts"},
		StepDefinition{AgentCode: "pm-copilot", Mode: ModeParallel, StepGroup: "drafts"},
		StepDefinition{AgentCode: "writer", Mode: ModeParallel, StepGroup: "drafts"},
		StepDefinition{AgentCode: "writer"},
	)

	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "parallel group drafts failed")
	assert.Contains(t, exec.ErrorMessage, "rate limited")
	_, ok := exec.ChainContext.Step(0)
	assert.True(t, ok)
	assert.Nil(t, f.executor.request(3))
}

func TestStartChainSkipsDisabledChain(t *testing.T) {
	ctx := context.Background()
	f := setupRunner(t, echoStep)
	c := f.createChain(t, StepDefinition{AgentCode: "pm-copilot"})
	require.NoError(t, f.chains.SetEnabled(ctx, "team-1", c.ID, false))

	exec, err := f.runner.StartChain(ctx, c.ID, "team-1", nil)
	require.NoError(t, err)
	assert.Nil(t, exec)
	assert.Empty(t, f.executor.reqs)
}
