package chain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"workhub/internal/memory"
	"workhub/internal/ref"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type transitionRecorder struct {
	statuses []string
}

func (r *transitionRecorder) RecordChainTransition(_ string, status string) {
	r.statuses = append(r.statuses, status)
}

type orchestratorFixture struct {
	db       *gorm.DB
	orch     *Orchestrator
	chains   *Service
	memory   *memory.Service
	recorder *transitionRecorder
	now      *time.Time
}

func openTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(append(AllModels(), models...)...))
	return db
}

func setupOrchestrator(t *testing.T) *orchestratorFixture {
	t.Helper()
	db := openTestDB(t, memory.AllModels()...)
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := zaptest.NewLogger(t)

	mem := memory.NewService(db, memory.WithClock(clock), memory.WithLogger(logger))
	rec := &transitionRecorder{}
	orch := NewOrchestrator(db, WithMemory(mem), WithRecorder(rec), WithClock(clock), WithLogger(logger))
	return &orchestratorFixture{
		db:       db,
		orch:     orch,
		chains:   NewService(db, WithServiceLogger(logger)),
		memory:   mem,
		recorder: rec,
		now:      &now,
	}
}

func (f *orchestratorFixture) createChain(t *testing.T, steps ...StepDefinition) *AgentChain {
	t.Helper()
	c := &AgentChain{TeamID: "team-1", Name: "delivery review", Enabled: true, Definition: ChainDefinition{Steps: steps}}
	require.NoError(t, f.chains.CreateChain(context.Background(), c))
	return c
}

func seqSteps(n int) []StepDefinition {
	steps := make([]StepDefinition, n)
	for i := range steps {
		steps[i] = StepDefinition{AgentCode: fmt.Sprintf("agent-%d", i)}
	}
	return steps
}

func intPtr(v int) *int { return &v }

func TestSequentialChainAdvancesAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	c := f.createChain(t, seqSteps(3)...)

	exec, err := f.orch.ExecuteChain(ctx, c, "team-1", &StartOptions{
		TriggerEntity: ref.New(ref.TypeWorkOrder, "wo-1"),
		TriggeredBy:   "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, exec.Status)
	assert.Equal(t, 0, exec.CurrentStepIndex)
	require.NotNil(t, exec.StartedAt)
	assert.Empty(t, exec.ChainContext.Steps)

	indices := []int{exec.CurrentStepIndex}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"result": fmt.Sprintf("out-%d", i)}))
		indices = append(indices, exec.CurrentStepIndex)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, indices)
	assert.True(t, exec.IsCompleted())
	require.NotNil(t, exec.CompletedAt)

	loaded, err := f.orch.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, ref.New(ref.TypeWorkOrder, "wo-1"), loaded.TriggerEntity)
	require.Len(t, loaded.Steps, 3)
	for i, step := range loaded.Steps {
		assert.Equal(t, i, step.StepIndex)
		assert.Equal(t, StepCompleted, step.Status)

		rec, ok := loaded.ChainContext.Step(i)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("out-%d", i), rec.Output["result"])
		require.NotNil(t, rec.CompletedAt)
	}
	assert.Equal(t, []string{"running", "completed"}, f.recorder.statuses)
}

func TestCompletionClearsOnlyOwnChainMemory(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	c := f.createChain(t, seqSteps(1)...)

	first, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	second, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)

	_, err = f.memory.StoreChainMemory(ctx, "team-1", first.ID, "draft", "a")
	require.NoError(t, err)
	_, err = f.memory.StoreChainMemory(ctx, "team-1", second.ID, "draft", "b")
	require.NoError(t, err)

	require.NoError(t, f.orch.ExecuteStep(ctx, first, map[string]any{"done": true}))
	assert.True(t, first.IsCompleted())

	remaining, err := f.memory.GetAllChainMemories(ctx, "team-1", first.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	value, ok, err := f.memory.GetChainMemory(ctx, "team-1", second.ID, "draft")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", value)
}

func TestFailPreservesEarlierOutputs(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	c := f.createChain(t, seqSteps(3)...)

	exec, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"brief": "ok"}))
	require.NoError(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"estimate": 12.5}))

	_, err = f.orch.StartStep(ctx, exec, "agent-2", nil)
	require.NoError(t, err)
	*f.now = f.now.Add(time.Minute)
	require.NoError(t, f.orch.Fail(ctx, exec, "model timeout"))

	loaded, err := f.orch.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IsFailed())
	assert.Equal(t, "model timeout", loaded.ErrorMessage)
	require.NotNil(t, loaded.FailedAt)

	step0, ok := loaded.ChainContext.Step(0)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"brief": "ok"}, step0.Output)
	step1, ok := loaded.ChainContext.Step(1)
	require.True(t, ok)
	assert.Equal(t, 12.5, step1.Output["estimate"])
	_, ok = loaded.ChainContext.Step(2)
	assert.False(t, ok)

	require.Len(t, loaded.Steps, 3)
	assert.Equal(t, StepFailed, loaded.Steps[2].Status)
	assert.Equal(t, "model timeout", loaded.Steps[2].ErrorMessage)
}

func TestFailWithoutStartedStepRecordsFailedStep(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	c := f.createChain(t, seqSteps(2)...)

	exec, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"a": 1}))
	require.NoError(t, f.orch.Fail(ctx, exec, "budget exceeded"))

	loaded, err := f.orch.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, StepCompleted, loaded.Steps[0].Status)
	assert.Equal(t, 1, loaded.Steps[1].StepIndex)
	assert.Equal(t, StepFailed, loaded.Steps[1].Status)
}

func TestTerminalExecutionRejectsFurtherChanges(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	c := f.createChain(t, seqSteps(1)...)

	completed, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteStep(ctx, completed, map[string]any{"x": 1}))

	failed, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.Fail(ctx, failed, "boom"))

	for _, exec := range []*AgentChainExecution{completed, failed} {
		before := exec.Status
		assert.ErrorIs(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"x": 2}), ErrTerminalExecution)
		assert.ErrorIs(t, f.orch.Pause(ctx, exec, "later"), ErrTerminalExecution)
		assert.ErrorIs(t, f.orch.Resume(ctx, exec, nil), ErrTerminalExecution)
		assert.ErrorIs(t, f.orch.Fail(ctx, exec, "again"), ErrTerminalExecution)
		_, err := f.orch.StartStep(ctx, exec, "agent-0", nil)
		assert.ErrorIs(t, err, ErrTerminalExecution)

		loaded, err := f.orch.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, before, loaded.Status)
	}

	loaded, err := f.orch.Get(ctx, completed.ID)
	require.NoError(t, err)
	rec, _ := loaded.ChainContext.Step(0)
	assert.Equal(t, float64(1), rec.Output["x"])
}

func TestConditionalGoto(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	steps := seqSteps(4)
	steps[0].NextStepConditions = []NextStepCondition{
		{Field: "route", Value: "fast", Action: ActionGoto, TargetStep: intPtr(3)},
	}
	c := f.createChain(t, steps...)

	exec, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"route": "fast"}))
	assert.Equal(t, 3, exec.CurrentStepIndex)
	assert.Equal(t, StatusRunning, exec.Status)

	other, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteStep(ctx, other, map[string]any{"route": "normal"}))
	assert.Equal(t, 1, other.CurrentStepIndex)
}

func TestConditionalTerminate(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	steps := seqSteps(3)
	steps[1].NextStepConditions = []NextStepCondition{
		{Field: "steps.0.output.score", Value: 0, Action: ActionTerminate},
	}
	c := f.createChain(t, steps...)

	exec, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"score": 0}))
	require.NoError(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"note": "nothing to do"}))

	assert.True(t, exec.IsCompleted())
	assert.Equal(t, 1, exec.CurrentStepIndex)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	c := f.createChain(t, seqSteps(2)...)

	exec, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"draft": "v1"}))

	assert.ErrorIs(t, f.orch.Resume(ctx, exec, nil), ErrInvalidTransition)

	require.NoError(t, f.orch.Pause(ctx, exec, "awaiting client"))
	assert.True(t, exec.IsPaused())
	assert.Equal(t, "awaiting client", exec.ChainContext.PauseReason)
	require.NotNil(t, exec.PausedAt)
	assert.ErrorIs(t, f.orch.ExecuteStep(ctx, exec, nil), ErrInvalidTransition)

	*f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.orch.Resume(ctx, exec, map[string]any{"approved": true}))
	assert.Equal(t, StatusRunning, exec.Status)
	require.NotNil(t, exec.ResumedAt)
	assert.Equal(t, true, exec.ChainContext.ResumeData["approved"])

	rec, ok := exec.ChainContext.Step(0)
	require.True(t, ok)
	assert.Equal(t, "v1", rec.Output["draft"])
}

func TestParallelGroupIsBarrier(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	steps := seqSteps(4)
	steps[1].Mode, steps[1].StepGroup = ModeParallel, "review"
	steps[2].Mode, steps[2].StepGroup = ModeParallel, "review"
	c := f.createChain(t, steps...)

	exec, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)

	_, err = f.orch.ExecuteParallelStepGroup(ctx, exec)
	assert.ErrorIs(t, err, ErrNotParallelStep)

	require.NoError(t, f.orch.ExecuteStep(ctx, exec, map[string]any{"plan": "x"}))
	rows, err := f.orch.ExecuteParallelStepGroup(ctx, exec)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, StepRunning, row.Status)
		assert.Equal(t, "review", row.StepGroup)
	}

	require.NoError(t, f.orch.RecordParallelStepResult(ctx, exec, 2, "", map[string]any{"qa": "pass"}, ""))
	advanced, err := f.orch.CompleteParallelGroup(ctx, exec, "review")
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, 1, exec.CurrentStepIndex)

	require.NoError(t, f.orch.RecordParallelStepResult(ctx, exec, 1, "", map[string]any{"copy": "ok"}, ""))
	advanced, err = f.orch.CompleteParallelGroup(ctx, exec, "review")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, 3, exec.CurrentStepIndex)

	advanced, err = f.orch.CompleteParallelGroup(ctx, exec, "review")
	require.NoError(t, err)
	assert.False(t, advanced)

	prev := exec.ChainContext.PreviousOutputs(3)
	require.Len(t, prev, 3)
	assert.Equal(t, "ok", prev[1]["copy"])
	assert.Equal(t, "pass", prev[2]["qa"])
}

func TestCreatePendingAndStart(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	c := f.createChain(t, seqSteps(1)...)

	exec, err := f.orch.CreatePending(ctx, c, "team-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, exec.Status)
	assert.Nil(t, exec.StartedAt)

	require.NoError(t, f.orch.Start(ctx, exec))
	assert.Equal(t, StatusRunning, exec.Status)
	require.NotNil(t, exec.StartedAt)
	require.NoError(t, f.orch.Start(ctx, exec))
}

func TestListStalePaused(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	c := f.createChain(t, seqSteps(1)...)

	old, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.Pause(ctx, old, "waiting"))

	*f.now = f.now.Add(48 * time.Hour)
	fresh, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.Pause(ctx, fresh, "waiting"))

	stale, err := f.orch.ListStalePaused(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestRegisterLoadersResolvesExecution(t *testing.T) {
	ctx := context.Background()
	f := setupOrchestrator(t)
	c := f.createChain(t, seqSteps(1)...)
	exec, err := f.orch.ExecuteChain(ctx, c, "team-1", nil)
	require.NoError(t, err)

	reg := ref.NewRegistry()
	f.orch.RegisterLoaders(reg)
	loaded, err := ref.ResolveAs[*AgentChainExecution](ctx, reg, exec.Ref())
	require.NoError(t, err)
	assert.Equal(t, exec.ID, loaded.ID)
}
