package agentctx

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"workhub/internal/agent"
	"workhub/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeEntities struct {
	teams   map[string]*entity.Team
	clients map[string]*entity.Client
}

func (f *fakeEntities) GetTeam(ctx context.Context, id string) (*entity.Team, error) {
	if t, ok := f.teams[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: team %s", entity.ErrNotFound, id)
}

func (f *fakeEntities) GetClient(ctx context.Context, id string) (*entity.Client, error) {
	if c, ok := f.clients[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: client %s", entity.ErrNotFound, id)
}

func newFixture(workOrders int) (*fakeEntities, *entity.Project) {
	clientID := "client-1"
	entities := &fakeEntities{
		teams:   map[string]*entity.Team{"team-1": {ID: "team-1", Name: "Northwind", Industry: "agency", Timezone: "UTC"}},
		clients: map[string]*entity.Client{clientID: {ID: clientID, Name: "Acme", Industry: "retail", Notes: strings.Repeat("long notes ", 20)}},
	}
	project := &entity.Project{
		ID:          "p1",
		TeamID:      "team-1",
		ClientID:    &clientID,
		Name:        "Spring Campaign",
		Status:      "active",
		Description: strings.Repeat("campaign details ", 30),
		Budget:      5000,
	}
	for i := 0; i < workOrders; i++ {
		project.WorkOrders = append(project.WorkOrders, entity.WorkOrder{
			ID:     fmt.Sprintf("wo-%02d", i),
			Title:  fmt.Sprintf("Deliver asset %d", i),
			Status: "in_progress",
		})
	}
	return entities, project
}

func TestBuildAssemblesSections(t *testing.T) {
	entities, project := newFixture(3)
	b := NewBuilder(entities, WithLogger(zaptest.NewLogger(t)))

	c, err := b.Build(context.Background(), project, &agent.Agent{ID: "a1", Code: "pm-copilot"}, 0)
	require.NoError(t, err)

	assert.Equal(t, "Spring Campaign", c.Project["name"])
	assert.Len(t, c.Project["work_orders"], 3)
	assert.Equal(t, "Acme", c.Client["name"])
	assert.Equal(t, "Northwind", c.Org["name"])
	assert.Equal(t, "pm-copilot", c.Metadata["agent_code"])
	assert.False(t, c.Truncated)
}

func TestBuildMissingTeamOmitsOrg(t *testing.T) {
	entities, project := newFixture(0)
	project.TeamID = "team-unknown"
	c, err := NewBuilder(entities).Build(context.Background(), project, nil, 0)
	require.NoError(t, err)
	assert.Nil(t, c.Org)
	assert.NotNil(t, c.Client)
}

func TestBuildNeverExceedsMaxTokens(t *testing.T) {
	entities, project := newFixture(40)
	b := NewBuilder(entities, WithMaxWorkOrders(40))

	full, err := b.Build(context.Background(), project, nil, 0)
	require.NoError(t, err)
	fullTokens := b.Estimate(full)

	for _, limit := range []int{1, 2, 5, 10, 25, 50, 100, 200, 400, fullTokens - 1, fullTokens} {
		c, err := b.Build(context.Background(), project, nil, limit)
		require.NoError(t, err)
		assert.LessOrEqual(t, b.Estimate(c), limit, "limit %d", limit)
	}
}

func TestTruncationDropsWorkOrdersBeforeIdentity(t *testing.T) {
	entities, project := newFixture(30)
	b := NewBuilder(entities, WithMaxWorkOrders(30))

	full, err := b.Build(context.Background(), project, nil, 0)
	require.NoError(t, err)

	c, err := b.Build(context.Background(), project, nil, b.Estimate(full)-20)
	require.NoError(t, err)
	assert.True(t, c.Truncated)
	assert.Equal(t, "Spring Campaign", c.Project["name"])
	assert.Equal(t, "active", c.Project["status"])
	assert.Less(t, len(c.Project["work_orders"].([]any)), 30)
	assert.NotNil(t, c.Org)

	// original project context is untouched
	assert.Len(t, full.Project["work_orders"], 30)
}

func TestTruncationIsDeterministic(t *testing.T) {
	entities, project := newFixture(25)
	b := NewBuilder(entities)
	first, err := b.Build(context.Background(), project, nil, 120)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), project, nil, 120)
	require.NoError(t, err)
	assert.Equal(t, first.Serialize(), second.Serialize())
	assert.Equal(t, first.ToPromptString(), second.ToPromptString())
}

func TestDefaultMaxTokensApplies(t *testing.T) {
	entities, project := newFixture(30)
	b := NewBuilder(entities, WithDefaultMaxTokens(150))
	c, err := b.Build(context.Background(), project, nil, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, b.Estimate(c), 150)
}

func TestBuildFromChainContextFilters(t *testing.T) {
	b := NewBuilder(nil)
	in := ChainInput{
		ExecutionID:      "exec-1",
		CurrentStepIndex: 1,
		PreviousOutputs:  []map[string]any{{"a": 1, "b": 2, "c": 3}},
		Filter:           FilterRules{Include: []string{"a", "b"}},
	}

	c, err := b.BuildFromChainContext(context.Background(), in, &agent.Agent{ID: "a2"}, 0)
	require.NoError(t, err)
	require.Len(t, c.PreviousStepOutputs, 1)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, c.PreviousStepOutputs[0])
	assert.Equal(t, "exec-1", c.Metadata["chain_execution_id"])

	// input is not mutated
	assert.Len(t, in.PreviousOutputs[0], 3)
}

func TestTrimKeepsChainExecutionID(t *testing.T) {
	entities, project := newFixture(5)
	b := NewBuilder(entities, WithLogger(zaptest.NewLogger(t)))
	in := ChainInput{
		ExecutionID:      "exec-1",
		CurrentStepIndex: 2,
		Project:          project,
		PreviousOutputs:  []map[string]any{{"summary": strings.Repeat("draft ", 40)}},
	}

	c, err := b.BuildFromChainContext(context.Background(), in, &agent.Agent{ID: "a2", Code: "writer"}, 20)
	require.NoError(t, err)
	assert.True(t, c.Truncated)
	assert.Nil(t, c.Project)
	assert.Empty(t, c.PreviousStepOutputs)
	assert.Equal(t, map[string]any{"chain_execution_id": "exec-1"}, c.Metadata)
	assert.LessOrEqual(t, b.Estimate(c), 20)
}

func TestFilterRules(t *testing.T) {
	data := map[string]any{"a": 1, "b": 2, "c": 3}

	assert.Equal(t, map[string]any{"a": 1, "c": 3}, FilterRules{Exclude: []string{"b"}}.Apply(data))
	assert.Equal(t, map[string]any{"b": 2}, FilterRules{Include: []string{"b", "zz"}, Exclude: []string{"b"}}.Apply(data))
	assert.Equal(t, data, FilterRules{}.Apply(data))
	assert.True(t, FilterRules{}.IsZero())
}

func TestToPromptString(t *testing.T) {
	c := &AgentContext{
		Project: map[string]any{"name": "Launch", "status": "active"},
		Client:  map[string]any{"name": "Acme"},
		Org:     map[string]any{"name": "Northwind"},
		PreviousStepOutputs: []map[string]any{
			{"summary": "ok"},
		},
	}
	out := c.ToPromptString()
	assert.Contains(t, out, "## Project Context\n- name: Launch\n- status: active\n")
	assert.Contains(t, out, "## Client Context\n- name: Acme\n")
	assert.Contains(t, out, "## Organization Context\n- name: Northwind\n")
	assert.Contains(t, out, "### Step 0\n- summary: ok\n")
	assert.Less(t, strings.Index(out, "Project Context"), strings.Index(out, "Client Context"))
	assert.Less(t, strings.Index(out, "Client Context"), strings.Index(out, "Organization Context"))
}

func TestNewEstimator(t *testing.T) {
	e, err := NewEstimator("chars", "")
	require.NoError(t, err)
	assert.Equal(t, 3, e.Estimate("123456789"))
	assert.Equal(t, 0, e.Estimate(""))

	_, err = NewEstimator("words", "")
	assert.Error(t, err)
}
