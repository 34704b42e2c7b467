package chain

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const reviewTemplate = `
code: delivery-review
name: Delivery review
category: delivery
steps:
  - agent_code: pm-copilot
    prompt: Summarize the work order
  - agent_code: qa-reviewer
    execution_mode: parallel
    step_group: checks
  - agent_code: finance-reviewer
    execution_mode: parallel
    step_group: checks
    action_class: financial
`

func TestLoadTemplatesAndInstantiate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	svc := NewService(db, WithServiceLogger(zaptest.NewLogger(t)))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(reviewTemplate), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("steps: []\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	loaded, err := svc.LoadTemplatesFromDirectory(ctx, dir)
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Equal(t, 1, loaded)

	// 重复加载按 code 更新
	_, _ = svc.LoadTemplatesFromDirectory(ctx, dir)
	templates, err := svc.ListTemplates(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, templates, 1)
	tpl := templates[0]
	assert.True(t, tpl.IsSystem)
	assert.Equal(t, "delivery-review", tpl.Code)
	require.Len(t, tpl.Definition.Steps, 3)

	c, err := svc.InstantiateTemplate(ctx, tpl.ID, "team-1", "")
	require.NoError(t, err)
	assert.Equal(t, "Delivery review", c.Name)
	assert.True(t, c.Enabled)
	require.NotNil(t, c.TemplateID)
	assert.Equal(t, tpl.ID, *c.TemplateID)

	got, err := svc.GetChain(ctx, "team-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got.Definition.GroupIndices("checks"))
	assert.Equal(t, "financial", got.Definition.Steps[2].ActionClass)

	_, err = svc.GetChain(ctx, "team-2", c.ID)
	assert.ErrorIs(t, err, ErrChainNotFound)
}

func TestTeamTemplatesAreNotShared(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	svc := NewService(db)

	team := "team-1"
	tpl := &AgentChainTemplate{
		TeamID:     &team,
		Code:       "team-1-intake",
		Name:       "Intake",
		Definition: ChainDefinition{Steps: []StepDefinition{{AgentCode: "pm-copilot"}}},
	}
	require.NoError(t, svc.SaveTemplate(ctx, tpl))
	assert.False(t, tpl.IsSystem)

	_, err := svc.InstantiateTemplate(ctx, tpl.ID, "team-2", "copy")
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	c, err := svc.InstantiateTemplate(ctx, tpl.ID, team, "Intake v2")
	require.NoError(t, err)
	assert.Equal(t, "Intake v2", c.Name)
}

func TestCreateChainRejectsInvalidDefinition(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	err := svc.CreateChain(context.Background(), &AgentChain{TeamID: "team-1", Name: "empty"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	c := &AgentChain{TeamID: "team-1", Name: "one", Definition: ChainDefinition{Steps: []StepDefinition{{AgentID: "a"}}}}
	require.NoError(t, svc.CreateChain(context.Background(), c))
	require.NoError(t, svc.SetEnabled(context.Background(), "team-1", c.ID, false))
	got, err := svc.GetChain(context.Background(), "team-1", c.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.ErrorIs(t, svc.SetEnabled(context.Background(), "team-1", "missing", true), ErrChainNotFound)
}

func TestShippedTemplatesLoad(t *testing.T) {
	ctx := context.Background()
	svc := NewService(openTestDB(t))

	loaded, err := svc.LoadTemplatesFromDirectory(ctx, filepath.Join("..", "..", "config", "chain_templates"))
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	templates, err := svc.ListTemplates(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, templates, 2)

	kickoff, review := templates[0], templates[1]
	assert.Equal(t, "kickoff-fanout", kickoff.Code)
	assert.Equal(t, []int{0, 1}, kickoff.Definition.GroupIndices("kickoff"))
	require.Len(t, kickoff.Definition.Steps[2].NextStepConditions, 1)
	assert.Equal(t, ActionTerminate, kickoff.Definition.Steps[2].NextStepConditions[0].Action)

	assert.Equal(t, "review-handoff", review.Code)
	require.Len(t, review.Definition.Steps, 2)
	assert.Equal(t, ModeSequential, review.Definition.Steps[1].Mode)
	assert.Equal(t, "external_sends", review.Definition.Steps[1].ActionClass)
	require.NotNil(t, review.Definition.Steps[0].OutputTransformer)
	assert.Equal(t, []string{"summary", "risks"}, review.Definition.Steps[0].OutputTransformer.Keys)
}
