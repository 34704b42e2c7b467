package tools

import (
	"testing"

	"workhub/internal/agent"

	"github.com/stretchr/testify/assert"
)

func TestCanExecuteToolCategoryFlags(t *testing.T) {
	svc := NewPermissionService()
	cfg := &agent.AgentConfiguration{
		CanCreateWorkOrders: true,
		CanSendEmails:       false,
	}

	cases := []struct {
		category string
		want     bool
	}{
		{CategoryWorkOrders, true},
		{CategoryEmail, false},
		{CategoryTasks, false},
		{CategoryClient, false},
		{CategoryDeliverables, false},
		{CategoryFinancial, false},
		{CategoryPlaybooks, false},
		{CategoryGeneral, true},
		{"reporting", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, svc.CanExecuteTool(cfg, "some_tool", tc.category), tc.category)
	}

	cfg.CanModifyTasks = true
	cfg.CanAccessClientData = true
	cfg.CanModifyDeliverables = true
	cfg.CanAccessFinancialData = true
	cfg.CanModifyPlaybooks = true
	for _, category := range []string{CategoryTasks, CategoryClient, CategoryDeliverables, CategoryFinancial, CategoryPlaybooks} {
		assert.True(t, svc.CanExecuteTool(cfg, "some_tool", category), category)
	}
}

func TestCanExecuteToolOverrides(t *testing.T) {
	svc := NewPermissionService()
	cfg := &agent.AgentConfiguration{
		CanSendEmails:   false,
		CanModifyTasks:  true,
		ToolPermissions: map[string]bool{"send_digest": true, "bulk_close": false},
	}

	assert.True(t, svc.CanExecuteTool(cfg, "send_digest", CategoryEmail))
	assert.False(t, svc.CanExecuteTool(cfg, "bulk_close", CategoryTasks))
	assert.False(t, svc.CanExecuteTool(nil, "send_digest", CategoryGeneral))
}

func TestRequiresHumanApproval(t *testing.T) {
	svc := NewPermissionService()
	settings := &agent.GlobalAISettings{
		ApprovalExternalSends: true,
		ApprovalFinancial:     false,
		ApprovalContracts:     true,
		ApprovalScopeChanges:  false,
	}

	assert.True(t, svc.RequiresHumanApproval(ActionExternalSends, settings))
	assert.False(t, svc.RequiresHumanApproval(ActionFinancial, settings))
	assert.True(t, svc.RequiresHumanApproval(ActionContracts, settings))
	assert.False(t, svc.RequiresHumanApproval(ActionScopeChanges, settings))
	assert.False(t, svc.RequiresHumanApproval("internal_notes", settings))
	assert.False(t, svc.RequiresHumanApproval(ActionContracts, nil))
}

func TestAllowedTools(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&stubTool{name: "send_email", category: CategoryEmail})
	r.Register(&stubTool{name: "list_work_orders", category: CategoryGeneral})

	cfg := &agent.AgentConfiguration{}
	allowed := NewPermissionService().AllowedTools(cfg, r, []string{"send_email", "list_work_orders", "unknown"})
	assert.Equal(t, []string{"list_work_orders"}, allowed)
}
