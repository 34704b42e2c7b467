package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"workhub/internal/agent"
	"workhub/internal/agentctx"
	"workhub/internal/approval"
	"workhub/internal/budget"
	"workhub/internal/entity"
	"workhub/internal/memory"
	"workhub/internal/ref"
	"workhub/internal/tools"
	"workhub/internal/transform"
	"workhub/internal/workflow"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ChainStepWorkflow 链步骤对应的工作流名称
const ChainStepWorkflow = "chain_step"

const (
	maxSummaryLen = 500
	// 每个步骤最多被执行的次数，防止 goto 形成死循环
	maxVisitsPerStep = 10
)

// AgentRequest 交给智能体执行器的输入
type AgentRequest struct {
	Agent           *agent.Agent
	Config          *agent.AgentConfiguration
	Context         *agentctx.AgentContext
	Prompt          string
	AllowedTools    []string
	Tools           tools.ExecutionProvider
	ExecutionID     string
	StepIndex       int
	WorkflowStateID string
}

// AgentResponse 智能体执行器的输出
type AgentResponse struct {
	Output     map[string]any
	TokensUsed int
	Cost       float64
	ToolCalls  []agent.ToolCallRecord
}

// AgentExecutor 运行一次智能体（LLM 调用在进程外）
type AgentExecutor interface {
	Run(ctx context.Context, req *AgentRequest) (*AgentResponse, error)
}

// AgentStore 运行步骤所需的智能体读写
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	GetAgentByCode(ctx context.Context, code string) (*agent.Agent, error)
	GetConfiguration(ctx context.Context, teamID, agentID string) (*agent.AgentConfiguration, error)
	GetGlobalSettings(ctx context.Context, teamID string) (*agent.GlobalAISettings, error)
	RecordActivity(ctx context.Context, log *agent.AgentActivityLog) error
}

// EntityStore 根据触发实体定位项目
type EntityStore interface {
	GetProject(ctx context.Context, id string) (*entity.Project, error)
	GetWorkOrder(ctx context.Context, id string) (*entity.WorkOrder, error)
	GetDeliverable(ctx context.Context, id string) (*entity.Deliverable, error)
}

// Enqueuer 把执行重新投递到队列
type Enqueuer interface {
	EnqueueChainExecution(ctx context.Context, executionID string) error
}

// RunnerDeps Runner 的依赖
type RunnerDeps struct {
	Chains      *Orchestrator
	Agents      AgentStore
	Entities    EntityStore
	Contexts    *agentctx.Builder
	Memory      *memory.Service
	Budget      *budget.Service
	Permissions *tools.PermissionService
	Registry    tools.DefinitionProvider
	Gateway     tools.ExecutionProvider
	Workflows   *workflow.Orchestrator
	Approvals   *approval.Service
	Transformer *transform.Transformer
	Executor    AgentExecutor
	Enqueuer    Enqueuer
}

// Runner worker 侧的链驱动：逐步调用智能体并推进执行
type Runner struct {
	RunnerDeps
	parallelism int
	logger      *zap.Logger
}

// RunnerOption Runner 选项
type RunnerOption func(*Runner)

// WithParallelism 并行组内同时运行的步骤上限
func WithParallelism(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithRunnerLogger 注入日志器
func WithRunnerLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner 创建 Runner
func NewRunner(deps RunnerDeps, opts ...RunnerOption) *Runner {
	r := &Runner{RunnerDeps: deps, parallelism: 5, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	if r.Transformer == nil {
		r.Transformer = transform.New(r.logger)
	}
	if r.Permissions == nil {
		r.Permissions = tools.NewPermissionService()
	}
	return r
}

// StartChain 为触发事件创建执行并立即驱动；链未启用时返回 nil
func (r *Runner) StartChain(ctx context.Context, chainID, teamID string, opts *StartOptions) (*AgentChainExecution, error) {
	var c AgentChain
	if err := r.Chains.db.WithContext(ctx).Where("id = ? AND team_id = ?", chainID, teamID).First(&c).Error; err != nil {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	if !c.Enabled {
		r.logger.Info("链未启用，跳过", zap.String("chain_id", chainID), zap.String("team_id", teamID))
		return nil, nil
	}

	exec, err := r.Chains.ExecuteChain(ctx, &c, teamID, opts)
	if err != nil {
		return nil, err
	}
	if err := r.Run(ctx, exec.ID); err != nil {
		return exec, err
	}
	return exec, nil
}

// Run 驱动执行直到完成、失败或暂停；业务失败记录在执行上，只有基础设施错误会返回
func (r *Runner) Run(ctx context.Context, executionID string) error {
	exec, err := r.Chains.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() || exec.IsPaused() {
		return nil
	}
	if exec.Status == StatusPending {
		if err := r.Chains.Start(ctx, exec); err != nil {
			return err
		}
	}

	if exec.Chain == nil {
		return r.Chains.Fail(ctx, exec, "chain not found: "+exec.ChainID)
	}
	def := exec.Chain.Definition
	visits := make(map[int]int)
	for exec.Status == StatusRunning {
		idx := exec.CurrentStepIndex
		visits[idx]++
		if visits[idx] > maxVisitsPerStep {
			return r.Chains.Fail(ctx, exec, fmt.Sprintf("step %d exceeded %d visits", idx, maxVisitsPerStep))
		}

		if p := exec.ChainContext.PendingApproval; p != nil && p.StepIndex == idx {
			if err := r.completeApproved(ctx, exec); err != nil {
				return err
			}
			continue
		}

		step, ok := def.Step(idx)
		if !ok {
			return r.Chains.Fail(ctx, exec, fmt.Sprintf("step %d not defined", idx))
		}

		var failMsg string
		if step.IsParallel() {
			failMsg, err = r.runParallelGroup(ctx, exec, def, step)
		} else {
			failMsg, err = r.runStep(ctx, exec, step)
		}
		if err != nil {
			return err
		}
		if failMsg != "" {
			return r.Chains.Fail(ctx, exec, failMsg)
		}
	}
	return nil
}

// runStep 执行一个顺序步骤；返回非空字符串表示应使执行失败
func (r *Runner) runStep(ctx context.Context, exec *AgentChainExecution, step StepDefinition) (string, error) {
	idx := exec.CurrentStepIndex
	a, cfg, settings, failMsg, err := r.prepareAgent(ctx, exec.TeamID, step)
	if err != nil || failMsg != "" {
		return failMsg, err
	}

	wf, err := r.Workflows.Execute(ctx, ChainStepWorkflow, map[string]any{
		"chain_execution_id": exec.ID,
		"chain_id":           exec.ChainID,
		"step_index":         idx,
	}, exec.TeamID, a)
	if err != nil {
		return "", err
	}
	if _, err := r.Chains.StartStep(ctx, exec, a.ID, &wf.ID); err != nil {
		r.abortWorkflow(ctx, wf, err.Error())
		return "", err
	}

	output, failMsg, err := r.invoke(ctx, exec, step, idx, idx, a, cfg, wf.ID)
	if err != nil || failMsg != "" {
		reason := failMsg
		if err != nil {
			reason = err.Error()
		}
		r.abortWorkflow(ctx, wf, reason)
		return failMsg, err
	}

	if r.needsApproval(step, output, settings) {
		return "", r.requestApproval(ctx, exec, step, idx, a, wf, output)
	}

	if err := r.Workflows.Complete(ctx, wf, output); err != nil {
		return "", err
	}
	return "", r.Chains.ExecuteStep(ctx, exec, output)
}

// abortWorkflow 步骤失败时关闭对应的工作流状态；失败只记录日志，链仍按原因失败
func (r *Runner) abortWorkflow(ctx context.Context, wf *workflow.AgentWorkflowState, reason string) {
	if err := r.Workflows.Abort(ctx, wf, reason); err != nil {
		r.logger.Error("关闭工作流状态失败",
			zap.String("workflow_state_id", wf.ID),
			zap.Error(err),
		)
	}
}

// runParallelGroup 并发运行组内步骤，全部结束后整体推进
func (r *Runner) runParallelGroup(ctx context.Context, exec *AgentChainExecution, def ChainDefinition, step StepDefinition) (string, error) {
	rows, err := r.Chains.ExecuteParallelStepGroup(ctx, exec)
	if err != nil {
		return "", err
	}
	// 组内成员只看到组之前的输出
	groupStart := def.GroupIndices(step.StepGroup)[0]

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []string
		errs     []error
	)
	sem := make(chan struct{}, r.parallelism)
	for _, row := range rows {
		member, _ := def.Step(row.StepIndex)
		local := *exec

		wg.Add(1)
		go func(member StepDefinition, local *AgentChainExecution) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			failMsg, err := r.runParallelMember(ctx, local, member, groupStart)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if failMsg != "" {
				failures = append(failures, failMsg)
			}
		}(member, &local)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return "", err
	}

	fresh, err := r.Chains.Get(ctx, exec.ID)
	if err != nil {
		return "", err
	}
	*exec = *fresh
	if len(failures) > 0 {
		return fmt.Sprintf("parallel group %s failed: %s", step.StepGroup, failures[0]), nil
	}
	if _, err := r.Chains.CompleteParallelGroup(ctx, exec, step.StepGroup); err != nil {
		return "", err
	}
	return "", nil
}

func (r *Runner) runParallelMember(ctx context.Context, exec *AgentChainExecution, member StepDefinition, groupStart int) (string, error) {
	a, cfg, settings, failMsg, err := r.prepareAgent(ctx, exec.TeamID, member)
	if err != nil {
		return "", err
	}
	agentID := ""
	if a != nil {
		agentID = a.ID
	}
	if failMsg == "" {
		var output map[string]any
		output, failMsg, err = r.invoke(ctx, exec, member, member.Index, groupStart, a, cfg, "")
		if err != nil {
			return "", err
		}
		if failMsg == "" {
			if r.needsApproval(member, output, settings) {
				r.logger.Warn("并行步骤不支持审批暂停，输出按原样记录",
					zap.String("execution_id", exec.ID),
					zap.Int("step_index", member.Index),
				)
			}
			return "", r.Chains.RecordParallelStepResult(ctx, exec, member.Index, agentID, output, "")
		}
	}
	if err := r.Chains.RecordParallelStepResult(ctx, exec, member.Index, agentID, nil, failMsg); err != nil {
		return "", err
	}
	return fmt.Sprintf("step %d: %s", member.Index, failMsg), nil
}

// prepareAgent 解析智能体并检查启用状态与预算
func (r *Runner) prepareAgent(ctx context.Context, teamID string, step StepDefinition) (*agent.Agent, *agent.AgentConfiguration, *agent.GlobalAISettings, string, error) {
	var (
		a   *agent.Agent
		err error
	)
	if step.AgentID != "" {
		a, err = r.Agents.GetAgent(ctx, step.AgentID)
	} else {
		a, err = r.Agents.GetAgentByCode(ctx, step.AgentCode)
	}
	if err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			return nil, nil, nil, "agent not found: " + step.AgentRef(), nil
		}
		return nil, nil, nil, "", err
	}

	cfg, err := r.Agents.GetConfiguration(ctx, teamID, a.ID)
	if err != nil {
		if errors.Is(err, agent.ErrConfigurationNotFound) {
			return a, nil, nil, "agent not configured: " + a.Code, nil
		}
		return a, nil, nil, "", err
	}
	if !cfg.Enabled {
		return a, cfg, nil, "agent disabled: " + a.Code, nil
	}

	settings, err := r.Agents.GetGlobalSettings(ctx, teamID)
	if err != nil {
		return a, cfg, nil, "", err
	}
	if r.Budget != nil && !r.Budget.CanRunForTeam(cfg, settings, step.ProjectedCost) {
		r.logger.Warn("预算不足",
			zap.String("team_id", teamID),
			zap.String("agent_id", a.ID),
			zap.Float64("projected_cost", step.ProjectedCost),
		)
		return a, cfg, settings, "budget exceeded", nil
	}
	return a, cfg, settings, "", nil
}

// invoke 构建上下文、调用执行器、写活动日志并扣费，返回变换后的输出
func (r *Runner) invoke(ctx context.Context, exec *AgentChainExecution, step StepDefinition, idx, contextBefore int, a *agent.Agent, cfg *agent.AgentConfiguration, workflowStateID string) (map[string]any, string, error) {
	project, err := r.projectFor(ctx, exec)
	if err != nil {
		return nil, "", err
	}

	agentCtx, err := r.Contexts.BuildFromChainContext(ctx, agentctx.ChainInput{
		ExecutionID:      exec.ID,
		CurrentStepIndex: idx,
		Project:          project,
		PreviousOutputs:  exec.ChainContext.PreviousOutputs(contextBefore),
		Filter:           step.ContextFilterRules,
	}, a, step.MaxTokens)
	if err != nil {
		return nil, "", err
	}

	var candidates []string
	if a != nil {
		candidates = a.Tools
	}
	req := &AgentRequest{
		Agent:           a,
		Config:          cfg,
		Context:         agentCtx,
		Prompt:          step.Prompt,
		AllowedTools:    r.Permissions.AllowedTools(cfg, r.Registry, candidates),
		Tools:           r.Gateway,
		ExecutionID:     exec.ID,
		StepIndex:       idx,
		WorkflowStateID: workflowStateID,
	}

	start := time.Now()
	resp, runErr := r.Executor.Run(ctx, req)
	if resp == nil {
		resp = &AgentResponse{}
	}

	output := resp.Output
	if output == nil {
		output = map[string]any{}
	}
	if runErr == nil && step.OutputTransformer != nil {
		output = r.Transformer.Transform(output, *step.OutputTransformer)
	}

	if err := r.recordRun(ctx, exec, a, agentCtx, workflowStateID, step, output, resp, runErr, time.Since(start)); err != nil {
		return nil, "", err
	}
	if resp.Cost > 0 && r.Budget != nil {
		if err := r.Budget.DeductCost(ctx, cfg, resp.Cost); err != nil {
			r.logger.Error("扣减预算失败",
				zap.String("team_id", exec.TeamID),
				zap.String("agent_id", a.ID),
				zap.Error(err),
			)
		}
	}
	if runErr != nil {
		r.logger.Warn("智能体执行失败",
			zap.String("execution_id", exec.ID),
			zap.Int("step_index", idx),
			zap.Error(runErr),
		)
		return nil, "agent run failed: " + runErr.Error(), nil
	}

	if r.Memory != nil {
		key := fmt.Sprintf("step_%d_output", idx)
		if _, err := r.Memory.StoreChainMemory(ctx, exec.TeamID, exec.ID, key, output, memory.WithAgent(a.ID)); err != nil {
			return nil, "", err
		}
	}
	return output, "", nil
}

func (r *Runner) recordRun(ctx context.Context, exec *AgentChainExecution, a *agent.Agent, agentCtx *agentctx.AgentContext, workflowStateID string, step StepDefinition, output map[string]any, resp *AgentResponse, runErr error, elapsed time.Duration) error {
	accessed, _ := json.Marshal(map[string]any{
		"chain_execution_id": exec.ID,
		"project":            agentCtx.Project != nil,
		"client":             agentCtx.Client != nil,
		"org":                agentCtx.Org != nil,
		"previous_steps":     len(agentCtx.PreviousStepOutputs),
		"truncated":          agentCtx.Truncated,
	})

	log := &agent.AgentActivityLog{
		TeamID:          exec.TeamID,
		AgentID:         a.ID,
		RunType:         agent.RunTypeAgentRun,
		Status:          agent.ActivitySuccess,
		InputSummary:    truncate(fmt.Sprintf("chain %s step %d: %s", exec.ChainID, step.Index, step.Prompt)),
		OutputSummary:   summarize(output),
		TokensUsed:      resp.TokensUsed,
		Cost:            resp.Cost,
		ToolCalls:       resp.ToolCalls,
		ContextAccessed: datatypes.JSON(accessed),
		DurationMs:      elapsed.Milliseconds(),
	}
	if workflowStateID != "" {
		log.WorkflowStateID = &workflowStateID
	}
	if runErr != nil {
		log.Status = agent.ActivityFailed
		log.OutputSummary = truncate("error: " + runErr.Error())
	}
	return r.Agents.RecordActivity(ctx, log)
}

func (r *Runner) needsApproval(step StepDefinition, output map[string]any, settings *agent.GlobalAISettings) bool {
	if flag, ok := output["requires_approval"].(bool); ok && flag {
		return true
	}
	return step.ActionClass != "" && r.Permissions.RequiresHumanApproval(step.ActionClass, settings)
}

// requestApproval 暂存输出、发起审批并暂停执行
func (r *Runner) requestApproval(ctx context.Context, exec *AgentChainExecution, step StepDefinition, idx int, a *agent.Agent, wf *workflow.AgentWorkflowState, output map[string]any) error {
	if r.Approvals == nil {
		r.logger.Warn("未配置审批服务，步骤输出直接生效", zap.String("execution_id", exec.ID))
		if err := r.Workflows.Complete(ctx, wf, output); err != nil {
			return err
		}
		return r.Chains.ExecuteStep(ctx, exec, output)
	}

	description := fmt.Sprintf("Chain step %d (%s) requires approval", idx, a.Code)
	if reason, ok := output["approval_reason"].(string); ok && reason != "" {
		description = reason
	}
	item, err := r.Approvals.RequestApproval(ctx, wf, description, &approval.RequestOptions{
		SourceType: "agent_chain",
		SourceID:   exec.ChainID,
	})
	if err != nil {
		return err
	}

	if err := r.Chains.SetPendingApproval(ctx, exec, &PendingApproval{
		StepIndex:       idx,
		Output:          output,
		AgentID:         a.ID,
		WorkflowStateID: wf.ID,
		InboxItemID:     item.ID,
	}); err != nil {
		return err
	}
	return r.Chains.Pause(ctx, exec, "awaiting approval: "+item.ID)
}

// completeApproved 审批通过后把暂存的输出记入当前步骤
func (r *Runner) completeApproved(ctx context.Context, exec *AgentChainExecution) error {
	pending, err := r.Chains.TakePendingApproval(ctx, exec)
	if err != nil || pending == nil {
		return err
	}
	if pending.WorkflowStateID != "" {
		wf, err := r.Workflows.Get(ctx, pending.WorkflowStateID)
		if err != nil {
			return err
		}
		if !wf.IsCompleted() {
			if err := r.Workflows.Complete(ctx, wf, pending.Output); err != nil {
				return err
			}
		}
	}
	return r.Chains.ExecuteStep(ctx, exec, pending.Output)
}

// HandleApprovalDecision 审批回调：通过则恢复执行并重新投递，驳回则使执行失败
func (r *Runner) HandleApprovalDecision(ctx context.Context, item *approval.InboxItem, state *workflow.AgentWorkflowState, decision string) error {
	executionID := state.ChainExecutionID()
	if executionID == "" {
		return nil
	}
	exec, err := r.Chains.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	switch decision {
	case approval.DecisionApproved:
		approver := ""
		if item.ApprovedBy != nil {
			approver = *item.ApprovedBy
		}
		if err := r.Chains.Resume(ctx, exec, map[string]any{
			"approved":      true,
			"approver_id":   approver,
			"inbox_item_id": item.ID,
		}); err != nil {
			return err
		}
		if r.Enqueuer != nil {
			return r.Enqueuer.EnqueueChainExecution(ctx, exec.ID)
		}
		return r.Run(ctx, exec.ID)
	case approval.DecisionRejected:
		return r.Chains.Fail(ctx, exec, "approval rejected: "+item.RejectionReason)
	default:
		return nil
	}
}

// projectFor 根据触发实体找到项目，找不到时返回 nil
func (r *Runner) projectFor(ctx context.Context, exec *AgentChainExecution) (*entity.Project, error) {
	if r.Entities == nil || exec.TriggerEntity.IsZero() {
		return nil, nil
	}

	projectID := ""
	target := exec.TriggerEntity
	switch target.Type {
	case ref.TypeProject:
		projectID = target.ID
	case ref.TypeWorkOrder:
		wo, err := r.Entities.GetWorkOrder(ctx, target.ID)
		if err != nil {
			return nil, ignoreNotFound(err)
		}
		projectID = wo.ProjectID
	case ref.TypeDeliverable:
		d, err := r.Entities.GetDeliverable(ctx, target.ID)
		if err != nil {
			return nil, ignoreNotFound(err)
		}
		projectID = d.ProjectID
	default:
		return nil, nil
	}
	if projectID == "" {
		return nil, nil
	}

	project, err := r.Entities.GetProject(ctx, projectID)
	if err != nil {
		return nil, ignoreNotFound(err)
	}
	return project, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, entity.ErrNotFound) {
		return nil
	}
	return err
}

func summarize(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprintf("%v", v))
	}
	return truncate(string(data))
}

func truncate(s string) string {
	if len(s) > maxSummaryLen {
		return s[:maxSummaryLen] + "..."
	}
	return s
}
