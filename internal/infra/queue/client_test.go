package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"workhub/internal/ref"
	"workhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type captured struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	calls []captured
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, captured{task: task, opts: opts})
	return &asynq.TaskInfo{ID: "t-1", Queue: "q"}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestEnqueueChainTrigger(t *testing.T) {
	fake := &fakeEnqueuer{}
	c := NewClientWith(fake, zaptest.NewLogger(t))
	payload := tasks.ProcessChainTriggerPayload{
		TriggerID: "tr-1", TeamID: "team-1", ChainID: "chain-1",
		Entity: ref.New(ref.TypeWorkOrder, "wo-1"), ToStatus: "in_review",
	}

	require.NoError(t, c.EnqueueChainTrigger(context.Background(), payload))
	require.Len(t, fake.calls, 1)
	assert.Equal(t, tasks.TypeProcessChainTrigger, fake.calls[0].task.Type())

	var got tasks.ProcessChainTriggerPayload
	require.NoError(t, json.Unmarshal(fake.calls[0].task.Payload(), &got))
	assert.Equal(t, payload, got)

	queue, ok := optionValue(fake.calls[0].opts, asynq.QueueOpt)
	require.True(t, ok)
	assert.Equal(t, tasks.QueueChains, queue)
}

func TestEnqueueChainExecutionDuplicateIsNoop(t *testing.T) {
	fake := &fakeEnqueuer{err: asynq.ErrDuplicateTask}
	c := NewClientWith(fake, zaptest.NewLogger(t))
	assert.NoError(t, c.EnqueueChainExecution(context.Background(), "exec-1"))

	fake.err = nil
	require.NoError(t, c.EnqueueChainExecution(context.Background(), "exec-1"))
	_, ok := optionValue(fake.calls[0].opts, asynq.UniqueOpt)
	assert.True(t, ok)
}

func TestEnqueuePMCopilot(t *testing.T) {
	fake := &fakeEnqueuer{}
	c := NewClientWith(fake, zaptest.NewLogger(t))
	require.NoError(t, c.EnqueuePMCopilot(context.Background(), tasks.ProcessPMCopilotTriggerPayload{TeamID: "team-1", WorkOrderID: "wo-1"}))

	id, ok := optionValue(fake.calls[0].opts, asynq.TaskIDOpt)
	require.True(t, ok)
	assert.Equal(t, "pm-copilot:wo-1", id)
	queue, _ := optionValue(fake.calls[0].opts, asynq.QueueOpt)
	assert.Equal(t, tasks.QueueAgents, queue)

	fake.err = asynq.ErrTaskIDConflict
	assert.NoError(t, c.EnqueuePMCopilot(context.Background(), tasks.ProcessPMCopilotTriggerPayload{WorkOrderID: "wo-1"}))
}

func TestEnqueueFailure(t *testing.T) {
	c := NewClientWith(&fakeEnqueuer{err: errors.New("redis down")}, zaptest.NewLogger(t))
	err := c.EnqueueChainTrigger(context.Background(), tasks.ProcessChainTriggerPayload{})
	assert.ErrorContains(t, err, "redis down")
}
