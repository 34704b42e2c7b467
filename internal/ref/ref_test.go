package ref

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct{ ID string }

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(TypeWorkflowState, func(_ context.Context, id string) (any, error) {
		return &fakeState{ID: id}, nil
	})

	obj, err := ResolveAs[*fakeState](context.Background(), reg, New(TypeWorkflowState, "ws-1"))
	require.NoError(t, err)
	assert.Equal(t, "ws-1", obj.ID)

	_, err = reg.Resolve(context.Background(), New("unknown", "x"))
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, err = reg.Resolve(context.Background(), Ref{})
	assert.True(t, errors.Is(err, ErrEmptyRef))
}

func TestRefValueScan(t *testing.T) {
	original := New(TypeWorkOrder, "wo-9")
	v, err := original.Value()
	require.NoError(t, err)

	var scanned Ref
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, original, scanned)

	var empty Ref
	require.NoError(t, empty.Scan(nil))
	assert.True(t, empty.IsZero())

	v, err = Ref{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
