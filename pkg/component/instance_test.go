package component

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance() *Instance {
	return NewInstance("counter-a-b#uuid", "counter-a-b", "a",
		&Type{Name: "Counter"}, "", 0, "counter", nil)
}

func TestLifecycle_HappyPath(t *testing.T) {
	inst := newTestInstance()
	assert.Equal(t, LifecycleCreating, inst.Lifecycle())
	assert.False(t, inst.Alive())

	require.NoError(t, inst.Transition(LifecycleInitializing))
	require.NoError(t, inst.Transition(LifecycleReady))
	assert.True(t, inst.Alive())

	require.NoError(t, inst.Transition(LifecycleUpdating))
	require.NoError(t, inst.Transition(LifecycleReady))
	require.NoError(t, inst.Transition(LifecycleUnmounting))
	assert.False(t, inst.Alive())
	require.NoError(t, inst.Transition(LifecycleDestroyed))

	assert.ErrorIs(t, inst.Transition(LifecycleReady), ErrLifecycleTransition)
}

func TestLifecycle_RejectsSkips(t *testing.T) {
	inst := newTestInstance()
	assert.ErrorIs(t, inst.Transition(LifecycleReady), ErrLifecycleTransition)
	assert.ErrorIs(t, inst.Transition(LifecycleDestroyed), ErrLifecycleTransition)
}

func TestLifecycle_ErrorFromAnyPhase(t *testing.T) {
	inst := newTestInstance()
	require.NoError(t, inst.Transition(LifecycleInitializing))

	boom := errors.New("hook failed")
	inst.MarkError(boom)
	assert.Equal(t, LifecycleError, inst.Lifecycle())
	assert.Equal(t, boom, inst.LifecycleErr())

	// Error state can still be torn down.
	require.NoError(t, inst.Transition(LifecycleUnmounting))
	require.NoError(t, inst.Transition(LifecycleDestroyed))
}

func TestSubscribers(t *testing.T) {
	inst := newTestInstance()
	inst.Subscribe("c1")
	inst.Subscribe("c2")
	assert.True(t, inst.Subscribed("c1"))
	assert.ElementsMatch(t, []string{"c1", "c2"}, inst.Subscribers())

	assert.Equal(t, 1, inst.Unsubscribe("c1"))
	assert.Equal(t, 0, inst.Unsubscribe("c2"))
	assert.False(t, inst.Subscribed("c1"))
}

func TestChildren(t *testing.T) {
	inst := newTestInstance()
	inst.AddChild("a")
	inst.AddChild("b")
	assert.ElementsMatch(t, []string{"a", "b"}, inst.Children())
	inst.RemoveChild("a")
	assert.Equal(t, []string{"b"}, inst.Children())
}

func TestLazyDep(t *testing.T) {
	inst := newTestInstance()
	calls := 0
	inst.SetLazyDep("svc", func() (any, error) {
		calls++
		return 42, nil
	})

	v, err := inst.Dep("svc")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	_, _ = inst.Dep("svc")
	assert.Equal(t, 1, calls)

	v, err = inst.Dep("absent")
	require.NoError(t, err)
	assert.Nil(t, v)
}
