package fcfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmenycht/neon/internal/chantab"
	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/model"
	"github.com/kmenycht/neon/internal/sched"
)

func newTestRuntime() (*sched.Runtime, *chantab.ChannelTable) {
	k := knobs.New()
	tab := chantab.New(nil, nil, nil, k, nil)
	rt := sched.New(New(), tab, k, nil)
	rt.RegisterDevice(0, 8)
	tab.RegisterDevice(0, 8)
	return rt, tab
}

func TestSubmitIssuesImmediately(t *testing.T) {
	rt, tab := newTestRuntime()
	w := &model.Work{Device: 0, Channel: 2, Task: 50, ID: 1, RefcKVAddr: 0x2000, RefcTarget: 1}
	require.NoError(t, rt.Start(w))

	require.NoError(t, rt.Submit(w, true))
	assert.True(t, tab.IsLive(0, 2))
}

func TestReengageMapAlwaysDisengagesNothing(t *testing.T) {
	rt, _ := newTestRuntime()
	w := &model.Work{Device: 0, Channel: 2, Task: 50, ID: 1}
	require.NoError(t, rt.Start(w))

	assert.True(t, rt.ShouldRearm(w), "FCFS never leaves a page disengaged")
}

func TestEventAndResetAreNoOps(t *testing.T) {
	rt, _ := newTestRuntime()
	require.NoError(t, rt.Event(0))
	assert.NotPanics(t, func() { rt.SetSchedulingEnabled(true) })
}
