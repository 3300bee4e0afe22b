package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmenycht/neon/internal/chantab"
	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/model"
)

// fcfsLikePolicy mirrors PolicyFCFS's contract without importing the fcfs
// package, keeping this test self-contained.
type fcfsLikePolicy struct {
	startCalls, stopCalls, issueCalls, completeCalls, eventCalls int
}

func (p *fcfsLikePolicy) Start(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork, mw *model.Work) error {
	p.startCalls++
	return nil
}
func (p *fcfsLikePolicy) Stop(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork, mw *model.Work) error {
	p.stopCalls++
	return nil
}
func (p *fcfsLikePolicy) Submit(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork, mw *model.Work) error {
	return rt.Issue(mw, false)
}
func (p *fcfsLikePolicy) Issue(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork) error {
	p.issueCalls++
	return nil
}
func (p *fcfsLikePolicy) Complete(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork) error {
	p.completeCalls++
	return nil
}
func (p *fcfsLikePolicy) Event(rt *Runtime, dev *Device) error {
	p.eventCalls++
	return nil
}
func (p *fcfsLikePolicy) ReengageMap(rt *Runtime, dev *Device, task *SchedTask) bool { return true }
func (p *fcfsLikePolicy) Reset(rt *Runtime, dev *Device) {}

func newTestRuntime(policy Policy) (*Runtime, *chantab.ChannelTable) {
	k := knobs.New()
	tab := chantab.New(nil, nil, nil, k, nil)
	rt := New(policy, tab, k, nil)
	rt.RegisterDevice(0, 8)
	tab.RegisterDevice(0, 8)
	return rt, tab
}

func TestStartCreatesTaskAndCallsPolicy(t *testing.T) {
	p := &fcfsLikePolicy{}
	rt, _ := newTestRuntime(p)
	w := &model.Work{Device: 0, Channel: 3, Task: 100, ID: 1}

	require.NoError(t, rt.Start(w))
	assert.Equal(t, 1, p.startCalls)
	dev, _ := rt.device(0)
	assert.Contains(t, dev.Tasks, 100)
	assert.True(t, dev.Tasks[100].Start2Stop[3])
	assert.Equal(t, []int{100}, dev.TaskOrder)
}

func TestSubmitIssueCompleteRoundTrip(t *testing.T) {
	p := &fcfsLikePolicy{}
	rt, tab := newTestRuntime(p)
	w := &model.Work{Device: 0, Channel: 3, Task: 100, ID: 1, RefcKVAddr: 0x1000, RefcTarget: 7}
	require.NoError(t, rt.Start(w))

	require.NoError(t, rt.Submit(w, true))
	assert.Equal(t, 1, p.issueCalls)
	assert.True(t, tab.IsLive(0, 3), "submit must set the channel live bit via chantab")

	dev, _ := rt.device(0)
	task := dev.Tasks[100]
	assert.True(t, task.Issue2Comp[3])
	assert.Equal(t, int64(1), task.Works[3].Requests)

	require.NoError(t, rt.Complete(0, 3, 100))
	assert.Equal(t, 1, p.completeCalls)
	assert.False(t, task.Issue2Comp[3])
}

func TestCompleteIsIdempotentWhenBitAlreadyClear(t *testing.T) {
	p := &fcfsLikePolicy{}
	rt, _ := newTestRuntime(p)
	w := &model.Work{Device: 0, Channel: 3, Task: 100, ID: 1}
	require.NoError(t, rt.Start(w))
	require.NoError(t, rt.Submit(w, true))
	require.NoError(t, rt.Complete(0, 3, 100))

	require.NoError(t, rt.Complete(0, 3, 100))
	assert.Equal(t, 1, p.completeCalls, "a second complete with the bit already clear must be a no-op")
}

func TestStopRemovesTaskWhenLastChannel(t *testing.T) {
	p := &fcfsLikePolicy{}
	rt, _ := newTestRuntime(p)
	w := &model.Work{Device: 0, Channel: 3, Task: 100, ID: 1}
	require.NoError(t, rt.Start(w))

	require.NoError(t, rt.Stop(w))
	assert.Equal(t, 1, p.stopCalls)
	dev, _ := rt.device(0)
	assert.NotContains(t, dev.Tasks, 100)
	assert.Empty(t, dev.TaskOrder)
}

func TestEventDispatchesToPolicyPerDevice(t *testing.T) {
	p := &fcfsLikePolicy{}
	rt, _ := newTestRuntime(p)

	require.NoError(t, rt.Event(0))
	assert.Equal(t, 1, p.eventCalls)
}

func TestShouldRearmDefaultsTrueWithoutTask(t *testing.T) {
	p := &fcfsLikePolicy{}
	rt, _ := newTestRuntime(p)
	w := &model.Work{Device: 0, Channel: 3, Task: 999}

	assert.True(t, rt.ShouldRearm(w))
}

func TestSchedulingEnabledTogglesAndResetsPolicy(t *testing.T) {
	p := &fcfsLikePolicy{}
	rt, _ := newTestRuntime(p)
	assert.False(t, rt.SchedulingEnabled())

	rt.SetSchedulingEnabled(true)
	assert.True(t, rt.SchedulingEnabled())
}
