package chantab

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmenycht/neon/internal/knobs"
)

type fakeSource struct {
	mu     sync.Mutex
	values map[uint64]uint64
	err    error
}

func newFakeSource() *fakeSource { return &fakeSource{values: make(map[uint64]uint64)} }

func (f *fakeSource) ReadCounter(addr uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.values[addr], nil
}

func (f *fakeSource) set(addr, val uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[addr] = val
}

type fakeHooks struct {
	mu            sync.Mutex
	completeCalls []completion
	eventCalls    []int
}

type completion struct {
	device, channel, pid int
}

func (f *fakeHooks) Complete(device, channel, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls = append(f.completeCalls, completion{device, channel, pid})
	return nil
}

func (f *fakeHooks) Event(device int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCalls = append(f.eventCalls, device)
	return nil
}

func (f *fakeHooks) completions() []completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]completion, len(f.completeCalls))
	copy(out, f.completeCalls)
	return out
}

type fakeKiller struct {
	mu     sync.Mutex
	killed []int
}

func (f *fakeKiller) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

func (f *fakeKiller) killedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.killed))
	copy(out, f.killed)
	return out
}

func TestSubmitSetsLiveBit(t *testing.T) {
	src := newFakeSource()
	hooks := &fakeHooks{}
	k := knobs.New()
	tab := New(src, hooks, nil, k, nil)
	tab.RegisterDevice(0, 4)

	require.NoError(t, tab.Submit(0, 2, 100, 0x1000, 7))
	assert.True(t, tab.IsLive(0, 2))
	assert.False(t, tab.IsLive(0, 1))
}

func TestTickDeclaresCompletionWhenCounterReachesTarget(t *testing.T) {
	src := newFakeSource()
	hooks := &fakeHooks{}
	k := knobs.New()
	tab := New(src, hooks, nil, k, nil)
	tab.RegisterDevice(0, 1)
	require.NoError(t, tab.Submit(0, 0, 100, 0x1000, 7))

	src.set(0x1000, 3)
	tab.Tick()
	assert.True(t, tab.IsLive(0, 0), "not complete yet")
	assert.Empty(t, hooks.completions())

	src.set(0x1000, 7)
	tab.Tick()
	assert.False(t, tab.IsLive(0, 0))
	require.Len(t, hooks.completions(), 1)
	assert.Equal(t, completion{0, 0, 100}, hooks.completions()[0])
}

func TestCompleteIsIdempotent(t *testing.T) {
	src := newFakeSource()
	hooks := &fakeHooks{}
	k := knobs.New()
	tab := New(src, hooks, nil, k, nil)
	tab.RegisterDevice(0, 1)
	require.NoError(t, tab.Submit(0, 0, 100, 0x1000, 1))
	src.set(0x1000, 1)

	tab.Tick()
	tab.Tick() // channel no longer live, must not call Complete again
	assert.Len(t, hooks.completions(), 1)
}

func TestMaliciousPidKilledOnceAfterThreshold(t *testing.T) {
	src := newFakeSource()
	hooks := &fakeHooks{}
	killer := &fakeKiller{}
	k := knobs.New()
	require.NoError(t, k.SetMaliciousT(3*time.Millisecond))
	tab := New(src, hooks, killer, k, nil)
	tab.RegisterDevice(0, 1)
	require.NoError(t, tab.Submit(0, 0, 100, 0x1000, 999)) // never reached

	// polling_T default 1ms, malicious_T 3ms -> threshold 3 ticks.
	for i := 0; i < 6; i++ {
		tab.Tick()
	}
	assert.Equal(t, []int{100}, killer.killedPIDs(), "pid must be killed exactly once even after many ticks past threshold")
}

func TestEventHookFiresEveryTickPerDevice(t *testing.T) {
	src := newFakeSource()
	hooks := &fakeHooks{}
	k := knobs.New()
	tab := New(src, hooks, nil, k, nil)
	tab.RegisterDevice(0, 1)
	tab.RegisterDevice(1, 1)

	tab.Tick()
	calls := hooks.eventCalls
	assert.ElementsMatch(t, []int{0, 1}, calls)
}

func TestPollingLoopTicksAtConfiguredPeriod(t *testing.T) {
	src := newFakeSource()
	hooks := &fakeHooks{}
	k := knobs.New()
	require.NoError(t, k.SetPollingT(5*time.Millisecond))
	tab := New(src, hooks, nil, k, nil)
	tab.RegisterDevice(0, 1)
	require.NoError(t, tab.Submit(0, 0, 1, 0x1000, 1))
	src.set(0x1000, 1)

	loop := NewPollingLoop(tab, k, nil)
	go loop.Run()
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return len(hooks.completions()) >= 1
	}, 200*time.Millisecond, 5*time.Millisecond)
}
