// Package sched implements PolicyRuntime: the shared frontend that
// every one of the three policies plugs into. The frontend owns all
// cross-cutting bookkeeping (per-work/per-task counters and timestamps,
// list membership, bitmap updates) so policies themselves stay small.
// The policy is selected once per epoch, so dispatch stays off hot paths.
package sched

import (
	"sync"
	"time"

	"github.com/kmenycht/neon/internal/chantab"
	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/logging"
	"github.com/kmenycht/neon/internal/model"
	"github.com/kmenycht/neon/internal/nerrors"
)

// SchedWork is the frontend's per-channel bookkeeping slot, created at
// start and destroyed at stop.
type SchedWork struct {
	Channel    int
	WorkID     model.WorkID
	SubmitTS   time.Time
	IssueTS    time.Time
	WaitTotal  time.Duration
	ExeTotal   time.Duration
	Requests   int64
	PartOfCall bool
}

// SchedTask is the frontend's per-task bookkeeping, one per (device, pid).
// Start2Stop and Issue2Comp are the started/in-flight channel bitmaps,
// modeled as sets since channel indices are sparse per task.
type SchedTask struct {
	PID        int
	Works      map[int]*SchedWork
	Start2Stop map[int]bool
	Issue2Comp map[int]bool
	Requests   int64
	WaitTotal  time.Duration
	ExeTotal   time.Duration

	// PolicyState is owned and type-asserted by whichever Policy is
	// active; the frontend never inspects it. An opaque per-task slot
	// rather than a union field, since each policy package lives outside
	// sched.
	PolicyState any
}

// Device is the frontend's per-device state: its task list and the
// read-write lock protecting the task list and work slots.
type Device struct {
	mu          sync.RWMutex
	ID          int
	NumChannels int
	Tasks       map[int]*SchedTask
	TaskOrder   []int              // round-robin order for timeslice/sampling

	PolicyState any
}

// Lock/Unlock/RLock/RUnlock expose Device's lock to Policy implementations
// so a policy can release it around a blocking wait (timeslice, sampling)
// and reacquire it before returning.
func (d *Device) Lock() { d.mu.Lock() }
func (d *Device) Unlock() { d.mu.Unlock() }
func (d *Device) RLock() { d.mu.RLock() }
func (d *Device) RUnlock() { d.mu.RUnlock() }

// Policy is the interface every scheduling discipline implements. All methods are invoked with the relevant Device already
// locked for write, except ReengageMap (read) and Event (write); a policy
// that blocks must release the Device lock first and reacquire it before
// returning.
type Policy interface {
	Start(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork, mw *model.Work) error
	Stop(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork, mw *model.Work) error
	Submit(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork, mw *model.Work) error
	Issue(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork) error
	Complete(rt *Runtime, dev *Device, task *SchedTask, work *SchedWork) error
	Event(rt *Runtime, dev *Device) error
	ReengageMap(rt *Runtime, dev *Device, task *SchedTask) bool
	Reset(rt *Runtime, dev *Device)
}

// MetricsSink lets an external metrics collector observe the frontend's
// submit/issue/complete events without sched importing a concrete
// metrics type; the module root's Metrics satisfies this structurally,
// the same way Policy/PolicyHooks cross package boundaries by interface
// rather than by concrete type.
type MetricsSink interface {
	RecordSubmit(success bool)
	RecordIssue(success bool)
	RecordComplete(wait, exe time.Duration, success bool)
}

// Runtime is PolicyRuntime: the single frontend dispatching to whichever
// Policy is active. It implements both track.Scheduler (Submit,
// SchedulingEnabled, ShouldRearm) and chantab.PolicyHooks (Complete,
// Event) structurally, without either of those packages importing sched.
type Runtime struct {
	mu      sync.RWMutex
	Devices map[int]*Device

	Policy  Policy
	Table   *chantab.ChannelTable
	Knobs   *knobs.Knobs
	Logger  *logging.Logger
	Metrics MetricsSink

	liveMu sync.Mutex
	live   bool
}

// New builds a Runtime dispatching to policy.
func New(policy Policy, table *chantab.ChannelTable, k *knobs.Knobs, logger *logging.Logger) *Runtime {
	return &Runtime{
		Devices: make(map[int]*Device),
		Policy: policy,
		Table: table,
		Knobs: k,
		Logger: logger,
	}
}

// RegisterDevice allocates frontend state for a device with nchannels
// channels, mirroring chantab.RegisterDevice (neon.Init calls both for
// every probed device).
func (rt *Runtime) RegisterDevice(id, nchannels int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.Devices[id] = &Device{ID: id, NumChannels: nchannels, Tasks: make(map[int]*SchedTask)}
}

func (rt *Runtime) device(id int) (*Device, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	d, ok := rt.Devices[id]
	return d, ok
}

// SetSchedulingEnabled flips whether the trap handler consults the policy
// for rearm decisions, and resets every device's policy state. Called by
// the registry at ctx_live 0<->1 transitions (neon_policy_reset).
func (rt *Runtime) SetSchedulingEnabled(enabled bool) {
	rt.liveMu.Lock()
	rt.live = enabled
	rt.liveMu.Unlock()

	rt.mu.RLock()
	devices := make([]*Device, 0, len(rt.Devices))
	for _, d := range rt.Devices {
		devices = append(devices, d)
	}
	rt.mu.RUnlock()

	for _, dev := range devices {
		dev.Lock()
		if rt.Policy != nil {
			rt.Policy.Reset(rt, dev)
		}
		dev.Unlock()
	}
}

// SchedulingEnabled reports whether the policy is live (track.Scheduler).
func (rt *Runtime) SchedulingEnabled() bool {
	rt.liveMu.Lock()
	defer rt.liveMu.Unlock()
	return rt.live
}

// Start creates or reuses the SchedTask for work's pid, zeroes the
// SchedWork slot, and calls policy start.
func (rt *Runtime) Start(work *model.Work) error {
	dev, ok := rt.device(work.Device)
	if !ok {
		return nerrors.NewChannel("sched_start", work.Device, work.Channel, nerrors.CodeUnexpectedState, "unregistered device")
	}
	dev.Lock()
	defer dev.Unlock()

	task, ok := dev.Tasks[work.Task]
	if !ok {
		task = &SchedTask{
			PID: work.Task,
			Works: make(map[int]*SchedWork),
			Start2Stop: make(map[int]bool),
			Issue2Comp: make(map[int]bool),
		}
		dev.Tasks[work.Task] = task
	}
	sw := &SchedWork{Channel: work.Channel, WorkID: work.ID}
	task.Works[work.Channel] = sw

	if len(task.Start2Stop) == 0 {
		dev.TaskOrder = append(dev.TaskOrder, task.PID)
	}

	if rt.Policy != nil {
		if err := rt.Policy.Start(rt, dev, task, sw, work); err != nil {
			return err
		}
	}
	task.Start2Stop[work.Channel] = true
	return nil
}

// Stop clears the channel's start2stop bit, calls policy stop, and tears
// down the SchedTask if this was its last channel.
func (rt *Runtime) Stop(work *model.Work) error {
	dev, ok := rt.device(work.Device)
	if !ok {
		return nerrors.NewChannel("sched_stop", work.Device, work.Channel, nerrors.CodeUnexpectedState, "unregistered device")
	}
	dev.Lock()
	defer dev.Unlock()

	task, ok := dev.Tasks[work.Task]
	if !ok {
		return nerrors.NewChannel("sched_stop", work.Device, work.Channel, nerrors.CodeUnexpectedState, "stop for task that never started")
	}
	delete(task.Start2Stop, work.Channel)
	sw := task.Works[work.Channel]

	if rt.Policy != nil && sw != nil {
		if err := rt.Policy.Stop(rt, dev, task, sw, work); err != nil {
			rt.Logger.Error("sched_stop: policy stop failed", "device", work.Device, "channel", work.Channel, "err", err)
		}
	}
	delete(task.Works, work.Channel)

	if len(task.Start2Stop) == 0 {
		delete(dev.Tasks, task.PID)
		for i, pid := range dev.TaskOrder {
			if pid == task.PID {
				dev.TaskOrder = append(dev.TaskOrder[:i], dev.TaskOrder[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Submit is the track.Scheduler entry point: a write to an index register
// reached work_update and now enters the scheduler.
func (rt *Runtime) Submit(work *model.Work, real bool) error {
	dev, ok := rt.device(work.Device)
	if !ok {
		return nerrors.NewChannel("sched_submit", work.Device, work.Channel, nerrors.CodeUnexpectedState, "unregistered device")
	}
	dev.Lock()

	task, ok := dev.Tasks[work.Task]
	if !ok {
		dev.Unlock()
		return nerrors.NewChannel("sched_submit", work.Device, work.Channel, nerrors.CodeUnexpectedState, "submit before start")
	}
	sw, ok := task.Works[work.Channel]
	if !ok {
		dev.Unlock()
		return nerrors.NewChannel("sched_submit", work.Device, work.Channel, nerrors.CodeUnexpectedState, "submit before start")
	}

	now := time.Now()
	if task.Issue2Comp[work.Channel] {
		sw.ExeTotal += now.Sub(sw.IssueTS)
	}
	sw.Requests++
	task.Requests++
	sw.SubmitTS = now

	if err := rt.Table.Submit(work.Device, work.Channel, work.Task, work.RefcKVAddr, work.RefcTarget); err != nil {
		rt.Logger.Error("sched_submit: chantab submit failed", "err", err)
	}

	var err error
	if rt.Policy != nil {
		err = rt.Policy.Submit(rt, dev, task, sw, work)
	} else {
		err = rt.issueLocked(dev, task, sw, work, false)
	}
	dev.Unlock()
	if rt.Metrics != nil {
		rt.Metrics.RecordSubmit(err == nil)
	}
	return err
}

// Issue is called by a Policy — with the Device already locked, whether
// continuously held or reacquired after a block — to run the frontend's
// issue bookkeeping.
func (rt *Runtime) Issue(work *model.Work, hadBlocked bool) error {
	dev, ok := rt.device(work.Device)
	if !ok {
		return nerrors.NewChannel("sched_issue", work.Device, work.Channel, nerrors.CodeUnexpectedState, "unregistered device")
	}
	task, ok := dev.Tasks[work.Task]
	if !ok {
		return nerrors.NewChannel("sched_issue", work.Device, work.Channel, nerrors.CodeUnexpectedState, "issue before start")
	}
	sw, ok := task.Works[work.Channel]
	if !ok {
		return nerrors.NewChannel("sched_issue", work.Device, work.Channel, nerrors.CodeUnexpectedState, "issue before start")
	}
	return rt.issueLocked(dev, task, sw, work, hadBlocked)
}

func (rt *Runtime) issueLocked(dev *Device, task *SchedTask, sw *SchedWork, work *model.Work, hadBlocked bool) error {
	now := time.Now()
	if hadBlocked {
		waitDt := now.Sub(sw.SubmitTS)
		task.WaitTotal += waitDt
		sw.WaitTotal += waitDt
		sw.IssueTS = now
	} else {
		sw.IssueTS = sw.SubmitTS
	}
	sw.PartOfCall = work.PartOfCall

	var err error
	if rt.Policy != nil {
		err = rt.Policy.Issue(rt, dev, task, sw)
	}
	task.Issue2Comp[work.Channel] = true
	if rt.Metrics != nil {
		rt.Metrics.RecordIssue(err == nil)
	}
	return err
}

// Complete is the chantab.PolicyHooks entry point: the polling loop
// observed a channel reach its target. Idempotent: a second call with the
// bit already clear is a no-op.
func (rt *Runtime) Complete(device, channel, pid int) error {
	dev, ok := rt.device(device)
	if !ok {
		return nil
	}
	dev.Lock()
	defer dev.Unlock()

	task, ok := dev.Tasks[pid]
	if !ok {
		return nil
	}
	sw, ok := task.Works[channel]
	if !ok {
		return nil
	}
	if !task.Issue2Comp[channel] {
		return nil
	}

	now := time.Now()
	exeDt := now.Sub(sw.IssueTS)
	sw.ExeTotal += exeDt
	task.ExeTotal += exeDt
	delete(task.Issue2Comp, channel)

	var err error
	if rt.Policy != nil {
		err = rt.Policy.Complete(rt, dev, task, sw)
	}
	if rt.Metrics != nil {
		rt.Metrics.RecordComplete(sw.IssueTS.Sub(sw.SubmitTS), exeDt, err == nil)
	}
	return err
}

// Event is the chantab.PolicyHooks entry point fired once per polling
// tick per device, letting policies react to their own timers.
func (rt *Runtime) Event(device int) error {
	dev, ok := rt.device(device)
	if !ok {
		return nil
	}
	dev.Lock()
	defer dev.Unlock()
	if rt.Policy == nil {
		return nil
	}
	return rt.Policy.Event(rt, dev)
}

// ShouldRearm is the track.Scheduler entry point consulted by the trap
// handler when scheduling is enabled (reengage_map).
func (rt *Runtime) ShouldRearm(work *model.Work) bool {
	dev, ok := rt.device(work.Device)
	if !ok || rt.Policy == nil {
		return true
	}
	dev.RLock()
	defer dev.RUnlock()
	task, ok := dev.Tasks[work.Task]
	if !ok {
		return true
	}
	return rt.Policy.ReengageMap(rt, dev, task)
}
