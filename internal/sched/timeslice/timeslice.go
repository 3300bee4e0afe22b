// Package timeslice implements PolicyTimeslice: a single task holds
// the device's token at a time; the token rotates round-robin every
// timeslice_T, and a task that overran its slice pays the debt off by
// being skipped on later rotations.
package timeslice

import (
	"sync"
	"time"

	"github.com/kmenycht/neon/internal/model"
	"github.com/kmenycht/neon/internal/sched"
)

// deviceState is the per-device token-holder state, stored in
// Device.PolicyState. All access happens with the device write-locked
// (every Policy method except ReengageMap takes the lock already), so it
// carries no mutex of its own.
type deviceState struct {
	holder *sched.SchedTask
	// sliceStart is when the holder's current timeslice began.
	sliceStart time.Time
	// updateTS is nonzero while a rotation is parked: the slice expired
	// with a request still in flight, and the hand-off waits for that
	// request to complete. The time past updateTS is the holder's overuse.
	updateTS time.Time
}

// taskState is the per-task blocking primitive: a counting semaphore a
// non-holder parks on in Submit, released by the next rotation's up call.
// It is "signed" in the sense that Reset/Stop may up it speculatively, so
// a task that was never actually waiting doesn't deadlock a teardown.
type taskState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	semCount int
	overuse  time.Duration
}

func newTaskState() *taskState {
	ts := &taskState{}
	ts.cond = sync.NewCond(&ts.mu)
	return ts
}

func (ts *taskState) down() {
	ts.mu.Lock()
	for ts.semCount <= 0 {
		ts.cond.Wait()
	}
	ts.semCount--
	ts.mu.Unlock()
}

func (ts *taskState) up() {
	ts.mu.Lock()
	ts.semCount++
	ts.cond.Signal()
	ts.mu.Unlock()
}

func (ts *taskState) addOveruse(d time.Duration) {
	ts.mu.Lock()
	ts.overuse += d
	ts.mu.Unlock()
}

func (ts *taskState) clearOveruse() {
	ts.mu.Lock()
	ts.overuse = 0
	ts.mu.Unlock()
}

// Policy is PolicyTimeslice. It is stateless itself; all state lives in
// the per-device/per-task PolicyState slots the frontend hands back on
// every call.
type Policy struct{}

// New returns a PolicyTimeslice instance.
func New() *Policy { return &Policy{} }

func (p *Policy) Start(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork, mw *model.Work) error {
	if dev.PolicyState == nil {
		dev.PolicyState = &deviceState{}
	}
	if task.PolicyState == nil {
		task.PolicyState = newTaskState()
	}
	return nil
}

// Stop releases the token to the next task in round-robin order if the
// stopping task is both the current holder and has no channels left, and
// wakes its own semaphore so a stray waiter on this task's last channel
// cannot deadlock the exit.
func (p *Policy) Stop(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork, mw *model.Work) error {
	if ts, ok := task.PolicyState.(*taskState); ok {
		ts.up()
	}
	if len(task.Start2Stop) != 0 {
		return nil
	}
	ds, ok := dev.PolicyState.(*deviceState)
	if !ok || ds.holder != task {
		return nil
	}
	next := nextHolder(dev, task.PID)
	ds.holder = next
	ds.sliceStart = time.Now()
	ds.updateTS = time.Time{}
	if next != nil {
		if nts, ok := next.PolicyState.(*taskState); ok {
			nts.up()
		}
	}
	return nil
}

// Submit issues immediately if the calling task holds the token and no
// hand-off is parked; otherwise it releases the device lock, blocks on
// its own semaphore until a rotation hands it the token, reacquires the
// lock, and issues with had_blocked=true.
func (p *Policy) Submit(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, sw *sched.SchedWork, mw *model.Work) error {
	ds, ok := dev.PolicyState.(*deviceState)
	if !ok {
		ds = &deviceState{}
		dev.PolicyState = ds
	}
	ts, ok := task.PolicyState.(*taskState)
	if !ok {
		ts = newTaskState()
		task.PolicyState = ts
	}
	if ds.holder == nil {
		ds.holder = task
		ds.sliceStart = time.Now()
	}
	if ds.holder == task && ds.updateTS.IsZero() {
		return rt.Issue(mw, false)
	}

	dev.Unlock()
	ts.down()
	dev.Lock()
	return rt.Issue(mw, true)
}

func (p *Policy) Issue(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork) error {
	return nil
}

// Complete resolves a parked hand-off: once the overrunning holder's last
// in-flight request drains, the time past the alarm is charged to its
// overuse and the token finally moves.
func (p *Policy) Complete(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork) error {
	ds, ok := dev.PolicyState.(*deviceState)
	if !ok || ds.holder != task || ds.updateTS.IsZero() {
		return nil
	}
	if len(task.Issue2Comp) != 0 {
		return nil
	}
	if ts, ok := task.PolicyState.(*taskState); ok {
		ts.addOveruse(time.Since(ds.updateTS))
	}
	ds.updateTS = time.Time{}
	rotate(dev, ds, rt.Knobs.TimesliceT())
	return nil
}

// Event drives rotation: once timeslice_T has elapsed since the slice
// began, the token moves to the next eligible task — unless the holder
// still has a request in flight, in which case the hand-off is parked
// until Complete observes the drain.
func (p *Policy) Event(rt *sched.Runtime, dev *sched.Device) error {
	ds, ok := dev.PolicyState.(*deviceState)
	if !ok || ds.holder == nil {
		return nil
	}
	if !ds.updateTS.IsZero() {
		return nil // hand-off already parked, Complete finishes it
	}
	if ds.sliceStart.IsZero() {
		ds.sliceStart = time.Now()
		return nil
	}
	if time.Since(ds.sliceStart) < rt.Knobs.TimesliceT() {
		return nil
	}
	if len(ds.holder.Issue2Comp) != 0 {
		ds.updateTS = time.Now()
		return nil
	}
	rotate(dev, ds, rt.Knobs.TimesliceT())
	return nil
}

// ReengageMap rearms the holder's own pages unconditionally (its
// submissions must stay observable) and non-holder pages only when the
// disengage knob is on, forcing a non-holder back through submit rather
// than re-trapping immediately.
func (p *Policy) ReengageMap(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask) bool {
	ds, ok := dev.PolicyState.(*deviceState)
	if !ok || ds.holder == nil || ds.holder == task {
		return true
	}
	return rt.Knobs.Disengage()
}

// Reset clears the current holder and grants every task's semaphore a
// speculative permit, so nobody can be left parked across a scheduling
// on/off transition.
func (p *Policy) Reset(rt *sched.Runtime, dev *sched.Device) {
	if ds, ok := dev.PolicyState.(*deviceState); ok {
		ds.holder = nil
		ds.sliceStart = time.Time{}
		ds.updateTS = time.Time{}
	}
	for _, task := range dev.Tasks {
		if ts, ok := task.PolicyState.(*taskState); ok {
			ts.up()
		}
	}
}

// rotate moves the token to the next eligible task in round-robin order.
// A solo holder keeps the token and has its debt forgiven.
func rotate(dev *sched.Device, ds *deviceState, timesliceT time.Duration) {
	oldPID := ds.holder.PID
	if len(dev.TaskOrder) <= 1 {
		if ts, ok := ds.holder.PolicyState.(*taskState); ok {
			ts.clearOveruse()
		}
		ds.sliceStart = time.Now()
		return
	}

	startIdx := 0
	for i, pid := range dev.TaskOrder {
		if pid == oldPID {
			startIdx = i
			break
		}
	}

	next := pickEligible(dev, startIdx, timesliceT)
	if next == nil {
		ds.sliceStart = time.Now()
		return
	}
	ds.holder = next
	ds.sliceStart = time.Now()
	if nts, ok := next.PolicyState.(*taskState); ok {
		nts.up()
	}
}

// pickEligible walks the round-robin order starting after startIdx. A
// candidate whose overuse exceeds one timeslice pays one timeslice off
// its debt and is skipped; the walk keeps cycling until a candidate is
// under budget. Each skip strictly shrinks someone's debt, so the walk
// terminates.
func pickEligible(dev *sched.Device, startIdx int, timesliceT time.Duration) *sched.SchedTask {
	n := len(dev.TaskOrder)
	if n == 0 {
		return nil
	}
	for {
		drained := true
		for i := 1; i <= n; i++ {
			pid := dev.TaskOrder[(startIdx+i)%n]
			cand, ok := dev.Tasks[pid]
			if !ok {
				continue
			}
			cts, ok := cand.PolicyState.(*taskState)
			if !ok {
				return cand
			}
			cts.mu.Lock()
			if cts.overuse > timesliceT {
				cts.overuse -= timesliceT
				cts.mu.Unlock()
				drained = false
				continue
			}
			cts.mu.Unlock()
			return cand
		}
		if drained {
			return nil
		}
	}
}

// nextHolder picks the round-robin successor of exitingPID, used when the
// current holder stops entirely. It does not consult overuse, since a
// task exiting hands the token over unconditionally.
func nextHolder(dev *sched.Device, exitingPID int) *sched.SchedTask {
	n := len(dev.TaskOrder)
	if n == 0 {
		return nil
	}
	startIdx := -1
	for i, pid := range dev.TaskOrder {
		if pid == exitingPID {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return dev.Tasks[dev.TaskOrder[0]]
	}
	for i := 1; i <= n; i++ {
		pid := dev.TaskOrder[(startIdx+i)%n]
		if pid == exitingPID {
			continue
		}
		if cand, ok := dev.Tasks[pid]; ok {
			return cand
		}
	}
	return nil
}
