// Package sampling implements PolicySampling: a deficit fair queue
// driven by periodically sampling one task's admitted service time per
// device, then spending a virtual-time-weighted free-run period before
// re-sampling.
package sampling

import (
	"sync"
	"time"

	"github.com/kmenycht/neon/internal/model"
	"github.com/kmenycht/neon/internal/sched"
)

// criticalMass is NEON_SAMPLING_CRITICAL_MASS: a sampled task that reaches
// this many admitted requests ends its turn early instead of waiting out
// sampling_T.
const criticalMass = 96

type season int

const (
	seasonBarrier season = iota
	seasonDraining
	seasonSampling
	seasonFreerun
)

// deviceState is the per-device season machine. Every Policy method but
// ReengageMap runs with the device write-locked, so it needs no mutex of
// its own.
type deviceState struct {
	season season

	drainCountdown int

	tourOrder   []int
	tourPos     int
	sampledPID  int
	turnStartTS time.Time

	totalSampledDur time.Duration
	freerunDeadline time.Time

	vtime time.Duration
}

// taskState is the per-task sampling bookkeeping plus the semaphore a
// non-sampled, non-freerun task blocks on.
type taskState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	semCount int

	occupied int
	managed  int

	vtime time.Duration

	nrqstSampled int64
	ncallSampled int64
	exeDtSampled time.Duration
	heldBack     bool
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

// Policy is PolicySampling. All season/task state lives in the PolicyState
// slots the frontend hands back on every call.
type Policy struct{}

// New returns a PolicySampling instance.
func New() *Policy { return &Policy{} }

func deviceSt(dev *sched.Device) *deviceState {
	ds, ok := dev.PolicyState.(*deviceState)
	if !ok {
		ds = &deviceState{season: seasonBarrier}
		dev.PolicyState = ds
	}
	return ds
}

func taskSt(task *sched.SchedTask) *taskState {
	ts, ok := task.PolicyState.(*taskState)
	if !ok {
		ts = newTaskState()
		task.PolicyState = ts
	}
	return ts
}

func (p *Policy) Start(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork, mw *model.Work) error {
	deviceSt(dev)
	taskSt(task).occupied++
	return nil
}

// Stop releases any permit this task might be blocking on and, if this
// task was the currently sampled task and is exiting entirely, advances
// the tour rather than stalling the device on a task that is gone.
func (p *Policy) Stop(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork, mw *model.Work) error {
	ts := taskSt(task)
	ts.up()
	ts.occupied--
	if len(task.Start2Stop) != 0 {
		return nil
	}
	ds := deviceSt(dev)
	if ds.season == seasonSampling && ds.sampledPID == task.PID {
		advanceTour(rt, dev, ds)
	}
	return nil
}

// Submit dispatches on the device's current season.
func (p *Policy) Submit(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, sw *sched.SchedWork, mw *model.Work) error {
	ds := deviceSt(dev)
	ts := taskSt(task)

	switch ds.season {
	case seasonBarrier:
		beginWakeup(rt, dev, ds)
		return p.Submit(rt, dev, task, sw, mw) // re-dispatch into the season just entered
	case seasonDraining:
		return blockAndIssue(rt, dev, ts, mw)
	case seasonSampling:
		if ds.sampledPID == task.PID {
			return issueSampled(rt, dev, ds, task, ts, mw)
		}
		return blockAndIssue(rt, dev, ts, mw)
	case seasonFreerun:
		if ts.heldBack {
			return blockAndIssue(rt, dev, ts, mw)
		}
		return rt.Issue(mw, false)
	}
	return rt.Issue(mw, false)
}

func blockAndIssue(rt *sched.Runtime, dev *sched.Device, ts *taskState, mw *model.Work) error {
	dev.Unlock()
	ts.down()
	dev.Lock()
	return rt.Issue(mw, true)
}

func issueSampled(rt *sched.Runtime, dev *sched.Device, ds *deviceState, task *sched.SchedTask, ts *taskState, mw *model.Work) error {
	if ds.turnStartTS.IsZero() {
		ds.turnStartTS = time.Now()
		ts.managed = ts.occupied
	}
	err := rt.Issue(mw, false)
	ts.nrqstSampled++
	if mw.PartOfCall {
		ts.ncallSampled++
	}
	if turnComplete(rt, ds, ts) && len(task.Issue2Comp) == 0 {
		advanceTour(rt, dev, ds)
	}
	return err
}

func (p *Policy) Issue(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork) error {
	return nil
}

// Complete accounts execution time for the sampled task and, if the
// task's turn had already expired while this request was in flight,
// advances the tour now that the in-flight bitmap has drained.
func (p *Policy) Complete(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, sw *sched.SchedWork) error {
	ds := deviceSt(dev)
	if ds.season == seasonDraining {
		ds.drainCountdown--
		if ds.drainCountdown <= 0 {
			startSampling(dev, ds)
		}
		return nil
	}
	if ds.season != seasonSampling || ds.sampledPID != task.PID {
		return nil
	}
	ts := taskSt(task)
	ts.exeDtSampled += time.Since(sw.IssueTS)

	if turnComplete(rt, ds, ts) && len(task.Issue2Comp) == 0 {
		advanceTour(rt, dev, ds)
	}
	return nil
}

// turnComplete reports whether the sampled task's turn is over, either by
// elapsed sampling_T or by reaching NEON_SAMPLING_CRITICAL_MASS requests.
func turnComplete(rt *sched.Runtime, ds *deviceState, ts *taskState) bool {
	if ds.turnStartTS.IsZero() {
		return false
	}
	if time.Since(ds.turnStartTS) >= rt.Knobs.SamplingT() {
		return true
	}
	return ts.nrqstSampled >= criticalMass
}

// Event drives season timeouts that aren't triggered by submit/complete:
// the sampling turn's sampling_T deadline and the freerun timer.
func (p *Policy) Event(rt *sched.Runtime, dev *sched.Device) error {
	ds := deviceSt(dev)
	switch ds.season {
	case seasonSampling:
		if ds.sampledPID == 0 || ds.turnStartTS.IsZero() {
			return nil
		}
		task, ok := dev.Tasks[ds.sampledPID]
		if !ok {
			return nil
		}
		ts := taskSt(task)
		if turnComplete(rt, ds, ts) && len(task.Issue2Comp) == 0 {
			advanceTour(rt, dev, ds)
		}
	case seasonFreerun:
		if !ds.freerunDeadline.IsZero() && !time.Now().Before(ds.freerunDeadline) {
			beginBarrier(rt, dev, ds)
		}
	}
	return nil
}

// ReengageMap always rearms the sampled task (it is the one being
// measured) and any task running free; a task currently gated — not
// sampled during SAMPLING, or held back during FREERUN — rearms only
// when the disengage knob is on, the same knob timeslice consults for
// its non-holders.
func (p *Policy) ReengageMap(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask) bool {
	ds := deviceSt(dev)
	switch ds.season {
	case seasonSampling:
		if ds.sampledPID == task.PID {
			return true
		}
		return rt.Knobs.Disengage()
	case seasonFreerun:
		if !taskSt(task).heldBack {
			return true
		}
		return rt.Knobs.Disengage()
	default:
		return true
	}
}

// Reset drops the device back to BARRIER and releases anyone parked on
// their semaphore, so a scheduling on/off transition never strands a
// waiter.
func (p *Policy) Reset(rt *sched.Runtime, dev *sched.Device) {
	dev.PolicyState = &deviceState{season: seasonBarrier}
	for _, task := range dev.Tasks {
		ts := taskSt(task)
		ts.heldBack = false
		ts.up()
	}
}

// beginWakeup is the BARRIER event handler: the first submission
// after a barrier counts in-flight work across tasks and either drains or
// jumps straight to sampling.
func beginWakeup(rt *sched.Runtime, dev *sched.Device, ds *deviceState) {
	inFlight := 0
	for _, task := range dev.Tasks {
		inFlight += len(task.Issue2Comp)
	}
	if inFlight == 0 {
		startSampling(dev, ds)
		return
	}
	ds.season = seasonDraining
	ds.drainCountdown = inFlight
}

// startSampling begins a fresh tour over the device's current task order.
func startSampling(dev *sched.Device, ds *deviceState) {
	ds.season = seasonSampling
	ds.tourOrder = append([]int(nil), dev.TaskOrder...)
	ds.tourPos = 0
	ds.totalSampledDur = 0
	ds.sampledPID = 0
	ds.turnStartTS = time.Time{}

	for i, pid := range ds.tourOrder {
		if task, ok := dev.Tasks[pid]; ok {
			ds.sampledPID = pid
			ds.tourPos = i
			taskSt(task).up()
			return
		}
	}
}

// advanceTour ends the current task's sampling turn and either moves to
// the next live task in the tour or, if the tour is exhausted, finalizes
// virtual times and enters FREERUN.
func advanceTour(rt *sched.Runtime, dev *sched.Device, ds *deviceState) {
	if !ds.turnStartTS.IsZero() {
		ds.totalSampledDur += time.Since(ds.turnStartTS)
	}

	for i := ds.tourPos + 1; i < len(ds.tourOrder); i++ {
		pid := ds.tourOrder[i]
		task, ok := dev.Tasks[pid]
		if !ok {
			continue
		}
		ds.tourPos = i
		ds.sampledPID = pid
		ds.turnStartTS = time.Now()
		taskSt(task).up()
		return
	}

	finalizeVirtualTimes(rt, dev, ds)
	ds.season = seasonFreerun
	samplingX := rt.Knobs.SamplingX()
	ds.freerunDeadline = time.Now().Add(time.Duration(samplingX) * ds.totalSampledDur)
	ds.sampledPID = 0
	ds.turnStartTS = time.Time{}

	for _, pid := range ds.tourOrder {
		task, ok := dev.Tasks[pid]
		if !ok {
			continue
		}
		ts := taskSt(task)
		if !ts.heldBack {
			ts.up()
		}
	}
}

// finalizeVirtualTimes implements end-of-tour virtual time update.
func finalizeVirtualTimes(rt *sched.Runtime, dev *sched.Device, ds *deviceState) {
	epochDt := time.Duration(rt.Knobs.SamplingX()) * ds.totalSampledDur

	type accounted struct {
		ts  *taskState
		avg time.Duration
	}
	var list []accounted
	var totalAvg time.Duration

	for _, pid := range ds.tourOrder {
		task, ok := dev.Tasks[pid]
		if !ok {
			continue
		}
		ts := taskSt(task)
		if ts.heldBack || ts.nrqstSampled == 0 {
			continue
		}
		nrqstPerCall := int64(1)
		if ts.ncallSampled > 0 {
			nrqstPerCall = (ts.nrqstSampled + ts.ncallSampled - 1) / ts.ncallSampled
		}
		avg := time.Duration(nrqstPerCall) * ts.exeDtSampled / time.Duration(ts.nrqstSampled)
		list = append(list, accounted{ts, avg})
		totalAvg += avg
	}

	if len(list) > 0 && totalAvg > 0 {
		for _, a := range list {
			vtInc := time.Duration(float64(a.avg) * float64(epochDt) / float64(totalAvg))
			a.ts.vtime += vtInc
		}
		minVT := list[0].ts.vtime
		for _, a := range list[1:] {
			if a.ts.vtime < minVT {
				minVT = a.ts.vtime
			}
		}
		ds.vtime = minVT
		for _, a := range list {
			if a.ts.vtime < ds.vtime {
				a.ts.vtime = ds.vtime
			}
			a.ts.heldBack = a.ts.vtime > ds.vtime+epochDt
		}
	}

	for _, pid := range ds.tourOrder {
		if task, ok := dev.Tasks[pid]; ok {
			ts := taskSt(task)
			ts.nrqstSampled = 0
			ts.ncallSampled = 0
			ts.exeDtSampled = 0
		}
	}
}

// beginBarrier is the FREERUN timer handler: return to BARRIER so the
// next submission starts a fresh tour. Hold-back punishment ends here, so
// a penalized task is blocked for at most one freerun.
func beginBarrier(rt *sched.Runtime, dev *sched.Device, ds *deviceState) {
	for _, task := range dev.Tasks {
		taskSt(task).heldBack = false
	}
	ds.season = seasonBarrier
	ds.tourOrder = nil
	ds.tourPos = 0
	ds.sampledPID = 0
	ds.totalSampledDur = 0
	ds.turnStartTS = time.Time{}
	ds.freerunDeadline = time.Time{}
}
