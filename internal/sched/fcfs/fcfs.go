// Package fcfs implements PolicyFCFS: the stateless default
// policy. Every submission issues immediately and no page is ever left
// disengaged at a hand-off, because there is no hand-off.
package fcfs

import (
	"github.com/kmenycht/neon/internal/model"
	"github.com/kmenycht/neon/internal/sched"
)

// Policy is PolicyFCFS.
type Policy struct{}

// New returns a PolicyFCFS instance. There is no state to configure.
func New() *Policy { return &Policy{} }

func (p *Policy) Start(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork, mw *model.Work) error {
	return nil
}

func (p *Policy) Stop(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork, mw *model.Work) error {
	return nil
}

// Submit immediately calls issue with had_blocked=false.
func (p *Policy) Submit(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork, mw *model.Work) error {
	return rt.Issue(mw, false)
}

func (p *Policy) Issue(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork) error {
	return nil
}

func (p *Policy) Complete(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask, work *sched.SchedWork) error {
	return nil
}

// Event is empty.
func (p *Policy) Event(rt *sched.Runtime, dev *sched.Device) error { return nil }

// ReengageMap always returns "do not disengage": the trap handler
// always rearms.
func (p *Policy) ReengageMap(rt *sched.Runtime, dev *sched.Device, task *sched.SchedTask) bool {
	return true
}

func (p *Policy) Reset(rt *sched.Runtime, dev *sched.Device) {}
