// Package track implements PageTracker: the fault/trap protocol that
// makes CPU reads and writes to selected pages of a tracked Map observable
// as exceptions, and the state machine that turns an index-register write
// into a scheduler submission.
package track

import (
	"github.com/kmenycht/neon/internal/devprofile"
	"github.com/kmenycht/neon/internal/hostmem"
	"github.com/kmenycht/neon/internal/logging"
	"github.com/kmenycht/neon/internal/model"
	"github.com/kmenycht/neon/internal/nerrors"
)

// InstructionDecoder decodes the instruction at a faulting IP into an
// access type and, for writes, the value being written. A real port
// disassembles the faulting instruction; we keep it behind an interface so
// the fault handler's control flow is testable without an x86 decoder.
type InstructionDecoder interface {
	Decode(ip uint64) (op model.FaultOp, value uint64, err error)
}

// WorkUpdater is the subset of WorkInference the fault handler drives.
type WorkUpdater interface {
	Update(ctx *model.Context, work *model.Work, newIndexValue uint64) error
}

// Scheduler is the subset of PolicyRuntime the fault/trap protocol drives.
type Scheduler interface {
	Submit(work *model.Work, real bool) error
	SchedulingEnabled() bool
	ShouldRearm(work *model.Work) bool
}

// Outcome is the fault_handler/trap_handler return convention: handled,
// or "not ours, use the default handler."
type Outcome int

const (
	NotOurs Outcome = iota
	Handled
)

// Tracker runs PageTracker for every Map of every tracked Task. A single
// Tracker is shared across all devices; PageSize is the host's page size.
type Tracker struct {
	PageTable hostmem.PageTableOps
	Profiles  map[int]devprofile.Profile
	Updater   WorkUpdater
	Scheduler Scheduler
	Decoder   InstructionDecoder
	Logger    *logging.Logger
	PageSize  uint64
}

// Init allocates the per-page tracker array and clears the pending-fault
// slot. It has no hardware effect.
func (t *Tracker) Init(m *model.Map) error {
	n := m.PageCount(t.PageSize)
	m.Lock()
	defer m.Unlock()
	m.Pages = make([]model.PageState, n)
	for i := range m.Pages {
		m.Pages[i].PageAddr = uintptr(m.CPUBase + uint64(i)*t.PageSize)
	}
	m.PendingFault = nil
	return nil
}

// Start resolves the page-table entry for each page of the map and arms it.
func (t *Tracker) Start(m *model.Map) error {
	m.Lock()
	defer m.Unlock()
	for i := range m.Pages {
		if err := t.armLocked(m, i); err != nil {
			return err
		}
	}
	return nil
}

// Arm clears the present bit on page pageIdx of m, saving its prior value.
// Idempotent on an already-armed page: warns, makes no further hardware change.
func (t *Tracker) Arm(m *model.Map, pageIdx int) error {
	m.Lock()
	defer m.Unlock()
	return t.armLocked(m, pageIdx)
}

func (t *Tracker) armLocked(m *model.Map, pageIdx int) error {
	if pageIdx < 0 || pageIdx >= len(m.Pages) {
		return nerrors.NewChannel("track_arm", m.Device, -1, nerrors.CodeUnexpectedState, "page index out of range")
	}
	page := &m.Pages[pageIdx]
	if page.ArmCount > 0 {
		t.Logger.Warn("track_arm: page already armed, no-op", "map", m.ID, "page", pageIdx)
		page.ArmCount++
		return nil
	}
	if err := t.PageTable.Arm(page.PageAddr); err != nil {
		return nerrors.Wrap("track_arm", err)
	}
	page.ArmCount = 1
	return nil
}

// Disarm restores the saved present bit on page pageIdx of m. Idempotent on
// an already-disarmed page.
func (t *Tracker) Disarm(m *model.Map, pageIdx int) error {
	m.Lock()
	defer m.Unlock()
	return t.disarmLocked(m, pageIdx)
}

func (t *Tracker) disarmLocked(m *model.Map, pageIdx int) error {
	if pageIdx < 0 || pageIdx >= len(m.Pages) {
		return nerrors.NewChannel("track_disarm", m.Device, -1, nerrors.CodeUnexpectedState, "page index out of range")
	}
	page := &m.Pages[pageIdx]
	if page.ArmCount == 0 {
		t.Logger.Warn("track_disarm: page already disarmed, no-op", "map", m.ID, "page", pageIdx)
		return nil
	}
	if err := t.PageTable.Disarm(page.PageAddr); err != nil {
		return nerrors.Wrap("track_disarm", err)
	}
	page.ArmCount = 0
	return nil
}

// Restart arms or disarms every page of m in bulk.
func (t *Tracker) Restart(armFlag bool, m *model.Map) error {
	m.Lock()
	defer m.Unlock()
	for i := range m.Pages {
		var err error
		if armFlag {
			err = t.armLocked(m, i)
		} else {
			err = t.disarmLocked(m, i)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop disarms every page of m. A fault record still live at stop time is
// logged (LeakAtFini) and cleared; it never blocks teardown.
func (t *Tracker) Stop(m *model.Map) error {
	m.Lock()
	defer m.Unlock()
	for i := range m.Pages {
		if err := t.disarmLocked(m, i); err != nil {
			return err
		}
	}
	if m.PendingFault != nil {
		t.Logger.Warn("track_stop: fault record still live at stop", "map", m.ID, "addr", m.PendingFault.Address)
		m.PendingFault = nil
	}
	return nil
}

// Fini frees the per-page array and fault record.
func (t *Tracker) Fini(m *model.Map) error {
	m.Lock()
	defer m.Unlock()
	m.Pages = nil
	m.PendingFault = nil
	return nil
}

// HandleFault runs the page-fault half of the protocol.
func (t *Tracker) HandleFault(task *model.Task, addr uint64, ip uint64) (Outcome, error) {
	if task == nil {
		return NotOurs, nil
	}

	var ctx *model.Context
	var m *model.Map
	for _, c := range task.Contexts {
		if mm, ok := c.MapCoveringCPUAddr(addr); ok {
			ctx, m = c, mm
			break
		}
	}
	if m == nil {
		return NotOurs, nil
	}

	m.Lock()

	pageIdx := m.PageIndexForAddr(addr, t.PageSize)
	if pageIdx < 0 || pageIdx >= len(m.Pages) {
		m.Unlock()
		return NotOurs, nil
	}

	if m.PendingFault != nil {
		if m.PendingFault.Address == addr {
			m.Unlock()
			return Handled, nerrors.NewChannel("fault_handler", m.Device, -1, nerrors.CodeInvariantBroken,
				"second fault at the same address before the trap")
		}
		if err := t.disarmLocked(m, pageIdx); err != nil {
			m.Unlock()
			return Handled, err
		}
		m.PendingFault.SiameseIndex = pageIdx
		m.PendingFault.HasSiamese = true
		m.Unlock()
		return Handled, nil
	}

	op, value, err := t.Decoder.Decode(ip)
	if err != nil {
		m.Unlock()
		return Handled, nerrors.Wrap("fault_handler", err)
	}

	pf := &model.PagedFault{
		MapID: m.ID,
		PageIndex: pageIdx,
		Address: addr,
		IP: ip,
		Op: op,
		Value: value,
	}
	m.PendingFault = pf
	ctx.PushFault(m.ID)

	var work *model.Work
	if op == model.FaultOpWrite {
		if profile, ok := t.Profiles[m.Device]; ok {
			if cid, ok := profile.HashOffset(m.Offset); ok {
				if w, ok := ctx.WorkForChannel(m.Device, cid); ok {
					work = w
					if t.Updater != nil {
						if err := t.Updater.Update(ctx, work, value); err != nil {
							t.Logger.Error("fault_handler: work_update failed", "err", err)
						}
					}
				}
			}
		}
	}

	if err := t.disarmLocked(m, pageIdx); err != nil {
		m.Unlock()
		return Handled, err
	}
	m.Unlock()

	// Submit runs without the map lock held: a policy may park the
	// calling thread on its semaphore here, and a parked submitter must
	// not pin the map against the trap path of its sibling threads.
	if work != nil && t.Scheduler != nil {
		if err := t.Scheduler.Submit(work, true); err != nil {
			t.Logger.Error("fault_handler: submit failed", "err", err)
		}
	}
	return Handled, nil
}

// HandleTrap runs the single-step-completion half of the protocol: consume
// the first pending fault on the task, rearm per policy, and clear the
// record.
func (t *Tracker) HandleTrap(task *model.Task) (Outcome, error) {
	if task == nil {
		return NotOurs, nil
	}

	for _, ctx := range task.Contexts {
		mapID, ok := ctx.PopFault()
		if !ok {
			continue
		}
		m, ok := ctx.Maps[mapID]
		if !ok {
			return Handled, nerrors.New("trap_handler", nerrors.CodeLeakAtFini, "fault map missing at trap")
		}

		m.Lock()
		pf := m.PendingFault
		if pf == nil {
			m.Unlock()
			return Handled, nerrors.New("trap_handler", nerrors.CodeUnexpectedState, "fault list entry with no pending record")
		}

		rearm := true
		if pf.Op == model.FaultOpWrite {
			if profile, ok := t.Profiles[m.Device]; ok {
				if cid, isIndexReg := profile.HashOffset(m.Offset); isIndexReg {
					if t.Scheduler != nil && t.Scheduler.SchedulingEnabled() {
						if w, ok := ctx.WorkForChannel(m.Device, cid); ok {
							rearm = t.Scheduler.ShouldRearm(w)
						}
					}
				}
			}
		}

		if rearm {
			if err := t.armLocked(m, pf.PageIndex); err != nil {
				m.Unlock()
				return Handled, err
			}
		}
		if pf.HasSiamese {
			if err := t.armLocked(m, pf.SiameseIndex); err != nil {
				m.Unlock()
				return Handled, err
			}
			pf.HasSiamese = false
		}
		m.PendingFault = nil
		m.Unlock()
		return Handled, nil
	}
	return NotOurs, nil
}
