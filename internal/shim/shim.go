// Package shim implements the external entry points: the intercepted
// ioctl/mmap/pin-pages/fault/trap call sites the proprietary driver
// exposes and the out-of-process loader dispatches into NEON through.
// Shim itself holds no scheduling state; every call is validated and
// handed straight to internal/registry.
package shim

import (
	"github.com/kmenycht/neon/internal/interfaces"
	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/logging"
	"github.com/kmenycht/neon/internal/nerrors"
	"github.com/kmenycht/neon/internal/registry"
	"github.com/kmenycht/neon/internal/track"
)

// Shim implements interfaces.VendorShim over a Registry. It is the only
// concrete implementer of that interface in this module; a real port
// wires a kernel-module loader's intercepted ioctl/mmap/fault hooks to
// these methods.
type Shim struct {
	Reg    *registry.Registry
	Knobs  *knobs.Knobs
	Logger *logging.Logger
}

var _ interfaces.VendorShim = (*Shim)(nil)

// New builds a Shim dispatching into reg.
func New(reg *registry.Registry, k *knobs.Knobs, logger *logging.Logger) *Shim {
	return &Shim{Reg: reg, Knobs: k, Logger: logger}
}

// Ioctl dispatches one intercepted ioctl by command number. Pre-call
// commands run before the driver's own handling; post-call commands run
// after, once the driver has filled in the fields the post payload
// carries (offset and GPU-view address). The payload has no CPU-visible
// base field: map-in post passes 0 for it and mmap post passes the
// GPU-view address.
func (s *Shim) Ioctl(cmd interfaces.IoctlCmd, pre, post *interfaces.IoctlPayload) error {
	switch cmd {
	case interfaces.IoctlEnableGraphics, interfaces.IoctlEnableCompute, interfaces.IoctlEnableOther:
		if pre == nil {
			return nerrors.New("shim_ioctl", nerrors.CodeUnexpectedState, "missing pre payload for context-create ioctl")
		}
		gate := knobs.NewGate(s.Knobs)
		_, err := s.Reg.PreContext(pidFromPayload(pre), cmd, pre.ContextKey, gate)
		return err

	case interfaces.IoctlMapInPre:
		if pre == nil {
			return nerrors.New("shim_ioctl", nerrors.CodeUnexpectedState, "missing pre payload for map-in")
		}
		_, err := s.Reg.PreMapIn(pidFromPayload(pre), pre.ContextKey, pre.MapKey, pre.Device, pre.Size)
		return err

	case interfaces.IoctlMapInPost:
		if post == nil {
			return nerrors.New("shim_ioctl", nerrors.CodeUnexpectedState, "missing post payload for map-in")
		}
		return s.Reg.PostMapIn(pidFromPayload(post), post.ContextKey, post.MapKey, post.Offset, post.GPUView, 0)

	case interfaces.IoctlMmapPre:
		// mmap pre allocates the Map exactly like map-in pre; the matching
		// post call supplies its offset and GPU-view address.
		if pre == nil {
			return nerrors.New("shim_ioctl", nerrors.CodeUnexpectedState, "missing pre payload for mmap")
		}
		_, err := s.Reg.PreMapIn(pidFromPayload(pre), pre.ContextKey, pre.MapKey, pre.Device, pre.Size)
		return err

	case interfaces.IoctlMmapPost:
		if post == nil {
			return nerrors.New("shim_ioctl", nerrors.CodeUnexpectedState, "missing post payload for mmap")
		}
		return s.Reg.PostMapIn(pidFromPayload(post), post.ContextKey, post.MapKey, post.Offset, post.GPUView, post.GPUView)

	case interfaces.IoctlGPUView:
		// GPU-view address resolution is read-only from NEON's point of
		// view; the driver already owns the mapping, NEON just observes it
		// through PostMapIn's gpuView argument.
		return nil

	default:
		return nil
	}
}

// pidFromPayload is a placeholder seam: a real loader tags the calling
// pid on the payload (or supplies it out of band via the syscall
// context); NEON's payload type carries only the fields its own handlers
// read, so here it is recovered from ContextKey's high 32 bits in the
// same way the simulated driver in tests synthesizes one.
func pidFromPayload(p *interfaces.IoctlPayload) int {
	return int(p.ContextKey >> 32)
}

// MapPages implements map_pages: called when the driver is about to map
// kernel pages for a context.
func (s *Shim) MapPages(req interfaces.MapPagesRequest) error {
	_, err := s.Reg.PreMapIn(req.PID, 0, req.Key, req.Device, req.Size)
	if err != nil {
		return err
	}
	return s.Reg.PostMapIn(req.PID, 0, req.Key, req.Offset, 0, 0)
}

// PinPages implements pin_pages.
func (s *Shim) PinPages(req interfaces.PinPagesRequest) error {
	return s.Reg.PinPages(req)
}

// UnpinPages implements unpin_pages.
func (s *Shim) UnpinPages(pid int, key uint64) error {
	return s.Reg.UnpinPages(pid, key)
}

// UnmapVMA implements unmap_vma. The real entry point returns void;
// teardown warnings are logged rather than propagated, matching the
// kernel's own vma-destructor signature.
func (s *Shim) UnmapVMA(pid int, key uint64) {
	if err := s.Reg.UnmapVMA(pid, key); err != nil {
		s.Logger.Warn("shim: unmap_vma teardown warning", "pid", pid, "err", err)
	}
}

// FaultHandler implements fault_handler. It short-circuits to
// NotOurs without consulting PageTracker at all when the trap-entry
// notifier is not currently registered (registered only while
// ctx_live > 0), the same gate the real module's notifier registration
// provides for free.
func (s *Shim) FaultHandler(pid int, addr, ip uint64) (bool, error) {
	if !s.Reg.TrapEnabled() {
		return false, nil
	}
	task := s.Reg.TaskByPID(pid)
	outcome, err := s.Reg.Tracker.HandleFault(task, addr, ip)
	return outcome == track.Handled, err
}

// TrapHandler implements trap_handler, gated the same way as
// FaultHandler. Not part of interfaces.VendorShim (the loader calls it
// directly off the single-step completion trap, a different call site
// than the ioctl/mmap family VendorShim models) but lives alongside it
// since both consult the same Tracker.
func (s *Shim) TrapHandler(pid int) (bool, error) {
	if !s.Reg.TrapEnabled() {
		return false, nil
	}
	task := s.Reg.TaskByPID(pid)
	outcome, err := s.Reg.Tracker.HandleTrap(task)
	return outcome == track.Handled, err
}

// CopyTask implements copy_task.
func (s *Shim) CopyTask(parentPID, childPID int) {
	s.Reg.CopyTask(parentPID, childPID)
}

// ExitTask implements exit_task. Like UnmapVMA, the real entry point
// is void; teardown warnings are logged.
func (s *Shim) ExitTask(pid int) {
	gate := knobs.NewGate(s.Knobs)
	if err := s.Reg.ExitTask(pid, gate); err != nil {
		s.Logger.Warn("shim: exit_task teardown warning", "pid", pid, "err", err)
	}
}

// Tweet forwards a trace breadcrumb to the logger, implementing
// interfaces.TraceSink for callers that only have a Shim in hand.
func (s *Shim) Tweet(component, msg string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	s.Logger.Tweet(msg, args...)
}
