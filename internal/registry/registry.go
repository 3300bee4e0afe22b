// Package registry implements TaskRegistry and its lifecycle hooks:
// the glue between the shim-facing entry points and the core
// components (PageTracker, WorkInference, PolicyRuntime, ChannelTable)
// those entry points drive. A Registry owns every live Task and is the
// only component that creates or tears down Contexts, Maps, and Works.
package registry

import (
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/kmenycht/neon/internal/chantab"
	"github.com/kmenycht/neon/internal/devprofile"
	"github.com/kmenycht/neon/internal/infer"
	"github.com/kmenycht/neon/internal/interfaces"
	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/logging"
	"github.com/kmenycht/neon/internal/model"
	"github.com/kmenycht/neon/internal/nerrors"
	"github.com/kmenycht/neon/internal/sched"
	"github.com/kmenycht/neon/internal/track"
)

// isContextCreateMethod reports whether an ioctl method actually
// creates a context (enable-graphics, enable-compute, enable-other);
// any other command reaching pre_context is a no-op.
func isContextCreateMethod(cmd interfaces.IoctlCmd) bool {
	switch cmd {
	case interfaces.IoctlEnableGraphics, interfaces.IoctlEnableCompute, interfaces.IoctlEnableOther:
		return true
	default:
		return false
	}
}

// Registry is TaskRegistry: the per-process NEON task table plus its
// lifecycle hooks, wired to the core components that actually do the
// work of tracking, inference, and scheduling.
type Registry struct {
	mu    sync.Mutex
	Tasks map[int]*model.Task

	Global   *model.Global
	Profiles map[int]devprofile.Profile
	PageSize uint64

	Tracker *track.Tracker
	Infer   *infer.Engine
	Sched   *sched.Runtime
	Table   *chantab.ChannelTable
	Knobs   *knobs.Knobs
	Logger  *logging.Logger

	// PolicyFor maps the policy knob to a fresh policy instance. It is
	// consulted at ctx_live 0<->1 checkpoints, right after staged knob
	// writes commit, so a policy change takes effect exactly there.
	PolicyFor func(knobs.Policy) sched.Policy

	trapMu  sync.Mutex
	trapped bool
}

// New builds a Registry over already-constructed core components; New
// does not wire those components to each other (the caller, root
// neon.go, does that once at module init).
func New(profiles map[int]devprofile.Profile, pageSize uint64, tracker *track.Tracker, inferEngine *infer.Engine, schedRT *sched.Runtime, table *chantab.ChannelTable, k *knobs.Knobs, logger *logging.Logger) *Registry {
	return &Registry{
		Tasks: make(map[int]*model.Task),
		Global: &model.Global{},
		Profiles: profiles,
		PageSize: pageSize,
		Tracker: tracker,
		Infer: inferEngine,
		Sched: schedRT,
		Table: table,
		Knobs: k,
		Logger: logger,
	}
}

// TrapEnabled reports whether the trap-entry notifier is currently
// registered (enabled on ctx_live 0->1, unregistered on 1->0). The
// shim's fault_handler consults this before calling into PageTracker at
// all — the same role the real module's notifier registration plays.
func (r *Registry) TrapEnabled() bool {
	r.trapMu.Lock()
	defer r.trapMu.Unlock()
	return r.trapped
}

func (r *Registry) setTrap(enabled bool) {
	r.trapMu.Lock()
	r.trapped = enabled
	r.trapMu.Unlock()
}

func (r *Registry) task(pid int) (*model.Task, bool) {
	t, ok := r.Tasks[pid]
	return t, ok
}

// PreContext is the context-create hook: attach a new Task to
// pid if none exists, insert a new Context, and bump ctx_live. Only
// handled for the three context-creating ioctl methods; anything else is
// a deliberate no-op.
func (r *Registry) PreContext(pid int, cmd interfaces.IoctlCmd, key uint64, gate *knobs.Gate) (*model.Context, error) {
	if !isContextCreateMethod(cmd) {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.task(pid)
	if !ok {
		task = model.NewTask(pid)
		r.Tasks[pid] = task
	}
	ctx := task.NewContext(key)

	_, crossed := r.Global.AddCtxLive(1)
	if crossed {
		r.setTrap(true)
		if gate != nil {
			gate.Commit()
		}
		if r.Sched != nil {
			if r.PolicyFor != nil {
				r.Sched.Policy = r.PolicyFor(r.Knobs.Policy())
			}
			r.Sched.SetSchedulingEnabled(true)
		}
	}
	return ctx, nil
}

// contextByKey finds the (task, context) pair owning a driver-supplied
// opaque context key.
func (r *Registry) contextByKey(pid int, key uint64) (*model.Task, *model.Context, bool) {
	task, ok := r.task(pid)
	if !ok {
		return nil, nil, false
	}
	for _, ctx := range task.Contexts {
		if ctx.Key == key {
			return task, ctx, true
		}
	}
	return nil, nil, false
}

// PreMapIn allocates a Map and attaches it to its Context immediately.
// Offset and GPU-view address are filled in later by PostMapIn, which
// serves both the map-in and the mmap post calls.
func (r *Registry) PreMapIn(pid int, ctxKey uint64, mapKey uint64, device int, size uint64) (*model.Map, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ctx, ok := r.contextByKey(pid, ctxKey)
	if !ok {
		return nil, nerrors.New("pre_mapin", nerrors.CodeNotOurs, "unknown context")
	}
	m := ctx.AddMap(&model.Map{
		Device: device,
		Key: mapKey,
		Size: size,
	})
	m.Backing = getBuffer(size)
	return m, nil
}

// PostMapIn fills in the offset and GPU-view address of a Map allocated
// by PreMapIn, then classifies and arms it if it is an index-register
// map.
func (r *Registry) PostMapIn(pid int, ctxKey uint64, mapKey uint64, offset, gpuView, cpuBase uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ctx, ok := r.contextByKey(pid, ctxKey)
	if !ok {
		return nerrors.New("post_mapin", nerrors.CodeNotOurs, "unknown context")
	}
	m, ok := mapByKey(ctx, mapKey)
	if !ok {
		return nerrors.New("post_mapin", nerrors.CodeNotOurs, "unknown map")
	}
	m.Offset = offset
	m.GPUView = gpuView
	m.CPUBase = cpuBase

	return r.maybeTrackIndexRegister(task, ctx, m)
}

func mapByKey(ctx *model.Context, key uint64) (*model.Map, bool) {
	for _, m := range ctx.Maps {
		if m.Key == key {
			return m, true
		}
	}
	return nil, false
}

// maybeTrackIndexRegister recognizes an index-register map by hashing its
// offset into the device's channel-register range, builds the
// accompanying Work if a ring buffer is already mapped, and starts page
// tracking on it.
func (r *Registry) maybeTrackIndexRegister(task *model.Task, ctx *model.Context, m *model.Map) error {
	profile, ok := r.Profiles[m.Device]
	if !ok {
		return nil
	}
	if _, ok := profile.HashOffset(m.Offset); !ok {
		return nil
	}
	m.Kind = model.MapKindIndexRegister

	if r.Infer != nil {
		work, err := r.Infer.Init(task.PID, ctx, m)
		if err != nil {
			r.Logger.Error("registry: work_init failed", "pid", task.PID, "device", m.Device, "err", err)
		} else if work != nil {
			if r.Sched != nil {
				if err := r.Sched.Start(work); err != nil {
					r.Logger.Error("registry: policy start failed", "pid", task.PID, "err", err)
				}
			}
		}
	}

	if r.Tracker != nil {
		if err := r.Tracker.Init(m); err != nil {
			return nerrors.Wrap("registry_mapin", err)
		}
		if err := r.Tracker.Start(m); err != nil {
			return nerrors.Wrap("registry_mapin", err)
		}
	}
	return nil
}

// PinPages attaches a Map for a pinned user-address region. Tracking is
// skipped for any sub-vma offset other than the start; those regions were
// observed to carry only zero-valued accesses.
func (r *Registry) PinPages(req interfaces.PinPagesRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.task(req.PID)
	if !ok {
		return nerrors.New("pin_pages", nerrors.CodeNotOurs, "unknown task")
	}
	var ctx *model.Context
	for _, c := range task.Contexts {
		ctx = c
		break
	}
	if ctx == nil {
		return nerrors.New("pin_pages", nerrors.CodeNotOurs, "no context for task")
	}

	m := ctx.AddMap(&model.Map{
		Device: req.Device,
		Key: req.Key,
		Size: req.Size,
		CPUBase: req.UserAddr,
	})
	m.Backing = getBuffer(req.Size)

	if req.SubVMAOffset >= 1 {
		return nil
	}
	return r.maybeTrackIndexRegister(task, ctx, m)
}

// mapFini stops tracking, destroys any Works referencing m, and clears
// its pending fault. Errors from each sub-step are collected and
// returned together rather than short-circuiting, so one failed cleanup
// never skips the rest.
func (r *Registry) mapFini(ctx *model.Context, m *model.Map) error {
	var errs *multierror.Error

	if r.Tracker != nil {
		if err := r.Tracker.Stop(m); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for id, w := range ctx.Works {
		if w.IndexRegMap != m.ID && w.RingBufMap != m.ID && w.CmdBufMap != m.ID && w.RefCntMap != m.ID {
			continue
		}
		if r.Sched != nil {
			if err := r.Sched.Stop(w); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if r.Infer != nil {
			if err := r.Infer.Fini(w); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		delete(ctx.Works, id)
	}

	if r.Tracker != nil {
		if err := r.Tracker.Fini(m); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	putBuffer(m.Backing)
	m.Backing = nil

	return errs.ErrorOrNil()
}

// UnmapVMA implements the unmap_vma hook.
func (r *Registry) UnmapVMA(pid int, mapKey uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.task(pid)
	if !ok {
		return nil
	}
	for _, ctx := range task.Contexts {
		m, ok := mapByKey(ctx, mapKey)
		if !ok {
			continue
		}
		err := r.mapFini(ctx, m)
		delete(ctx.Maps, m.ID)
		if err != nil {
			r.Logger.Warn("registry: unmap_vma cleanup warning", "pid", pid, "err", err)
		}
		return err
	}
	return nil
}

// UnpinPages implements the unpin_pages hook; it shares the whole
// lookup-and-fini path with UnmapVMA.
func (r *Registry) UnpinPages(pid int, mapKey uint64) error {
	return r.UnmapVMA(pid, mapKey)
}

// CopyTask handles a CLONE_VM thread clone: the child shares the same
// Task, bumping its sharer count.
func (r *Registry) CopyTask(parentPID, childPID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.task(parentPID)
	if !ok {
		return
	}
	task.Sharers++
	r.Tasks[childPID] = task
}

// ExitTask runs at thread exit. Only the last exiting thread runs
// task_fini, tearing down every context's maps and works and subtracting
// nctx from the global ctx_live count.
func (r *Registry) ExitTask(pid int, gate *knobs.Gate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.task(pid)
	if !ok {
		return nil
	}
	task.Sharers--
	delete(r.Tasks, pid)
	if task.Sharers > 0 {
		return nil
	}

	var errs *multierror.Error
	nctx := task.NContexts()
	for _, ctx := range task.Contexts {
		for _, m := range ctx.Maps {
			if err := r.mapFini(ctx, m); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	_, crossed := r.Global.AddCtxLive(-int64(nctx))
	if crossed {
		r.setTrap(false)
		if gate != nil {
			gate.Commit()
		}
		if r.Sched != nil {
			if r.PolicyFor != nil {
				r.Sched.Policy = r.PolicyFor(r.Knobs.Policy())
			}
			r.Sched.SetSchedulingEnabled(false)
		}
	}
	return errs.ErrorOrNil()
}

// MarkMalicious gates malicious-process kills: a pid is delivered
// SIGKILL at most once, with the Task.Malicious flag as the guard.
// Returns true the first time it is called for pid (the caller should
// actually signal then); false on every subsequent call.
func (r *Registry) MarkMalicious(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.task(pid)
	if !ok || task.Malicious {
		return false
	}
	task.Malicious = true
	return true
}

// TaskByPID exposes the live Task for a pid, used by the fault/trap
// protocol (track.Tracker.HandleFault/HandleTrap take a *model.Task).
func (r *Registry) TaskByPID(pid int) *model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, _ := r.task(pid)
	return t
}
