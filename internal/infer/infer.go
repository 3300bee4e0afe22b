// Package infer implements WorkInference: recovering a completion
// counter's address and target value from nothing but the value written to
// a channel's index register.
package infer

import (
	"encoding/binary"

	"github.com/kmenycht/neon/internal/devprofile"
	"github.com/kmenycht/neon/internal/logging"
	"github.com/kmenycht/neon/internal/model"
	"github.com/kmenycht/neon/internal/nerrors"
)

// Known ring-buffer sizes, one per workload kind (the "init" step). A ring
// buffer entry is 8 bytes (two 32-bit words: bottom, top), so a ring
// buffer's entry count is its size / 8.
const (
	ComputeRingBufferSize  = 8 * 1024
	GraphicsRingBufferSize = 16 * 1024
)

// trailerWords reports how many trailing 32-bit words a family's parser
// inspects, used to size the slice handed to devprofile.
func trailerWords(f devprofile.Family) int {
	if f == devprofile.FamilyKepler {
		return devprofile.KeplerTrailerWords
	}
	return devprofile.TeslaTrailerWords
}

// Engine runs WorkInference for a fixed set of device profiles, keyed by
// device index (matching the order Global.Devices were probed in).
type Engine struct {
	Profiles map[int]devprofile.Profile
	Logger   *logging.Logger
}

// NewEngine builds an Engine over the given device profiles.
func NewEngine(profiles map[int]devprofile.Profile, logger *logging.Logger) *Engine {
	return &Engine{Profiles: profiles, Logger: logger}
}

func ringBufferSizes() []uint64 {
	return []uint64{ComputeRingBufferSize, GraphicsRingBufferSize}
}

func workloadForSize(size uint64) model.WorkloadKind {
	switch size {
	case ComputeRingBufferSize:
		return model.WorkloadCompute
	case GraphicsRingBufferSize:
		return model.WorkloadGraphics
	default:
		return model.WorkloadUndefined
	}
}

// Init resolves the device/channel from irMap's offset, locates the most
// recently mapped ring buffer of a known size in ctx, and builds a Work
// tying them together. It returns (nil, nil) — not an error — when no
// matching ring buffer exists yet, mirroring the source's "return None".
func (e *Engine) Init(pid int, ctx *model.Context, irMap *model.Map) (*model.Work, error) {
	profile, ok := e.Profiles[irMap.Device]
	if !ok {
		return nil, nerrors.NewChannel("work_init", irMap.Device, -1, nerrors.CodeNotOurs, "unknown device profile")
	}
	cid, ok := profile.HashOffset(irMap.Offset)
	if !ok {
		return nil, nerrors.NewChannel("work_init", irMap.Device, -1, nerrors.CodeNotOurs, "offset is not an index register")
	}

	rb, ok := ctx.MostRecentRingBuffer(ringBufferSizes())
	if !ok {
		e.Logger.Tweet("work_init: no ring buffer mapped yet", "device", irMap.Device, "channel", cid)
		return nil, nil
	}

	w := ctx.AddWork(&model.Work{
		Device: irMap.Device,
		Channel: cid,
		Task: pid,
		IndexRegMap: irMap.ID,
		RingBufMap: rb.ID,
		Workload: workloadForSize(rb.Size),
	})
	return w, nil
}

// Update is the core inference step: from a new index-register value,
// recover the just-submitted command's reference-counter address and
// target value and stash them on work.
func (e *Engine) Update(ctx *model.Context, work *model.Work, newIndexValue uint64) error {
	profile, ok := e.Profiles[work.Device]
	if !ok {
		return nerrors.NewChannel("work_update", work.Device, work.Channel, nerrors.CodeUnexpectedState, "unknown device profile")
	}
	rb, ok := ctx.Maps[work.RingBufMap]
	if !ok {
		return nerrors.NewChannel("work_update", work.Device, work.Channel, nerrors.CodeLeakAtFini, "ring buffer map missing")
	}

	entries := rb.Size / 8
	var idx uint64
	if newIndexValue == 0 {
		if entries == 0 {
			return nerrors.NewChannel("work_update", work.Device, work.Channel, nerrors.CodeInvariantBroken, "zero-size ring buffer")
		}
		idx = entries - 1
	} else {
		idx = newIndexValue - 1
	}
	if idx >= entries {
		return nerrors.NewChannel("work_update", work.Device, work.Channel, nerrors.CodeInvariantBroken, "index register value out of ring-buffer range")
	}

	off := idx * 8
	if off+8 > uint64(len(rb.Backing)) {
		return nerrors.NewChannel("work_update", work.Device, work.Channel, nerrors.CodeInvariantBroken, "ring buffer backing too short")
	}
	bottom := binary.LittleEndian.Uint32(rb.Backing[off : off+4])
	top := binary.LittleEndian.Uint32(rb.Backing[off+4 : off+8])
	cmdAddr := uint64(bottom) | (uint64(top&0xff) << 32)
	cmdSize := uint64(top >> 8)

	cb, ok := ctx.Maps[work.CmdBufMap]
	if !ok || !cb.CoversGPUAddr(cmdAddr) {
		cb, ok = ctx.MapCoveringGPUAddr(cmdAddr)
		if !ok {
			return nerrors.NewChannel("work_update", work.Device, work.Channel, nerrors.CodeUnexpectedState, "no map covers command address")
		}
		work.CmdBufMap = cb.ID
	}

	cmdStartCPU := cb.GPUToCPU(cmdAddr)
	tw := trailerWords(profile.Family)
	trailerBytes := uint64(tw * 4)
	tailEndInBacking := (cmdStartCPU - cb.CPUBase) + cmdSize
	if tailEndInBacking < trailerBytes || tailEndInBacking > uint64(len(cb.Backing)) {
		return nerrors.NewInvariantBroken("work_update", nerrors.SentinelBadTail, "command tail out of bounds")
	}
	tail := cb.Backing[tailEndInBacking-trailerBytes : tailEndInBacking]

	res, err := profile.Family.ParseTail(tail)
	if err != nil {
		return nerrors.NewInvariantBroken("work_update", nerrors.SentinelBadOpcode, err.Error())
	}

	rc, ok := ctx.Maps[work.RefCntMap]
	if !ok || !rc.CoversGPUAddr(res.CounterGPUAddr) {
		rc, ok = ctx.MapCoveringGPUAddr(res.CounterGPUAddr)
		if !ok {
			return nerrors.NewChannel("work_update", work.Device, work.Channel, nerrors.CodeUnexpectedState, "no map covers reference-counter address")
		}
		work.RefCntMap = rc.ID
	}

	work.RefcKVAddr = rc.GPUToCPU(res.CounterGPUAddr)
	work.RefcTarget = res.CounterTarget
	work.PartOfCall = res.PartOfCall
	return nil
}

// Fini enforces that a work being torn down has no outstanding target,
// surfacing LeakAtFini otherwise without blocking teardown.
func (e *Engine) Fini(work *model.Work) error {
	if work.RefcTarget != 0 {
		return nerrors.NewChannel("work_fini", work.Device, work.Channel, nerrors.CodeLeakAtFini, "work torn down with nonzero outstanding target")
	}
	return nil
}
