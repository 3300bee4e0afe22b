// Package interfaces holds the seams between NEON's core (everything
// else in this module) and the collaborators kept deliberately out of
// scope: the shim that intercepts the proprietary driver's ioctl/mmap/
// pin-pages entry points, device-info probing, the trace/log surface, and
// the knob channel. Only their call signatures matter here; NEON never
// implements what is on the other side of these interfaces.
package interfaces

import "github.com/kmenycht/neon/internal/model"

// VendorShim is the boundary the proprietary driver's intercepted entry
// points are dispatched through. NEON's internal/shim package is the
// only implementer in this repo; a real port would have the kernel-module
// loader wire this to actual ioctl/mmap/pin_user_pages hooks.
type VendorShim interface {
	// Ioctl dispatches one intercepted ioctl by command number, with
	// pre-call and post-call payload pointers (opaque to NEON beyond the
	// fields it reads). Returns nil on success; a non-nil error aborts the
	// ioctl from the caller's point of view.
	Ioctl(cmd IoctlCmd, pre, post *IoctlPayload) error
	// MapPages is called when the driver is about to map kernel pages for
	// a context (map_pages).
	MapPages(req MapPagesRequest) error
	// PinPages is called when the driver pinned user pages (pin_pages).
	PinPages(req PinPagesRequest) error
	// UnpinPages is called when the driver is unpinning previously pinned
	// pages (unpin_pages).
	UnpinPages(pid int, key uint64) error
	// UnmapVMA is called when the kernel is destroying a vma.
	UnmapVMA(pid int, key uint64)
	// FaultHandler runs at a page fault and returns whether NEON claims it.
	FaultHandler(pid int, addr, ip uint64) (handled bool, err error)
	// CopyTask shares a NEON task across a CLONE_VM thread clone.
	CopyTask(parentPID, childPID int)
	// ExitTask runs at thread exit (exit_task).
	ExitTask(pid int)
}

// IoctlCmd identifies one of the ioctl methods TaskRegistry's
// pre_context/map-in/mmap/gpuview handlers dispatch on.
type IoctlCmd int

const (
	IoctlUnknown IoctlCmd = iota
	IoctlEnableGraphics
	IoctlEnableCompute
	IoctlEnableOther
	IoctlMapInPre
	IoctlMapInPost
	IoctlMmapPre
	IoctlMmapPost
	IoctlGPUView
)

// IoctlPayload is the minimal set of fields NEON's handlers read out of an
// otherwise-opaque driver ioctl payload.
type IoctlPayload struct {
	ContextKey uint64
	MapKey     uint64
	Device     int
	Offset     uint64
	GPUView    uint64
	Size       uint64
}

// MapPagesRequest carries the fields map_pages entry needs.
type MapPagesRequest struct {
	PID    int
	Device int
	Key    uint64
	Offset uint64
	Size   uint64
}

// PinPagesRequest carries the fields pin_pages entry needs.
type PinPagesRequest struct {
	PID          int
	Device       int
	Key          uint64
	UserAddr     uint64
	SubVMAOffset uint64
	Size         uint64
}

// DeviceProber is the out-of-scope device-info probing collaborator: it
// hands NEON the seven 64-bit probe words for each discovered device.
// Nothing is reported back to the prober about whether NEON recognizes
// a device.
type DeviceProber interface {
	ProbeDevices() []DeviceProbe
}

// DeviceProbe is the raw probe payload: BAR0/BAR1 addr+size
// and the PCI identity triple.
type DeviceProbe struct {
	BAR0Addr    uint64
	BAR0Size    uint64
	BAR1Addr    uint64
	BAR1Size    uint64
	VendorID    uint64
	DeviceID    uint64
	SubsystemID uint64
}

// TraceSink is the out-of-scope trace/log surface: the "tweet"
// breadcrumbs NEON's fault/trap/registry paths emit. internal/logging's
// Tweet already serves this inside the module; TraceSink exists so an
// external trace viewer could also subscribe without the core depending
// on any concrete exporter.
type TraceSink interface {
	Tweet(component, msg string, fields map[string]any)
}

// KnobChannel is the out-of-scope thin user-visible knob surface: whatever process exposes get/set of polling_T,
// malicious_T, policy, timeslice_T, disengage, sampling_T, sampling_X to
// an operator. internal/knobs is the storage; KnobChannel is how an
// external caller would reach it.
type KnobChannel interface {
	Get(name string) (value string, ok bool)
	Set(name, value string) error
}

// WorkSink lets an external trace/metrics collaborator observe completed
// Work without importing internal/model's mutable state, kept here next
// to the other out-of-scope seams since metrics and tracing are a single
// external concern.
type WorkSink interface {
	ObserveWork(w model.Work)
}
