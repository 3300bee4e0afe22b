// Package model defines NEON's per-process data model: Task, Context,
// Map, and Work, plus the pending-fault record the page-fault/trap
// protocol swaps in and out of a Map. Per design notes, cross-entity
// references are modeled as small integer IDs rather than pointers so that
// tearing down a Map can be detected by a stale Work rather than followed
// into a dangling pointer, and so iteration can be a bitmap/slice scan
// instead of an intrusive linked list walk.
package model

import "sync"

// MapID, WorkID, ContextID identify entities within the arena owned by a
// single Context (MapID/WorkID) or a single Task (ContextID). The zero
// value is never issued and doubles as "no reference".
type MapID int
type WorkID int
type ContextID int

// WorkloadKind distinguishes the two GPU command families the reference
// counter parsers recognize.
type WorkloadKind int

const (
	WorkloadUndefined WorkloadKind = iota
	WorkloadCompute
	WorkloadGraphics
)

// MapKind records what a Map is being used for, set once its role becomes
// known (an index-register map is recognized at mapin time; others are
// discovered lazily by WorkInference).
type MapKind int

const (
	MapKindGeneric MapKind = iota
	MapKindIndexRegister
	MapKindRingBuffer
	MapKindCommandBuffer
	MapKindRefCounter
)

// FaultOp is the decoded access type of a trapped instruction.
type FaultOp int

const (
	FaultOpUnknown FaultOp = iota
	FaultOpRead
	FaultOpWrite
)

// PagedFault is the single outstanding fault record a Map may carry
// between the fault handler arming a single-step and the trap handler
// consuming it. A context's pending-fault list holds at most one of these
// per Map at any moment (invariant).
type PagedFault struct {
	MapID      MapID
	PageIndex  int
	Address    uint64
	IP         uint64
	Op         FaultOp
	Value      uint64
	SavedFlags uint64  // saved interrupt-enable / stepping flags to restore at trap
	// SiameseIndex is set when a cross-page-boundary double fault disarmed
	// a second page that must be rearmed once this record is consumed (step 4).
	SiameseIndex int
	HasSiamese   bool
}

// PageState is PageTracker's per-page bookkeeping: whether the page is
// currently armed and a reference count so repeated arms don't lose the
// saved hardware state.
type PageState struct {
	PageAddr uintptr
	ArmCount int
}

// Map is a pinned or mmapped virtual memory region. GPUView/CPUBase
// model the GPU-visible and CPU-visible addresses of the same region;
// Backing is the simulated memory contents WorkInference parses.
type Map struct {
	ID      MapID
	Context ContextID
	Device  int
	Key     uint64    // opaque mmap/pin key from the driver
	Size    uint64
	Offset  uint64    // mmap offset, used to classify index-register maps
	GPUView uint64    // GPU-visible base address
	CPUBase uint64    // CPU-visible (kernel or user) base address
	Kind    MapKind
	Backing []byte    // simulated memory contents

	// Page tracking, pre-allocated at track_init and never resized.
	Pages        []PageState
	PendingFault *PagedFault

	mu sync.Mutex
}

// PageCount returns ceil(Size / pageSize).
func (m *Map) PageCount(pageSize uint64) int {
	if pageSize == 0 {
		return 0
	}
	return int((m.Size + pageSize - 1) / pageSize)
}

// Lock/Unlock expose the Map's mutex for callers that mutate PendingFault
// or Pages from concurrent fault/trap/polling paths.
func (m *Map) Lock() { m.mu.Lock() }
func (m *Map) Unlock() { m.mu.Unlock() }

// CoversGPUAddr reports whether addr falls within this map's GPU-view range.
func (m *Map) CoversGPUAddr(addr uint64) bool {
	return addr >= m.GPUView && addr < m.GPUView+m.Size
}

// CoversCPUAddr reports whether addr falls within this map's CPU-view
// range, used by the page-fault handler to find the map a faulting
// virtual address belongs to.
func (m *Map) CoversCPUAddr(addr uint64) bool {
	return addr >= m.CPUBase && addr < m.CPUBase+m.Size
}

// PageIndexForAddr returns which tracked page addr falls in, given pageSize.
func (m *Map) PageIndexForAddr(addr uint64, pageSize uint64) int {
	if pageSize == 0 || addr < m.CPUBase {
		return -1
	}
	return int((addr - m.CPUBase) / pageSize)
}

// GPUToCPU translates a GPU-view address into this map's CPU-view address.
func (m *Map) GPUToCPU(gpuAddr uint64) uint64 {
	return m.CPUBase + (gpuAddr - m.GPUView)
}

// Work is the scheduler's representation of one (channel, index-register,
// ring-buffer, command-buffer, reference-counter) ensemble for one task.
// The four map references are IDs into the owning Context's map
// list, not pointers: map teardown invalidates them atomically and Work
// can detect a stale reference instead of dereferencing one.
type Work struct {
	ID      WorkID
	Device  int
	Channel int
	Context ContextID
	Task    int       // owning pid

	IndexRegMap MapID
	RingBufMap  MapID
	CmdBufMap   MapID
	RefCntMap   MapID

	RefcKVAddr uint64       // kernel-mapped reference-counter address
	RefcTarget uint64       // target value
	Workload   WorkloadKind
	PartOfCall bool         // set by the Kepler parser's "2-of-3" kernel-call heuristic
}

// Context is a GPU logical context: owns Maps and Works, plus the
// fault list the page-fault/trap protocol drains.
type Context struct {
	ID         ContextID
	Task       int              // owning pid
	Key        uint64
	Maps       map[MapID]*Map
	Works      map[WorkID]*Work
	FaultOrder []MapID          // FIFO of maps with a live PendingFault

	nextMapID  MapID
	nextWorkID WorkID
}

// NewContext creates an empty Context for the given owning task and opaque
// driver key.
func NewContext(id ContextID, pid int, key uint64) *Context {
	return &Context{
		ID: id,
		Task: pid,
		Key: key,
		Maps: make(map[MapID]*Map),
		Works: make(map[WorkID]*Work),
	}
}

// AddMap allocates a fresh MapID and inserts m into the context.
func (c *Context) AddMap(m *Map) *Map {
	c.nextMapID++
	m.ID = c.nextMapID
	m.Context = c.ID
	c.Maps[m.ID] = m
	return m
}

// AddWork allocates a fresh WorkID and inserts w into the context.
func (c *Context) AddWork(w *Work) *Work {
	c.nextWorkID++
	w.ID = c.nextWorkID
	w.Context = c.ID
	c.Works[w.ID] = w
	return w
}

// MapByOffset finds a Map in this context whose Offset matches a
// page-aligned request, used by the "map pages" / "pin pages" hooks.
func (c *Context) MapByOffset(offset uint64) (*Map, bool) {
	for _, m := range c.Maps {
		if m.Offset == offset {
			return m, true
		}
	}
	return nil, false
}

// MapCoveringGPUAddr finds a Map whose GPU-view range covers addr.
func (c *Context) MapCoveringGPUAddr(addr uint64) (*Map, bool) {
	for _, m := range c.Maps {
		if m.CoversGPUAddr(addr) {
			return m, true
		}
	}
	return nil, false
}

// MapCoveringCPUAddr finds a Map whose CPU-view range covers addr, used by
// the page-fault handler to resolve a faulting virtual address to its Map.
func (c *Context) MapCoveringCPUAddr(addr uint64) (*Map, bool) {
	for _, m := range c.Maps {
		if m.CoversCPUAddr(addr) {
			return m, true
		}
	}
	return nil, false
}

// WorkForChannel finds the Work tracking the given (device, channel) pair.
func (c *Context) WorkForChannel(device, channel int) (*Work, bool) {
	for _, w := range c.Works {
		if w.Device == device && w.Channel == channel {
			return w, true
		}
	}
	return nil, false
}

// MostRecentRingBuffer returns the most recently added Map whose size
// equals one of the known ring-buffer sizes.
func (c *Context) MostRecentRingBuffer(knownSizes []uint64) (*Map, bool) {
	var best *Map
	for id := c.nextMapID; id >= 1; id-- {
		m, ok := c.Maps[id]
		if !ok {
			continue
		}
		for _, sz := range knownSizes {
			if m.Size == sz {
				best = m
				break
			}
		}
		if best != nil {
			return best, true
		}
	}
	return nil, false
}

// PushFault enqueues a map as having a live PendingFault record.
func (c *Context) PushFault(id MapID) {
	c.FaultOrder = append(c.FaultOrder, id)
}

// PopFault dequeues and returns the first map with a live PendingFault, if any.
func (c *Context) PopFault() (MapID, bool) {
	if len(c.FaultOrder) == 0 {
		return 0, false
	}
	id := c.FaultOrder[0]
	c.FaultOrder = c.FaultOrder[1:]
	return id, true
}

// Task is the per-process NEON task: holds Contexts and tracks
// CLONE_VM sharers so the last exiting thread runs task_fini.
type Task struct {
	PID       int
	Contexts  map[ContextID]*Context
	Sharers   int
	Malicious bool                   // set once, gates SIGKILL delivery

	nextCtxID ContextID
}

// NewTask creates a Task with one sharer (the thread that first touched GPU ioctls).
func NewTask(pid int) *Task {
	return &Task{PID: pid, Contexts: make(map[ContextID]*Context), Sharers: 1}
}

// NewContext allocates a fresh ContextID and attaches a Context to this task.
func (t *Task) NewContext(key uint64) *Context {
	t.nextCtxID++
	ctx := NewContext(t.nextCtxID, t.PID, key)
	t.Contexts[ctx.ID] = ctx
	return ctx
}

// NContexts returns the number of live contexts, which must equal "nctx" (invariant).
func (t *Task) NContexts() int { return len(t.Contexts) }

// Global is the module-wide singleton: tracks context IDs issued and
// the count of currently-live contexts, gating the trap-entry notifier and
// policy reset.
type Global struct {
	mu      sync.Mutex
	ctxEver int64
	ctxLive int64
}

// BumpCtxEver returns the next never-reused context serial number.
func (g *Global) BumpCtxEver() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctxEver++
	return g.ctxEver
}

// AddCtxLive adds delta to the live-context count and returns the new
// value along with whether this crossed the 0<->1 boundary (the only
// moments knob writes and trap-notifier (de)registration are safe).
func (g *Global) AddCtxLive(delta int64) (newVal int64, crossedBoundary bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	before := g.ctxLive
	g.ctxLive += delta
	after := g.ctxLive
	crossed := (before == 0 && after > 0) || (before > 0 && after == 0)
	return after, crossed
}

// CtxLive returns the current live-context count.
func (g *Global) CtxLive() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctxLive
}
