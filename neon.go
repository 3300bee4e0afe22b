// Package neon implements NEON, a black-box GPU channel scheduler: a
// userspace-testable port of a kernel module that recovers per-channel
// completion information purely from the side effects of an otherwise
// opaque proprietary GPU driver (page faults on index-register writes,
// not any documented submission API) and uses it to fairly schedule GPU
// channels across processes.
package neon

import (
	"context"
	"fmt"
	"sync"

	"github.com/kmenycht/neon/internal/chantab"
	"github.com/kmenycht/neon/internal/devprofile"
	"github.com/kmenycht/neon/internal/hostmem"
	"github.com/kmenycht/neon/internal/infer"
	"github.com/kmenycht/neon/internal/interfaces"
	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/logging"
	"github.com/kmenycht/neon/internal/model"
	"github.com/kmenycht/neon/internal/registry"
	"github.com/kmenycht/neon/internal/sched"
	"github.com/kmenycht/neon/internal/sched/fcfs"
	"github.com/kmenycht/neon/internal/sched/sampling"
	"github.com/kmenycht/neon/internal/sched/timeslice"
	"github.com/kmenycht/neon/internal/shim"
	"github.com/kmenycht/neon/internal/track"
)

// Options configures a Module at Init: domain configuration (which
// devices to probe, which policy to run) alongside the cross-cutting
// collaborators (logger, page table backend) a caller may override.
type Options struct {
	// Devices lists the (vendor, device, subsystem) triples to probe
	// against devprofile.Catalog. A device not found in the catalog is
	// skipped with a warning, the same "unsupported ignored" posture the
	// real module takes for devices outside its known list.
	Devices []interfaces.DeviceProbe

	// Policy selects the initial scheduling discipline.
	// Defaults to knobs.DefaultPolicy (fcfs) if empty.
	Policy knobs.Policy

	// PageTable overrides the simulated page-table backend. Defaults to
	// an in-memory hostmem.MockPageTable, since NEON's page-fault
	// protocol is modeled through PageTableOps precisely so it runs
	// without a real MMU.
	PageTable hostmem.PageTableOps

	// MemorySize sizes the simulated shared device-memory image the
	// polling loop reads reference counters from. Defaults to 64MiB if zero.
	MemorySize int64

	// PageSize is the host page size PageTracker arms/disarms against.
	// Defaults to 4096 if zero.
	PageSize uint64

	// Decoder decodes the faulting instruction at a trapped IP into an
	// access type and, for writes, the value written. This is the
	// one piece of the real module genuinely out of scope for a userspace
	// port — disassembling the driver's JITted access instructions — so
	// it is a pluggable collaborator like PageTable. Defaults to a decoder
	// that reports every fault as an unrecognized read, which is safe
	// (PageTracker only special-cases index-register writes) but means no
	// Work will ever actually be submitted without a real implementation.
	Decoder track.InstructionDecoder

	// Logger for NEON's own structured log output (if nil, uses
	// logging.Default).
	Logger *logging.Logger
}

// noopDecoder is Options.Decoder's default: every fault is reported as an
// unrecognized read, so PageTracker's bookkeeping still runs (arm/disarm,
// siamese double-fault handling) but never mistakes an undeclared access
// pattern for a real index-register submission.
type noopDecoder struct{}

func (noopDecoder) Decode(ip uint64) (model.FaultOp, uint64, error) {
	return model.FaultOpRead, 0, nil
}

func policyByName(name knobs.Policy) sched.Policy {
	switch name {
	case knobs.PolicyTimeslice:
		return timeslice.New()
	case knobs.PolicySampling:
		return sampling.New()
	default:
		return fcfs.New()
	}
}

// Module is the live NEON instance: every wired component plus the
// background polling loop driving internal/chantab.Tick, the
// userspace analogue of the real module's interrupt-context polling
// worker thread.
type Module struct {
	Knobs    *knobs.Knobs
	Logger   *logging.Logger
	Profiles map[int]devprofile.Profile
	Memory   *hostmem.DeviceMemory
	Table    *chantab.ChannelTable
	Sched    *sched.Runtime
	Registry *registry.Registry
	Shim     *shim.Shim
	Metrics  *Metrics

	poller *chantab.PollingLoop

	mu      sync.Mutex
	started bool
}

// killer adapts Registry.MarkMalicious's one-shot gate into
// chantab.ProcessKiller: Tick calls Kill whenever it observes a
// channel's liveness check failing, but kill-at-most-once is enforced
// here, not by the rate limiter inside chantab, which only throttles
// repeated attempts/log spam.
type killer struct {
	reg     *registry.Registry
	logger  *logging.Logger
	metrics *Metrics
}

func (k *killer) Kill(pid int) error {
	if !k.reg.MarkMalicious(pid) {
		return nil
	}
	k.logger.Warn("neon: killing malicious pid", "pid", pid)
	k.metrics.RecordMaliciousKill()
	return nil
}

// Init builds and starts a Module: probes the requested devices against
// devprofile.Catalog, wires PageTracker/WorkInference/PolicyRuntime/
// ChannelTable/TaskRegistry/Shim together, and starts the background
// polling loop. Validate, construct, start, return a handle the caller
// later tears down with Shutdown.
func Init(opts Options) (*Module, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = 4096
	}
	memSize := opts.MemorySize
	if memSize == 0 {
		memSize = 64 << 20
	}
	pageTable := opts.PageTable
	if pageTable == nil {
		pageTable = hostmem.NewMockPageTable()
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = noopDecoder{}
	}
	policyName := opts.Policy
	if policyName == "" {
		policyName = knobs.DefaultPolicy
	}

	profiles := make(map[int]devprofile.Profile)
	for i, probe := range opts.Devices {
		profile, ok := devprofile.Lookup(probe.VendorID, probe.DeviceID, probe.SubsystemID)
		if !ok {
			logger.Warn("neon: unrecognized device, skipping", "vendor", probe.VendorID, "device", probe.DeviceID, "subsystem", probe.SubsystemID)
			continue
		}
		profiles[i] = profile
	}
	if len(profiles) == 0 && len(opts.Devices) > 0 {
		return nil, fmt.Errorf("neon: no probed device matched a supported profile")
	}

	k := knobs.New()
	if err := k.SetPolicy(policyName); err != nil {
		return nil, fmt.Errorf("neon: invalid policy %q: %w", policyName, err)
	}

	mem := hostmem.NewDeviceMemory(memSize)

	policy := policyByName(policyName)
	schedRT := sched.New(policy, nil, k, logger)
	table := chantab.New(mem, schedRT, nil, k, logger)
	schedRT.Table = table

	metrics := NewMetrics()
	schedRT.Metrics = metrics

	for device, profile := range profiles {
		schedRT.RegisterDevice(device, profile.NumChannels)
		table.RegisterDevice(device, profile.NumChannels)
	}

	inferEngine := infer.NewEngine(profiles, logger)
	tracker := &track.Tracker{
		PageTable: pageTable,
		Profiles: profiles,
		Updater: inferEngine,
		Scheduler: schedRT,
		Decoder: decoder,
		Logger: logger,
		PageSize: pageSize,
	}

	reg := registry.New(profiles, pageSize, tracker, inferEngine, schedRT, table, k, logger)
	reg.PolicyFor = policyByName
	table.Killer = &killer{reg: reg, logger: logger, metrics: metrics}

	sh := shim.New(reg, k, logger)

	poller := chantab.NewPollingLoop(table, k, logger)

	m := &Module{
		Knobs: k,
		Logger: logger,
		Profiles: profiles,
		Memory: mem,
		Table: table,
		Sched: schedRT,
		Registry: reg,
		Shim: sh,
		Metrics: metrics,
		poller: poller,
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	go poller.Run()

	logger.Info("neon: module initialized", "devices", len(profiles), "policy", policyName)
	return m, nil
}

// Shutdown stops the polling loop and waits for it to exit. It does not
// tear down any live Task/Context state — callers are expected to have
// already driven every task to exit via Shim.ExitTask, the same way the
// real module relies on process exit to trigger exit_task rather than a
// driver-initiated sweep.
func (m *Module) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	m.Metrics.Stop()

	done := make(chan struct{})
	go func() {
		m.poller.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPolicy switches the active scheduling discipline. A policy switch
// is only safe at a ctx_live checkpoint, so this stages the change
// through gate, the same deferred-apply contract internal/knobs
// documents. The change is committed only when this same gate is passed
// to Registry.PreContext or Registry.ExitTask at a checkpoint; Shim.Ioctl
// and Shim.ExitTask build a fresh Gate for every call, so context creates
// and exits routed through m.Shim do not commit it.
func (m *Module) SetPolicy(gate *knobs.Gate, p knobs.Policy) error {
	return gate.Stage(func(k *knobs.Knobs) error {
		return k.SetPolicy(p)
	})
}
