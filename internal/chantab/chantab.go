// Package chantab implements the per-channel record table and the
// PollingLoop worker: the only place completion is observed and the
// only place a channel's pid is checked for liveness.
package chantab

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/logging"
	"github.com/kmenycht/neon/internal/nerrors"
)

func channelRangeError(device, channel int) error {
	return nerrors.NewChannel("chantab_submit", device, channel, nerrors.CodeUnexpectedState, "unknown device or channel out of range")
}

// CounterSource loads a reference-counter value through its kernel
// mapping. Implemented over the simulated Map backing in the registry
// layer; kept as an interface so PollingLoop's scan logic is testable
// without a real device memory image.
type CounterSource interface {
	ReadCounter(addr uint64) (uint64, error)
}

// PolicyHooks is the subset of PolicyRuntime the polling loop drives.
// Implemented by internal/sched.Runtime and injected at construction so
// chantab never imports sched.
type PolicyHooks interface {
	Complete(device, channel, pid int) error
	Event(device int) error
}

// ProcessKiller delivers a process-group kill to a pid flagged malicious.
type ProcessKiller interface {
	Kill(pid int) error
}

type channelRecord struct {
	mu          sync.Mutex
	live        bool
	pid         int
	counterAddr uint64
	target      uint64
	pdt         int
}

type deviceState struct {
	channels []channelRecord

	killMu    sync.Mutex
	killLimit map[int]*rate.Limiter
}

// ChannelTable owns every device's channel records and live-channel
// bitmap (modeled as a live flag per record rather than a packed bitset;
// iteration cost is the same and contention is per-channel either way).
type ChannelTable struct {
	mu      sync.RWMutex
	devices map[int]*deviceState

	Source CounterSource
	Hooks  PolicyHooks
	Killer ProcessKiller
	Knobs  *knobs.Knobs
	Logger *logging.Logger
}

// New builds an empty ChannelTable. Devices must be registered with
// RegisterDevice before Submit/Tick touch them.
func New(source CounterSource, hooks PolicyHooks, killer ProcessKiller, k *knobs.Knobs, logger *logging.Logger) *ChannelTable {
	return &ChannelTable{
		devices: make(map[int]*deviceState),
		Source: source,
		Hooks: hooks,
		Killer: killer,
		Knobs: k,
		Logger: logger,
	}
}

// RegisterDevice allocates nchannels channel records for device.
func (t *ChannelTable) RegisterDevice(device, nchannels int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[device] = &deviceState{
		channels: make([]channelRecord, nchannels),
		killLimit: make(map[int]*rate.Limiter),
	}
}

func (t *ChannelTable) device(device int) (*deviceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[device]
	return d, ok
}

// Submit records a channel going live awaiting a completion at target,
// setting the live-channel bit.
func (t *ChannelTable) Submit(device, channel, pid int, counterAddr, target uint64) error {
	dev, ok := t.device(device)
	if !ok || channel < 0 || channel >= len(dev.channels) {
		return channelRangeError(device, channel)
	}
	ch := &dev.channels[channel]
	ch.mu.Lock()
	ch.live = true
	ch.pid = pid
	ch.counterAddr = counterAddr
	ch.target = target
	ch.pdt = 1
	ch.mu.Unlock()
	return nil
}

// IsLive reports whether channel's live bit is set.
func (t *ChannelTable) IsLive(device, channel int) bool {
	dev, ok := t.device(device)
	if !ok || channel < 0 || channel >= len(dev.channels) {
		return false
	}
	ch := &dev.channels[channel]
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.live
}

// Tick runs one PollingLoop wake: scan live channels, detect completion
// and malicious liveness, and invoke the policy hooks.
func (t *ChannelTable) Tick() {
	t.mu.RLock()
	snapshot := make(map[int]*deviceState, len(t.devices))
	for id, d := range t.devices {
		snapshot[id] = d
	}
	t.mu.RUnlock()

	pollingT := t.Knobs.PollingT()
	maliciousT := t.Knobs.MaliciousT()
	var threshold int
	if maliciousT > 0 && pollingT > 0 {
		threshold = int(maliciousT / pollingT)
	}

	for deviceID, dev := range snapshot {
		maliciousPID := -1
		for i := range dev.channels {
			ch := &dev.channels[i]
			if !ch.mu.TryLock() {
				continue // TransientBusy: skip this tick, try again next tick
			}
			if !ch.live {
				ch.mu.Unlock()
				continue
			}
			pid, addr, target := ch.pid, ch.counterAddr, ch.target
			complete := false
			if addr != 0 && t.Source != nil {
				val, err := t.Source.ReadCounter(addr)
				if err != nil {
					t.Logger.Error("chantab: counter read failed", "device", deviceID, "channel", i, "err", err)
				} else if val >= target {
					complete = true
				}
			}
			if !complete && threshold > 0 && ch.pdt > 0 {
				ch.pdt++
				if ch.pdt > threshold {
					maliciousPID = pid
				}
			}
			ch.mu.Unlock()

			if complete {
				t.completeLocked(deviceID, dev, i, pid)
			}
		}

		if maliciousPID >= 0 {
			t.handleMalicious(deviceID, dev, maliciousPID)
		}

		if t.Hooks != nil {
			if err := t.Hooks.Event(deviceID); err != nil {
				t.Logger.Error("chantab: policy event hook failed", "device", deviceID, "err", err)
			}
		}
	}
}

func (t *ChannelTable) completeLocked(device int, dev *deviceState, channel, pid int) {
	ch := &dev.channels[channel]
	ch.mu.Lock()
	ch.live = false
	ch.counterAddr = 0
	ch.target = 0
	ch.pdt = 0
	ch.mu.Unlock()

	if t.Hooks != nil {
		if err := t.Hooks.Complete(device, channel, pid); err != nil {
			t.Logger.Error("chantab: policy complete hook failed", "device", device, "channel", channel, "err", err)
		}
	}
}

// handleMalicious resets every other pid's liveness countdown on the
// device (giving them a fresh grace period) and rate-limits the kill
// attempt/log pair for the offending pid so a pid that keeps tripping the
// threshold tick after tick doesn't flood the log or re-issue the signal
// faster than once per malicious_T.
func (t *ChannelTable) handleMalicious(device int, dev *deviceState, pid int) {
	for i := range dev.channels {
		ch := &dev.channels[i]
		if !ch.mu.TryLock() {
			continue
		}
		if ch.live && ch.pid != pid {
			ch.pdt = 1
		}
		ch.mu.Unlock()
	}

	if !t.killLimiter(dev, pid).Allow() {
		return
	}

	t.Logger.Warn("chantab: pid exceeded malicious liveness threshold", "device", device, "pid", pid)
	if t.Killer != nil {
		if err := t.Killer.Kill(pid); err != nil {
			t.Logger.Error("chantab: process-group kill failed", "pid", pid, "err", err)
		}
	}
}

func (t *ChannelTable) killLimiter(dev *deviceState, pid int) *rate.Limiter {
	dev.killMu.Lock()
	defer dev.killMu.Unlock()
	lim, ok := dev.killLimit[pid]
	if !ok {
		period := t.Knobs.MaliciousT()
		if period <= 0 {
			period = knobs.DefaultMaliciousT
		}
		lim = rate.NewLimiter(rate.Every(period), 1)
		dev.killLimit[pid] = lim
	}
	return lim
}
