package shim

import (
	"testing"

	"github.com/kmenycht/neon/internal/chantab"
	"github.com/kmenycht/neon/internal/devprofile"
	"github.com/kmenycht/neon/internal/hostmem"
	"github.com/kmenycht/neon/internal/infer"
	"github.com/kmenycht/neon/internal/interfaces"
	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/logging"
	"github.com/kmenycht/neon/internal/registry"
	"github.com/kmenycht/neon/internal/sched"
	"github.com/kmenycht/neon/internal/sched/fcfs"
	"github.com/kmenycht/neon/internal/track"
)

const testDevice = 0

func testProfile() devprofile.Profile {
	return devprofile.Profile{
		Name: "test", NumChannels: 4, RegBase: 0x1000, RegStride: 0x100,
		IndexRegOffset: 0x8c, Family: devprofile.FamilyTesla,
	}
}

func newTestShim(t *testing.T) *Shim {
	t.Helper()
	logger := logging.NewLogger(logging.DefaultConfig())
	profiles := map[int]devprofile.Profile{testDevice: testProfile()}
	k := knobs.New()
	mem := hostmem.NewDeviceMemory(1 << 20)

	policy := fcfs.New()
	schedRT := sched.New(policy, nil, k, logger)
	schedRT.RegisterDevice(testDevice, testProfile().NumChannels)

	table := chantab.New(mem, schedRT, nil, k, logger)
	table.RegisterDevice(testDevice, testProfile().NumChannels)

	tracker := &track.Tracker{
		PageTable: hostmem.NewMockPageTable(),
		Profiles: profiles,
		Scheduler: schedRT,
		PageSize: 4096,
	}
	inferEngine := infer.NewEngine(profiles, logger)

	reg := registry.New(profiles, 4096, tracker, inferEngine, schedRT, table, k, logger)
	return New(reg, k, logger)
}

func contextKey(pid int, nonce uint64) uint64 {
	return uint64(pid)<<32 | nonce
}

func TestIoctlEnableGraphicsCreatesContext(t *testing.T) {
	s := newTestShim(t)
	key := contextKey(100, 1)
	err := s.Ioctl(interfaces.IoctlEnableGraphics, &interfaces.IoctlPayload{ContextKey: key}, nil)
	if err != nil {
		t.Fatalf("Ioctl enable-graphics: %v", err)
	}
	if !s.Reg.TrapEnabled() {
		t.Fatalf("expected trap notifier enabled after context create")
	}
}

func TestFaultHandlerNotOursWhenTrapDisabled(t *testing.T) {
	s := newTestShim(t)
	handled, err := s.FaultHandler(999, 0x1234, 0x5678)
	if err != nil {
		t.Fatalf("FaultHandler: %v", err)
	}
	if handled {
		t.Fatalf("expected NotOurs with no live context")
	}
}

func TestExitTaskIsIdempotentForUnknownPID(t *testing.T) {
	s := newTestShim(t)
	s.ExitTask(4242) // must not panic on an untracked pid
}

func TestUnpinPagesRoundTrip(t *testing.T) {
	s := newTestShim(t)
	key := contextKey(200, 2)
	if err := s.Ioctl(interfaces.IoctlEnableCompute, &interfaces.IoctlPayload{ContextKey: key}, nil); err != nil {
		t.Fatalf("Ioctl enable-compute: %v", err)
	}
	if err := s.PinPages(interfaces.PinPagesRequest{PID: 200, Device: testDevice, Key: 0x77, UserAddr: 0x4000_0000, Size: 4096}); err != nil {
		t.Fatalf("PinPages: %v", err)
	}
	if err := s.UnpinPages(200, 0x77); err != nil {
		t.Fatalf("UnpinPages: %v", err)
	}
}
