package registry

import (
	"testing"

	"github.com/kmenycht/neon/internal/chantab"
	"github.com/kmenycht/neon/internal/devprofile"
	"github.com/kmenycht/neon/internal/hostmem"
	"github.com/kmenycht/neon/internal/infer"
	"github.com/kmenycht/neon/internal/interfaces"
	"github.com/kmenycht/neon/internal/knobs"
	"github.com/kmenycht/neon/internal/logging"
	"github.com/kmenycht/neon/internal/model"
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

func newTestRegistry(t *testing.T) *Registry {
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
	schedRT.Table = table

	tracker := &track.Tracker{
		PageTable: hostmem.NewMockPageTable(),
		Profiles: profiles,
		Scheduler: schedRT,
		PageSize: 4096,
	}
	inferEngine := infer.NewEngine(profiles, logger)

	return New(profiles, 4096, tracker, inferEngine, schedRT, table, k, logger)
}

func TestPreContextCreatesTaskAndCrossesBoundary(t *testing.T) {
	r := newTestRegistry(t)
	ctx, err := r.PreContext(100, interfaces.IoctlEnableGraphics, 0xaaaa, nil)
	if err != nil {
		t.Fatalf("PreContext: %v", err)
	}
	if ctx == nil {
		t.Fatalf("expected non-nil context")
	}
	if r.Global.CtxLive() != 1 {
		t.Fatalf("expected ctx_live=1, got %d", r.Global.CtxLive())
	}
	if !r.TrapEnabled() {
		t.Fatalf("expected trap notifier enabled after 0->1 boundary")
	}
}

func TestPreContextIgnoresNonCreateMethods(t *testing.T) {
	r := newTestRegistry(t)
	ctx, err := r.PreContext(100, interfaces.IoctlMapInPre, 0xaaaa, nil)
	if err != nil {
		t.Fatalf("PreContext: %v", err)
	}
	if ctx != nil {
		t.Fatalf("expected nil context for non-create ioctl method")
	}
}

func TestMapInLifecycleTracksIndexRegister(t *testing.T) {
	r := newTestRegistry(t)
	ctx, err := r.PreContext(200, interfaces.IoctlEnableGraphics, 0xbbbb, nil)
	if err != nil || ctx == nil {
		t.Fatalf("PreContext: ctx=%v err=%v", ctx, err)
	}

	rb, err := r.PreMapIn(200, 0xbbbb, 0x1, testDevice, infer.GraphicsRingBufferSize)
	if err != nil {
		t.Fatalf("PreMapIn (ring buffer): %v", err)
	}
	if err := r.PostMapIn(200, 0xbbbb, 0x1, 0, 0x9000_0000, 0x7000_0000); err != nil {
		t.Fatalf("PostMapIn (ring buffer): %v", err)
	}
	if rb.Size != infer.GraphicsRingBufferSize {
		t.Fatalf("unexpected ring buffer size %d", rb.Size)
	}

	irMap, err := r.PreMapIn(200, 0xbbbb, 0x2, testDevice, 4096)
	if err != nil {
		t.Fatalf("PreMapIn (index register): %v", err)
	}
	// RegBase(0x1000) + channel 0 * RegStride(0x100) + IndexRegOffset(0x8c).
	if err := r.PostMapIn(200, 0xbbbb, 0x2, 0x108c, 0x9000_1000, 0x7000_1000); err != nil {
		t.Fatalf("PostMapIn (index register): %v", err)
	}
	if irMap.Kind != model.MapKindIndexRegister {
		t.Fatalf("expected index-register map to be classified, got kind %v", irMap.Kind)
	}

	task := r.TaskByPID(200)
	if task == nil {
		t.Fatalf("expected task 200 to exist")
	}
	var found bool
	for _, c := range task.Contexts {
		if len(c.Works) == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Work to be created once both maps were mapped")
	}
}

func TestExitTaskTearsDownOnLastSharer(t *testing.T) {
	r := newTestRegistry(t)
	gate := knobs.NewGate(r.Knobs)

	if _, err := r.PreContext(300, interfaces.IoctlEnableCompute, 0xcccc, gate); err != nil {
		t.Fatalf("PreContext: %v", err)
	}
	r.CopyTask(300, 301)

	if err := r.ExitTask(300, gate); err != nil {
		t.Fatalf("ExitTask (first sharer): %v", err)
	}
	if _, ok := r.task(300); ok {
		t.Fatalf("expected pid 300 removed from registry")
	}
	if r.Global.CtxLive() != 1 {
		t.Fatalf("context should still be live while sharer 301 holds it")
	}

	if err := r.ExitTask(301, gate); err != nil {
		t.Fatalf("ExitTask (last sharer): %v", err)
	}
	if r.Global.CtxLive() != 0 {
		t.Fatalf("expected ctx_live=0 after last sharer exits, got %d", r.Global.CtxLive())
	}
	if r.TrapEnabled() {
		t.Fatalf("expected trap notifier disabled after 1->0 boundary")
	}
}

func TestMarkMaliciousIsOneShot(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.PreContext(400, interfaces.IoctlEnableOther, 0xdddd, nil); err != nil {
		t.Fatalf("PreContext: %v", err)
	}
	if !r.MarkMalicious(400) {
		t.Fatalf("expected first MarkMalicious to return true")
	}
	if r.MarkMalicious(400) {
		t.Fatalf("expected second MarkMalicious to return false")
	}
}

func TestUnmapVMATearsDownMap(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.PreContext(500, interfaces.IoctlEnableGraphics, 0xeeee, nil); err != nil {
		t.Fatalf("PreContext: %v", err)
	}
	m, err := r.PreMapIn(500, 0xeeee, 0x9, testDevice, 4096)
	if err != nil {
		t.Fatalf("PreMapIn: %v", err)
	}
	if err := r.PostMapIn(500, 0xeeee, 0x9, 0x2000, 0xa000, 0xb000); err != nil {
		t.Fatalf("PostMapIn: %v", err)
	}
	if err := r.UnmapVMA(500, m.Key); err != nil {
		t.Fatalf("UnmapVMA: %v", err)
	}
	task := r.TaskByPID(500)
	for _, c := range task.Contexts {
		if _, ok := c.Maps[m.ID]; ok {
			t.Fatalf("expected map removed after UnmapVMA")
		}
	}
}
