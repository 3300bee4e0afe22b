// Package devprofile holds the static per-GPU-family data the device-probe
// table describes: channel counts, register-range geometry, and
// which reference-counter parser a family uses. It has no dependency on
// the runtime scheduler state so both WorkInference and PageTracker
// (for the index-register-offset hash) can share it without a
// package cycle.
package devprofile

// Family selects which reference-counter parser a device uses.
type Family int

const (
	FamilyTesla Family = iota
	FamilyKepler
)

// RegisterLayout is BAR0-based or BAR1-based, matching device table.
type RegisterLayout int

const (
	LayoutBAR0 RegisterLayout = iota
	LayoutBAR1
)

// Profile describes one supported (vendor, device, subsystem) triple.
type Profile struct {
	Name        string
	Vendor      uint64
	Device      uint64
	Subsystem   uint64
	NumChannels int
	Layout      RegisterLayout
	RegBase     uint64
	RegStride   uint64
	// IndexRegOffset is the offset of the index register within a
	// channel's register range.
	IndexRegOffset uint64
	Family         Family
}

// IndexRegAddr returns the address of channel cid's index register.
func (p Profile) IndexRegAddr(cid int) uint64 {
	return p.RegBase + uint64(cid)*p.RegStride + p.IndexRegOffset
}

// Catalog lists the supported devices.
var Catalog = []Profile{
	{
		Name: "Tesla GTX275", Vendor: 0x10de, Device: 0x05e6, Subsystem: 0x06c7,
		NumChannels: 40, Layout: LayoutBAR0, RegBase: 0xc00000, RegStride: 0x2000,
		IndexRegOffset: 0x8c, Family: FamilyTesla,
	},
	{
		Name: "Tesla NVS295", Vendor: 0x10de, Device: 0x06fd, Subsystem: 0x0364,
		NumChannels: 32, Layout: LayoutBAR0, RegBase: 0xc00000, RegStride: 0x2000,
		IndexRegOffset: 0x8c, Family: FamilyTesla,
	},
	{
		Name: "Kepler GTX670", Vendor: 0x10de, Device: 0x1189, Subsystem: 0x2430,
		NumChannels: 96, Layout: LayoutBAR1, RegBase: 0x7d60000, RegStride: 0x200,
		IndexRegOffset: 0x8c, Family: FamilyKepler,
	},
}

// Lookup finds the profile matching a (vendor, device, subsystem) triple
// probed from the device.
func Lookup(vendor, device, subsystem uint64) (Profile, bool) {
	for _, p := range Catalog {
		if p.Vendor == vendor && p.Device == device && p.Subsystem == subsystem {
			return p, true
		}
	}
	return Profile{}, false
}

// HashOffset reports which (deviceIdx, channel) a register-range offset
// falls into for the given profile, used both by PageTracker (to decide a
// write is to an index register) and WorkInference (to resolve a work's
// device/channel from its index-register map). Returns ok=false if offset
// does not land exactly on a channel's index register.
func (p Profile) HashOffset(offset uint64) (channel int, ok bool) {
	if offset < p.RegBase {
		return 0, false
	}
	rel := offset - p.RegBase
	if p.RegStride == 0 {
		return 0, false
	}
	cid := rel / p.RegStride
	if cid >= uint64(p.NumChannels) {
		return 0, false
	}
	if rel-cid*p.RegStride != p.IndexRegOffset {
		return 0, false
	}
	return int(cid), true
}
