// Package hostmem models the architecture-level primitives PageTracker
// needs: an atomic "present bit" flip plus a single-address TLB flush. The
// real kernel module does this with raw PTE manipulation; we expose it as
// an interface (PageTableOps) so control logic is fully testable without
// a live MMU.
package hostmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PageTableOps is the architecture boundary PageTracker drives. Every
// method must be safe to call from a context that cannot allocate or
// sleep: implementations pre-allocate everything at construction.
type PageTableOps interface {
	// Arm clears the present bit for page, saving its prior value.
	// Idempotent: arming an already-armed page is a no-op.
	Arm(page uintptr) error
	// Disarm restores the saved present bit for page and flushes its TLB
	// entry. Idempotent: disarming an already-disarmed page is a no-op.
	Disarm(page uintptr) error
	// IsArmed reports whether page currently has its present bit cleared.
	IsArmed(page uintptr) bool
}

// RealPageTable backs PageTableOps with actual mprotect(2) calls against an
// anonymous mapping, using PROT_NONE to stand in for "present bit clear".
// This is the only component that touches golang.org/x/sys/unix directly;
// everything above this layer is plain Go.
type RealPageTable struct {
	mu     sync.Mutex
	base   []byte
	pageSz int
	armed  map[uintptr]bool
}

// NewRealPageTable maps npages anonymous, private pages and returns a
// PageTableOps over them. The returned slice holds the "page" values
// callers pass to Arm/Disarm: page indices 0..npages-1 into the mapping,
// not addresses.
func NewRealPageTable(npages int) (*RealPageTable, []uintptr, error) {
	pageSz := unix.Getpagesize()
	data, err := unix.Mmap(-1, 0, npages*pageSz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("hostmem: mmap %d pages: %w", npages, err)
	}
	rpt := &RealPageTable{base: data, pageSz: pageSz, armed: make(map[uintptr]bool, npages)}
	pages := make([]uintptr, npages)
	for i := range pages {
		pages[i] = rpt.addr(i)
	}
	return rpt, pages, nil
}

func (r *RealPageTable) addr(i int) uintptr {
	return uintptr(i) // index-addressed; real PTE offsets are an mmap detail below Go's reach
}

func (r *RealPageTable) slice(page uintptr) []byte {
	off := int(page) * r.pageSz
	return r.base[off : off+r.pageSz]
}

func (r *RealPageTable) Arm(page uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed[page] {
		return nil // idempotent
	}
	if err := unix.Mprotect(r.slice(page), unix.PROT_NONE); err != nil {
		return fmt.Errorf("hostmem: arm page %d: %w", page, err)
	}
	r.armed[page] = true
	return nil
}

func (r *RealPageTable) Disarm(page uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed[page] {
		return nil // idempotent
	}
	if err := unix.Mprotect(r.slice(page), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("hostmem: disarm page %d: %w", page, err)
	}
	delete(r.armed, page)
	return nil
}

func (r *RealPageTable) IsArmed(page uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed[page]
}

// Close unmaps the backing pages.
func (r *RealPageTable) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.base == nil {
		return nil
	}
	err := unix.Munmap(r.base)
	r.base = nil
	return err
}
