package hostmem

import (
	"fmt"
	"sync"
)

// shardSize is the granularity of the locks guarding DeviceMemory. GPU
// ring/command/reference-counter regions are small and numerous, so
// sharding keeps a fault on one task's channel from contending with a
// poll of another task's reference counter.
const shardSize = 4096

// DeviceMemory is the simulated shared memory image the polling loop reads
// reference counters from: as chantab's CounterSource it serves the reads
// at each Work's RefcKVAddr. It does not hold Map contents (ring, command
// and counter buffers live in each Map's own Backing buffer), and
// WorkInference derives RefcKVAddr by GPU-to-CPU translation, not through
// AllocKVA. It plays the role the real module gets for free from the MMU
// and kernel page cache.
//
// A sharded RAM image: shard-range locking keeps concurrent readers and
// writers of unrelated windows off each other's locks.
type DeviceMemory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex

	mu      sync.Mutex
	nextKVA uint64
}

// NewDeviceMemory allocates a flat simulated address space of size bytes.
func NewDeviceMemory(size int64) *DeviceMemory {
	numShards := (size + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &DeviceMemory{
		data: make([]byte, size),
		size: size,
		shards: make([]sync.RWMutex, numShards),
		nextKVA: 1, // 0 is never issued; doubles as "no mapping"
	}
}

func (m *DeviceMemory) shardRange(off, length int64) (start, end int) {
	if length <= 0 {
		length = 1
	}
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if start < 0 {
		start = 0
	}
	return start, end
}

// ReadAt copies len(p) bytes starting at off into p.
func (m *DeviceMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("hostmem: read out of range at %d", off)
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt copies p into the memory image starting at off.
func (m *DeviceMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("hostmem: write out of range at %d", off)
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// ReadUint64 reads a little-endian uint64 at addr, used to back
// chantab.CounterSource's polled reference-counter reads.
func (m *DeviceMemory) ReadUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// WriteUint64 writes a little-endian uint64 at addr; used by tests and by
// the simulated GPU to advance a reference counter.
func (m *DeviceMemory) WriteUint64(addr uint64, v uint64) error {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
	_, err := m.WriteAt(buf[:], int64(addr))
	return err
}

// Size reports the total simulated address space size.
func (m *DeviceMemory) Size() int64 { return m.size }

// ReadCounter implements chantab.CounterSource: PollingLoop loads a
// reference counter's current value through its kernel mapping by calling
// this, never touching DeviceMemory directly.
func (m *DeviceMemory) ReadCounter(addr uint64) (uint64, error) {
	return m.ReadUint64(addr)
}

// AllocKVA bump-allocates n bytes of kernel-virtual address space within
// this DeviceMemory and returns its base address, standing in for mapping
// a counter page to a persistent kernel virtual address (one page is
// sufficient). Allocation never fails by running out of space in practice for
// the sizes NEON deals with; callers that exceed the backing size get a
// descriptive error on first access instead of a panic.
func (m *DeviceMemory) AllocKVA(n uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.nextKVA
	m.nextKVA += n
	return base
}
