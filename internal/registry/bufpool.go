package registry

import "sync"

// Map backing buffers are allocated at mmap/pin time (never from the
// fault path itself, which must not allocate) and released at unmap/
// unpin. Bucket sizes match the region sizes NEON actually sees: a 4KB
// page (index-register and reference-counter maps), the two known
// ring-buffer sizes, and a generous catch-all for command buffers.
const (
	bucket4k  = 4 * 1024
	bucket8k  = 8 * 1024
	bucket16k = 16 * 1024
	bucket64k = 64 * 1024
)

var bufPool = struct {
	p4k, p8k, p16k, p64k sync.Pool
}{
	p4k: sync.Pool{New: func() any { b := make([]byte, bucket4k); return &b }},
	p8k: sync.Pool{New: func() any { b := make([]byte, bucket8k); return &b }},
	p16k: sync.Pool{New: func() any { b := make([]byte, bucket16k); return &b }},
	p64k: sync.Pool{New: func() any { b := make([]byte, bucket64k); return &b }},
}

// getBuffer returns a pooled, zeroed buffer of at least size bytes. Sizes
// above the largest bucket are allocated directly and never pooled.
func getBuffer(size uint64) []byte {
	var buf []byte
	switch {
	case size <= bucket4k:
		buf = (*bufPool.p4k.Get().(*[]byte))[:size]
	case size <= bucket8k:
		buf = (*bufPool.p8k.Get().(*[]byte))[:size]
	case size <= bucket16k:
		buf = (*bufPool.p16k.Get().(*[]byte))[:size]
	case size <= bucket64k:
		buf = (*bufPool.p64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// putBuffer returns buf to its bucket's pool, determined by capacity.
func putBuffer(buf []byte) {
	c := cap(buf)
	full := buf[:c]
	switch c {
	case bucket4k:
		bufPool.p4k.Put(&full)
	case bucket8k:
		bufPool.p8k.Put(&full)
	case bucket16k:
		bufPool.p16k.Put(&full)
	case bucket64k:
		bufPool.p64k.Put(&full)
		// non-bucket-sized buffers (command buffers above 64KB) are left
		// for the garbage collector.
	}
}
