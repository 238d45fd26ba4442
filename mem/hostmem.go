package mem

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// There is no real DMA in the simulator. HostMemory stands in for the host
// visible physical address space: a single arena the host harness allocates
// queue rings and data pages out of, and that the controller reads commands
// from and writes completions into.
//
// Address 0 is never handed out so that a zero PRP or queue base can be
// treated as unset, matching how a real controller sees a zeroed register.

const (
	// hostMemoryBase keeps the first valid address away from 0.
	hostMemoryBase = 0x1000

	// DefaultHostMemorySize is enough for a handful of queue pairs and data
	// pages, test harnesses rarely need more.
	DefaultHostMemorySize = 16 << 20
)

type HostMemory struct {
	mu   sync.Mutex
	buf  []byte
	next uint64
	l    *logrus.Logger
}

func NewHostMemory(size uint64, l *logrus.Logger) *HostMemory {
	if size == 0 {
		size = DefaultHostMemorySize
	}
	return &HostMemory{
		buf: make([]byte, size),
		l:   l,
	}
}

func (h *HostMemory) Size() uint64 {
	return uint64(len(h.buf))
}

// Allocate reserves n bytes aligned to align and returns the address of the
// reservation. Reservations are never reused.
func (h *HostMemory) Allocate(n uint64, align uint64) (uint64, error) {
	if align == 0 {
		align = 8
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	off := h.next
	if rem := (hostMemoryBase + off) % align; rem != 0 {
		off += align - rem
	}
	if off+n > uint64(len(h.buf)) {
		return 0, fmt.Errorf("host memory exhausted: want %d bytes, %d free", n, uint64(len(h.buf))-h.next)
	}

	h.next = off + n
	addr := hostMemoryBase + off
	h.l.WithField("addr", addr).WithField("size", n).Debug("Host memory allocated")
	return addr, nil
}

// Read copies n bytes at addr into a fresh slice.
func (h *HostMemory) Read(addr uint64, n uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	off, err := h.offset(addr, n)
	if err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, h.buf[off:])
	return out, nil
}

// Write copies b into host memory at addr.
func (h *HostMemory) Write(addr uint64, b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	off, err := h.offset(addr, uint64(len(b)))
	if err != nil {
		return err
	}

	copy(h.buf[off:], b)
	return nil
}

func (h *HostMemory) offset(addr uint64, n uint64) (uint64, error) {
	if addr < hostMemoryBase {
		return 0, fmt.Errorf("host memory access below base: addr %#x", addr)
	}
	off := addr - hostMemoryBase
	if off+n > uint64(len(h.buf)) {
		return 0, fmt.Errorf("host memory access out of range: addr %#x len %d", addr, n)
	}
	return off, nil
}
