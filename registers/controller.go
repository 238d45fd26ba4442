package registers

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Controller property offsets within BAR0, straight from the NVMe register
// map. The doorbell array follows the properties at DoorbellBase.
const (
	RegCAP   = 0x00
	RegVS    = 0x08
	RegINTMS = 0x0C
	RegINTMC = 0x10
	RegCC    = 0x14
	RegCSTS  = 0x1C
	RegAQA   = 0x24
	RegASQ   = 0x28
	RegACQ   = 0x30

	DoorbellBase = 0x1000

	ccEnable  = 1 << 0
	cstsReady = 1 << 0
)

// defaultCAP: MQES=0x7FF (2048 entry queues), CQR=1, TO=0x20 (16s),
// DSTRD=0, CSS=NVM command set, MPSMIN=0, MPSMAX=0xF.
const defaultCAP = uint64(0x7FF) |
	1<<16 |
	0x20<<24 |
	1<<37 |
	0xF<<52

// defaultVS is NVMe 1.3.0.
const defaultVS = 0x00010300

// ControllerRegisters is the host visible register region mapped at BAR0:
// the controller properties immediately followed by the per queue doorbell
// pairs. Host writes bump a change generation; the CC.EN to CSTS.RDY state
// machine is applied by Reconcile, either from a dedicated observer
// goroutine or synchronously in single threaded builds.
type ControllerRegisters struct {
	mu    sync.Mutex
	cond  *sync.Cond
	gen   uint64
	close bool
	image []byte
	base  uint64

	queuePairs int

	// resetCallback runs while the enable bit falls, before RDY clears.
	resetCallback func()

	l *logrus.Logger
}

func NewControllerRegisters(base uint64, queuePairs int, l *logrus.Logger) *ControllerRegisters {
	if queuePairs < 1 {
		queuePairs = 1
	}

	r := &ControllerRegisters{
		image:      make([]byte, DoorbellBase+queuePairs*8),
		base:       base,
		queuePairs: queuePairs,
		l:          l,
	}
	r.cond = sync.NewCond(&r.mu)

	binary.LittleEndian.PutUint64(r.image[RegCAP:], defaultCAP)
	binary.LittleEndian.PutUint32(r.image[RegVS:], defaultVS)
	return r
}

// SetResetCallback installs the engine teardown hook invoked on a controller
// level reset (CC.EN falling while CSTS.RDY is set).
func (r *ControllerRegisters) SetResetCallback(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetCallback = f
}

// Base returns the BAR0 address this region is mapped at.
func (r *ControllerRegisters) Base() uint64 {
	return r.base
}

// Size returns the length of the register region in bytes.
func (r *ControllerRegisters) Size() uint64 {
	return uint64(len(r.image))
}

// QueuePairs returns how many doorbell pairs the region carries.
func (r *ControllerRegisters) QueuePairs() int {
	return r.queuePairs
}

// HostWrite models a host write to the register region at the given offset.
func (r *ControllerRegisters) HostWrite(offset uint64, b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if offset+uint64(len(b)) > uint64(len(r.image)) {
		return fmt.Errorf("controller register write out of range: offset %#x len %d", offset, len(b))
	}

	copy(r.image[offset:], b)
	r.gen++
	r.cond.Broadcast()
	return nil
}

// HostWrite32 is a convenience for the common dword sized host write.
func (r *ControllerRegisters) HostWrite32(offset uint64, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return r.HostWrite(offset, b)
}

// HostWrite64 is a convenience for the qword sized host write.
func (r *ControllerRegisters) HostWrite64(offset uint64, v uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return r.HostWrite(offset, b)
}

// HostRead models a host read of the register region.
func (r *ControllerRegisters) HostRead(offset uint64, n uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if offset+n > uint64(len(r.image)) {
		return nil, fmt.Errorf("controller register read out of range: offset %#x len %d", offset, n)
	}

	out := make([]byte, n)
	copy(out, r.image[offset:])
	return out, nil
}

func (r *ControllerRegisters) read32(offset int) uint32 {
	return binary.LittleEndian.Uint32(r.image[offset:])
}

func (r *ControllerRegisters) read64(offset int) uint64 {
	return binary.LittleEndian.Uint64(r.image[offset:])
}

// write32 is the controller side write path. It does not bump the change
// generation, which only tracks host writes.
func (r *ControllerRegisters) write32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(r.image[offset:], v)
}

func (r *ControllerRegisters) CC() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read32(RegCC)
}

func (r *ControllerRegisters) CSTS() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read32(RegCSTS)
}

// Ready reports CSTS.RDY.
func (r *ControllerRegisters) Ready() bool {
	return r.CSTS()&cstsReady != 0
}

// ASQ returns the admin submission queue base address.
func (r *ControllerRegisters) ASQ() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read64(RegASQ)
}

// ACQ returns the admin completion queue base address.
func (r *ControllerRegisters) ACQ() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read64(RegACQ)
}

// AdminSubmissionQueueSize returns AQA.ASQS+1, the admin SQ entry count.
func (r *ControllerRegisters) AdminSubmissionQueueSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.read32(RegAQA) & 0xFFF) + 1
}

// AdminCompletionQueueSize returns AQA.ACQS+1, the admin CQ entry count.
func (r *ControllerRegisters) AdminCompletionQueueSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.read32(RegAQA) >> 16 & 0xFFF) + 1
}

// MemoryPageSize decodes CC.MPS into bytes: 1 << (12 + MPS).
func (r *ControllerRegisters) MemoryPageSize() uint32 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	mps := r.read32(RegCC) >> 7 & 0xF
	return 1 << (12 + mps)
}

// Reconcile applies the CC.EN to CSTS.RDY state machine to the current image.
// Idempotent; safe to call from the observer loop or a synchronous driver
// step.
func (r *ControllerRegisters) Reconcile() {
	r.mu.Lock()
	enabled := r.read32(RegCC)&ccEnable != 0
	ready := r.read32(RegCSTS)&cstsReady != 0

	switch {
	case enabled && !ready:
		r.write32(RegCSTS, r.read32(RegCSTS)|cstsReady)
		r.mu.Unlock()
		r.l.Info("Controller enabled, CSTS.RDY raised")

	case !enabled && ready:
		cb := r.resetCallback
		r.mu.Unlock()
		r.l.Info("Controller disable observed, running reset")
		if cb != nil {
			cb()
		}
		r.mu.Lock()
		r.write32(RegCSTS, r.read32(RegCSTS)&^uint32(cstsReady))
		// doorbells do not survive a reset
		for i := DoorbellBase; i < len(r.image); i++ {
			r.image[i] = 0
		}
		r.mu.Unlock()

	default:
		r.mu.Unlock()
	}
}

// Generation returns the current change generation, for use with WaitForChange.
func (r *ControllerRegisters) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// WaitForChange blocks until a host write has occurred since generation last,
// returning the new generation. ok is false once Close has been called.
func (r *ControllerRegisters) WaitForChange(last uint64) (gen uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.gen == last && !r.close {
		r.cond.Wait()
	}
	return r.gen, !r.close
}

// Close releases any goroutine blocked in WaitForChange.
func (r *ControllerRegisters) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.close = true
	r.cond.Broadcast()
}

// Doorbell returns the doorbell pair handle for a queue id.
func (r *ControllerRegisters) Doorbell(qid uint16) Doorbell {
	return Doorbell{r: r, qid: qid}
}

// Doorbell is a handle on one submission tail / completion head doorbell
// pair. The submission side is host written and controller read; the
// completion side is the reverse.
type Doorbell struct {
	r   *ControllerRegisters
	qid uint16
}

func (d Doorbell) offset() int {
	return DoorbellBase + int(d.qid)*8
}

// SQTail reads the host written submission queue tail doorbell.
func (d Doorbell) SQTail() uint32 {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	return d.r.read32(d.offset())
}

// CQHead reads the completion queue head doorbell.
func (d Doorbell) CQHead() uint32 {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	return d.r.read32(d.offset() + 4)
}

// SetCQHead writes the completion queue head doorbell, the controller side
// ring after a completion is posted.
func (d Doorbell) SetCQHead(v uint32) {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	d.r.write32(d.offset()+4, v)
}
