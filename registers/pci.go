package registers

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// PCI configuration image offsets. Only the fields the simulator decodes get
// names; everything else is reachable through raw reads and writes.
const (
	PCIHeaderSize = 256

	PCIVendorID  = 0x00
	PCIDeviceID  = 0x02
	PCICommand   = 0x04
	PCIStatus    = 0x06
	PCIRevision  = 0x08
	PCIClassCode = 0x09
	PCIMLBAR     = 0x10
	PCIMUBAR     = 0x14

	// 01 08 02: mass storage, non-volatile memory, NVM Express
	pciClassMassStorage = 0x01
	pciSubclassNVM      = 0x08
	pciProgIfNVMe       = 0x02

	defaultVendorID = 0x1B36
	defaultDeviceID = 0x0010
)

// PCIExpressRegisters is the host visible 256 byte PCI configuration image.
// Host writes bump a change generation so the controller can block until the
// image has moved, see WaitForChange.
type PCIExpressRegisters struct {
	mu    sync.Mutex
	cond  *sync.Cond
	gen   uint64
	close bool
	image [PCIHeaderSize]byte

	l *logrus.Logger
}

func NewPCIExpressRegisters(bar0 uint64, l *logrus.Logger) *PCIExpressRegisters {
	p := &PCIExpressRegisters{l: l}
	p.cond = sync.NewCond(&p.mu)
	p.reset(bar0)
	return p
}

func (p *PCIExpressRegisters) reset(bar0 uint64) {
	for i := range p.image {
		p.image[i] = 0
	}
	binary.LittleEndian.PutUint16(p.image[PCIVendorID:], defaultVendorID)
	binary.LittleEndian.PutUint16(p.image[PCIDeviceID:], defaultDeviceID)
	p.image[PCIClassCode] = pciProgIfNVMe
	p.image[PCIClassCode+1] = pciSubclassNVM
	p.image[PCIClassCode+2] = pciClassMassStorage

	// MLBAR carries the low 18 bits of the base in its BA field (bits 14:31),
	// MUBAR carries the rest
	binary.LittleEndian.PutUint32(p.image[PCIMLBAR:], uint32(bar0&0x3FFFF)<<14)
	binary.LittleEndian.PutUint32(p.image[PCIMUBAR:], uint32(bar0>>18))
}

// BAR0 reassembles the controller register base address from the two BARs.
func (p *PCIExpressRegisters) BAR0() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	mlbar := binary.LittleEndian.Uint32(p.image[PCIMLBAR:])
	mubar := binary.LittleEndian.Uint32(p.image[PCIMUBAR:])
	return uint64(mlbar>>14) | uint64(mubar)<<18
}

// HostWrite models a host write to the configuration image.
func (p *PCIExpressRegisters) HostWrite(offset uint64, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if offset+uint64(len(b)) > PCIHeaderSize {
		return fmt.Errorf("pci config write out of range: offset %#x len %d", offset, len(b))
	}

	copy(p.image[offset:], b)
	p.gen++
	p.cond.Broadcast()
	return nil
}

// HostRead models a host read of the configuration image.
func (p *PCIExpressRegisters) HostRead(offset uint64, n uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if offset+n > PCIHeaderSize {
		return nil, fmt.Errorf("pci config read out of range: offset %#x len %d", offset, n)
	}

	out := make([]byte, n)
	copy(out, p.image[offset:])
	return out, nil
}

// Generation returns the current change generation, for use with WaitForChange.
func (p *PCIExpressRegisters) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// WaitForChange blocks until a host write has occurred since generation last,
// returning the new generation. ok is false once Close has been called.
func (p *PCIExpressRegisters) WaitForChange(last uint64) (gen uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.gen == last && !p.close {
		p.cond.Wait()
	}
	return p.gen, !p.close
}

// Close releases any goroutine blocked in WaitForChange.
func (p *PCIExpressRegisters) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.close = true
	p.cond.Broadcast()
}
