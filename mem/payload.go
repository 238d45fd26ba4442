package mem

import (
	"fmt"
)

// Payload is an owned, heap resident byte buffer. It is the canonical in
// memory form of data moved between the host and the controller; a fresh
// payload is always zeroed.
type Payload struct {
	data []byte
}

func NewPayload(size uint32) *Payload {
	return &Payload{data: make([]byte, size)}
}

// NewPayloadFromBytes deep copies b into a new payload.
func NewPayloadFromBytes(b []byte) *Payload {
	p := &Payload{data: make([]byte, len(b))}
	copy(p.data, b)
	return p
}

func (p *Payload) Size() uint32 {
	return uint32(len(p.data))
}

// Bytes returns the backing buffer. The caller may mutate it in place but
// must not retain it past the payload's lifetime.
func (p *Payload) Bytes() []byte {
	return p.data
}

// Copy returns a payload with its own backing buffer.
func (p *Payload) Copy() *Payload {
	return NewPayloadFromBytes(p.data)
}

// ReadAt copies len(b) bytes starting at offset into b.
func (p *Payload) ReadAt(offset uint32, b []byte) error {
	if err := p.check(offset, uint32(len(b))); err != nil {
		return err
	}
	copy(b, p.data[offset:])
	return nil
}

// WriteAt copies b into the payload starting at offset.
func (p *Payload) WriteAt(offset uint32, b []byte) error {
	if err := p.check(offset, uint32(len(b))); err != nil {
		return err
	}
	copy(p.data[offset:], b)
	return nil
}

func (p *Payload) check(offset, n uint32) error {
	if uint64(offset)+uint64(n) > uint64(len(p.data)) {
		return fmt.Errorf("payload access out of range: offset %d len %d size %d", offset, n, len(p.data))
	}
	return nil
}
