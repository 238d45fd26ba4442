package nvmesim

import (
	"encoding/binary"
	"fmt"

	"github.com/nvmesim/nvmesim/mem"
)

// PRP decodes one command's pair of physical region page descriptors against
// host memory. PRP1 always points at the first page of data and may carry a
// page offset; PRP2 is unused, a direct pointer to the second page, or a
// pointer to a list page of further entries depending on how much data
// remains. The last entry of a full list page chains to the next list page
// when more data remains.
type PRP struct {
	prp1         uint64
	prp2         uint64
	pageSize     uint32
	transferSize uint32

	hostMem *mem.HostMemory
}

func NewPRP(prp1, prp2 uint64, pageSize, transferSize uint32, hostMem *mem.HostMemory) *PRP {
	return &PRP{
		prp1:         prp1,
		prp2:         prp2,
		pageSize:     pageSize,
		transferSize: transferSize,
		hostMem:      hostMem,
	}
}

func (p *PRP) TransferSize() uint32 {
	return p.transferSize
}

// PayloadCopy walks the descriptor chain and reads the described bytes into
// a fresh payload of exactly the transfer size.
func (p *PRP) PayloadCopy() (*mem.Payload, error) {
	segs, err := p.segments()
	if err != nil {
		return nil, err
	}

	payload := mem.NewPayload(p.transferSize)
	var off uint32
	for _, s := range segs {
		b, err := p.hostMem.Read(s.addr, uint64(s.size))
		if err != nil {
			return nil, fmt.Errorf("prp read: %w", err)
		}
		if err := payload.WriteAt(off, b); err != nil {
			return nil, err
		}
		off += s.size
	}
	return payload, nil
}

// PlacePayload writes payload back into the host memory pages the
// descriptors describe. The payload size must equal the transfer size.
func (p *PRP) PlacePayload(payload *mem.Payload) error {
	if payload.Size() != p.transferSize {
		return fmt.Errorf("payload size %d does not match prp transfer size %d", payload.Size(), p.transferSize)
	}

	segs, err := p.segments()
	if err != nil {
		return err
	}

	data := payload.Bytes()
	var off uint32
	for _, s := range segs {
		if err := p.hostMem.Write(s.addr, data[off:off+s.size]); err != nil {
			return fmt.Errorf("prp write: %w", err)
		}
		off += s.size
	}
	return nil
}

type prpSegment struct {
	addr uint64
	size uint32
}

// segments flattens the chain into (address, length) pieces. The walk is
// bounded by ceil(transfer/pageSize) data pages so a cyclic list cannot spin
// forever.
func (p *PRP) segments() ([]prpSegment, error) {
	if p.transferSize == 0 {
		return nil, nil
	}
	if p.pageSize == 0 {
		return nil, fmt.Errorf("prp page size is 0")
	}

	remaining := p.transferSize

	// first page: PRP1 with its in-page offset
	firstOffset := uint32(p.prp1 % uint64(p.pageSize))
	first := p.pageSize - firstOffset
	if first > remaining {
		first = remaining
	}
	segs := []prpSegment{{addr: p.prp1, size: first}}
	remaining -= first

	if remaining == 0 {
		return segs, nil
	}

	if remaining <= p.pageSize {
		// PRP2 points at the one remaining page directly
		segs = append(segs, prpSegment{addr: p.prp2, size: remaining})
		return segs, nil
	}

	// PRP2 points at a list page. A well formed chain needs at most
	// ceil(transfer/pageSize) data pages, and every list page must supply at
	// least one of them, so both counts are bounded by maxPages.
	entriesPerPage := p.pageSize / 8
	maxPages := (p.transferSize + p.pageSize - 1) / p.pageSize
	pages := uint32(0)
	listPages := uint32(0)

	listAddr := p.prp2
	for remaining > 0 {
		if listPages++; listPages > maxPages {
			return nil, fmt.Errorf("prp list chains past the %d pages the transfer needs", maxPages)
		}

		raw, err := p.hostMem.Read(listAddr, uint64(p.pageSize))
		if err != nil {
			return nil, fmt.Errorf("prp list read: %w", err)
		}

		for i := uint32(0); i < entriesPerPage; i++ {
			entry := binary.LittleEndian.Uint64(raw[i*8:])

			// the final slot of a full list page chains when data remains
			// past the entries before it
			if i == entriesPerPage-1 && remaining > p.pageSize {
				listAddr = entry
				break
			}

			if pages++; pages > maxPages {
				return nil, fmt.Errorf("prp list chains past the %d pages the transfer needs", maxPages)
			}

			size := p.pageSize
			if size > remaining {
				size = remaining
			}
			segs = append(segs, prpSegment{addr: entry, size: size})
			remaining -= size
			if remaining == 0 {
				break
			}
		}
	}

	return segs, nil
}
