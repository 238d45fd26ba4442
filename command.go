package nvmesim

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Submission queue entry, 64 bytes:
// 0                                                                       31
// |-----------------------------------------------------------------------|
// |  OPC (uint8)  | FUSE (2) rsvd (4) PSDT (2) |       CID (uint16)       | CDW0
// |-----------------------------------------------------------------------|
// |                             NSID (uint32)                             | CDW1
// |                               reserved                                | CDW2-3
// |                             MPTR (uint64)                             | CDW4-5
// |                             PRP1 (uint64)                             | CDW6-7
// |                             PRP2 (uint64)                             | CDW8-9
// |                            CDW10 .. CDW15                             |
// |-----------------------------------------------------------------------|

const (
	SQEntrySize = 64
	CQEntrySize = 16
)

type AdminOpcode uint8

const (
	AdminIdentify  AdminOpcode = 0x06
	AdminKeepAlive AdminOpcode = 0x18
)

var adminOpcodeMap = map[AdminOpcode]string{
	AdminIdentify:  "identify",
	AdminKeepAlive: "keepAlive",
}

// StatusCode values from the generic command status set.
type StatusCode uint8

const (
	StatusSuccess              StatusCode = 0x00
	StatusInvalidCommandOpcode StatusCode = 0x01
	StatusInvalidField         StatusCode = 0x02
	StatusCommandIDConflict    StatusCode = 0x03
	StatusDataTransferError    StatusCode = 0x04
)

var ErrCommandTooShort = errors.New("submission queue entry is too short")
var ErrCompletionTooShort = errors.New("completion queue entry is too short")

// Command is the decoded form of a 64 byte submission queue entry.
type Command struct {
	OPC  uint8
	FUSE uint8
	PSDT uint8
	CID  uint16

	NSID uint32
	MPTR uint64
	PRP1 uint64
	PRP2 uint64

	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

// Parse decodes a submission queue entry out of b.
func (c *Command) Parse(b []byte) error {
	if len(b) < SQEntrySize {
		return ErrCommandTooShort
	}

	dw0 := binary.LittleEndian.Uint32(b[0:4])
	c.OPC = uint8(dw0 & 0xFF)
	c.FUSE = uint8(dw0 >> 8 & 0x3)
	c.PSDT = uint8(dw0 >> 14 & 0x3)
	c.CID = uint16(dw0 >> 16)

	c.NSID = binary.LittleEndian.Uint32(b[4:8])
	c.MPTR = binary.LittleEndian.Uint64(b[16:24])
	c.PRP1 = binary.LittleEndian.Uint64(b[24:32])
	c.PRP2 = binary.LittleEndian.Uint64(b[32:40])

	c.CDW10 = binary.LittleEndian.Uint32(b[40:44])
	c.CDW11 = binary.LittleEndian.Uint32(b[44:48])
	c.CDW12 = binary.LittleEndian.Uint32(b[48:52])
	c.CDW13 = binary.LittleEndian.Uint32(b[52:56])
	c.CDW14 = binary.LittleEndian.Uint32(b[56:60])
	c.CDW15 = binary.LittleEndian.Uint32(b[60:64])
	return nil
}

// Encode writes the entry into b, which must hold at least SQEntrySize bytes.
func (c *Command) Encode(b []byte) ([]byte, error) {
	if len(b) < SQEntrySize {
		return nil, ErrCommandTooShort
	}
	b = b[:SQEntrySize]
	for i := range b {
		b[i] = 0
	}

	dw0 := uint32(c.OPC) |
		uint32(c.FUSE&0x3)<<8 |
		uint32(c.PSDT&0x3)<<14 |
		uint32(c.CID)<<16
	binary.LittleEndian.PutUint32(b[0:4], dw0)
	binary.LittleEndian.PutUint32(b[4:8], c.NSID)
	binary.LittleEndian.PutUint64(b[16:24], c.MPTR)
	binary.LittleEndian.PutUint64(b[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(b[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(b[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(b[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(b[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(b[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(b[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(b[60:64], c.CDW15)
	return b, nil
}

// OpcodeName transforms an admin opcode into a human string
func OpcodeName(o AdminOpcode) string {
	if n, ok := adminOpcodeMap[o]; ok {
		return n
	}
	return "unknown"
}

func (c *Command) String() string {
	return fmt.Sprintf("opc=%#02x(%s) cid=%#04x nsid=%d prp1=%#x prp2=%#x",
		c.OPC, OpcodeName(AdminOpcode(c.OPC)), c.CID, c.NSID, c.PRP1, c.PRP2)
}

// Completion is the decoded form of a 16 byte completion queue entry.
// DW2 packs SQHD (low 16) and SQID (high 16); DW3 packs CID (low 16), the
// phase tag (bit 16), SC (17:24), SCT (25:27) and DNR (bit 31).
type Completion struct {
	DW0 uint32
	DW1 uint32

	SQHD uint16
	SQID uint16

	CID   uint16
	Phase bool
	SC    StatusCode
	SCT   uint8
	DNR   bool
}

// Encode writes the entry into b, which must hold at least CQEntrySize bytes.
func (e *Completion) Encode(b []byte) ([]byte, error) {
	if len(b) < CQEntrySize {
		return nil, ErrCompletionTooShort
	}
	b = b[:CQEntrySize]

	binary.LittleEndian.PutUint32(b[0:4], e.DW0)
	binary.LittleEndian.PutUint32(b[4:8], e.DW1)
	binary.LittleEndian.PutUint32(b[8:12], uint32(e.SQHD)|uint32(e.SQID)<<16)

	dw3 := uint32(e.CID) | uint32(e.SC)<<17 | uint32(e.SCT&0x7)<<25
	if e.Phase {
		dw3 |= 1 << 16
	}
	if e.DNR {
		dw3 |= 1 << 31
	}
	binary.LittleEndian.PutUint32(b[12:16], dw3)
	return b, nil
}

// Parse decodes a completion queue entry out of b.
func (e *Completion) Parse(b []byte) error {
	if len(b) < CQEntrySize {
		return ErrCompletionTooShort
	}

	e.DW0 = binary.LittleEndian.Uint32(b[0:4])
	e.DW1 = binary.LittleEndian.Uint32(b[4:8])

	dw2 := binary.LittleEndian.Uint32(b[8:12])
	e.SQHD = uint16(dw2)
	e.SQID = uint16(dw2 >> 16)

	dw3 := binary.LittleEndian.Uint32(b[12:16])
	e.CID = uint16(dw3)
	e.Phase = dw3>>16&1 != 0
	e.SC = StatusCode(dw3 >> 17 & 0xFF)
	e.SCT = uint8(dw3 >> 25 & 0x7)
	e.DNR = dw3>>31 != 0
	return nil
}

func (e *Completion) String() string {
	return fmt.Sprintf("cid=%#04x sqid=%d sqhd=%d sc=%#02x sct=%d p=%t dnr=%t",
		e.CID, e.SQID, e.SQHD, uint8(e.SC), e.SCT, e.Phase, e.DNR)
}
