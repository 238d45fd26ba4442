package nvmesim

import (
	"testing"

	"github.com/nvmesim/nvmesim/registers"
	"github.com/nvmesim/nvmesim/test"
	"github.com/stretchr/testify/assert"
)

func TestQueue_SetTail(t *testing.T) {
	l := test.NewLogger()
	q := NewQueue(4, 0, SQEntrySize, 0x2000, registers.Doorbell{}, l)

	assert.True(t, q.SetTail(0))
	assert.True(t, q.SetTail(3))
	assert.Equal(t, uint32(3), q.Tail())

	// out of range proposals leave the shadow tail alone
	assert.False(t, q.SetTail(4))
	assert.False(t, q.SetTail(1000))
	assert.Equal(t, uint32(3), q.Tail())
}

func TestQueue_AdvanceHeadWraps(t *testing.T) {
	l := test.NewLogger()
	q := NewQueue(2, 0, CQEntrySize, 0x2000, registers.Doorbell{}, l)

	assert.Equal(t, uint32(0), q.Head())
	q.AdvanceHead()
	assert.Equal(t, uint32(1), q.Head())
	q.AdvanceHead()
	assert.Equal(t, uint32(0), q.Head())
}

func TestQueue_IsEmpty(t *testing.T) {
	l := test.NewLogger()
	q := NewQueue(4, 0, SQEntrySize, 0x2000, registers.Doorbell{}, l)

	assert.True(t, q.IsEmpty())
	q.SetTail(2)
	assert.False(t, q.IsEmpty())
	q.AdvanceHead()
	q.AdvanceHead()
	assert.True(t, q.IsEmpty())
}

func TestQueue_MemorySize(t *testing.T) {
	l := test.NewLogger()
	sq := NewQueue(16, 1, SQEntrySize, 0x2000, registers.Doorbell{}, l)
	cq := NewQueue(16, 1, CQEntrySize, 0x3000, registers.Doorbell{}, l)

	assert.Equal(t, uint32(16*64), sq.MemorySize())
	assert.Equal(t, uint32(16*16), cq.MemorySize())
}

func TestQueue_PeerLink(t *testing.T) {
	l := test.NewLogger()
	sq := NewQueue(4, 1, SQEntrySize, 0x2000, registers.Doorbell{}, l)
	cq := NewQueue(4, 1, CQEntrySize, 0x3000, registers.Doorbell{}, l)

	sq.SetPeer(cq)
	cq.SetPeer(sq)
	assert.Same(t, cq, sq.Peer())
	assert.Same(t, sq, cq.Peer())
}

func TestQueue_Rebind(t *testing.T) {
	l := test.NewLogger()
	q := NewQueue(4, 0, SQEntrySize, 0x2000, registers.Doorbell{}, l)

	q.SetMemoryAddress(0x8000)
	assert.Equal(t, uint64(0x8000), q.MemoryAddress())
}

func TestQueue_ResetIndices(t *testing.T) {
	l := test.NewLogger()
	q := NewQueue(4, 0, SQEntrySize, 0x2000, registers.Doorbell{}, l)

	q.SetTail(3)
	q.AdvanceHead()
	q.ResetIndices()
	assert.Equal(t, uint32(0), q.Head())
	assert.Equal(t, uint32(0), q.Tail())
}
