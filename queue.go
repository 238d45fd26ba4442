package nvmesim

import (
	"github.com/nvmesim/nvmesim/registers"
	"github.com/sirupsen/logrus"
)

// Queue is one submission or completion ring: index arithmetic over a host
// memory region plus a doorbell handle and a link to its peer. The queue
// never touches host memory itself; fetching entries and posting completions
// is the engine's job.
type Queue struct {
	id         uint16
	entryCount uint32
	entrySize  uint32

	memoryAddress uint64
	head          uint32
	tail          uint32

	doorbell registers.Doorbell
	peer     *Queue

	l *logrus.Logger
}

func NewQueue(entryCount uint32, id uint16, entrySize uint32, memoryAddress uint64, doorbell registers.Doorbell, l *logrus.Logger) *Queue {
	return &Queue{
		id:            id,
		entryCount:    entryCount,
		entrySize:     entrySize,
		memoryAddress: memoryAddress,
		doorbell:      doorbell,
		l:             l,
	}
}

func (q *Queue) ID() uint16 {
	return q.id
}

func (q *Queue) EntryCount() uint32 {
	return q.entryCount
}

func (q *Queue) Head() uint32 {
	return q.head
}

func (q *Queue) Tail() uint32 {
	return q.tail
}

func (q *Queue) MemoryAddress() uint64 {
	return q.memoryAddress
}

// MemorySize is the size of the ring's host memory region in bytes.
func (q *Queue) MemorySize() uint32 {
	return q.entryCount * q.entrySize
}

func (q *Queue) IsEmpty() bool {
	return q.head == q.tail
}

func (q *Queue) Doorbell() registers.Doorbell {
	return q.doorbell
}

func (q *Queue) Peer() *Queue {
	return q.peer
}

// SetPeer installs one direction of the SQ to CQ link. Callers are expected
// to install both directions.
func (q *Queue) SetPeer(other *Queue) {
	q.peer = other
}

// SetMemoryAddress rebinds the ring to a new host memory base. Used when the
// host moves ASQ/ACQ while the controller is not ready.
func (q *Queue) SetMemoryAddress(addr uint64) {
	q.memoryAddress = addr
}

// SetTail adopts a host proposed tail. Returns false, leaving the shadow
// tail unchanged, if the value is outside the ring.
func (q *Queue) SetTail(tail uint32) bool {
	if tail >= q.entryCount {
		q.l.WithField("queue", q.id).WithField("tail", tail).WithField("entries", q.entryCount).
			Error("Rejected out of range tail pointer")
		return false
	}

	q.tail = tail
	return true
}

// AdvanceHead moves the head one entry closer to the tail, wrapping at the
// end of the ring.
func (q *Queue) AdvanceHead() {
	q.head = (q.head + 1) % q.entryCount
}

// ResetIndices returns the ring to its post reset state.
func (q *Queue) ResetIndices() {
	q.head = 0
	q.tail = 0
}
