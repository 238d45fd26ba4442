package nvmesim

import (
	"sync"

	"github.com/nvmesim/nvmesim/mem"
	"github.com/nvmesim/nvmesim/registers"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

const AdminQueueID = 0

// maxCommandIdentifier is the number of distinct 16 bit CIDs a submission
// queue can hold before the tracking set saturates and resets.
const maxCommandIdentifier = 1 << 16

// Controller is the command processing engine: it reconciles host doorbell
// writes against its shadow queues, fetches submission entries out of host
// memory, dispatches them and posts completions. CheckForChanges is the one
// critical section; everything the engine owns is touched under its mutex.
type Controller struct {
	pci     *registers.PCIExpressRegisters
	regs    *registers.ControllerRegisters
	hostMem *mem.HostMemory

	mu  sync.Mutex
	sqs []*Queue
	cqs []*Queue

	// per submission queue set of seen command identifiers
	cids map[uint16]map[uint16]struct{}
	// per completion queue phase tag, starts false and inverts on wrap
	phase map[uint16]bool

	metricsCommands     metrics.Counter
	metricsCompletions  metrics.Counter
	metricsInvalidTails metrics.Counter
	metricsCIDConflicts metrics.Counter
	metricsBadOpcodes   metrics.Counter

	l *logrus.Logger
}

func NewController(l *logrus.Logger, pci *registers.PCIExpressRegisters, regs *registers.ControllerRegisters, hostMem *mem.HostMemory) *Controller {
	n := &Controller{
		pci:     pci,
		regs:    regs,
		hostMem: hostMem,
		cids:    make(map[uint16]map[uint16]struct{}),
		phase:   make(map[uint16]bool),

		metricsCommands:     metrics.GetOrRegisterCounter("engine.commands.processed", nil),
		metricsCompletions:  metrics.GetOrRegisterCounter("engine.completions.posted", nil),
		metricsInvalidTails: metrics.GetOrRegisterCounter("engine.doorbell.invalid_tails", nil),
		metricsCIDConflicts: metrics.GetOrRegisterCounter("engine.commands.cid_conflicts", nil),
		metricsBadOpcodes:   metrics.GetOrRegisterCounter("engine.commands.bad_opcodes", nil),

		l: l,
	}

	regs.SetResetCallback(n.controllerReset)
	return n
}

// Registers returns the controller register region.
func (n *Controller) Registers() *registers.ControllerRegisters {
	return n.regs
}

// PCI returns the PCI configuration region.
func (n *Controller) PCI() *registers.PCIExpressRegisters {
	return n.pci
}

// HostMemory returns the simulated host address space.
func (n *Controller) HostMemory() *mem.HostMemory {
	return n.hostMem
}

// CheckForChanges is one full doorbell sweep: gate on readiness, bootstrap
// or rebind the admin queues, then reconcile every submission doorbell and
// drain the rings in ascending queue id order.
func (n *Controller) CheckForChanges() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.regs.Ready() {
		return
	}

	asq := n.regs.ASQ()
	if asq == 0 {
		// the host has not posted an admin submission queue address
		return
	}

	if len(n.sqs) == 0 {
		n.sqs = append(n.sqs, NewQueue(
			n.regs.AdminSubmissionQueueSize(), AdminQueueID, SQEntrySize, asq,
			n.regs.Doorbell(AdminQueueID), n.l))
	} else {
		adminSQ := n.queueWithID(n.sqs, AdminQueueID)
		if adminSQ == nil {
			n.l.Panic("Submission queues exist but the admin submission queue is missing")
		}
		// the host may move ASQ while RDY is low
		adminSQ.SetMemoryAddress(asq)
	}

	acq := n.regs.ACQ()
	if acq == 0 {
		return
	}

	if len(n.cqs) == 0 {
		adminSQ := n.queueWithID(n.sqs, AdminQueueID)
		if adminSQ == nil {
			n.l.Panic("Cannot link the admin completion queue, the admin submission queue is missing")
		}

		adminCQ := NewQueue(
			n.regs.AdminCompletionQueueSize(), AdminQueueID, CQEntrySize, acq,
			n.regs.Doorbell(AdminQueueID), n.l)
		adminCQ.SetPeer(adminSQ)
		adminSQ.SetPeer(adminCQ)
		n.cqs = append(n.cqs, adminCQ)
	} else {
		adminCQ := n.queueWithID(n.cqs, AdminQueueID)
		if adminCQ == nil {
			n.l.Panic("Completion queues exist but the admin completion queue is missing")
		}
		adminCQ.SetMemoryAddress(acq)
	}

	// without a page size no command can be served: abandon the sweep
	if n.regs.MemoryPageSize() == 0 {
		n.l.Error("Unable to read the memory page size, did we lose the controller registers?")
		return
	}

	// round robin over submission queues in id order
	for _, sq := range n.sqs {
		db := sq.Doorbell().SQTail()
		if db != sq.Tail() {
			if !sq.SetTail(db) {
				// out of range tail: record the asynchronous event condition
				// and leave the shadow tail alone
				n.metricsInvalidTails.Inc(1)
				n.l.WithField("queue", sq.ID()).WithField("tail", db).
					Error("Host rang an invalid tail pointer, AER condition recorded")
				continue
			}
			if peer := sq.Peer(); peer != nil {
				if !peer.SetTail(sq.Tail()) {
					n.l.WithField("queue", sq.ID()).Debug("Peer completion queue could not mirror the tail")
				}
			}
		}

		for !sq.IsEmpty() {
			raw, err := n.hostMem.Read(sq.MemoryAddress()+uint64(sq.Head())*SQEntrySize, SQEntrySize)
			if err != nil {
				n.l.WithError(err).WithField("queue", sq.ID()).Error("Failed to fetch a command from host memory")
				break
			}

			var cmd Command
			if err := cmd.Parse(raw); err != nil {
				n.l.WithError(err).WithField("queue", sq.ID()).Error("Failed to parse a command")
				break
			}

			// SQHD in the completion reflects the head after the command was
			// consumed, so advance before processing
			sq.AdvanceHead()
			n.processCommand(sq, &cmd)
			n.metricsCommands.Inc(1)
		}
	}
}

func (n *Controller) processCommand(sq *Queue, cmd *Command) {
	cq := sq.Peer()
	if cq == nil {
		// a host programming error: nowhere to post a completion
		n.l.WithField("queue", sq.ID()).Error("Submission queue has no mapped completion queue and yet it received a command")
		return
	}

	if !n.validCommandIdentifier(cmd.CID, sq.ID()) {
		n.metricsCIDConflicts.Inc(1)
		n.postCompletion(cq, Completion{SC: StatusCommandIDConflict, DNR: true}, cmd)
		return
	}

	memoryPageSize := n.regs.MemoryPageSize()
	if memoryPageSize == 0 {
		n.l.Error("Unable to read the memory page size, did we lose the controller registers?")
		return
	}

	entry := Completion{}
	if sq.ID() == AdminQueueID {
		n.l.WithField("command", cmd.String()).Info("Processing admin command")

		switch AdminOpcode(cmd.OPC) {
		case AdminIdentify:
			if err := n.identify(cmd, memoryPageSize); err != nil {
				n.l.WithError(err).WithField("command", cmd.String()).Error("Identify data transfer failed")
				entry.SC = StatusDataTransferError
				entry.DNR = true
			}

		case AdminKeepAlive:
			// no data transfer

		default:
			n.metricsBadOpcodes.Inc(1)
			entry.SC = StatusInvalidCommandOpcode
			entry.DNR = true
		}
	} else {
		// the NVM command set has no media bank behind it yet; reply rather
		// than wedge the queue
		n.metricsBadOpcodes.Inc(1)
		entry.SC = StatusInvalidCommandOpcode
		entry.DNR = true
	}

	n.postCompletion(cq, entry, cmd)
}

// identify serves the admin Identify stub: one memory page fetched through
// the command's PRPs, marked and written back.
func (n *Controller) identify(cmd *Command, memoryPageSize uint32) error {
	prp := NewPRP(cmd.PRP1, cmd.PRP2, memoryPageSize, memoryPageSize, n.hostMem)
	payload, err := prp.PayloadCopy()
	if err != nil {
		return err
	}

	b := payload.Bytes()
	b[0] = 0x01
	b[1] = 0xFF

	return prp.PlacePayload(payload)
}

func (n *Controller) postCompletion(cq *Queue, entry Completion, cmd *Command) {
	sq := cq.Peer()
	if sq == nil {
		n.l.Panic("Completion queue has no mapped submission queue")
	}

	entry.SQID = sq.ID()
	entry.SQHD = uint16(sq.Head())
	entry.CID = cmd.CID

	if _, ok := n.phase[cq.ID()]; !ok {
		n.phase[cq.ID()] = false
	}
	if cq.Head() == 0 {
		n.phase[cq.ID()] = !n.phase[cq.ID()]
		n.l.WithField("queue", cq.ID()).WithField("phase", n.phase[cq.ID()]).Debug("Inverted completion phase tag")
	}
	entry.Phase = n.phase[cq.ID()]

	remaining := cq.MemorySize() - cq.Head()*CQEntrySize
	if remaining < CQEntrySize {
		n.l.Panic("Completion slot would overrun the completion queue region")
	}

	b := make([]byte, CQEntrySize)
	if _, err := entry.Encode(b); err != nil {
		n.l.WithError(err).Panic("Failed to encode a completion entry")
	}
	addr := cq.MemoryAddress() + uint64(cq.Head())*CQEntrySize
	if err := n.hostMem.Write(addr, b); err != nil {
		n.l.WithError(err).WithField("queue", cq.ID()).Error("Failed to post a completion to host memory")
		return
	}
	n.l.WithField("completion", entry.String()).Info("Posted completion")

	cq.AdvanceHead()

	// ring the doorbell only after the entry is in host memory
	cq.Doorbell().SetCQHead(cq.Head())
	n.metricsCompletions.Inc(1)
}

// validCommandIdentifier admits a CID unless it is already in the queue's
// tracking set. A saturated set (all 65536 CIDs seen) resets before the new
// CID is admitted.
func (n *Controller) validCommandIdentifier(cid uint16, sqid uint16) bool {
	seen, ok := n.cids[sqid]
	if !ok {
		n.cids[sqid] = map[uint16]struct{}{cid: {}}
		return true
	}

	if len(seen) == maxCommandIdentifier {
		n.l.WithField("queue", sqid).Info("Every possible CID has been used, resetting the tracking set")
		for k := range seen {
			delete(seen, k)
		}
	}

	if _, dup := seen[cid]; !dup {
		seen[cid] = struct{}{}
		return true
	}

	n.l.WithField("queue", sqid).WithField("cid", cid).Error("Invalid command identifier, was it re-used?")
	return false
}

func (n *Controller) queueWithID(queues []*Queue, id uint16) *Queue {
	for _, q := range queues {
		if q.ID() == id {
			return q
		}
	}
	return nil
}

// controllerReset runs while CC.EN falls: every non admin queue is dropped,
// CID tracking and phase tags are cleared, and the admin queues return to
// their post reset indices.
func (n *Controller) controllerReset() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.l.Info("Controller reset requested")

	kept := n.sqs[:0]
	for _, sq := range n.sqs {
		if sq.ID() == AdminQueueID {
			sq.ResetIndices()
			kept = append(kept, sq)
		}
	}
	n.sqs = kept

	keptCQ := n.cqs[:0]
	for _, cq := range n.cqs {
		if cq.ID() == AdminQueueID {
			cq.ResetIndices()
			keptCQ = append(keptCQ, cq)
		}
	}
	n.cqs = keptCQ

	n.cids = make(map[uint16]map[uint16]struct{})
	n.phase = make(map[uint16]bool)
}

// runRegisterObserver applies the enable/disable state machine every time
// the host touches the register region. Exits when the region is closed.
func (n *Controller) runRegisterObserver() {
	gen := n.regs.Generation()
	n.regs.Reconcile()

	for {
		var ok bool
		gen, ok = n.regs.WaitForChange(gen)
		if !ok {
			return
		}
		n.regs.Reconcile()
	}
}

// Close wakes anything blocked on the register regions; the observer
// goroutine exits on its next pass.
func (n *Controller) Close() {
	n.regs.Close()
	n.pci.Close()
}
