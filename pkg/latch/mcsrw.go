package latch

import (
	"sync/atomic"

	"github.com/ssargent/concurrent-index/pkg/qnode"
)

// MCSRW is a queue-based reader-writer latch following the
// Krieger/Scott/Mellor-Crummey design: a shared MCS-style tail orders
// arrivals (both readers and writers share one FIFO chain), while a
// separate nextWriter slot and a live reader count let writers acquire
// directly once the chain drains to empty and no reader is in flight, and
// let consecutive queued readers "chain-wake" each other without each one
// blocking on the last.
type MCSRW struct {
	tail       atomic.Uint64 // qnode.Ref of the chain's current tail, 0 if empty
	nextWriter atomic.Uint64 // qnode.Ref of a writer waiting for readers to drain, 0 if none
	readers    atomic.Int64  // count of currently active (unblocked) readers
	pool       *qnode.Pool
}

// NewMCSRW creates an unlocked MCSRW latch backed by pool for its queue
// nodes.
func NewMCSRW(pool *qnode.Pool) *MCSRW {
	return &MCSRW{pool: pool}
}

// MCSRWHandle is the queue-node handle returned by RLock/WLock; pass it
// back to RUnlock/WUnlock exactly once.
type MCSRWHandle struct {
	ref  qnode.Ref
	node *qnode.Node
}

// WLock acquires the latch for exclusive access.
func (m *MCSRW) WLock(slab *qnode.Slab) (*MCSRWHandle, error) {
	selfRef, err := slab.Acquire()
	if err != nil {
		return nil, err
	}
	self := m.pool.Deref(selfRef)
	self.Next.Store(uint64(qnode.Ref(0)))
	self.State.Store(qnode.PackMCSRWState(true, qnode.ClassWriting, qnode.SuccNone))

	prevRef := qnode.Ref(m.tail.Swap(uint64(selfRef)))
	if prevRef != 0 {
		predecessor := m.pool.Deref(prevRef)
		setSuccClass(predecessor, qnode.SuccWriter) // mark, then link
		predecessor.Next.Store(uint64(selfRef))
		for blockedOf(self) {
			// spin until our predecessor wakes us
		}
		return &MCSRWHandle{ref: selfRef, node: self}, nil
	}

	// No predecessor in the chain: try the fast path via nextWriter.
	m.nextWriter.Store(uint64(selfRef))
	for {
		if m.readers.Load() == 0 {
			if m.nextWriter.CompareAndSwap(uint64(selfRef), 0) {
				return &MCSRWHandle{ref: selfRef, node: self}, nil
			}
		}
		if !blockedOf(self) {
			// A releasing reader claimed nextWriter on our behalf and woke us.
			return &MCSRWHandle{ref: selfRef, node: self}, nil
		}
	}
}

// WUnlock releases an exclusively-held latch, waking whichever successor
// (if any) enqueued behind it.
func (m *MCSRW) WUnlock(slab *qnode.Slab, h *MCSRWHandle) {
	if qnode.Ref(h.node.Next.Load()) == 0 {
		if m.tail.CompareAndSwap(uint64(h.ref), 0) {
			slab.Release(h.ref)
			return
		}
		for qnode.Ref(h.node.Next.Load()) == 0 {
			// a successor is mid-enqueue; wait for the link
		}
	}
	succRef := qnode.Ref(h.node.Next.Load())
	succ := m.pool.Deref(succRef)
	_, class, _ := qnode.UnpackMCSRWState(succ.State.Load())
	if class == qnode.ClassReading {
		m.readers.Add(1)
	}
	setBlocked(succ, false)
	slab.Release(h.ref)
}

// RLock acquires the latch for shared access.
func (m *MCSRW) RLock(slab *qnode.Slab) (*MCSRWHandle, error) {
	selfRef, err := slab.Acquire()
	if err != nil {
		return nil, err
	}
	self := m.pool.Deref(selfRef)
	self.Next.Store(uint64(qnode.Ref(0)))
	self.State.Store(qnode.PackMCSRWState(true, qnode.ClassReading, qnode.SuccNone))

	prevRef := qnode.Ref(m.tail.Swap(uint64(selfRef)))
	if prevRef == 0 {
		m.readers.Add(1)
		setBlocked(self, false)
		m.chainWakeIfReaderSucc(self)
		return &MCSRWHandle{ref: selfRef, node: self}, nil
	}

	predecessor := m.pool.Deref(prevRef)
	for {
		state := predecessor.State.Load()
		blocked, class, succ := qnode.UnpackMCSRWState(state)
		if class == qnode.ClassWriting {
			predecessor.Next.Store(uint64(selfRef))
			for blockedOf(self) {
			}
			m.chainWakeIfReaderSucc(self)
			return &MCSRWHandle{ref: selfRef, node: self}, nil
		}
		if blocked && succ == qnode.SuccNone {
			newState := qnode.PackMCSRWState(true, class, qnode.SuccReader)
			if predecessor.State.CompareAndSwap(state, newState) {
				predecessor.Next.Store(uint64(selfRef))
				for blockedOf(self) {
				}
				m.chainWakeIfReaderSucc(self)
				return &MCSRWHandle{ref: selfRef, node: self}, nil
			}
			continue
		}
		// Predecessor is an already-unblocked reader: join it immediately.
		m.readers.Add(1)
		predecessor.Next.Store(uint64(selfRef))
		setBlocked(self, false)
		m.chainWakeIfReaderSucc(self)
		return &MCSRWHandle{ref: selfRef, node: self}, nil
	}
}

// chainWakeIfReaderSucc cascades the wake through consecutively queued
// readers: on unblock, a reader whose successor is also a reader wakes it
// immediately so queued readers enter together. Only the woken reader
// itself wakes its own successor (every RLock path calls this once after
// unblocking), so no successor is ever counted twice.
func (m *MCSRW) chainWakeIfReaderSucc(self *qnode.Node) {
	_, _, succ := qnode.UnpackMCSRWState(self.State.Load())
	if succ != qnode.SuccReader {
		return
	}
	for qnode.Ref(self.Next.Load()) == 0 {
		// the successor that set succClass=reader is still linking in
	}
	next := m.pool.Deref(qnode.Ref(self.Next.Load()))
	m.readers.Add(1)
	setBlocked(next, false)
}

// RUnlock releases a shared hold.
func (m *MCSRW) RUnlock(slab *qnode.Slab, h *MCSRWHandle) {
	if qnode.Ref(h.node.Next.Load()) == 0 {
		if m.tail.CompareAndSwap(uint64(h.ref), 0) {
			m.finishReaderRelease(slab, h)
			return
		}
		for qnode.Ref(h.node.Next.Load()) == 0 {
			// a successor is mid-enqueue; wait for the link
		}
	}

	succRef := qnode.Ref(h.node.Next.Load())
	succ := m.pool.Deref(succRef)
	_, class, _ := qnode.UnpackMCSRWState(succ.State.Load())
	if class == qnode.ClassWriting {
		// Publish the queued writer; the last reader out hands it the latch
		// once the live count drains to zero. Waking it here directly would
		// let it run alongside readers that are still inside.
		m.nextWriter.Store(uint64(succRef))
	}
	// A reader successor is already active (readers chain-wake each other
	// on entry); nothing to wake here.
	m.finishReaderRelease(slab, h)
}

// finishReaderRelease decrements the live reader count and, if it has just
// drained to zero, hands the latch to a waiting writer if one registered
// itself in nextWriter.
func (m *MCSRW) finishReaderRelease(slab *qnode.Slab, h *MCSRWHandle) {
	slab.Release(h.ref)
	if m.readers.Add(-1) != 0 {
		return
	}
	writerRef := qnode.Ref(m.nextWriter.Load())
	if writerRef == 0 {
		return
	}
	if m.readers.Load() != 0 {
		return
	}
	if m.nextWriter.CompareAndSwap(uint64(writerRef), 0) {
		writer := m.pool.Deref(writerRef)
		setBlocked(writer, false)
	}
}

func blockedOf(n *qnode.Node) bool {
	blocked, _, _ := qnode.UnpackMCSRWState(n.State.Load())
	return blocked
}

func setBlocked(n *qnode.Node, blocked bool) {
	for {
		old := n.State.Load()
		_, class, succ := qnode.UnpackMCSRWState(old)
		newState := qnode.PackMCSRWState(blocked, class, succ)
		if n.State.CompareAndSwap(old, newState) {
			return
		}
	}
}

func setSuccClass(n *qnode.Node, succ uint32) {
	for {
		old := n.State.Load()
		blocked, class, _ := qnode.UnpackMCSRWState(old)
		newState := qnode.PackMCSRWState(blocked, class, succ)
		if n.State.CompareAndSwap(old, newState) {
			return
		}
	}
}
