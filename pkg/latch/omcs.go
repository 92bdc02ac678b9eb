package latch

import (
	"sync/atomic"

	"github.com/ssargent/concurrent-index/pkg/qnode"
)

// Tail word layout for OMCS: the high bit marks the word as a
// queue-node handle rather than a bare version; the next-highest bit is the
// "consistent" flag used to give optimistic readers a
// window into an in-flight release.
const (
	omcsHandleFlag     uint64 = 1 << 63
	omcsConsistentFlag uint64 = 1 << 62
	omcsRefMask        uint64 = omcsConsistentFlag - 1
)

// omcsStride is the amount every successful unlock advances the published
// version by.
const omcsStride = 2

// OMCS is an optimistic MCS latch: a queue-based mutex whose
// unlocked tail word doubles as a version counter, letting optimistic
// readers validate without ever touching a cache line a writer is
// spinning on.
type OMCS struct {
	tail atomic.Uint64
	pool *qnode.Pool
}

// NewOMCS creates an unlocked OMCS latch at version 0, backed by pool for
// its queue nodes.
func NewOMCS(pool *qnode.Pool) *OMCS {
	return &OMCS{pool: pool}
}

// TryBeginRead mirrors OptLock.TryBeginRead but additionally honors the
// transient "consistent" window: a reader may proceed even
// while a holder is between finishing its critical section and fully
// releasing, provided the tail word doesn't change under it.
func (o *OMCS) TryBeginRead() (v uint64, ok bool) {
	word := o.tail.Load()
	if word&omcsHandleFlag == 0 {
		return word, true
	}
	if word&omcsConsistentFlag == 0 {
		return 0, false // locked, no consistent window open: retry
	}
	ref := qnode.Ref(word & omcsRefMask)
	node := o.pool.Deref(ref)
	if node == nil {
		return 0, false
	}
	snapshot := node.Version.Load()
	if o.tail.Load() != word {
		return 0, false // the window closed (released or handed off) under us
	}
	return snapshot, true
}

// ValidateRead re-checks that the tail word's visible version has not
// moved since v was captured by TryBeginRead. For the plain-version case
// this is a direct word comparison; during a consistent window it
// re-derives the snapshot the same way TryBeginRead did.
func (o *OMCS) ValidateRead(v uint64) bool {
	nv, ok := o.TryBeginRead()
	return ok && nv == v
}

// Lock acquires the latch for exclusive access, enqueueing behind any
// current holder, and returns a handle the caller must pass
// to Unlock.
func (o *OMCS) Lock(slab *qnode.Slab) (*OMCSHandle, error) {
	selfRef, err := slab.Acquire()
	if err != nil {
		return nil, err
	}
	self := o.pool.Deref(selfRef)
	self.Version.Store(0)
	self.Next.Store(uint64(qnode.Ref(0)))

	prev := o.tail.Swap(omcsHandleFlag | uint64(selfRef))
	if prev&omcsHandleFlag == 0 {
		// Queue was empty: acquire directly, seeding our eventual publish
		// version from the version we displaced.
		self.Version.Store((prev &^ omcsConsistentFlag) + omcsStride)
	} else {
		prevRef := qnode.Ref(prev & omcsRefMask)
		predecessor := o.pool.Deref(prevRef)
		predecessor.Next.Store(uint64(selfRef))
		for self.Version.Load() == 0 {
			// bounded only by the predecessor's own progress
		}
	}
	return &OMCSHandle{ref: selfRef, node: self}, nil
}

// OMCSHandle is the queue-node handle returned by Lock/TryUpgrade; it must
// be released exactly once via Unlock.
type OMCSHandle struct {
	ref  qnode.Ref
	node *qnode.Node
}

// Unlock releases the latch, publishing h.node's precomputed version to a
// waiting successor or, if none has enqueued yet, opening the consistent
// window before handing the tail back to a bare version.
func (o *OMCS) Unlock(slab *qnode.Slab, h *OMCSHandle) {
	if h.node.Next.Load() == uint64(qnode.Ref(0)) {
		consistentWord := omcsHandleFlag | omcsConsistentFlag | uint64(h.ref)
		plainWord := omcsHandleFlag | uint64(h.ref)
		if o.tail.CompareAndSwap(plainWord, consistentWord) {
			if o.tail.CompareAndSwap(consistentWord, h.node.Version.Load()) {
				slab.Release(h.ref)
				return
			}
			// A new acquirer raced in during the consistent window and
			// overwrote the tail with its own handle; fall through to the
			// handoff path below, waiting for it to link in as successor.
		}
	}
	for h.node.Next.Load() == uint64(qnode.Ref(0)) {
		// a successor is enqueueing; wait for the link
	}
	succRef := qnode.Ref(h.node.Next.Load())
	succ := o.pool.Deref(succRef)
	succ.Version.Store(h.node.Version.Load() + omcsStride)
	slab.Release(h.ref)
}

// TryUpgrade attempts to move directly from an optimistic read snapshot v
// to holding the latch exclusively, without releasing and
// re-enqueuing. It fails if the tail has moved since v was observed.
func (o *OMCS) TryUpgrade(slab *qnode.Slab, v uint64) (*OMCSHandle, bool) {
	if v&omcsHandleFlag != 0 {
		return nil, false
	}
	selfRef, err := slab.Acquire()
	if err != nil {
		return nil, false
	}
	self := o.pool.Deref(selfRef)
	self.Next.Store(uint64(qnode.Ref(0)))
	if !o.tail.CompareAndSwap(v, omcsHandleFlag|uint64(selfRef)) {
		slab.Release(selfRef)
		return nil, false
	}
	self.Version.Store(v + omcsStride)
	return &OMCSHandle{ref: selfRef, node: self}, true
}
