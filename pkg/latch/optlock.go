// Package latch implements the interoperable latch flavors backing the
// concurrent indexes: OptLock, OMCS, MCSRW, and the TATAS/plain-mutex
// baselines. Every index node embeds exactly one of these, selected by the
// build's synchronization strategy.
package latch

import (
	"sync/atomic"
)

// lockedBit occupies the high bit of the 64-bit OptLock word; the
// remaining 63 bits are the version. Callers that advance by an even
// stride keep the version's low bit free as an extra out-of-band signal.
const lockedBit uint64 = 1 << 63

// OptLock is a versioned optimistic latch: a single atomic
// word partitioned into a locked flag and a monotonically increasing
// version. Readers validate a version snapshot instead of holding any lock;
// writers spin-CAS to acquire and bump the version on release.
//
// The zero value is a valid, unlocked OptLock at version 0.
type OptLock struct {
	word atomic.Uint64
}

// TryBeginRead loads the current word. If the latch is held, ok is false
// and the caller must retry.
// Otherwise v is the version the caller must later pass to ValidateRead.
func (o *OptLock) TryBeginRead() (v uint64, ok bool) {
	w := o.word.Load()
	if w&lockedBit != 0 {
		return 0, false
	}
	return w, true
}

// ValidateRead reports whether the word is still exactly v, i.e. whether
// every read performed between TryBeginRead and ValidateRead observed a
// consistent snapshot.
func (o *OptLock) ValidateRead(v uint64) bool {
	return o.word.Load() == v
}

// Lock spins until the word is unlocked at some version v, then CASes to
// v|lockedBit, and returns the captured v (the version the holder must
// advance past on Unlock).
func (o *OptLock) Lock() uint64 {
	for {
		w := o.word.Load()
		if w&lockedBit != 0 {
			continue
		}
		if o.word.CompareAndSwap(w, w|lockedBit) {
			return w
		}
	}
}

// TryUpgrade attempts to move from an optimistic read snapshot v directly
// to holding the latch, without releasing and reacquiring. It fails if the
// word has moved since v was observed.
func (o *OptLock) TryUpgrade(v uint64) bool {
	if v&lockedBit != 0 {
		return false
	}
	return o.word.CompareAndSwap(v, v|lockedBit)
}

// Unlock releases the latch, advancing the version by stride and clearing
// the locked bit. stride must be >= 1; pass 2 when a write occurred, or 1
// for lock round-trips that made no visible change.
func (o *OptLock) Unlock(v uint64, stride uint64) {
	o.word.Store((v + stride) &^ lockedBit)
}

// UnlockStoreOnly is the "holder already knows v" fast path:
// it skips reloading the word, trusting the caller's captured v.
func (o *OptLock) UnlockStoreOnly(v uint64, stride uint64) {
	o.Unlock(v, stride)
}

// IsLocked reports whether the latch is currently held. Intended for tests
// and invariant assertions, not for control flow: at most one thread may
// ever observe locked(v) for any given v.
func (o *OptLock) IsLocked() bool {
	return o.word.Load()&lockedBit != 0
}

// Version returns the current raw word including the locked bit, primarily
// for diagnostics.
func (o *OptLock) Version() uint64 {
	return o.word.Load()
}
