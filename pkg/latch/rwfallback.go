package latch

import "sync/atomic"

// RWPreference selects which side a CentralizedRW latch favors under
// contention. These are the centralized comparison baselines for MCSRW;
// they keep all state in one word and never touch queue nodes.
type RWPreference int

const (
	// PreferReaders admits any arriving reader while readers are active,
	// even if a writer is waiting. Writers make progress only under bounded
	// reader arrival.
	PreferReaders RWPreference = iota
	// PreferWriters blocks new readers as soon as a writer announces
	// itself, draining the active readers so the writer gets in.
	PreferWriters
)

// CentralizedRW state word layout: bit 62 (the highest non-sign bit) marks
// an active writer, the bits below it count active readers.
const (
	crwWriterBit  int64 = 1 << 62
	crwReaderUnit int64 = 1
)

// CentralizedRW is a single-word reader-writer spinlock used as the
// non-queued baseline the MCSRW latch is compared against.
type CentralizedRW struct {
	pref    RWPreference
	state   atomic.Int64
	waiting atomic.Int32 // writers that have announced intent (writer-pref only)
}

// NewCentralizedRW creates an unlocked latch with the given preference.
func NewCentralizedRW(pref RWPreference) *CentralizedRW {
	return &CentralizedRW{pref: pref}
}

// RLock acquires shared access, spinning until admitted.
func (c *CentralizedRW) RLock() {
	for {
		if c.pref == PreferWriters && c.waiting.Load() > 0 {
			continue
		}
		s := c.state.Load()
		if s&crwWriterBit != 0 {
			continue
		}
		if c.state.CompareAndSwap(s, s+crwReaderUnit) {
			return
		}
	}
}

// RUnlock releases a shared hold.
func (c *CentralizedRW) RUnlock() {
	c.state.Add(-crwReaderUnit)
}

// WLock acquires exclusive access, spinning until every reader has drained.
func (c *CentralizedRW) WLock() {
	if c.pref == PreferWriters {
		c.waiting.Add(1)
		defer c.waiting.Add(-1)
	}
	for {
		if c.state.CompareAndSwap(0, crwWriterBit) {
			return
		}
	}
}

// WUnlock releases an exclusive hold.
func (c *CentralizedRW) WUnlock() {
	c.state.Add(-crwWriterBit)
}
