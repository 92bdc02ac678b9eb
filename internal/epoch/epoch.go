// Package epoch provides the deferred-reclamation collaborator used by the
// ART core: obsoleted nodes are never freed synchronously
// because a concurrent optimistic reader might still be dereferencing them.
// Reclamation is instead handed to this package and discharged once every
// thread that could have observed the old pointer has passed through a
// quiescent point.
package epoch

import (
	"sync"
	"sync/atomic"
)

// Reclaimer implements a simple epoch-based garbage collector: a global
// epoch counter advances only when every registered thread has announced
// its own epoch at least caught up to it, and deferred frees older than the
// oldest active thread epoch are safe to run.
type Reclaimer struct {
	global int64

	mu      sync.Mutex
	active  map[*threadState]struct{}
	pending map[int64][]func()
}

type threadState struct {
	epoch   int64 // epoch announced by the last ThreadEnter (-1 before the first)
	entered bool  // true while inside a critical section
}

// Handle is a participant's per-goroutine state. Go has no goroutine-local
// storage, so callers keep the Handle returned by ThreadSetup and pass it
// back into ThreadEnter/ThreadLeave, mirroring the index façade's
// thread-setup hook.
type Handle struct {
	r     *Reclaimer
	state *threadState
}

// New creates a Reclaimer.
func New() *Reclaimer {
	return &Reclaimer{
		active:  make(map[*threadState]struct{}),
		pending: make(map[int64][]func()),
	}
}

// ThreadSetup registers a new participant and returns its handle. Call once
// per worker goroutine, analogous to the index façade's thread_setup hook.
func (r *Reclaimer) ThreadSetup() *Handle {
	st := &threadState{epoch: -1}
	r.mu.Lock()
	r.active[st] = struct{}{}
	r.mu.Unlock()
	return &Handle{r: r, state: st}
}

// ThreadEnter marks the calling thread as active in the current global
// epoch; it must precede any optimistic read or pointer dereference of
// index-managed memory.
func (h *Handle) ThreadEnter() {
	h.state.epoch = atomic.LoadInt64(&h.r.global)
	h.state.entered = true
}

// ThreadLeave marks the calling thread quiescent. No dereference of
// index-managed memory may occur between ThreadLeave and the next
// ThreadEnter.
func (h *Handle) ThreadLeave() {
	h.state.entered = false
	h.r.tryAdvance()
}

// DeferFree schedules fn to run once every thread that could have observed
// the freed node's old pointer has left its critical section. The ART core
// calls this on every node it marks obsolete.
func (h *Handle) DeferFree(fn func()) {
	h.r.mu.Lock()
	e := atomic.LoadInt64(&h.r.global)
	h.r.pending[e] = append(h.r.pending[e], fn)
	h.r.mu.Unlock()
	h.r.tryAdvance()
}

// Quiescent reports whether no thread is currently inside a critical
// section operation, also the state in which test
// invariants are asserted).
func (r *Reclaimer) Quiescent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for st := range r.active {
		if st.entered {
			return false
		}
	}
	return true
}

// tryAdvance bumps the global epoch and discharges any pending frees whose
// epoch predates the oldest active thread, once every registered thread has
// caught up.
func (r *Reclaimer) tryAdvance() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := atomic.LoadInt64(&r.global)
	minActive := cur
	for st := range r.active {
		if st.entered && st.epoch < minActive {
			minActive = st.epoch
		}
	}
	if minActive < cur {
		return // some thread is still observing an older epoch
	}

	next := cur + 1
	atomic.StoreInt64(&r.global, next)

	for e, fns := range r.pending {
		if e < next-1 {
			for _, fn := range fns {
				fn()
			}
			delete(r.pending, e)
		}
	}
}
