// Package index unifies the B+-tree (pkg/bptree) and adaptive radix tree
// (pkg/art) behind one small surface: a backend-selectable point/range
// index with per-goroutine sessions.
package index

import (
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/ssargent/concurrent-index/internal/numa"
	"github.com/ssargent/concurrent-index/pkg/art"
	"github.com/ssargent/concurrent-index/pkg/bptree"
	"github.com/ssargent/concurrent-index/pkg/config"
	"github.com/ssargent/concurrent-index/pkg/qnode"
)

// MaxKeyLen bounds the key length the façade accepts. Oversized keys are
// rejected here so the cores only ever see pre-validated inputs.
const MaxKeyLen = 512

// nominalKeySize feeds the page-size-to-order geometry when the config
// specifies a page size rather than an explicit order.
const nominalKeySize = 16

func newNUMAAllocator(socketCount int) *numa.Logical {
	if socketCount <= 0 {
		socketCount = runtime.NumCPU()
		if socketCount < 1 {
			socketCount = 1
		}
	}
	return numa.New(socketCount)
}

// Backend selects which concurrent index implementation an Index uses.
type Backend int

const (
	// BackendBPlusTree stores keys in a strategy-parameterized B+-tree (pkg/bptree).
	BackendBPlusTree Backend = iota
	// BackendART stores keys in an adaptive radix tree (pkg/art).
	BackendART
)

// parseBTreeStrategy accepts both the descriptive names
// ("optimistic"/"hybrid"/"omcs"/"pessimistic") and the terse A/B/C/D
// labels for the same four strategies.
func parseBTreeStrategy(name string) bptree.Strategy {
	switch name {
	case "optimistic", "A", "a":
		return bptree.StrategyOptimistic
	case "hybrid", "B", "b":
		return bptree.StrategyHybrid
	case "omcs", "C", "c":
		return bptree.StrategyOMCS
	default:
		return bptree.StrategyPessimistic
	}
}

func parsePlacement(name string) qnode.Placement {
	switch name {
	case "per_socket", "per-socket":
		return qnode.PlacementPerSocket
	case "stack":
		return qnode.PlacementStack
	default:
		return qnode.PlacementInterleaved
	}
}

// Index is a single concurrent ordered index, backed by either a
// strategy-parameterized B+-tree or an adaptive radix tree.
type Index struct {
	backend Backend
	bt      *bptree.BPlusTree
	art     *art.Tree
	pool    *qnode.Pool

	mu    sync.RWMutex
	count int
}

// New constructs an Index over the given backend, sized and tuned from cfg.
func New(backend Backend, cfg *config.Config, numaNodes int) *Index {
	ix := &Index{backend: backend}

	switch backend {
	case BackendART:
		ix.art = art.New()
		ix.art.SampleProb = cfg.ART.HotnessSampleProb
		ix.art.HotnessThreshold = cfg.ART.HotnessThreshold
	default:
		strategy := parseBTreeStrategy(cfg.BTree.Strategy)
		if strategy == bptree.StrategyHybrid || strategy == bptree.StrategyOMCS {
			ix.pool = qnode.New(parsePlacement(cfg.QNode.Placement), cfg.QNode.PoolSize, newNUMAAllocator(numaNodes))
		}
		order := cfg.BTree.Order
		if order <= 0 {
			order = bptree.OrderForPageSize(cfg.BTree.PageSize, nominalKeySize)
		}
		ix.bt = bptree.NewBPlusTree(order, strategy, ix.pool)
	}
	return ix
}

// Session carries whatever per-goroutine state a backend needs (a qnode
// slab for the B+-tree's hybrid/OMCS strategies, an epoch handle for ART).
type Session struct {
	backend Backend
	bt      *bptree.Session
	artH    *art.ThreadHandle
}

// ThreadSetup returns a new per-goroutine Session. Call Enter/Leave around
// ART operations; the B+-tree session needs no explicit enter/leave.
func (ix *Index) ThreadSetup() *Session {
	s := &Session{backend: ix.backend}
	switch ix.backend {
	case BackendART:
		s.artH = ix.art.ThreadSetup()
	default:
		s.bt = ix.bt.NewSession()
	}
	return s
}

// Enter marks the calling goroutine as active for epoch-based reclamation
// (a no-op for the B+-tree backend).
func (s *Session) Enter() {
	if s.artH != nil {
		s.artH.Enter()
	}
}

// Leave marks the calling goroutine quiescent (a no-op for the B+-tree backend).
func (s *Session) Leave() {
	if s.artH != nil {
		s.artH.Leave()
	}
}

func validKey(key []byte) bool {
	return len(key) > 0 && len(key) <= MaxKeyLen
}

// Find performs a point lookup.
func (ix *Index) Find(s *Session, key []byte) (uint64, bool) {
	if !validKey(key) {
		return 0, false
	}
	if ix.backend == BackendART {
		return ix.art.Lookup(key)
	}
	return ix.bt.Search(s.bt, key)
}

// Insert adds key -> value, returning false without modification if the
// key is already present (or the key fails validation).
func (ix *Index) Insert(s *Session, key []byte, value uint64) bool {
	if !validKey(key) {
		return false
	}
	var inserted bool
	if ix.backend == BackendART {
		inserted = ix.art.Insert(key, value)
	} else {
		inserted = ix.bt.Insert(s.bt, key, value)
	}
	if inserted {
		ix.mu.Lock()
		ix.count++
		ix.mu.Unlock()
	}
	return inserted
}

// Update changes the value for an existing key, returning false if it was
// absent.
func (ix *Index) Update(s *Session, key []byte, value uint64) bool {
	if !validKey(key) {
		return false
	}
	if ix.backend == BackendART {
		return ix.art.Update(key, value)
	}
	return ix.bt.Update(s.bt, key, value)
}

// Remove deletes key, returning false if it was absent. The ART core's
// delete is fenced on the stored value, so removal there re-reads the
// current value and retries if a concurrent update slips in between.
func (ix *Index) Remove(s *Session, key []byte) bool {
	if !validKey(key) {
		return false
	}
	var removed bool
	if ix.backend == BackendART {
		for {
			v, found := ix.art.Lookup(key)
			if !found {
				break
			}
			if ix.art.Remove(key, v) {
				removed = true
				break
			}
		}
	} else {
		removed = ix.bt.Delete(s.bt, key)
	}
	if removed {
		ix.mu.Lock()
		ix.count--
		ix.mu.Unlock()
	}
	return removed
}

// KV is one key/value pair returned by Scan.
type KV struct {
	Key   []byte
	Value uint64
}

// Scan yields up to n values with keys >= start in ascending key order.
// When more results remain past the n-th, continueKey is the key to pass
// as start to resume the enumeration; it is nil once the index is
// exhausted.
func (ix *Index) Scan(s *Session, start []byte, n int) (results []KV, continueKey []byte) {
	if n <= 0 {
		return nil, nil
	}
	if ix.backend == BackendART {
		page, cont, more := ix.art.Scan(start, nil, n)
		for _, r := range page {
			results = append(results, KV{Key: r.Key, Value: r.Value})
		}
		if more {
			continueKey = cont
		}
		return results, continueKey
	}

	kvs := ix.bt.Scan(s.bt, start, nil, n+1)
	if len(kvs) > n {
		continueKey = kvs[n].Key
		kvs = kvs[:n]
	}
	for _, kv := range kvs {
		results = append(results, KV{Key: kv.Key, Value: kv.Value})
	}
	return results, continueKey
}

// ScanRange returns every key in [start, end], ascending.
func (ix *Index) ScanRange(s *Session, start, end []byte) []KV {
	if ix.backend == BackendART {
		var out []KV
		next := start
		for {
			page, cont, more := ix.art.Scan(next, end, 256)
			for _, r := range page {
				out = append(out, KV{Key: r.Key, Value: r.Value})
			}
			if !more {
				return out
			}
			next = cont
		}
	}

	out := make([]KV, 0)
	for _, kv := range ix.bt.Scan(s.bt, start, end, 0) {
		out = append(out, KV{Key: kv.Key, Value: kv.Value})
	}
	return out
}

// BulkLoad inserts every item in order, returning false on the first
// duplicate; items already inserted stay in the index.
func (ix *Index) BulkLoad(s *Session, items []KV) bool {
	for _, item := range items {
		if !ix.Insert(s, item.Key, item.Value) {
			return false
		}
	}
	return true
}

// BulkLoadPacked loads n records packed back-to-back as keySize key bytes
// followed by valSize value bytes each. The value's first (up to 8) bytes
// are taken big-endian as the stored record handle, matching the
// fixed-width opaque record handle. Returns false on the first
// duplicate or if the buffer is shorter than n records.
func (ix *Index) BulkLoadPacked(s *Session, records []byte, n, keySize, valSize int) bool {
	if keySize <= 0 || valSize < 0 || n < 0 {
		return false
	}
	stride := keySize + valSize
	if len(records) < n*stride {
		return false
	}
	for i := 0; i < n; i++ {
		rec := records[i*stride : (i+1)*stride]
		key := rec[:keySize]
		val := rec[keySize:]
		var handle uint64
		if len(val) >= 8 {
			handle = binary.BigEndian.Uint64(val[:8])
		} else {
			var buf [8]byte
			copy(buf[8-len(val):], val)
			handle = binary.BigEndian.Uint64(buf[:])
		}
		if !ix.Insert(s, key, handle) {
			return false
		}
	}
	return true
}

// Count returns the number of live keys (successful inserts minus
// successful removes).
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.count
}

// Height reports the current tree height (1 for a single-leaf tree); ART
// does not expose a height concept, so it always reports 0.
func (ix *Index) Height() int {
	if ix.backend == BackendART {
		return 0
	}
	return ix.bt.Height()
}

// Restarts reports how many optimistic-validation restarts the backing
// structure has performed, for the harness's restart metric.
func (ix *Index) Restarts() uint64 {
	if ix.backend == BackendART {
		return ix.art.Restarts()
	}
	return ix.bt.Restarts()
}

// PoolExhausted reports how many queue-node pool acquisitions have failed
// (always 0 for backends that never allocate a pool).
func (ix *Index) PoolExhausted() uint64 {
	if ix.pool == nil {
		return 0
	}
	return ix.pool.ExhaustedCount()
}
