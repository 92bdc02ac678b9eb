// Package bptree provides a thread-safe B+-tree implementation whose
// per-node latch primitive is pluggable: readers descend with shared
// access and latch-couple hand-over-hand to the target leaf, and the thing
// being acquired at each node is swapped out via Strategy.
package bptree

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ssargent/concurrent-index/pkg/latch"
	"github.com/ssargent/concurrent-index/pkg/qnode"
)

// DefaultOrder is the fallback branching factor if a user-supplied order is too small.
const DefaultOrder = 4

// maxOptimisticRestarts bounds how many times an optimistic insert retries
// before escalating to the pessimistic top-down path.
const maxOptimisticRestarts = 16

// Logger receives invariant-violation messages: failures to draw a queue
// node for an MCSRW or OMCS latch (pool exhaustion). Releasing a latch that
// is not held is not checked. DebugMode additionally makes those violations
// fatal.
var (
	Logger    = log.New(os.Stderr, "bptree: ", log.LstdFlags)
	DebugMode bool
)

func invariantf(format string, args ...any) {
	Logger.Printf(format, args...)
	if DebugMode {
		panic(fmt.Sprintf(format, args...))
	}
}

// Strategy selects which latch primitive every node in a tree uses.
type Strategy int

const (
	// StrategyOptimistic (A): every node is an OptLock; readers spin past a
	// held write lock rather than blocking, and validate each node's version
	// on the way down, restarting from the root when a check fails.
	StrategyOptimistic Strategy = iota
	// StrategyHybrid (B): inner nodes stay OptLock (cheap optimistic
	// descent), leaves use MCSRW so concurrent readers of the same leaf
	// never have to retry a validation race against a fast writer.
	StrategyHybrid
	// StrategyOMCS (C): every node is an OMCS latch — optimistic reads with
	// a queue-based writer path, trading OptLock's spin-CAS acquire for a
	// fair FIFO handoff.
	StrategyOMCS
	// StrategyPessimistic (D): every node is a plain blocking RWMutex and
	// inserts descend top-down with exclusive lock coupling, releasing each
	// ancestor as soon as the child below it is confirmed not full; Update
	// and Delete use the same shared descent as the other strategies. Also
	// the fallback the optimistic strategies escalate to after repeated
	// validation failures.
	StrategyPessimistic
)

// findChildIndex determines which child pointer to follow for a given search key in an internal node.
func findChildIndex(keys [][]byte, searchKey []byte) int {
	for i, k := range keys {
		if bytes.Compare(searchKey, k) < 0 {
			return i
		}
	}
	return len(keys)
}

// token is the opaque value a nodeLatch hands back from RBegin/Lock and
// expects back from REnd/Unlock: a version (uint64) for the optimistic
// flavors, a queue-node handle for MCSRW/OMCS, or nil for the plain mutex.
type token any

// nodeLatch is the uniform shape every latch.Strategy flavor is adapted to
// so the tree's traversal code is written once, against the interface,
// rather than once per strategy.
type nodeLatch interface {
	// RBegin starts a shared read. It may block (mutex, MCSRW) or spin past
	// a concurrent writer without blocking (OptLock, OMCS); either way it
	// returns a token to later pass to REnd.
	RBegin(s *Session) token
	// REnd ends the read started by RBegin. false means the read may have
	// observed a torn state and the caller must restart from the root.
	REnd(s *Session, tok token) bool
	// Lock acquires exclusive access, returning a token to pass to Unlock.
	Lock(s *Session) token
	Unlock(s *Session, tok token)
}

type optLatch struct{ l latch.OptLock }

func (o *optLatch) RBegin(*Session) token {
	for {
		if v, ok := o.l.TryBeginRead(); ok {
			return v
		}
	}
}
func (o *optLatch) REnd(_ *Session, tok token) bool { return o.l.ValidateRead(tok.(uint64)) }
func (o *optLatch) Lock(*Session) token             { return o.l.Lock() }
func (o *optLatch) Unlock(_ *Session, tok token)    { o.l.Unlock(tok.(uint64), 2) }

type omcsLatch struct{ o *latch.OMCS }

func (l *omcsLatch) RBegin(*Session) token {
	for {
		if v, ok := l.o.TryBeginRead(); ok {
			return v
		}
	}
}
func (l *omcsLatch) REnd(_ *Session, tok token) bool { return l.o.ValidateRead(tok.(uint64)) }
func (l *omcsLatch) Lock(s *Session) token {
	logged := false
	for {
		h, err := l.o.Lock(s.slab)
		if err == nil {
			return h
		}
		if !logged {
			invariantf("omcs acquire: %v", err)
			logged = true
		}
		runtime.Gosched()
	}
}
func (l *omcsLatch) Unlock(s *Session, tok token) { l.o.Unlock(s.slab, tok.(*latch.OMCSHandle)) }

type mcsrwLatch struct{ m *latch.MCSRW }

func (l *mcsrwLatch) RBegin(s *Session) token {
	logged := false
	for {
		h, err := l.m.RLock(s.slab)
		if err == nil {
			return h
		}
		if !logged {
			invariantf("mcsrw shared acquire: %v", err)
			logged = true
		}
		runtime.Gosched()
	}
}
func (l *mcsrwLatch) REnd(s *Session, tok token) bool {
	l.m.RUnlock(s.slab, tok.(*latch.MCSRWHandle))
	return true
}
func (l *mcsrwLatch) Lock(s *Session) token {
	logged := false
	for {
		h, err := l.m.WLock(s.slab)
		if err == nil {
			return h
		}
		if !logged {
			invariantf("mcsrw exclusive acquire: %v", err)
			logged = true
		}
		runtime.Gosched()
	}
}
func (l *mcsrwLatch) Unlock(s *Session, tok token) { l.m.WUnlock(s.slab, tok.(*latch.MCSRWHandle)) }

type mutexLatch struct{ m *latch.Mutex }

func (l *mutexLatch) RBegin(*Session) token     { l.m.RLock(); return nil }
func (l *mutexLatch) REnd(*Session, token) bool { l.m.RUnlock(); return true }
func (l *mutexLatch) Lock(*Session) token       { l.m.Lock(); return nil }
func (l *mutexLatch) Unlock(*Session, token)    { l.m.Unlock() }

// Session carries the per-goroutine queue-node slab that the MCSRW/OMCS
// strategies need; the other two
// strategies ignore it. Obtain one from BPlusTree.NewSession per goroutine.
type Session struct {
	slab *qnode.Slab
}

// NewSession returns a new per-goroutine Session for tree.
func (tree *BPlusTree) NewSession() *Session {
	if tree.pool == nil {
		return &Session{}
	}
	return &Session{slab: tree.pool.ThreadSetup()}
}

func newLatch(strategy Strategy, isLeaf bool, pool *qnode.Pool) nodeLatch {
	switch strategy {
	case StrategyHybrid:
		if isLeaf {
			return &mcsrwLatch{m: latch.NewMCSRW(pool)}
		}
		return &optLatch{}
	case StrategyOMCS:
		return &omcsLatch{o: latch.NewOMCS(pool)}
	case StrategyPessimistic:
		return &mutexLatch{m: latch.NewMutex()}
	default:
		return &optLatch{}
	}
}

// BPlusTree is a thread-safe B+-tree mapping byte-string keys to uint64
// values (row/record identifiers), with a pluggable node latch strategy
//. All exported operations are safe for concurrent use by
// multiple goroutines, each holding its own *Session.
//
// Locking protocol: readers latch-couple from the root without touching
// tree.m. Writers hold tree.m shared for the whole operation so that no
// structural modification can move a leaf's key range between the descent
// and the leaf write; splits hold tree.m exclusively and lock parent
// before child, top-down. The root node object is never replaced — when
// the root splits it morphs in place into an inner node over two fresh
// halves, so a reader's root pointer can never go stale.
type BPlusTree struct {
	root     *node
	order    int
	height   int
	strategy Strategy
	pool     *qnode.Pool // only needed by StrategyHybrid/StrategyOMCS
	restarts atomic.Uint64
	m        sync.RWMutex
}

// node represents a single node in the B+-tree.
//
// For internal nodes (!isLeaf): keys are separators, children has
// len(keys)+1 entries. For leaf nodes: keys/values are the stored data and
// next links to the following leaf for range scans.
type node struct {
	latch    nodeLatch
	isLeaf   bool
	keys     [][]byte
	children []*node
	values   []uint64
	next     *node
}

// NewBPlusTree creates a B+-tree of the given order and latch strategy. A
// pool is required for StrategyHybrid and StrategyOMCS; pass nil for
// StrategyOptimistic/StrategyPessimistic.
func NewBPlusTree(order int, strategy Strategy, pool *qnode.Pool) *BPlusTree {
	if order < 3 {
		order = DefaultOrder
	}
	tree := &BPlusTree{order: order, height: 1, strategy: strategy, pool: pool}
	tree.root = &node{
		latch:  newLatch(strategy, true, pool),
		isLeaf: true,
		keys:   make([][]byte, 0, order),
		values: make([]uint64, 0, order),
	}
	return tree
}

// OrderForPageSize derives the largest order such that a node of keySize
// keys, with the one slack slot reserved to accept an overflow entry before
// splitting, still fits in pageSize bytes.
func OrderForPageSize(pageSize, keySize int) int {
	const headerSize = 64 // latch header + counts + leaf next pointer
	entrySize := keySize + 8
	order := (pageSize - headerSize) / entrySize
	order-- // slack slot
	if order < 3 {
		return DefaultOrder
	}
	return order
}

// Height returns the current height of the tree.
func (tree *BPlusTree) Height() int {
	tree.m.RLock()
	h := tree.height
	tree.m.RUnlock()
	return h
}

// Restarts reports how many optimistic-validation restarts the tree's
// operations have performed since construction.
func (tree *BPlusTree) Restarts() uint64 { return tree.restarts.Load() }

// Search performs a point lookup, latch-coupling down from the root: a
// child's read is started before its parent's is ended, so a concurrent
// split can never be observed half-applied.
func (tree *BPlusTree) Search(s *Session, key []byte) (uint64, bool) {
restart:
	cur := tree.root
	tok := cur.latch.RBegin(s)
	for !cur.isLeaf {
		idx := findChildIndex(cur.keys, key)
		child := cur.children[idx]
		childTok := child.latch.RBegin(s)
		if !cur.latch.REnd(s, tok) {
			child.latch.REnd(s, childTok)
			tree.restarts.Add(1)
			goto restart
		}
		cur, tok = child, childTok
	}

	for i, k := range cur.keys {
		if bytes.Equal(key, k) {
			v := cur.values[i]
			if !cur.latch.REnd(s, tok) {
				tree.restarts.Add(1)
				goto restart
			}
			return v, true
		}
	}
	if !cur.latch.REnd(s, tok) {
		tree.restarts.Add(1)
		goto restart
	}
	return 0, false
}

// Insert adds key -> value, returning false without modification if key is
// already present. The optimistic strategies descend with shared access
// and lock only the target leaf, escalating to the pessimistic top-down
// path after maxOptimisticRestarts failed validations; StrategyPessimistic
// always takes the top-down path.
func (tree *BPlusTree) Insert(s *Session, key []byte, value uint64) bool {
	if tree.strategy == StrategyPessimistic {
		return tree.insertPessimistic(s, key, value)
	}
	for attempt := 0; attempt < maxOptimisticRestarts; attempt++ {
		if inserted, ok := tree.insertOptimistic(s, key, value); ok {
			return inserted
		}
		tree.restarts.Add(1)
	}
	return tree.insertPessimistic(s, key, value)
}

// insertOptimistic is one attempt at the shared-descent insert; ok is
// false if a validation failure forced the attempt to be abandoned.
func (tree *BPlusTree) insertOptimistic(s *Session, key []byte, value uint64) (inserted, ok bool) {
	// Held shared for the whole attempt: a split (which holds it
	// exclusively) cannot move this leaf's key range between the descent
	// and the leaf write below.
	tree.m.RLock()

	cur := tree.root
	tok := cur.latch.RBegin(s)
	for !cur.isLeaf {
		idx := findChildIndex(cur.keys, key)
		child := cur.children[idx]
		childTok := child.latch.RBegin(s)
		if !cur.latch.REnd(s, tok) {
			child.latch.REnd(s, childTok)
			tree.m.RUnlock()
			return false, false
		}
		cur, tok = child, childTok
	}
	if !cur.latch.REnd(s, tok) {
		tree.m.RUnlock()
		return false, false
	}

	wtok := cur.latch.Lock(s)
	inserted = insertKeyValueInLeaf(cur, key, value)
	overflow := len(cur.keys) > tree.order
	cur.latch.Unlock(s, wtok)
	tree.m.RUnlock()

	if overflow {
		tree.m.Lock()
		tree.splitPath(s, key)
		tree.m.Unlock()
	}
	return inserted, true
}

// insertPessimistic is the top-down exclusive-coupling path (strategy D,
// and the bounded-restart fallback for A/C): every full node on the way
// down is split preventively while its parent is still held, so no split
// ever needs to propagate back up, and each ancestor is released as soon
// as the child below it is confirmed not full.
func (tree *BPlusTree) insertPessimistic(s *Session, key []byte, value uint64) bool {
	tree.m.Lock()
	defer tree.m.Unlock()

	leaf, tok := tree.descendSplitting(s, key)
	inserted := insertKeyValueInLeaf(leaf, key, value)
	leaf.latch.Unlock(s, tok)
	return inserted
}

// splitPath discharges a pending leaf overflow by re-descending toward key
// with the same preventive top-down splitting discipline
// insertPessimistic uses. Must be called with tree.m held exclusively.
func (tree *BPlusTree) splitPath(s *Session, key []byte) {
	leaf, tok := tree.descendSplitting(s, key)
	leaf.latch.Unlock(s, tok)
}

// descendSplitting locks-couples from the root to the leaf covering key,
// splitting every full node encountered (parent and child held exclusively
// during each split, parent released once the child is known not full).
// Returns the leaf still exclusively held. Caller holds tree.m exclusively.
func (tree *BPlusTree) descendSplitting(s *Session, key []byte) (*node, token) {
	if len(tree.root.keys) >= tree.order {
		tree.splitRootLocked(s)
	}
	cur := tree.root
	tok := cur.latch.Lock(s)
	for !cur.isLeaf {
		idx := findChildIndex(cur.keys, key)
		child := cur.children[idx]
		ctok := child.latch.Lock(s)
		if len(child.keys) >= tree.order {
			tree.splitChildLocked(cur, idx, child)
			// the key's range may now belong to the fresh sibling
			if nidx := findChildIndex(cur.keys, key); nidx != idx {
				child.latch.Unlock(s, ctok)
				child = cur.children[nidx]
				ctok = child.latch.Lock(s)
			}
		}
		cur.latch.Unlock(s, tok)
		cur, tok = child, ctok
	}
	return cur, tok
}

// splitRootLocked splits a full root in place: the root node object is
// never replaced (readers hold its pointer without any outer lock), it
// morphs into an inner node over two freshly built halves while its latch
// is held exclusively. A hybrid tree's root therefore keeps the latch
// flavor it was born with. Caller holds tree.m exclusively.
func (tree *BPlusTree) splitRootLocked(s *Session) {
	root := tree.root
	tok := root.latch.Lock(s)
	defer root.latch.Unlock(s, tok)

	var sep []byte
	var left, right *node
	if root.isLeaf {
		mid := len(root.keys) / 2
		left = &node{
			latch:  newLatch(tree.strategy, true, tree.pool),
			isLeaf: true,
			keys:   append(make([][]byte, 0, mid), root.keys[:mid]...),
			values: append(make([]uint64, 0, mid), root.values[:mid]...),
		}
		right = &node{
			latch:  newLatch(tree.strategy, true, tree.pool),
			isLeaf: true,
			keys:   append(make([][]byte, 0), root.keys[mid:]...),
			values: append(make([]uint64, 0), root.values[mid:]...),
			next:   root.next,
		}
		left.next = right
		sep = right.keys[0]
	} else {
		mid := len(root.keys) / 2
		sep = root.keys[mid]
		left = &node{
			latch:    newLatch(tree.strategy, false, tree.pool),
			keys:     append(make([][]byte, 0, mid), root.keys[:mid]...),
			children: append(make([]*node, 0, mid+1), root.children[:mid+1]...),
		}
		right = &node{
			latch:    newLatch(tree.strategy, false, tree.pool),
			keys:     append(make([][]byte, 0), root.keys[mid+1:]...),
			children: append(make([]*node, 0), root.children[mid+1:]...),
		}
	}

	root.isLeaf = false
	root.keys = [][]byte{sep}
	root.values = nil
	root.children = []*node{left, right}
	root.next = nil
	tree.height++
}

// splitChildLocked splits a full non-root child, promoting the separator
// into parent. Caller holds tree.m exclusively plus the latches of both
// parent and child; the fresh sibling is invisible until the parent's
// child array is updated, which happens under the parent's latch.
func (tree *BPlusTree) splitChildLocked(parent *node, idx int, child *node) {
	var sep []byte
	var sibling *node
	if child.isLeaf {
		mid := len(child.keys) / 2
		sibling = &node{
			latch:  newLatch(tree.strategy, true, tree.pool),
			isLeaf: true,
			keys:   append(make([][]byte, 0), child.keys[mid:]...),
			values: append(make([]uint64, 0), child.values[mid:]...),
			next:   child.next,
		}
		child.keys = child.keys[:mid]
		child.values = child.values[:mid]
		child.next = sibling
		sep = sibling.keys[0]
	} else {
		mid := len(child.keys) / 2
		sep = child.keys[mid]
		sibling = &node{
			latch:    newLatch(tree.strategy, false, tree.pool),
			keys:     append(make([][]byte, 0), child.keys[mid+1:]...),
			children: append(make([]*node, 0), child.children[mid+1:]...),
		}
		child.keys = child.keys[:mid]
		child.children = child.children[:mid+1]
	}

	parent.keys = append(parent.keys, nil)
	copy(parent.keys[idx+1:], parent.keys[idx:])
	parent.keys[idx] = sep
	parent.children = append(parent.children, nil)
	copy(parent.children[idx+2:], parent.children[idx+1:])
	parent.children[idx+1] = sibling
}

// Update replaces the value stored for key, returning false if key is
// absent. It never triggers a structural modification.
func (tree *BPlusTree) Update(s *Session, key []byte, value uint64) bool {
	for {
		if updated, ok := tree.updateOnce(s, key, value); ok {
			return updated
		}
		tree.restarts.Add(1)
	}
}

func (tree *BPlusTree) updateOnce(s *Session, key []byte, value uint64) (updated, ok bool) {
	tree.m.RLock()
	defer tree.m.RUnlock()

	cur := tree.root
	tok := cur.latch.RBegin(s)
	for !cur.isLeaf {
		idx := findChildIndex(cur.keys, key)
		child := cur.children[idx]
		childTok := child.latch.RBegin(s)
		if !cur.latch.REnd(s, tok) {
			child.latch.REnd(s, childTok)
			return false, false
		}
		cur, tok = child, childTok
	}
	if !cur.latch.REnd(s, tok) {
		return false, false
	}

	wtok := cur.latch.Lock(s)
	defer cur.latch.Unlock(s, wtok)
	for i, k := range cur.keys {
		if bytes.Equal(key, k) {
			cur.values[i] = value
			return true, true
		}
	}
	return false, true
}

// Delete removes key if present, returning whether it was found. It does
// not rebalance underfull nodes; leaves shrink in place and empty leaves
// stay linked; a compaction pass is future work.
func (tree *BPlusTree) Delete(s *Session, key []byte) bool {
	for {
		if deleted, ok := tree.deleteOnce(s, key); ok {
			return deleted
		}
		tree.restarts.Add(1)
	}
}

func (tree *BPlusTree) deleteOnce(s *Session, key []byte) (deleted, ok bool) {
	tree.m.RLock()
	defer tree.m.RUnlock()

	cur := tree.root
	tok := cur.latch.RBegin(s)
	for !cur.isLeaf {
		idx := findChildIndex(cur.keys, key)
		child := cur.children[idx]
		childTok := child.latch.RBegin(s)
		if !cur.latch.REnd(s, tok) {
			child.latch.REnd(s, childTok)
			return false, false
		}
		cur, tok = child, childTok
	}
	if !cur.latch.REnd(s, tok) {
		return false, false
	}

	wtok := cur.latch.Lock(s)
	defer cur.latch.Unlock(s, wtok)
	for i, k := range cur.keys {
		if bytes.Equal(key, k) {
			cur.keys = append(cur.keys[:i], cur.keys[i+1:]...)
			cur.values = append(cur.values[:i], cur.values[i+1:]...)
			return true, true
		}
	}
	return false, true
}

// Scan returns keys in [start, end] in ascending order by walking the leaf
// linked list from the leaf the descent lands on, up to limit
// results (limit <= 0 means unlimited; nil end means no upper bound). Any
// validation failure restarts the entire scan from start.
func (tree *BPlusTree) Scan(s *Session, start, end []byte, limit int) []KV {
restart:
	cur := tree.root
	tok := cur.latch.RBegin(s)
	for !cur.isLeaf {
		idx := findChildIndex(cur.keys, start)
		child := cur.children[idx]
		childTok := child.latch.RBegin(s)
		if !cur.latch.REnd(s, tok) {
			child.latch.REnd(s, childTok)
			tree.restarts.Add(1)
			goto restart
		}
		cur, tok = child, childTok
	}

	var out []KV
	for cur != nil {
		done := false
		for i, k := range cur.keys {
			if bytes.Compare(k, start) < 0 {
				continue
			}
			if end != nil && bytes.Compare(k, end) > 0 {
				done = true
				break
			}
			if limit > 0 && len(out) >= limit {
				done = true
				break
			}
			out = append(out, KV{Key: append([]byte(nil), k...), Value: cur.values[i]})
		}
		next := cur.next
		if !cur.latch.REnd(s, tok) {
			tree.restarts.Add(1)
			goto restart
		}
		if done || next == nil {
			break
		}
		tok = next.latch.RBegin(s)
		cur = next
	}
	return out
}

// KV is one key/value pair yielded by Scan.
type KV struct {
	Key   []byte
	Value uint64
}

// insertKeyValueInLeaf places key in sorted position, reporting false
// without modification if it is already present: insert is not an upsert.
func insertKeyValueInLeaf(leaf *node, key []byte, value uint64) bool {
	idx := 0
	for idx < len(leaf.keys) && bytes.Compare(leaf.keys[idx], key) < 0 {
		idx++
	}
	if idx < len(leaf.keys) && bytes.Equal(leaf.keys[idx], key) {
		return false
	}
	leaf.keys = append(leaf.keys, key)
	leaf.values = append(leaf.values, value)
	copy(leaf.keys[idx+1:], leaf.keys[idx:])
	copy(leaf.values[idx+1:], leaf.values[idx:])
	leaf.keys[idx] = key
	leaf.values[idx] = value
	return true
}
