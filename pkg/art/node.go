// Package art implements an adaptive radix tree:
// space-efficient trie over byte-string keys with four node kinds (N4,
// N16, N48, N256) and inline path compression, latch-coupled the same way
// the B+-tree in pkg/bptree is — optimistically for lookups, pessimistically
// for structural modification.
package art

import (
	"sort"

	"github.com/ssargent/concurrent-index/pkg/latch"
)

// maxPrefixLen bounds the inline path-compression buffer every node header
// carries; prefixes longer than the buffer are compared optimistically and
// resolved against the full key stored at a leaf.
const maxPrefixLen = 15

// child is whatever a node kind stores per key byte: either a *leaf or
// another node kind (*node4, *node16, *node48, *node256). Go has no
// portable pointer tagging, so the leaf/interior distinction lives in the
// interface's type word and dispatch is a type switch rather than a
// branchless mask.
type child interface{}

// leaf is a terminal key/value pair. Keys are compared by their full byte
// string since path compression means a node's prefix alone does not
// guarantee a match.
type leaf struct {
	key   []byte
	value uint64
}

// header is embedded by every node kind and carries the latch, the
// inline compressed-path prefix, and the hotness counter used by the
// expansion heuristic.
type header struct {
	lock       latch.OptLock
	prefixLen  uint32
	prefix     [maxPrefixLen]byte
	numChild   uint16
	hotness    uint32
	obsolete   bool
}

func (h *header) hasPrefix() bool { return h.prefixLen > 0 }

func (h *header) setPrefix(p []byte) {
	h.prefixLen = uint32(len(p))
	n := copy(h.prefix[:], p)
	for i := n; i < maxPrefixLen; i++ {
		h.prefix[i] = 0
	}
}

// node is implemented by node4/node16/node48/node256.
type node interface {
	hdr() *header
	findChild(b byte) *child
	addChild(b byte, c child) bool // false if full, caller must grow first
	removeChild(b byte)
	isFull() bool
	// getSecondChild returns the surviving (key, child) pair of a node with
	// exactly two children, used by remove's single-child splice.
	getSecondChild(excluding byte) (byte, child, bool)
	// anyChild returns an arbitrary child of the node. Neither prefix check
	// calls it.
	anyChild() child
	childList() []keyedChild
	grow() node
	shrink() (node, bool)
}

type keyedChild struct {
	key byte
	c   child
}

// node4 stores up to 4 children in parallel sorted arrays; the smallest and
// most common node kind near the leaves.
type node4 struct {
	header
	keys     [4]byte
	children [4]child
}

func newNode4(prefix []byte) *node4 {
	n := &node4{}
	n.setPrefix(prefix)
	return n
}

func (n *node4) hdr() *header { return &n.header }

func (n *node4) findChild(b byte) *child {
	for i := 0; i < int(n.numChild); i++ {
		if n.keys[i] == b {
			return &n.children[i]
		}
	}
	return nil
}

func (n *node4) addChild(b byte, c child) bool {
	if n.numChild >= 4 {
		return false
	}
	i := 0
	for ; i < int(n.numChild); i++ {
		if b < n.keys[i] {
			break
		}
	}
	copy(n.keys[i+1:n.numChild+1], n.keys[i:n.numChild])
	copy(n.children[i+1:n.numChild+1], n.children[i:n.numChild])
	n.keys[i] = b
	n.children[i] = c
	n.numChild++
	return true
}

func (n *node4) removeChild(b byte) {
	for i := 0; i < int(n.numChild); i++ {
		if n.keys[i] == b {
			copy(n.keys[i:], n.keys[i+1:n.numChild])
			copy(n.children[i:], n.children[i+1:n.numChild])
			n.numChild--
			n.children[n.numChild] = nil
			return
		}
	}
}

func (n *node4) isFull() bool { return n.numChild >= 4 }

func (n *node4) getSecondChild(excluding byte) (byte, child, bool) {
	for i := 0; i < int(n.numChild); i++ {
		if n.keys[i] != excluding {
			return n.keys[i], n.children[i], true
		}
	}
	return 0, nil, false
}

func (n *node4) anyChild() child {
	if n.numChild == 0 {
		return nil
	}
	return n.children[0]
}

func (n *node4) childList() []keyedChild {
	out := make([]keyedChild, n.numChild)
	for i := 0; i < int(n.numChild); i++ {
		out[i] = keyedChild{n.keys[i], n.children[i]}
	}
	return out
}

func (n *node4) grow() node {
	g := newNode16(n.prefix[:n.prefixLen])
	for i := 0; i < int(n.numChild); i++ {
		g.addChild(n.keys[i], n.children[i])
	}
	g.hotness = n.hotness
	return g
}

func (n *node4) shrink() (node, bool) { return nil, false } // node4 is the smallest kind

// node16 stores up to 16 children in parallel sorted arrays, searched
// linearly; at this width a binary search would not pay for itself.
type node16 struct {
	header
	keys     [16]byte
	children [16]child
}

func newNode16(prefix []byte) *node16 {
	n := &node16{}
	n.setPrefix(prefix)
	return n
}

func (n *node16) hdr() *header { return &n.header }

func (n *node16) findChild(b byte) *child {
	for i := 0; i < int(n.numChild); i++ {
		if n.keys[i] == b {
			return &n.children[i]
		}
	}
	return nil
}

func (n *node16) addChild(b byte, c child) bool {
	if n.numChild >= 16 {
		return false
	}
	i := 0
	for ; i < int(n.numChild); i++ {
		if b < n.keys[i] {
			break
		}
	}
	copy(n.keys[i+1:n.numChild+1], n.keys[i:n.numChild])
	copy(n.children[i+1:n.numChild+1], n.children[i:n.numChild])
	n.keys[i] = b
	n.children[i] = c
	n.numChild++
	return true
}

func (n *node16) removeChild(b byte) {
	for i := 0; i < int(n.numChild); i++ {
		if n.keys[i] == b {
			copy(n.keys[i:], n.keys[i+1:n.numChild])
			copy(n.children[i:], n.children[i+1:n.numChild])
			n.numChild--
			n.children[n.numChild] = nil
			return
		}
	}
}

func (n *node16) isFull() bool { return n.numChild >= 16 }

func (n *node16) getSecondChild(excluding byte) (byte, child, bool) {
	for i := 0; i < int(n.numChild); i++ {
		if n.keys[i] != excluding {
			return n.keys[i], n.children[i], true
		}
	}
	return 0, nil, false
}

func (n *node16) anyChild() child {
	if n.numChild == 0 {
		return nil
	}
	return n.children[0]
}

func (n *node16) childList() []keyedChild {
	out := make([]keyedChild, n.numChild)
	for i := 0; i < int(n.numChild); i++ {
		out[i] = keyedChild{n.keys[i], n.children[i]}
	}
	return out
}

func (n *node16) grow() node {
	g := newNode48(n.prefix[:n.prefixLen])
	for i := 0; i < int(n.numChild); i++ {
		g.addChild(n.keys[i], n.children[i])
	}
	g.hotness = n.hotness
	return g
}

func (n *node16) shrink() (node, bool) {
	if n.numChild > 4 {
		return nil, false
	}
	s := newNode4(n.prefix[:n.prefixLen])
	for i := 0; i < int(n.numChild); i++ {
		s.addChild(n.keys[i], n.children[i])
	}
	s.hotness = n.hotness
	return s, true
}

// node48 indexes 256 possible key bytes into a 48-slot child array via an
// indirection table, trading 256 bytes of index for O(1) lookup.
type node48 struct {
	header
	index    [256]uint8 // 1-based slot index into children, 0 = absent
	children [48]child
}

func newNode48(prefix []byte) *node48 {
	n := &node48{}
	n.setPrefix(prefix)
	return n
}

func (n *node48) hdr() *header { return &n.header }

func (n *node48) findChild(b byte) *child {
	slot := n.index[b]
	if slot == 0 {
		return nil
	}
	return &n.children[slot-1]
}

func (n *node48) addChild(b byte, c child) bool {
	if n.numChild >= 48 {
		return false
	}
	var slot uint8
	for i := 0; i < 48; i++ {
		if n.children[i] == nil {
			slot = uint8(i + 1)
			break
		}
	}
	n.children[slot-1] = c
	n.index[b] = slot
	n.numChild++
	return true
}

func (n *node48) removeChild(b byte) {
	slot := n.index[b]
	if slot == 0 {
		return
	}
	n.children[slot-1] = nil
	n.index[b] = 0
	n.numChild--
}

func (n *node48) isFull() bool { return n.numChild >= 48 }

func (n *node48) getSecondChild(excluding byte) (byte, child, bool) {
	for b := 0; b < 256; b++ {
		if byte(b) == excluding {
			continue
		}
		if slot := n.index[b]; slot != 0 {
			return byte(b), n.children[slot-1], true
		}
	}
	return 0, nil, false
}

func (n *node48) anyChild() child {
	for i := 0; i < 48; i++ {
		if n.children[i] != nil {
			return n.children[i]
		}
	}
	return nil
}

func (n *node48) childList() []keyedChild {
	out := make([]keyedChild, 0, n.numChild)
	for b := 0; b < 256; b++ {
		if slot := n.index[b]; slot != 0 {
			out = append(out, keyedChild{byte(b), n.children[slot-1]})
		}
	}
	return out
}

func (n *node48) grow() node {
	g := newNode256(n.prefix[:n.prefixLen])
	for b := 0; b < 256; b++ {
		if slot := n.index[b]; slot != 0 {
			g.addChild(byte(b), n.children[slot-1])
		}
	}
	g.hotness = n.hotness
	return g
}

func (n *node48) shrink() (node, bool) {
	if n.numChild > 16 {
		return nil, false
	}
	s := newNode16(n.prefix[:n.prefixLen])
	kids := n.childList() // already sorted ascending by key
	sort.Slice(kids, func(i, j int) bool { return kids[i].key < kids[j].key })
	for _, kc := range kids {
		s.addChild(kc.key, kc.c)
	}
	s.hotness = n.hotness
	return s, true
}

// node256 is a direct 256-entry child array: the widest node kind, used
// once a prefix fans out broadly enough that indirection no longer pays
// for itself. It never needs to grow.
type node256 struct {
	header
	children [256]child
}

func newNode256(prefix []byte) *node256 {
	n := &node256{}
	n.setPrefix(prefix)
	return n
}

func (n *node256) hdr() *header { return &n.header }

func (n *node256) findChild(b byte) *child {
	if n.children[b] == nil {
		return nil
	}
	return &n.children[b]
}

func (n *node256) addChild(b byte, c child) bool {
	if n.children[b] == nil {
		n.numChild++
	}
	n.children[b] = c
	return true
}

func (n *node256) removeChild(b byte) {
	if n.children[b] != nil {
		n.children[b] = nil
		n.numChild--
	}
}

func (n *node256) isFull() bool { return false }

func (n *node256) getSecondChild(excluding byte) (byte, child, bool) {
	for b := 0; b < 256; b++ {
		if byte(b) == excluding {
			continue
		}
		if n.children[b] != nil {
			return byte(b), n.children[b], true
		}
	}
	return 0, nil, false
}

func (n *node256) anyChild() child {
	for b := 0; b < 256; b++ {
		if n.children[b] != nil {
			return n.children[b]
		}
	}
	return nil
}

func (n *node256) childList() []keyedChild {
	out := make([]keyedChild, 0, n.numChild)
	for b := 0; b < 256; b++ {
		if n.children[b] != nil {
			out = append(out, keyedChild{byte(b), n.children[b]})
		}
	}
	return out
}

func (n *node256) grow() node { return n } // already the widest kind

func (n *node256) shrink() (node, bool) {
	if n.numChild > 48 {
		return nil, false
	}
	s := newNode48(n.prefix[:n.prefixLen])
	for b := 0; b < 256; b++ {
		if n.children[b] != nil {
			s.addChild(byte(b), n.children[b])
		}
	}
	s.hotness = n.hotness
	return s, true
}

func isLeaf(c child) (*leaf, bool) {
	l, ok := c.(*leaf)
	return l, ok
}
