// Package numa provides the NUMA-placement collaborator the index and
// queue-node pool depend on. Go has no portable syscall wrapper for NUMA
// page placement, so this implements a logical placement abstraction: it
// tracks "node" buckets keyed off runtime.NumCPU() and hands out
// plain heap buffers, good enough to exercise the interleaved / per-socket
// placement policies without requiring cgo or libnuma.
package numa

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Allocator hands out buffers with NUMA placement hints. The Logical
// implementation's buffers are plain heap slices and are not page-aligned.
type Allocator interface {
	AllocOnNode(bytes int, nodeID int) ([]byte, error)
	AllocInterleaved(bytes int) ([]byte, error)
	NodeOfCPU(cpu int) int
	MaxNode() int
}

// Logical implements Allocator without any real hardware topology: it
// partitions the logical CPUs into a small number of "sockets" and keeps a
// round-robin cursor for interleaved allocation.
type Logical struct {
	numNodes    int
	cpusPerNode int
	interleave  uint64 // atomically incremented allocation cursor
}

// New creates a Logical allocator. socketCount defaults to 1 if <= 0 (single
// NUMA domain, the common case for development machines and CI).
func New(socketCount int) *Logical {
	if socketCount <= 0 {
		socketCount = 1
	}
	cpus := runtime.NumCPU()
	cpusPerNode := cpus / socketCount
	if cpusPerNode == 0 {
		cpusPerNode = 1
	}
	return &Logical{numNodes: socketCount, cpusPerNode: cpusPerNode}
}

// AllocOnNode returns a zeroed buffer "placed" on the given logical node.
// There being no real NUMA control available in pure Go, placement is
// bookkeeping only; the buffer is ordinary heap memory.
func (a *Logical) AllocOnNode(bytes int, nodeID int) ([]byte, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("numa: negative size %d", bytes)
	}
	if nodeID < 0 || nodeID >= a.numNodes {
		return nil, fmt.Errorf("numa: node %d out of range [0,%d)", nodeID, a.numNodes)
	}
	return make([]byte, bytes), nil
}

// AllocInterleaved advances the round-robin cursor by one and returns a
// single contiguous zeroed heap buffer. The request is not split across
// nodes, and nothing else reads the cursor.
func (a *Logical) AllocInterleaved(bytes int) ([]byte, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("numa: negative size %d", bytes)
	}
	atomic.AddUint64(&a.interleave, 1)
	return make([]byte, bytes), nil
}

// NodeOfCPU maps a logical CPU id to its NUMA node bucket.
func (a *Logical) NodeOfCPU(cpu int) int {
	if cpu < 0 {
		cpu = 0
	}
	node := cpu / a.cpusPerNode
	if node >= a.numNodes {
		node = a.numNodes - 1
	}
	return node
}

// MaxNode returns the highest valid node id.
func (a *Logical) MaxNode() int {
	return a.numNodes - 1
}
