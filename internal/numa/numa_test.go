package numa

import (
	"sync/atomic"
	"testing"
)

func TestAllocOnNode(t *testing.T) {
	a := New(4)
	buf, err := a.AllocOnNode(256, 1)
	if err != nil {
		t.Fatalf("AllocOnNode: %v", err)
	}
	if len(buf) != 256 {
		t.Fatalf("expected 256 bytes, got %d", len(buf))
	}
}

func TestAllocInterleavedRoundRobins(t *testing.T) {
	a := New(4)
	for i := 0; i < 8; i++ {
		if _, err := a.AllocInterleaved(64); err != nil {
			t.Fatalf("AllocInterleaved: %v", err)
		}
	}
	if got := atomic.LoadUint64(&a.interleave); got != 8 {
		t.Fatalf("expected the round-robin cursor to advance once per allocation (8), got %d", got)
	}
	if a.MaxNode() != 3 {
		t.Fatalf("expected MaxNode() 3 for a 4-socket allocator, got %d", a.MaxNode())
	}
}

func TestNodeOfCPU(t *testing.T) {
	a := New(2)
	node0 := a.NodeOfCPU(0)
	if node0 < 0 || node0 > a.MaxNode() {
		t.Fatalf("NodeOfCPU returned out-of-range node %d", node0)
	}
}
