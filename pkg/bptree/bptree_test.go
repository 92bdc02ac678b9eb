package bptree

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/ssargent/concurrent-index/internal/numa"
	"github.com/ssargent/concurrent-index/pkg/qnode"
)

var allStrategies = []Strategy{StrategyOptimistic, StrategyHybrid, StrategyOMCS, StrategyPessimistic}

func strategyName(s Strategy) string {
	switch s {
	case StrategyOptimistic:
		return "Optimistic"
	case StrategyHybrid:
		return "Hybrid"
	case StrategyOMCS:
		return "OMCS"
	default:
		return "Pessimistic"
	}
}

func newTestTree(strategy Strategy, order int) *BPlusTree {
	var pool *qnode.Pool
	if strategy == StrategyHybrid || strategy == StrategyOMCS {
		pool = qnode.New(qnode.PlacementInterleaved, 1<<14, numa.New(1))
	}
	return NewBPlusTree(order, strategy, pool)
}

func TestNewBPlusTree(t *testing.T) {
	for _, strategy := range allStrategies {
		tree := newTestTree(strategy, 3)
		if tree.order != 3 {
			t.Fatalf("%s: expected order 3, got %d", strategyName(strategy), tree.order)
		}
		if tree.Height() != 1 {
			t.Fatalf("%s: expected height 1, got %d", strategyName(strategy), tree.Height())
		}
	}
}

func TestOrderForPageSize(t *testing.T) {
	order := OrderForPageSize(4096, 16)
	if order < 3 {
		t.Fatalf("a 4K page should hold more than a minimal node, got order %d", order)
	}
	if got := OrderForPageSize(64, 16); got != DefaultOrder {
		t.Fatalf("a page too small for a real node must fall back to DefaultOrder, got %d", got)
	}
}

func TestRootLeafOperations(t *testing.T) {
	// every operation against a tree whose root is still a leaf
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 8)
			s := tree.NewSession()
			if !tree.Insert(s, []byte("a"), 1) {
				t.Fatal("insert into empty tree must succeed")
			}
			if v, found := tree.Search(s, []byte("a")); !found || v != 1 {
				t.Fatalf("expected a=1, got %d found=%v", v, found)
			}
			if !tree.Update(s, []byte("a"), 2) {
				t.Fatal("update of present key must succeed")
			}
			if !tree.Delete(s, []byte("a")) {
				t.Fatal("delete of present key must succeed")
			}
			if _, found := tree.Search(s, []byte("a")); found {
				t.Fatal("key should be gone")
			}
			if got := tree.Scan(s, nil, nil, 0); len(got) != 0 {
				t.Fatalf("scan of empty tree yielded %d results", len(got))
			}
		})
	}
}

func TestInsertAndSearch(t *testing.T) {
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 3)
			s := tree.NewSession()

			tree.Insert(s, []byte("key1"), 100)
			tree.Insert(s, []byte("key2"), 200)

			if v, found := tree.Search(s, []byte("key1")); !found || v != 100 {
				t.Fatalf("expected key1=100, got %d found=%v", v, found)
			}
			if v, found := tree.Search(s, []byte("key2")); !found || v != 200 {
				t.Fatalf("expected key2=200, got %d found=%v", v, found)
			}
			if _, found := tree.Search(s, []byte("key3")); found {
				t.Fatal("expected key3 to be absent")
			}
		})
	}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 3)
			s := tree.NewSession()
			if !tree.Insert(s, []byte("k"), 1) {
				t.Fatal("first insert must succeed")
			}
			if tree.Insert(s, []byte("k"), 2) {
				t.Fatal("duplicate insert must be rejected")
			}
			if v, found := tree.Search(s, []byte("k")); !found || v != 1 {
				t.Fatalf("duplicate insert must not change the value, got %d found=%v", v, found)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 3)
			s := tree.NewSession()
			if tree.Update(s, []byte("k"), 1) {
				t.Fatal("update of an absent key must return false")
			}
			tree.Insert(s, []byte("k"), 1)
			if !tree.Update(s, []byte("k"), 2) {
				t.Fatal("update of a present key must return true")
			}
			if v, _ := tree.Search(s, []byte("k")); v != 2 {
				t.Fatalf("expected updated value 2, got %d", v)
			}
		})
	}
}

func TestSplitLeaf(t *testing.T) {
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 3)
			s := tree.NewSession()
			keys := [][]byte{[]byte("key1"), []byte("key2"), []byte("key3"), []byte("key4")}
			for i, k := range keys {
				tree.Insert(s, k, uint64(i))
			}
			if tree.Height() < 2 {
				t.Fatalf("expected tree height to grow past 1 after %d inserts at order 3, got %d", len(keys), tree.Height())
			}
			for i, k := range keys {
				if v, found := tree.Search(s, k); !found || v != uint64(i) {
					t.Fatalf("expected %s=%d, got %d found=%v", k, i, v, found)
				}
			}
		})
	}
}

func TestSplitInternalNode(t *testing.T) {
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 3)
			s := tree.NewSession()
			const n = 50
			for i := 0; i < n; i++ {
				tree.Insert(s, []byte(fmt.Sprintf("key%03d", i)), uint64(i))
			}
			if tree.Height() < 3 {
				t.Fatalf("expected at least 3 levels after %d inserts at order 3, got %d", n, tree.Height())
			}
			for i := 0; i < n; i++ {
				key := []byte(fmt.Sprintf("key%03d", i))
				if v, found := tree.Search(s, key); !found || v != uint64(i) {
					t.Fatalf("expected %s=%d, got %d found=%v", key, i, v, found)
				}
			}
		})
	}
}

func TestSplitCascadeRandomOrder(t *testing.T) {
	// small order forces a deep cascade of splits; inserting in random
	// order exercises splits at every position, not only the rightmost edge
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 4)
			s := tree.NewSession()
			const n = 2000
			perm := rand.New(rand.NewSource(7)).Perm(n)
			for _, i := range perm {
				if !tree.Insert(s, []byte(fmt.Sprintf("key%05d", i)), uint64(i)) {
					t.Fatalf("insert key%05d reported duplicate", i)
				}
			}
			for i := 0; i < n; i++ {
				key := []byte(fmt.Sprintf("key%05d", i))
				if v, found := tree.Search(s, key); !found || v != uint64(i) {
					t.Fatalf("expected %s=%d, got %d found=%v", key, i, v, found)
				}
			}

			for i := 1; i < n; i += 2 {
				if !tree.Delete(s, []byte(fmt.Sprintf("key%05d", i))) {
					t.Fatalf("delete of key%05d failed", i)
				}
			}
			results := tree.Scan(s, nil, nil, 0)
			if len(results) != n/2 {
				t.Fatalf("expected %d even keys after removing odds, got %d", n/2, len(results))
			}
			for i, kv := range results {
				want := fmt.Sprintf("key%05d", i*2)
				if string(kv.Key) != want {
					t.Fatalf("position %d: expected %s, got %s", i, want, kv.Key)
				}
			}
		})
	}
}

func TestDelete(t *testing.T) {
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 3)
			s := tree.NewSession()
			tree.Insert(s, []byte("key1"), 1)

			if _, found := tree.Search(s, []byte("key1")); !found {
				t.Fatal("key should be found after insert")
			}
			if !tree.Delete(s, []byte("key1")) {
				t.Fatal("delete should return true for an existing key")
			}
			if _, found := tree.Search(s, []byte("key1")); found {
				t.Fatal("key should not be found after delete")
			}
			if tree.Delete(s, []byte("key1")) {
				t.Fatal("delete should return false for a non-existing key")
			}
		})
	}
}

func TestScanOrdered(t *testing.T) {
	tree := newTestTree(StrategyOptimistic, 4)
	s := tree.NewSession()
	for i := 0; i < 30; i++ {
		tree.Insert(s, []byte(fmt.Sprintf("k%02d", i)), uint64(i))
	}
	results := tree.Scan(s, []byte("k05"), []byte("k15"), 0)
	if len(results) != 11 {
		t.Fatalf("expected 11 keys in [k05,k15], got %d", len(results))
	}
	for i, kv := range results {
		want := []byte(fmt.Sprintf("k%02d", i+5))
		if string(kv.Key) != string(want) {
			t.Fatalf("out of order: position %d expected %s got %s", i, want, kv.Key)
		}
	}
}

func TestScanLimitAndLeafBoundary(t *testing.T) {
	// order 3 keeps leaves tiny, so any scan of a handful of keys is
	// guaranteed to cross at least one leaf boundary
	tree := newTestTree(StrategyOptimistic, 3)
	s := tree.NewSession()
	for i := 0; i < 40; i++ {
		tree.Insert(s, []byte(fmt.Sprintf("k%02d", i)), uint64(i))
	}
	results := tree.Scan(s, []byte("k10"), nil, 7)
	if len(results) != 7 {
		t.Fatalf("expected limit to cap results at 7, got %d", len(results))
	}
	for i, kv := range results {
		want := fmt.Sprintf("k%02d", i+10)
		if string(kv.Key) != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, kv.Key)
		}
	}
}

func TestConcurrentInsertSearch(t *testing.T) {
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 4)
			var wg sync.WaitGroup
			const goroutines, perGoroutine = 8, 100

			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					s := tree.NewSession()
					for j := 0; j < perGoroutine; j++ {
						key := []byte(fmt.Sprintf("key%d_%d", id, j))
						tree.Insert(s, key, uint64(id*perGoroutine+j))
					}
				}(g)
			}
			wg.Wait()

			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					s := tree.NewSession()
					for j := 0; j < perGoroutine; j++ {
						key := []byte(fmt.Sprintf("key%d_%d", id, j))
						want := uint64(id*perGoroutine + j)
						if v, found := tree.Search(s, key); !found || v != want {
							t.Errorf("%s: expected %s=%d, got %d found=%v", strategyName(strategy), key, want, v, found)
						}
					}
				}(g)
			}
			wg.Wait()
		})
	}
}

func TestConcurrentInsertDelete(t *testing.T) {
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 4)
			var wg sync.WaitGroup
			const goroutines, perGoroutine = 8, 50

			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					s := tree.NewSession()
					for j := 0; j < perGoroutine; j++ {
						key := []byte(fmt.Sprintf("key%d_%d", id, j))
						tree.Insert(s, key, uint64(j))
					}
				}(g)
			}
			wg.Wait()

			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					s := tree.NewSession()
					for j := 0; j < perGoroutine; j++ {
						key := []byte(fmt.Sprintf("key%d_%d", id, j))
						if !tree.Delete(s, key) {
							t.Errorf("%s: failed to delete %s", strategyName(strategy), key)
						}
					}
				}(g)
			}
			wg.Wait()

			s := tree.NewSession()
			for g := 0; g < goroutines; g++ {
				for j := 0; j < perGoroutine; j++ {
					key := []byte(fmt.Sprintf("key%d_%d", g, j))
					if _, found := tree.Search(s, key); found {
						t.Errorf("%s: %s should have been deleted", strategyName(strategy), key)
					}
				}
			}
		})
	}
}

func TestConcurrentMixedWorkload(t *testing.T) {
	// 80% lookup / 10% insert / 10% remove against one shared tree, then a
	// final scan checked against a reference set built from the reported
	// operation outcomes
	for _, strategy := range allStrategies {
		t.Run(strategyName(strategy), func(t *testing.T) {
			tree := newTestTree(strategy, 8)
			const workers = 8
			const opsPerWorker = 500
			const domain = 2000

			inserted := make([]map[int]bool, workers)
			removed := make([]map[int]bool, workers)
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				inserted[w] = make(map[int]bool)
				removed[w] = make(map[int]bool)
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					s := tree.NewSession()
					r := rand.New(rand.NewSource(int64(w)))
					for i := 0; i < opsPerWorker; i++ {
						// each worker owns a disjoint key slice so success
						// bookkeeping stays exact without cross-worker races
						k := w*domain + r.Intn(domain)
						key := []byte(fmt.Sprintf("key%07d", k))
						switch op := r.Intn(10); {
						case op < 8:
							tree.Search(s, key)
						case op == 8:
							if tree.Insert(s, key, uint64(k)) {
								inserted[w][k] = true
								delete(removed[w], k)
							}
						default:
							if tree.Delete(s, key) {
								removed[w][k] = true
								delete(inserted[w], k)
							}
						}
					}
				}(w)
			}
			wg.Wait()

			live := make(map[string]bool)
			for w := 0; w < workers; w++ {
				for k := range inserted[w] {
					live[fmt.Sprintf("key%07d", k)] = true
				}
			}
			s := tree.NewSession()
			results := tree.Scan(s, nil, nil, 0)
			if len(results) != len(live) {
				t.Fatalf("final cardinality mismatch: scan found %d, reference has %d", len(results), len(live))
			}
			for _, kv := range results {
				if !live[string(kv.Key)] {
					t.Fatalf("scan yielded %s which the reference set does not contain", kv.Key)
				}
			}
		})
	}
}

func BenchmarkInsertOptimistic(b *testing.B) {
	tree := newTestTree(StrategyOptimistic, 64)
	s := tree.NewSession()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree.Insert(s, []byte(fmt.Sprintf("key%d", i)), uint64(i))
	}
}

func BenchmarkSearchOptimistic(b *testing.B) {
	tree := newTestTree(StrategyOptimistic, 64)
	s := tree.NewSession()
	for i := 0; i < 1000; i++ {
		tree.Insert(s, []byte(fmt.Sprintf("key%d", i)), uint64(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree.Search(s, []byte(fmt.Sprintf("key%d", i%1000)))
	}
}
