package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/ssargent/concurrent-index/pkg/config"
)

func newTestIndex(backend Backend, strategy string) *Index {
	cfg := config.DefaultConfig()
	cfg.BTree.Strategy = strategy
	cfg.BTree.Order = 8
	cfg.QNode.PoolSize = 1 << 12
	return New(backend, cfg, 2)
}

var allIndexes = []struct {
	name    string
	backend Backend
	btStrat string
}{
	{"bptree-optimistic", BackendBPlusTree, "optimistic"},
	{"bptree-hybrid", BackendBPlusTree, "hybrid"},
	{"bptree-omcs", BackendBPlusTree, "omcs"},
	{"bptree-pessimistic", BackendBPlusTree, "pessimistic"},
	{"art", BackendART, ""},
}

func TestInsertFindRemove(t *testing.T) {
	for _, tc := range allIndexes {
		t.Run(tc.name, func(t *testing.T) {
			ix := newTestIndex(tc.backend, tc.btStrat)
			s := ix.ThreadSetup()
			s.Enter()
			defer s.Leave()

			if !ix.Insert(s, []byte("k1"), 1) {
				t.Fatal("insert of a fresh key must succeed")
			}
			if !ix.Insert(s, []byte("k2"), 2) {
				t.Fatal("insert of a fresh key must succeed")
			}
			if ix.Insert(s, []byte("k1"), 99) {
				t.Fatal("insert of a duplicate key must fail")
			}

			if v, found := ix.Find(s, []byte("k1")); !found || v != 1 {
				t.Fatalf("expected k1=1, got %d found=%v", v, found)
			}
			if !ix.Remove(s, []byte("k1")) {
				t.Fatal("expected remove of k1 to succeed")
			}
			if ix.Remove(s, []byte("k1")) {
				t.Fatal("second remove of k1 must fail")
			}
			if _, found := ix.Find(s, []byte("k1")); found {
				t.Fatal("k1 should be gone after remove")
			}
			if ix.Count() != 1 {
				t.Fatalf("expected count 1, got %d", ix.Count())
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	for _, tc := range allIndexes {
		t.Run(tc.name, func(t *testing.T) {
			ix := newTestIndex(tc.backend, tc.btStrat)
			s := ix.ThreadSetup()
			s.Enter()
			defer s.Leave()

			if ix.Update(s, []byte("missing"), 9) {
				t.Fatal("update of an absent key must return false")
			}
			ix.Insert(s, []byte("k"), 1)
			if !ix.Update(s, []byte("k"), 2) {
				t.Fatal("update of a present key must return true")
			}
			if v, _ := ix.Find(s, []byte("k")); v != 2 {
				t.Fatalf("expected updated value 2, got %d", v)
			}
		})
	}
}

func TestKeyValidation(t *testing.T) {
	ix := newTestIndex(BackendBPlusTree, "optimistic")
	s := ix.ThreadSetup()

	if ix.Insert(s, nil, 1) {
		t.Fatal("empty key must be rejected")
	}
	oversized := make([]byte, MaxKeyLen+1)
	if ix.Insert(s, oversized, 1) {
		t.Fatal("oversized key must be rejected")
	}
	if _, found := ix.Find(s, oversized); found {
		t.Fatal("oversized key must miss, not crash")
	}
	if ix.Count() != 0 {
		t.Fatalf("rejected inserts must not change the count, got %d", ix.Count())
	}
}

func TestBulkLoadAndScanRange(t *testing.T) {
	for _, tc := range allIndexes {
		t.Run(tc.name, func(t *testing.T) {
			ix := newTestIndex(tc.backend, tc.btStrat)
			s := ix.ThreadSetup()
			s.Enter()
			defer s.Leave()

			items := make([]KV, 20)
			for i := range items {
				items[i] = KV{Key: []byte(fmt.Sprintf("k%02d", i)), Value: uint64(i)}
			}
			if !ix.BulkLoad(s, items) {
				t.Fatal("bulk load of fresh keys must succeed")
			}

			results := ix.ScanRange(s, []byte("k05"), []byte("k10"))
			if len(results) != 6 {
				t.Fatalf("expected 6 keys in [k05,k10], got %d", len(results))
			}
		})
	}
}

func TestBulkLoadRejectsDuplicate(t *testing.T) {
	ix := newTestIndex(BackendBPlusTree, "optimistic")
	s := ix.ThreadSetup()
	items := []KV{
		{Key: []byte("a"), Value: 1},
		{Key: []byte("b"), Value: 2},
		{Key: []byte("a"), Value: 3},
	}
	if ix.BulkLoad(s, items) {
		t.Fatal("bulk load containing a duplicate must return false")
	}
}

func TestBulkLoadPacked(t *testing.T) {
	for _, tc := range allIndexes {
		t.Run(tc.name, func(t *testing.T) {
			ix := newTestIndex(tc.backend, tc.btStrat)
			s := ix.ThreadSetup()
			s.Enter()
			defer s.Leave()

			const n, keySize, valSize = 32, 8, 8
			records := make([]byte, n*(keySize+valSize))
			for i := 0; i < n; i++ {
				rec := records[i*(keySize+valSize):]
				binary.BigEndian.PutUint64(rec[:keySize], uint64(i+1))
				binary.BigEndian.PutUint64(rec[keySize:keySize+valSize], uint64(i+1))
			}
			if !ix.BulkLoadPacked(s, records, n, keySize, valSize) {
				t.Fatal("packed bulk load must succeed")
			}
			for i := 0; i < n; i++ {
				var key [8]byte
				binary.BigEndian.PutUint64(key[:], uint64(i+1))
				if v, found := ix.Find(s, key[:]); !found || v != uint64(i+1) {
					t.Fatalf("record %d: got (%d,%v)", i+1, v, found)
				}
			}
		})
	}
}

func TestScanPagination(t *testing.T) {
	for _, tc := range allIndexes {
		t.Run(tc.name, func(t *testing.T) {
			ix := newTestIndex(tc.backend, tc.btStrat)
			s := ix.ThreadSetup()
			s.Enter()
			defer s.Leave()

			const n = 45
			for i := 0; i < n; i++ {
				ix.Insert(s, []byte(fmt.Sprintf("k%03d", i)), uint64(i))
			}

			var all []KV
			start := []byte("k000")
			for {
				page, cont := ix.Scan(s, start, 10)
				all = append(all, page...)
				if cont == nil {
					break
				}
				start = cont
			}
			if len(all) != n {
				t.Fatalf("expected %d results across pages, got %d", n, len(all))
			}
			for i := 1; i < len(all); i++ {
				if bytes.Compare(all[i-1].Key, all[i].Key) >= 0 {
					t.Fatalf("results out of order at %d: %s >= %s", i, all[i-1].Key, all[i].Key)
				}
			}
		})
	}
}

func TestConcurrentInsertFind(t *testing.T) {
	for _, tc := range allIndexes {
		t.Run(tc.name, func(t *testing.T) {
			ix := newTestIndex(tc.backend, tc.btStrat)
			var wg sync.WaitGroup
			const goroutines, perGoroutine = 6, 50

			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					s := ix.ThreadSetup()
					s.Enter()
					defer s.Leave()
					for j := 0; j < perGoroutine; j++ {
						key := []byte(fmt.Sprintf("g%d_%03d", id, j))
						ix.Insert(s, key, uint64(id*perGoroutine+j))
					}
				}(g)
			}
			wg.Wait()

			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					s := ix.ThreadSetup()
					s.Enter()
					defer s.Leave()
					for j := 0; j < perGoroutine; j++ {
						key := []byte(fmt.Sprintf("g%d_%03d", id, j))
						want := uint64(id*perGoroutine + j)
						if v, found := ix.Find(s, key); !found || v != want {
							t.Errorf("%s: expected %s=%d, got %d found=%v", tc.name, key, want, v, found)
						}
					}
				}(g)
			}
			wg.Wait()

			if ix.Count() != goroutines*perGoroutine {
				t.Errorf("%s: expected count %d, got %d", tc.name, goroutines*perGoroutine, ix.Count())
			}
		})
	}
}
