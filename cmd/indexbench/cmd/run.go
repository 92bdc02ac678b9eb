package cmd

import (
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
	"github.com/ssargent/concurrent-index/pkg/index"
	"github.com/ssargent/concurrent-index/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bulk-load / point-lookup / range-scan / concurrent-mixed scenario suite",
	Long: `Runs the end-to-end scenario suite: bulk load N keys, verify every key
with a point lookup, scan an ordered range, then hammer the index with
concurrent inserts/updates/removes/lookups from multiple goroutines while
recording Prometheus metrics.

Example:
  indexbench run --backend bptree --strategy B --keys 100000 --workers 16`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, _ := cmd.Flags().GetString("backend")
		strategyOverride, _ := cmd.Flags().GetString("strategy")
		numKeys, _ := cmd.Flags().GetInt("keys")
		workers, _ := cmd.Flags().GetInt("workers")

		cfg := loadedConfig
		if strategyOverride != "" {
			cfg.BTree.Strategy = strategyOverride
		}

		backendKind := index.BackendBPlusTree
		if backend == "art" {
			backendKind = index.BackendART
		}

		ix := index.New(backendKind, cfg, 0)
		m := metrics.NewMetrics()

		items := make([]index.KV, numKeys)
		for i := range items {
			items[i] = index.KV{Key: []byte(fmt.Sprintf("bench-%010d", i)), Value: uint64(i)}
		}

		s := ix.ThreadSetup()
		s.Enter()
		start := time.Now()
		if !ix.BulkLoad(s, items) {
			s.Leave()
			return fmt.Errorf("bulk load hit a duplicate key")
		}
		bulkLoadDuration := time.Since(start)
		m.RecordOp("bulk_load", true, bulkLoadDuration)
		cmd.Printf("bulk loaded %d keys in %s\n", numKeys, bulkLoadDuration)

		missing := 0
		start = time.Now()
		for i := range items {
			if _, found := ix.Find(s, items[i].Key); !found {
				missing++
			}
		}
		lookupDuration := time.Since(start)
		m.RecordOp("verify_lookup", missing == 0, lookupDuration)
		cmd.Printf("verified %d keys (%d missing) in %s\n", numKeys, missing, lookupDuration)

		if numKeys >= 20 {
			lo, hi := items[numKeys/4].Key, items[numKeys/4+10].Key
			scanStart := time.Now()
			results := ix.ScanRange(s, lo, hi)
			m.RecordOp("scan", true, time.Since(scanStart))
			cmd.Printf("scanned %d keys in range [%s, %s]\n", len(results), lo, hi)
		}
		s.Leave()

		cmd.Printf("running %d concurrent mixed workers...\n", workers)
		var wg sync.WaitGroup
		start = time.Now()
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ws := ix.ThreadSetup()
				ws.Enter()
				defer ws.Leave()
				for j := 0; j < 200; j++ {
					// ksuid keys give each worker collision-free random
					// 20-byte keys without any cross-worker coordination
					key := ksuid.New().Bytes()
					opStart := time.Now()
					ok := ix.Insert(ws, key, uint64(j))
					m.RecordOp("insert", ok, time.Since(opStart))

					if _, found := ix.Find(ws, key); !found {
						m.RecordOp("find", false, 0)
					}
					ix.Update(ws, key, uint64(j+1))
					ix.Remove(ws, key)
				}
			}()
		}
		wg.Wait()
		cmd.Printf("concurrent workload finished in %s\n", time.Since(start))

		backendName := "bptree"
		if backendKind == index.BackendART {
			backendName = "art"
		}
		m.AddRestarts(backendName, float64(ix.Restarts()))
		m.AddPoolExhausted(float64(ix.PoolExhausted()))
		m.SetTreeHeight(backendName, ix.Height())
		cmd.Printf("optimistic restarts: %d, pool exhaustions: %d, final count: %d\n",
			ix.Restarts(), ix.PoolExhausted(), ix.Count())

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Int("keys", 10000, "Number of keys to bulk load")
	runCmd.Flags().Int("workers", 8, "Number of concurrent goroutines in the mixed workload phase")
}
