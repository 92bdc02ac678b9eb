package cmd

import (
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/ssargent/concurrent-index/internal/numa"
	"github.com/ssargent/concurrent-index/pkg/config"
	"github.com/ssargent/concurrent-index/pkg/latch"
	"github.com/ssargent/concurrent-index/pkg/metrics"
	"github.com/ssargent/concurrent-index/pkg/qnode"
)

// latchesCmd is a microbenchmark over the raw latch flavors, separate from
// the index-level run command: every worker repeatedly acquires and
// releases one shared latch with an empty critical section, so the measured
// cost is contention handling and nothing else.
var latchesCmd = &cobra.Command{
	Use:   "latches",
	Short: "Microbenchmark the latch flavors (tatas, mutex, centralized-rw, omcs, mcsrw)",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		iters, _ := cmd.Flags().GetInt("iters")

		cfg := loadedConfig
		m := metrics.NewMetrics()
		pool := qnode.New(qnode.PlacementInterleaved, cfg.QNode.PoolSize, numa.New(0))

		type flavor struct {
			name string
			run  func() time.Duration
		}
		flavors := []flavor{
			{"tatas", func() time.Duration {
				l := tatasFromConfig(cfg)
				return drive(workers, iters, func(*qnode.Slab) {
					l.Lock()
					l.Unlock()
				}, pool)
			}},
			{"mutex", func() time.Duration {
				l := latch.NewMutex()
				return drive(workers, iters, func(*qnode.Slab) {
					l.Lock()
					l.Unlock()
				}, pool)
			}},
			{"centralized-rw-readpref", func() time.Duration {
				l := latch.NewCentralizedRW(latch.PreferReaders)
				return drive(workers, iters, func(*qnode.Slab) {
					l.WLock()
					l.WUnlock()
				}, pool)
			}},
			{"centralized-rw-writepref", func() time.Duration {
				l := latch.NewCentralizedRW(latch.PreferWriters)
				return drive(workers, iters, func(*qnode.Slab) {
					l.WLock()
					l.WUnlock()
				}, pool)
			}},
			{"omcs", func() time.Duration {
				l := latch.NewOMCS(pool)
				return drive(workers, iters, func(slab *qnode.Slab) {
					h, err := l.Lock(slab)
					if err != nil {
						return
					}
					l.Unlock(slab, h)
				}, pool)
			}},
			{"mcsrw", func() time.Duration {
				l := latch.NewMCSRW(pool)
				return drive(workers, iters, func(slab *qnode.Slab) {
					h, err := l.WLock(slab)
					if err != nil {
						return
					}
					l.WUnlock(slab, h)
				}, pool)
			}},
		}

		for _, f := range flavors {
			elapsed := f.run()
			m.RecordLatchAcquire(f.name, elapsed/time.Duration(workers*iters))
			cmd.Printf("%-26s %d workers x %d iters: %s (%.0f acq/s)\n",
				f.name, workers, iters, elapsed,
				float64(workers*iters)/elapsed.Seconds())
		}
		m.AddPoolExhausted(float64(pool.ExhaustedCount()))
		return nil
	},
}

func tatasFromConfig(cfg *config.Config) *latch.TATAS {
	var policy latch.Backoff
	switch cfg.Backoff.Policy {
	case "fixed":
		policy = latch.BackoffFixed
	case "exponential":
		policy = latch.BackoffExponential
	default:
		policy = latch.BackoffNone
	}
	return latch.NewTATASPolicy(policy,
		time.Duration(cfg.Backoff.BaseMicros)*time.Microsecond,
		time.Duration(cfg.Backoff.CapMicros)*time.Microsecond,
		cfg.Backoff.Multiplier)
}

// drive fans out workers, each performing iters acquire/release rounds,
// and returns the wall-clock time for the whole fan-out.
func drive(workers, iters int, op func(*qnode.Slab), pool *qnode.Pool) time.Duration {
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slab := pool.ThreadSetup()
			for i := 0; i < iters; i++ {
				op(slab)
			}
		}()
	}
	wg.Wait()
	return time.Since(start)
}

func init() {
	rootCmd.AddCommand(latchesCmd)
	latchesCmd.Flags().Int("workers", 8, "Concurrent goroutines per latch flavor")
	latchesCmd.Flags().Int("iters", 100000, "Acquire/release rounds per worker")
}
