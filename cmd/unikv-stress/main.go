// unikv-stress drives an engine with randomized transactional load and
// verifies durability claims after the fact. `run` emits a ticket line for
// every durably committed transaction; `verify` reopens the data directory
// and checks that every ticketed write is present, which makes the pair
// usable for crash testing (kill the run, then verify).
package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/shirou/gopsutil/mem"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/unikv/unikv/kv/config"
	"github.com/unikv/unikv/kv/engine"
	"github.com/unikv/unikv/log"
)

var (
	dbPath      string
	volumeName  string
	treeName    string
	workers     int
	keysPerW    int
	duration    time.Duration
	txnPerSec   float64
	ticketsPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "unikv-stress",
		Short:        "stress and durability checking tool",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "path", "/tmp/unikv-stress", "data directory")
	rootCmd.PersistentFlags().StringVar(&volumeName, "volume", "stress", "volume name")
	rootCmd.PersistentFlags().StringVar(&treeName, "tree", "counters", "tree name")
	rootCmd.PersistentFlags().StringVar(&ticketsPath, "tickets", "tickets.log", "ticket file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "apply randomized transactional load",
		RunE:  func(*cobra.Command, []string) error { return runLoad() },
	}
	runCmd.Flags().IntVar(&workers, "workers", 8, "concurrent writer goroutines")
	runCmd.Flags().IntVar(&keysPerW, "keys", 64, "keys per worker")
	runCmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to run")
	runCmd.Flags().Float64Var(&txnPerSec, "rate", 0, "transaction rate limit, 0 = unlimited")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "check ticketed writes against the reopened engine",
		RunE:  func(*cobra.Command, []string) error { return verifyTickets() },
	}

	rootCmd.AddCommand(runCmd, verifyCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ticket is one durably committed write: sequence, worker, key index and the
// counter value the key now holds.
func ticketLine(seq uint64, worker, key int, value int64) string {
	return fmt.Sprintf("%d %d %d %d\n", seq, worker, key, value)
}

func runLoad() error {
	conf := config.NewDefaultConfig()
	conf.DBPath = dbPath
	db, err := engine.Open(conf)
	if err != nil {
		return err
	}
	defer db.Close()

	tickets, err := os.OpenFile(ticketsPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer tickets.Close()
	var ticketMu sync.Mutex
	ticketW := bufio.NewWriter(tickets)

	var limiter *rate.Limiter
	if txnPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(txnPerSec), workers)
	}

	var (
		seq       atomic.Uint64
		committed atomic.Uint64
		latMu     sync.Mutex
		latencies []float64
	)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ex, err := db.GetExchange(volumeName, treeName, true)
			if err != nil {
				log.Errorf("worker %d: %v", worker, err)
				return
			}
			rng := rand.New(rand.NewSource(int64(worker)*7919 + time.Now().UnixNano()))
			for ctx.Err() == nil {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return
					}
				}
				key := rng.Intn(keysPerW)
				start := time.Now()
				value, err := bumpCounter(db, ex, worker, key)
				if err != nil {
					log.Errorf("worker %d key %d: %v", worker, key, err)
					return
				}
				latMu.Lock()
				latencies = append(latencies, float64(time.Since(start).Microseconds()))
				latMu.Unlock()
				committed.Inc()

				// The commit above was durable; the ticket may now promise it.
				line := ticketLine(seq.Inc(), worker, key, value)
				ticketMu.Lock()
				ticketW.WriteString(line)
				ticketW.Flush()
				ticketMu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	latMu.Lock()
	defer latMu.Unlock()
	if len(latencies) > 0 {
		p50, _ := stats.Percentile(latencies, 50)
		p99, _ := stats.Percentile(latencies, 99)
		mean, _ := stats.Mean(latencies)
		fmt.Printf("committed %d txns in %s\n", committed.Load(), duration)
		fmt.Printf("latency us: mean %.0f p50 %.0f p99 %.0f\n", mean, p50, p99)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Printf("host memory: %.1f%% used of %d MB\n",
			vm.UsedPercent, vm.Total/1024/1024)
	}
	return nil
}

// bumpCounter increments one worker-owned counter in its own transaction,
// retrying the whole body on conflict, and returns the committed value.
func bumpCounter(db *engine.DB, ex *engine.Exchange, worker, key int) (int64, error) {
	for {
		txn := db.Begin()
		ex.SetTransaction(txn)
		ex.Key().Clear().AppendString("acct").AppendInt64(int64(worker)).AppendInt64(int64(key))
		if err := ex.Fetch(); err != nil {
			txn.End()
			return 0, err
		}
		var cur int64
		if ex.Value().IsDefined() {
			var err error
			cur, err = ex.Value().GetInt64()
			if err != nil {
				txn.End()
				return 0, err
			}
		}
		next := cur + 1
		ex.Value().PutInt64(next)
		if err := ex.Store(); err != nil {
			txn.End()
			return 0, err
		}
		err := txn.Commit(true)
		txn.End()
		ex.SetTransaction(nil)
		if err == nil {
			return next, nil
		}
		if !engine.IsRetryable(err) {
			return 0, err
		}
	}
}

func verifyTickets() error {
	conf := config.NewDefaultConfig()
	conf.DBPath = dbPath
	db, err := engine.Open(conf)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Open(ticketsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	// Per-key writes only increase, so the engine must hold at least the
	// largest ticketed value for every key.
	type wk struct{ worker, key int }
	promised := make(map[wk]int64)
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 4 {
			return fmt.Errorf("malformed ticket line %q", scanner.Text())
		}
		worker, err1 := strconv.Atoi(fields[1])
		key, err2 := strconv.Atoi(fields[2])
		value, err3 := strconv.ParseInt(fields[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("malformed ticket line %q", scanner.Text())
		}
		k := wk{worker, key}
		if value > promised[k] {
			promised[k] = value
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	ex, err := db.GetExchange(volumeName, treeName, false)
	if err != nil {
		return err
	}
	bad := 0
	for k, want := range promised {
		ex.Key().Clear().AppendString("acct").AppendInt64(int64(k.worker)).AppendInt64(int64(k.key))
		if err := ex.Fetch(); err != nil {
			return err
		}
		if !ex.Value().IsDefined() {
			fmt.Printf("MISSING worker %d key %d: promised %d, found nothing\n", k.worker, k.key, want)
			bad++
			continue
		}
		got, err := ex.Value().GetInt64()
		if err != nil {
			return err
		}
		if got < want {
			fmt.Printf("LOST worker %d key %d: promised %d, found %d\n", k.worker, k.key, want, got)
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d ticketed keys violated durability", bad, len(promised))
	}
	fmt.Printf("verified %d tickets over %d keys: all durable\n", lines, len(promised))
	return nil
}
