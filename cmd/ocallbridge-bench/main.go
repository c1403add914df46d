// Package main — cmd/ocallbridge-bench/main.go
//
// Exitless-vs-backstop latency bench.
//
// Measures per-OCALL latency for a no-op OCALL dispatched two ways:
//   - exitless: published to the RPC queue and serviced by a trivial
//     worker pool, waited on via the spin→park ladder.
//   - backstop: forced straight through Backstop.Call, simulating an
//     OCALL kind that is never eligible for exitless dispatch (or a
//     queue-full fallback).
//
// Output CSV columns:
//   iteration, path, latency_us
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/octoreflex/ocallbridge/internal/backstop"
	"github.com/octoreflex/ocallbridge/internal/descriptor"
	"github.com/octoreflex/ocallbridge/internal/dispatcher"
	"github.com/octoreflex/ocallbridge/internal/futexwait"
	"github.com/octoreflex/ocallbridge/internal/rpcqueue"
)

// noopExecutor answers every OCALL immediately with a fixed result,
// isolating dispatch overhead from any real host syscall cost — used
// for the backstop-only path.
type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, code int32, msg []byte) int { return 0 }

// runNoopWorkers drains queue with a fixed pool of goroutines that
// immediately unlock every descriptor with a fixed result, without
// interpreting OCallIndex or Buffer at all. Unlike internal/executor (which
// performs real host syscalls keyed off the OCALL code), this bench only
// wants to measure dispatch overhead, so it never constructs a real
// executor.Executor against arbitrary descriptor content.
func runNoopWorkers(ctx context.Context, q *rpcqueue.Queue, n int) {
	for i := 0; i < n; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				d, ok := q.Dequeue()
				if !ok {
					time.Sleep(time.Microsecond)
					continue
				}
				d.SetResult(0)
				if old := d.SwapState(descriptor.Unlocked); old == descriptor.LockedWithWaiters {
					futexwait.Wake(d.FutexAddr(), 1)
				}
			}
		}()
	}
}

func main() {
	iterations := flag.Int("iterations", 10000, "Number of dispatches to measure per path")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	spinBudget := flag.Int("spin-budget", 4000, "Dispatcher spin budget, in lock-poll iterations")
	queueCapacity := flag.Int("queue-capacity", 256, "RPC queue capacity")
	workers := flag.Int("workers", 4, "No-op worker pool size")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "path", "latency_us"})

	queue := rpcqueue.New(*queueCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runNoopWorkers(ctx, queue, *workers)

	back := backstop.New(noopExecutor{})
	exitlessDisp := dispatcher.New(queue, back, *spinBudget)
	backstopOnlyDisp := dispatcher.New(nil, back, *spinBudget)

	exitlessHist := make([]int, 100001)
	backstopHist := make([]int, 100001)

	runPath := func(disp *dispatcher.Dispatcher, path string, hist []int) {
		for i := 0; i < *iterations; i++ {
			var d descriptor.Descriptor
			d.Reset(1, []byte("bench"))

			start := time.Now()
			disp.Dispatch(ctx, &d)
			latencyUs := int(time.Since(start).Microseconds())

			if latencyUs >= 0 && latencyUs < len(hist) {
				hist[latencyUs]++
			}
			_ = w.Write([]string{strconv.Itoa(i), path, strconv.Itoa(latencyUs)})
		}
	}

	runPath(exitlessDisp, "exitless", exitlessHist)
	runPath(backstopOnlyDisp, "backstop", backstopHist)

	exP50, exP95, exP99 := computePercentiles(exitlessHist, *iterations)
	bsP50, bsP95, bsP99 := computePercentiles(backstopHist, *iterations)

	fmt.Printf("OCALL Dispatch Latency Results (%d iterations per path)\n", *iterations)
	fmt.Printf("  exitless: p50=%dus p95=%dus p99=%dus\n", exP50, exP95, exP99)
	fmt.Printf("  backstop: p50=%dus p95=%dus p99=%dus\n", bsP50, bsP95, bsP99)
	fmt.Printf("  exitless completions: %d, futex waits: %d\n",
		exitlessDisp.ExitlessCount(), exitlessDisp.FutexWaitCount())
	fmt.Printf("  output: %s\n", *outputFile)
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
