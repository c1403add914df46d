// Package main — cmd/ocallbridge-agent/main.go
//
// Bridge agent entrypoint: a runnable bring-up of every trusted-side
// component wired to the reference untrusted-side executor, so the full
// exitless-dispatch path can be exercised end to end rather than only
// through package-level tests.
//
// Startup sequence:
//  1. Load and validate config from /etc/ocallbridge/config.yaml.
//  2. Initialise structured logger (zap).
//  3. mmap the host arena (Boundary Memory Arbiter's backing region).
//  4. Carve the scratch slab pool out of the host arena.
//  5. Allocate the lock-free RPC queue.
//  6. Start the untrusted-side worker pool (reference executor) draining it.
//  7. Wire the synchronous backstop to the same executor.
//  8. Construct the exitless dispatcher (queue + backstop + spin budget).
//  9. Construct the public OCALL bridge and attach metrics.
// 10. Start the Prometheus metrics server (loopback).
// 11. Register SIGHUP handler that re-reads, validates and logs the config
//     (the new values are not applied to running components).
// 12. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to the worker pool).
//  2. Unmap the host arena.
//  3. Flush logger.
//  4. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/ocallbridge/internal/backstop"
	"github.com/octoreflex/ocallbridge/internal/config"
	"github.com/octoreflex/ocallbridge/internal/dispatcher"
	"github.com/octoreflex/ocallbridge/internal/executor"
	"github.com/octoreflex/ocallbridge/internal/memregion"
	"github.com/octoreflex/ocallbridge/internal/observability"
	"github.com/octoreflex/ocallbridge/internal/ocall"
	"github.com/octoreflex/ocallbridge/internal/rpcqueue"
	"github.com/octoreflex/ocallbridge/internal/scratch"
)

// counterSampleInterval is how often sampleCounters polls the cumulative
// counters exposed by the scratch allocator, dispatcher, and bridge and
// folds any increase into the Prometheus metrics.
const counterSampleInterval = 2 * time.Second

// sampleCounters periodically reconciles gauge/counter-shaped state that
// lives on the allocator, dispatcher, and bridge (not updated inline on
// every OCALL, to avoid a metrics dependency on their hot paths) with the
// corresponding Prometheus series.
func sampleCounters(ctx context.Context, m *observability.Metrics, alloc *scratch.Allocator, disp *dispatcher.Dispatcher, bridge *ocall.Bridge) {
	var lastFutexWaits, lastExhaustions, lastOversize, lastAttestationFailures uint64

	ticker := time.NewTicker(counterSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RecordScratchHighWater(alloc.HighWaterBytes())

			if n := alloc.ExhaustionsCount(); n > lastExhaustions {
				for i := uint64(0); i < n-lastExhaustions; i++ {
					m.RecordScratchExhaustion()
				}
				lastExhaustions = n
			}
			if n := alloc.OversizeCount(); n > lastOversize {
				for i := uint64(0); i < n-lastOversize; i++ {
					m.RecordOversizeAllocation()
				}
				lastOversize = n
			}
			if n := disp.FutexWaitCount(); n > lastFutexWaits {
				for i := uint64(0); i < n-lastFutexWaits; i++ {
					m.RecordFutexWait()
				}
				lastFutexWaits = n
			}
			if n := bridge.AttestationFailures(); n > lastAttestationFailures {
				for i := uint64(0); i < n-lastAttestationFailures; i++ {
					m.RecordAttestationFailure()
				}
				lastAttestationFailures = n
			}
		case <-ctx.Done():
			return
		}
	}
}

// spinCheckCost approximates the wall-clock cost of one descriptor lock
// poll, used only to translate the configured spin_budget duration into
// an iteration count for the dispatcher; it is not a measured constant.
const spinCheckCost = 20 * time.Nanosecond

func main() {
	configPath := flag.String("config", "/etc/ocallbridge/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("ocallbridge-agent %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("ocallbridge-agent starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("bridge_id", cfg.BridgeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Host arena ────────────────────────────────────────────────────────────
	host, err := memregion.NewHostRegion(cfg.HostRegion.SizeBytes)
	if err != nil {
		log.Fatal("host region mmap failed", zap.Error(err))
	}
	defer host.Close() //nolint:errcheck
	log.Info("host arena mapped", zap.Int("size_bytes", cfg.HostRegion.SizeBytes))

	// ── Scratch pool ──────────────────────────────────────────────────────────
	alloc := scratch.NewAllocator(host, cfg.Scratch.MaxScratchBytes, cfg.Scratch.SlabCount)
	log.Info("scratch pool carved",
		zap.Int("max_scratch_bytes", cfg.Scratch.MaxScratchBytes),
		zap.Int("slab_count", cfg.Scratch.SlabCount))

	// ── RPC queue + worker pool ───────────────────────────────────────────────
	queue := rpcqueue.New(cfg.Queue.Capacity)
	exec := executor.New(queue, log, cfg.Executor.Workers)
	go exec.Run(ctx)
	log.Info("untrusted-side worker pool started",
		zap.Int("workers", cfg.Executor.Workers),
		zap.Int("queue_capacity", cfg.Queue.Capacity))

	back := backstop.New(exec)

	spinIterations := int(cfg.Dispatch.SpinBudget / spinCheckCost)
	disp := dispatcher.New(queue, back, spinIterations)

	// ── Metrics ───────────────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	bridge := ocall.New(host, alloc, disp, back).WithMetrics(metrics)
	_ = bridge // exposed for embedders; the agent binary itself only brings the bridge up
	go sampleCounters(ctx, metrics, alloc, disp, bridge)

	// ── SIGHUP hot-reload ─────────────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			newSpinIterations := int(newCfg.Dispatch.SpinBudget / spinCheckCost)
			log.Info("config hot-reload validated (values not applied to running components)",
				zap.Duration("spin_budget", newCfg.Dispatch.SpinBudget),
				zap.Int("spin_iterations", newSpinIterations),
				zap.String("log_level", newCfg.Observability.LogLevel))
			// No field is re-applied here: the dispatcher, worker pool and
			// logger keep the values they were built with. Destructive
			// fields (host_region.size_bytes, queue.capacity, scratch.*)
			// require a restart, per internal/config's documented contract.
		}
	}()

	// ── Wait for shutdown signal ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("ocallbridge-agent shutdown complete",
		zap.Uint64("executor_completed", exec.Completed()),
		zap.Uint64("executor_failed", exec.Failed()),
		zap.Uint64("exitless_count", disp.ExitlessCount()),
		zap.Uint64("backstop_count", disp.BackstopCount()),
	)
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
