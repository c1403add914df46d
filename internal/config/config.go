// Package config provides configuration loading, validation, and hot-reload
// for the ocallbridge agent.
//
// Configuration file: /etc/ocallbridge/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml, and log the new
//     non-destructive values (spin budget, log level). The agent does not
//     apply them to the running dispatcher, worker pool or logger; they
//     take effect at the next start.
//   - Destructive changes (host region size, RPC queue capacity, scratch
//     slab layout) require restart: the region is mmap'd and the queue's
//     ring is sized once at bring-up per spec.md's "Global RPC queue
//     pointer ... initialize it once at bring-up and never reassign".
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. spin budget >= 0, queue capacity a
//     power of two).
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the bridge agent. All
// fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// BridgeID identifies this bridge instance in logs and metrics.
	// Default: hostname.
	BridgeID string `yaml:"bridge_id"`

	// HostRegion configures the mmap'd arena backing scratch frames and
	// oversize payloads.
	HostRegion HostRegionConfig `yaml:"host_region"`

	// Scratch configures the per-OCALL bump-allocated scratch pool carved
	// out of HostRegion.
	Scratch ScratchConfig `yaml:"scratch"`

	// Queue configures the lock-free RPC queue used for exitless dispatch.
	Queue QueueConfig `yaml:"queue"`

	// Dispatch configures the exitless dispatcher's spin/park behavior.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Executor configures the reference untrusted-side worker pool.
	Executor ExecutorConfig `yaml:"executor"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// HostRegionConfig holds the untrusted host arena's size. Destructive:
// changing it requires a restart, since the Region is a single mmap
// established once at bring-up.
type HostRegionConfig struct {
	// SizeBytes is the total size of the anonymous mapping backing the
	// scratch slab pool and any host-resident buffers handed to the
	// executor. Default: 64 MiB.
	SizeBytes int `yaml:"size_bytes"`
}

// ScratchConfig holds the scratch allocator's slab layout, carved out of
// HostRegion at bring-up. Destructive: both fields are fixed for the life
// of the Allocator.
type ScratchConfig struct {
	// MaxScratchBytes is the per-call scratch budget (MAX_SCRATCH in
	// spec.md §3), nominally a quarter of the untrusted worker stack size.
	// Payloads whose combined buffers exceed this fall back to an
	// oversize host mapping acquired for the call. Default: 512 KiB.
	MaxScratchBytes int `yaml:"max_scratch_bytes"`

	// SlabCount is the number of concurrent scratch frames the allocator
	// can hand out; it bounds the number of OCALLs that can be in flight
	// across all callers at once. Default: 64.
	SlabCount int `yaml:"slab_count"`
}

// QueueConfig holds the RPC queue's fixed capacity. Destructive: the ring
// is allocated once at bring-up and never resized.
type QueueConfig struct {
	// Capacity is the number of in-flight request descriptors the queue
	// can hold; must be a power of two. Default: 256.
	Capacity int `yaml:"capacity"`
}

// DispatchConfig holds the exitless dispatcher's spin/park tunable.
// Classed as non-destructive, but the dispatcher's spin budget is fixed
// when the agent constructs it; a SIGHUP reload only logs the new value.
type DispatchConfig struct {
	// SpinBudget is T_SPIN from spec.md §4.5/§5: the wall-clock budget the
	// dispatcher spends polling a descriptor's lock before parking in a
	// kernel futex wait. Default: 50µs.
	SpinBudget time.Duration `yaml:"spin_budget"`
}

// ExecutorConfig holds the reference untrusted-side worker pool's size.
// The pool is started once with Workers goroutines; a SIGHUP reload does
// not resize it.
type ExecutorConfig struct {
	// Workers is the number of goroutines draining the RPC queue.
	// Default: 4.
	Workers int `yaml:"workers"`

	// MinWorkers and MaxWorkers bound the range Validate accepts for
	// Workers. Default: 1, 64.
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		BridgeID:      hostname,
		HostRegion: HostRegionConfig{
			SizeBytes: 64 << 20,
		},
		Scratch: ScratchConfig{
			MaxScratchBytes: 512 << 10,
			SlabCount:       64,
		},
		Queue: QueueConfig{
			Capacity: 256,
		},
		Dispatch: DispatchConfig{
			SpinBudget: 50 * time.Microsecond,
		},
		Executor: ExecutorConfig{
			Workers:    4,
			MinWorkers: 1,
			MaxWorkers: 64,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.BridgeID == "" {
		errs = append(errs, "bridge_id must not be empty")
	}
	if cfg.HostRegion.SizeBytes <= 0 {
		errs = append(errs, fmt.Sprintf("host_region.size_bytes must be > 0, got %d", cfg.HostRegion.SizeBytes))
	}
	if cfg.Scratch.MaxScratchBytes <= 0 {
		errs = append(errs, fmt.Sprintf("scratch.max_scratch_bytes must be > 0, got %d", cfg.Scratch.MaxScratchBytes))
	}
	if cfg.Scratch.SlabCount <= 0 {
		errs = append(errs, fmt.Sprintf("scratch.slab_count must be > 0, got %d", cfg.Scratch.SlabCount))
	}
	if need := cfg.Scratch.MaxScratchBytes * cfg.Scratch.SlabCount; need > cfg.HostRegion.SizeBytes {
		errs = append(errs, fmt.Sprintf(
			"host_region.size_bytes (%d) is too small for scratch.max_scratch_bytes * scratch.slab_count (%d)",
			cfg.HostRegion.SizeBytes, need))
	}
	if cfg.Queue.Capacity <= 0 || cfg.Queue.Capacity&(cfg.Queue.Capacity-1) != 0 {
		errs = append(errs, fmt.Sprintf("queue.capacity must be a power of two greater than zero, got %d", cfg.Queue.Capacity))
	}
	if cfg.Dispatch.SpinBudget < 0 {
		errs = append(errs, fmt.Sprintf("dispatch.spin_budget must be >= 0, got %s", cfg.Dispatch.SpinBudget))
	}
	if cfg.Executor.MinWorkers < 1 {
		errs = append(errs, fmt.Sprintf("executor.min_workers must be >= 1, got %d", cfg.Executor.MinWorkers))
	}
	if cfg.Executor.MaxWorkers < cfg.Executor.MinWorkers {
		errs = append(errs, fmt.Sprintf("executor.max_workers (%d) must be >= executor.min_workers (%d)",
			cfg.Executor.MaxWorkers, cfg.Executor.MinWorkers))
	}
	if cfg.Executor.Workers < cfg.Executor.MinWorkers || cfg.Executor.Workers > cfg.Executor.MaxWorkers {
		errs = append(errs, fmt.Sprintf("executor.workers (%d) must be within [min_workers, max_workers] = [%d, %d]",
			cfg.Executor.Workers, cfg.Executor.MinWorkers, cfg.Executor.MaxWorkers))
	}
	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
