// Package observability — metrics.go
//
// Prometheus metrics for the ocallbridge agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: ocallbridge_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - OCALL code is the only per-call label beyond dispatch path, and it
//     is a fixed 37-value enumeration (ocall.Code), never an unbounded
//     identifier like a file descriptor or PID.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	// OCallsTotal counts every OCALL issued, by code and dispatch path
	// ("exitless", "backstop", "backstop_queue_full").
	OCallsTotal *prometheus.CounterVec

	// OCallErrorsTotal counts OCALLs that returned a negative (errno)
	// result, by code.
	OCallErrorsTotal *prometheus.CounterVec

	// OCallLatencySeconds records end-to-end OCALL latency, by dispatch path.
	OCallLatencySeconds *prometheus.HistogramVec

	// ExitlessCompletionsTotal counts OCALLs completed without a
	// synchronous enclave exit.
	ExitlessCompletionsTotal prometheus.Counter

	// BackstopFallbacksTotal counts OCALLs that fell back to the
	// synchronous backstop, by reason ("queue_full", "no_queue").
	BackstopFallbacksTotal *prometheus.CounterVec

	// FutexWaitsTotal counts kernel futex waits entered after exhausting
	// the spin budget.
	FutexWaitsTotal prometheus.Counter

	// ScratchHighWaterBytes is the largest bump-offset reached within any
	// single scratch frame so far.
	ScratchHighWaterBytes prometheus.Gauge

	// ScratchExhaustionsTotal counts scratch frame requests that found no
	// slab available.
	ScratchExhaustionsTotal prometheus.Counter

	// OversizeAllocationsTotal counts payloads that exceeded the scratch
	// budget and used a dedicated host mapping.
	OversizeAllocationsTotal prometheus.Counter

	// AttestationFailuresTotal counts GET_ATTESTATION calls whose
	// marshaller reported a per-field copy failure.
	AttestationFailuresTotal prometheus.Counter

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all bridge Prometheus metrics on a
// dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		OCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocallbridge",
			Subsystem: "ocall",
			Name:      "total",
			Help:      "Total OCALLs issued, by OCALL code and dispatch path.",
		}, []string{"code", "path"}),

		OCallErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocallbridge",
			Subsystem: "ocall",
			Name:      "errors_total",
			Help:      "Total OCALLs that returned a negative (errno) result, by OCALL code.",
		}, []string{"code"}),

		OCallLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ocallbridge",
			Subsystem: "ocall",
			Name:      "latency_seconds",
			Help:      "End-to-end OCALL latency, by dispatch path.",
			Buckets:   []float64{.000001, .000005, .00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"path"}),

		ExitlessCompletionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocallbridge",
			Subsystem: "dispatch",
			Name:      "exitless_completions_total",
			Help:      "Total OCALLs completed without a synchronous enclave exit.",
		}),

		BackstopFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocallbridge",
			Subsystem: "dispatch",
			Name:      "backstop_fallbacks_total",
			Help:      "Total OCALLs that fell back to the synchronous backstop, by reason.",
		}, []string{"reason"}),

		FutexWaitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocallbridge",
			Subsystem: "dispatch",
			Name:      "futex_waits_total",
			Help:      "Total kernel futex waits entered after exhausting the spin budget.",
		}),

		ScratchHighWaterBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocallbridge",
			Subsystem: "scratch",
			Name:      "high_water_bytes",
			Help:      "Largest bump-offset reached within any single scratch frame so far.",
		}),

		ScratchExhaustionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocallbridge",
			Subsystem: "scratch",
			Name:      "exhaustions_total",
			Help:      "Total scratch frame requests that found no slab available.",
		}),

		OversizeAllocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocallbridge",
			Subsystem: "scratch",
			Name:      "oversize_allocations_total",
			Help:      "Total payloads that exceeded the scratch budget and used a dedicated host mapping.",
		}),

		AttestationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocallbridge",
			Subsystem: "attestation",
			Name:      "failures_total",
			Help:      "Total GET_ATTESTATION calls whose marshaller reported a per-field copy failure.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocallbridge",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.OCallsTotal,
		m.OCallErrorsTotal,
		m.OCallLatencySeconds,
		m.ExitlessCompletionsTotal,
		m.BackstopFallbacksTotal,
		m.FutexWaitsTotal,
		m.ScratchHighWaterBytes,
		m.ScratchExhaustionsTotal,
		m.OversizeAllocationsTotal,
		m.AttestationFailuresTotal,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// RecordOCall updates the per-call OCALL counters, latency histogram, and
// the exitless/backstop split, given the dispatch path actually taken:
// "exitless", "backstop", or "backstop_queue_full".
func (m *Metrics) RecordOCall(code, path string, ret int, latency time.Duration) {
	m.OCallsTotal.WithLabelValues(code, path).Inc()
	m.OCallLatencySeconds.WithLabelValues(path).Observe(latency.Seconds())
	if ret < 0 {
		m.OCallErrorsTotal.WithLabelValues(code).Inc()
	}
	switch path {
	case "exitless":
		m.ExitlessCompletionsTotal.Inc()
	case "backstop_queue_full":
		m.BackstopFallbacksTotal.WithLabelValues("queue_full").Inc()
	case "backstop":
		m.BackstopFallbacksTotal.WithLabelValues("no_queue").Inc()
	}
}

// RecordFutexWait records a single kernel futex wait entered after
// exhausting the spin budget.
func (m *Metrics) RecordFutexWait() {
	m.FutexWaitsTotal.Inc()
}

// RecordScratchHighWater updates the scratch high-water gauge to the
// allocator's current observed value.
func (m *Metrics) RecordScratchHighWater(bytes uint64) {
	m.ScratchHighWaterBytes.Set(float64(bytes))
}

// RecordScratchExhaustion records a scratch frame request that found no
// slab available.
func (m *Metrics) RecordScratchExhaustion() {
	m.ScratchExhaustionsTotal.Inc()
}

// RecordOversizeAllocation records a payload that exceeded the scratch
// budget and used a dedicated host mapping.
func (m *Metrics) RecordOversizeAllocation() {
	m.OversizeAllocationsTotal.Inc()
}

// RecordAttestationFailure records a GET_ATTESTATION call whose
// marshaller reported a per-field copy failure.
func (m *Metrics) RecordAttestationFailure() {
	m.AttestationFailuresTotal.Inc()
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address and blocks until ctx is cancelled or the server fails. It binds
// to addr (e.g. "127.0.0.1:9091") and serves GET /metrics and GET /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
