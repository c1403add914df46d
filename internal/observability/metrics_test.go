package observability

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecordOCallExitless(t *testing.T) {
	m := NewMetrics()
	m.RecordOCall("READ", "exitless", 128, 5*time.Microsecond)

	if got := counterValue(t, m.OCallsTotal.WithLabelValues("READ", "exitless")); got != 1 {
		t.Fatalf("OCallsTotal = %v, want 1", got)
	}
	if got := counterValue(t, m.ExitlessCompletionsTotal); got != 1 {
		t.Fatalf("ExitlessCompletionsTotal = %v, want 1", got)
	}
	if got := counterValue(t, m.OCallErrorsTotal.WithLabelValues("READ")); got != 0 {
		t.Fatalf("OCallErrorsTotal = %v, want 0 for a successful call", got)
	}
}

func TestRecordOCallErrorAndFallback(t *testing.T) {
	m := NewMetrics()
	m.RecordOCall("WRITE", "backstop_queue_full", -1, time.Millisecond)

	if got := counterValue(t, m.OCallErrorsTotal.WithLabelValues("WRITE")); got != 1 {
		t.Fatalf("OCallErrorsTotal = %v, want 1 for a negative return", got)
	}
	if got := counterValue(t, m.BackstopFallbacksTotal.WithLabelValues("queue_full")); got != 1 {
		t.Fatalf("BackstopFallbacksTotal{queue_full} = %v, want 1", got)
	}
}

func counterValue(t *testing.T, c interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
