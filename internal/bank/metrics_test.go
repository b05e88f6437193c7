package bank

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveCommand_IncrementsCounter(t *testing.T) {
	commandsTotal.Reset()

	done := observeCommand("test_command")
	done(resultOK)

	m := &dto.Metric{}
	counter, err := commandsTotal.GetMetricWithLabelValues("test_command", resultOK)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}

func TestObserveCommand_ObservesHistogram(t *testing.T) {
	commandDuration.Reset()

	done := observeCommand("hist_test")
	done(resultError)

	ch := make(chan prometheus.Metric, 10)
	commandDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestCommandMetrics_Registered(t *testing.T) {
	metrics := []string{
		"corebank_bank_commands_total",
		"corebank_bank_conflict_retries_total",
		"corebank_bank_command_duration_seconds",
	}

	gathered, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range gathered {
		found[mf.GetName()] = true
	}

	for _, name := range metrics {
		if !found[name] {
			// Vec metrics only gather once a label child exists.
			t.Logf("metric %s not yet gathered (no data written)", name)
		}
	}
}
