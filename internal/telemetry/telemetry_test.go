package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// TestInitDisabledIsNoop verifies a disabled provider hands out working no-op instruments.
func TestInitDisabledIsNoop(t *testing.T) {
	provider, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if provider.Tracer == nil || provider.Meter == nil {
		t.Fatal("expected no-op tracer and meter")
	}
	metrics, err := NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop meter: %v", err)
	}
	StartRun(context.Background(), provider, metrics, AttrTask.String("T-1")).Finish(context.Background(), "Done", time.Second, "")
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// TestInitRejectsUnknownExporter verifies exporter names are validated.
func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

// TestRunTrackerRecordsMetrics verifies started, active, finished and duration instruments.
func TestRunTrackerRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", Reader: reader})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	tracker := StartRun(context.Background(), provider, metrics, AttrProject.String("web"), AttrTask.String("T-1"))
	tracker.Finish(context.Background(), "Failed", 1500*time.Millisecond, "exit code 2")

	var collected metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &collected); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	seen := map[string]bool{}
	for _, scope := range collected.ScopeMetrics {
		for _, instrument := range scope.Metrics {
			seen[instrument.Name] = true
			switch data := instrument.Data.(type) {
			case metricdata.Sum[int64]:
				if instrument.Name == MetricRunsActive && data.DataPoints[0].Value != 0 {
					t.Fatalf("active runs = %d, want 0", data.DataPoints[0].Value)
				}
				if instrument.Name == MetricRunsFinished {
					status, ok := data.DataPoints[0].Attributes.Value(AttrStatus)
					if !ok || status.AsString() != "Failed" {
						t.Fatalf("finished status attribute = %v", status)
					}
				}
			case metricdata.Histogram[float64]:
				if data.DataPoints[0].Sum != 1.5 {
					t.Fatalf("duration sum = %v, want 1.5", data.DataPoints[0].Sum)
				}
			}
		}
	}
	for _, name := range []string{MetricRunsStarted, MetricRunsFinished, MetricRunsActive, MetricRunDuration} {
		if !seen[name] {
			t.Fatalf("metric %s not recorded; saw %v", name, seen)
		}
	}
}

// TestStdoutExporterWritesToWriter verifies spans go to the configured writer.
func TestStdoutExporterWritesToWriter(t *testing.T) {
	var out bytes.Buffer
	provider, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout", Writer: &out})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	StartRun(context.Background(), provider, nil, AttrRun.String("run-1")).Finish(context.Background(), "Done", 0, "")
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("ncrew.run")) {
		t.Fatalf("expected exported span, got %q", out.String())
	}
}
