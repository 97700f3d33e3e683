package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewLogger_ReturnsUsableLoggerAtBothLevels(t *testing.T) {
	if l := NewLogger(false); l == nil {
		t.Fatal("expected a non-nil logger")
	}
	if l := NewLogger(true); l == nil {
		t.Fatal("expected a non-nil logger in debug mode")
	}
}

func TestObserve_RecordsIntoTheOperationDurationHistogram(t *testing.T) {
	Observe("checkpoint", "ok", 0.01)
	metric := &dto.Metric{}
	if err := OperationDuration.WithLabelValues("checkpoint", "ok").(prometheus.Histogram).Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() == 0 {
		t.Fatal("expected at least one observation recorded")
	}
}

func TestNewTracerProvider_StartsUsableSpans(t *testing.T) {
	tp, err := NewTracerProvider()
	if err != nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}
	defer tp.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "checkpoint")
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
	if !span.SpanContext().HasSpanID() {
		t.Fatal("expected the started span to carry a span id")
	}
	span.End()
}
