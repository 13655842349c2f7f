package observe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/maitred-ai/maitre/internal/observe"
)

// newTestMetrics returns Metrics backed by a manual reader so recorded data
// can be collected and inspected.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all exported metrics into a name-indexed map.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecordToolCall_CountsAndTimes(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.RecordToolCall(context.Background(), "customer_lookup", "ok", 120*time.Millisecond)
	m.RecordToolCall(context.Background(), "customer_lookup", "not_found", 40*time.Millisecond)

	got := collect(t, reader)
	calls, ok := got["maitre.tool.calls"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("maitre.tool.calls not exported as int64 sum")
	}
	var total int64
	for _, dp := range calls.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("tool.calls total = %d, want 2", total)
	}
	if _, ok := got["maitre.tool.duration"]; !ok {
		t.Error("maitre.tool.duration not exported")
	}
}

func TestRecordTurnAborted_ByReason(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.RecordTurnAborted(context.Background(), "turn_timeout")
	m.RecordTurnAborted(context.Background(), "turn_timeout")
	m.RecordTurnAborted(context.Background(), "llm_stream_error")

	got := collect(t, reader)
	aborted, ok := got["maitre.turns.aborted"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("maitre.turns.aborted not exported as int64 sum")
	}
	if len(aborted.DataPoints) != 2 {
		t.Errorf("aborted datapoints = %d, want 2 (one per reason)", len(aborted.DataPoints))
	}
}

func TestMiddleware_RecordsRequestDuration(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	handler := observe.Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	got := collect(t, reader)
	hist, ok := got["maitre.http.request.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("maitre.http.request.duration not exported as histogram")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("request duration datapoints = %+v, want one point with count 1", hist.DataPoints)
	}
}
