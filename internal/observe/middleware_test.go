package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// opsHarness bundles what the middleware tests need: the wrapper under
// test, a manual metric reader and an in-memory span exporter.
type opsHarness struct {
	wrap   func(http.Handler) http.Handler
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
}

func newOpsHarness(t *testing.T) *opsHarness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return &opsHarness{wrap: Middleware(m), reader: reader, spans: exp}
}

// get runs one GET through the wrapped handler.
func (h *opsHarness) get(path string, inner http.HandlerFunc, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.wrap(inner).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationHeaderMatchesContext(t *testing.T) {
	h := newOpsHarness(t)

	var seen string
	rec := h.get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, nil)

	if len(seen) != 32 {
		t.Errorf("correlation ID in handler context = %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}
}

func TestMiddleware_HonoursIncomingTraceparent(t *testing.T) {
	h := newOpsHarness(t)
	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seen string
	rec := h.get("/registry", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, map[string]string{
		"traceparent": "00-" + incoming + "-00f067aa0ba902b7-01",
	})

	if seen != incoming {
		t.Errorf("correlation ID = %q, want the incoming trace ID %q", seen, incoming)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != incoming {
		t.Errorf("X-Correlation-ID = %q, want %q", got, incoming)
	}
}

func TestMiddleware_SpanCarriesRouteAndStatus(t *testing.T) {
	h := newOpsHarness(t)

	rec := h.get("/sessions/s-42/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /sessions/{id}/stats" {
		t.Errorf("span name = %q, want the route pattern", spans[0].Name)
	}

	var gotStatus int64
	var gotPath string
	for _, a := range spans[0].Attributes {
		switch string(a.Key) {
		case "http.response.status_code":
			gotStatus = a.Value.AsInt64()
		case "url.path":
			gotPath = a.Value.AsString()
		}
	}
	if gotStatus != 404 {
		t.Errorf("http.response.status_code = %d, want 404", gotStatus)
	}
	if gotPath != "/sessions/s-42/stats" {
		t.Errorf("url.path = %q, want the raw path", gotPath)
	}
}

func TestMiddleware_DurationKeyedByRoute(t *testing.T) {
	h := newOpsHarness(t)

	// Two different sessions must land in the same series.
	for _, path := range []string{"/sessions/alpha/stats", "/sessions/beta/stats"} {
		h.get(path, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}, nil)
	}

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "toolgate.http.request.duration")
	if met == nil {
		t.Fatal("toolgate.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T, want Histogram[float64]", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("series = %d, want 1 shared across sessions", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("sample count = %d, want 2", dp.Count)
	}
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "path":
			if got := kv.Value.AsString(); got != "/sessions/{id}/stats" {
				t.Errorf("path attribute = %q, want the route pattern", got)
			}
		case "method":
			if got := kv.Value.AsString(); got != "GET" {
				t.Errorf("method attribute = %q, want GET", got)
			}
		}
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/registry", "/registry"},
		{"/sessions/s1/stats", "/sessions/{id}/stats"},
		{"/sessions/user:42/stats", "/sessions/{id}/stats"},
		{"/sessions/s1", "/sessions/{id}"},
	}
	for _, tc := range tests {
		if got := routeLabel(tc.path); got != tc.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
