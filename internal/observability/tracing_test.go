package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/complement/internal/config"
)

// setupTestTracer installs an always-on provider that records into memory.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{name: "disabled", cfg: config.TracingConfig{}},
		{name: "stdout", cfg: config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}},
		{name: "unsupported exporter", cfg: config.TracingConfig{Enabled: true, Exporter: "zipkin"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "complement", "test")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

// unluckyTraceID falls outside every ratio below 1.
var unluckyTraceID = trace.TraceID{0, 0, 0, 0, 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func samplingDecision(s sdktrace.Sampler, parent context.Context, name string) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parent,
		TraceID:       unluckyTraceID,
		Name:          name,
	}).Decision
}

func TestNewSampler_keepsLedgerSpans(t *testing.T) {
	s := newSampler(config.TracingConfig{SamplingRate: 0.01, SampleLedgerCalls: true})

	if got := samplingDecision(s, context.Background(), "ledger.apply"); got != sdktrace.RecordAndSample {
		t.Errorf("ledger.apply decision = %v, want RecordAndSample", got)
	}
	if got := samplingDecision(s, context.Background(), "approval.controller_approve"); got != sdktrace.Drop {
		t.Errorf("approval span decision = %v, want Drop at this ratio", got)
	}

	// A ledger call under an unsampled request is still kept.
	unsampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: unluckyTraceID,
		SpanID:  trace.SpanID{1},
	}))
	if got := samplingDecision(s, unsampled, "ledger.call"); got != sdktrace.RecordAndSample {
		t.Errorf("ledger.call under unsampled parent = %v, want RecordAndSample", got)
	}
	if got := samplingDecision(s, unsampled, "visibility.pending"); got != sdktrace.Drop {
		t.Errorf("visibility span under unsampled parent = %v, want Drop", got)
	}
}

func TestNewSampler_ledgerSpansFollowRatioWhenDisabled(t *testing.T) {
	s := newSampler(config.TracingConfig{SamplingRate: 0.01})
	if got := samplingDecision(s, context.Background(), "ledger.apply"); got != sdktrace.Drop {
		t.Errorf("ledger.apply decision = %v, want Drop", got)
	}
}

func TestNewSampler_rateBounds(t *testing.T) {
	// Unset falls back to 0.1; anything at or above 1 samples everything.
	if got := samplingDecision(newSampler(config.TracingConfig{}), context.Background(), "ledger.apply"); got != sdktrace.Drop {
		t.Errorf("default rate decision = %v, want Drop", got)
	}
	if got := samplingDecision(newSampler(config.TracingConfig{SamplingRate: 2}), context.Background(), "visibility.history"); got != sdktrace.RecordAndSample {
		t.Errorf("clamped rate decision = %v, want RecordAndSample", got)
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "ledger.apply", AttrRequestID.Int64(17))
	EndSpanWithError(failed, errors.New("ledger unavailable"))
	_, ok := StartSpan(context.Background(), "ledger.resolve")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "ledger unavailable" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("failed span should carry the recorded error")
	}
	if spanAttrMap(spans[0])["complement.request_id"] != "17" {
		t.Errorf("request id attribute = %q, want 17", spanAttrMap(spans[0])["complement.request_id"])
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("successful span should not be marked as an error")
	}
}

func TestTraceAndSpanIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if TraceIDFromContext(context.Background()) != "" || SpanIDFromContext(context.Background()) != "" {
		t.Error("ids should be empty outside a span")
	}

	ctx, span := StartSpan(context.Background(), "approval.reject")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q, want %q", got, span.SpanContext().TraceID().String())
	}
	if got := SpanIDFromContext(ctx); got != span.SpanContext().SpanID().String() {
		t.Errorf("SpanIDFromContext = %q, want %q", got, span.SpanContext().SpanID().String())
	}
}

func newTracedRouter(status int) chi.Router {
	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Route("/v1/complementary-requests", func(r chi.Router) {
		r.Post("/{id}/controller/approve", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
	})
	return r
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/complementary-requests/42/controller/approve", nil)
	newTracedRouter(http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	const want = "POST /v1/complementary-requests/{id}/controller/approve"
	if s.Name != want {
		t.Errorf("span name = %q, want %q", s.Name, want)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want Server", s.SpanKind)
	}
	attrs := spanAttrMap(s)
	if attrs["http.route"] != "/v1/complementary-requests/{id}/controller/approve" {
		t.Errorf("http.route = %q", attrs["http.route"])
	}
	if attrs["url.path"] != "/v1/complementary-requests/42/controller/approve" {
		t.Errorf("url.path = %q", attrs["url.path"])
	}
	if attrs["http.response.status_code"] != "200" {
		t.Errorf("http.response.status_code = %q, want 200", attrs["http.response.status_code"])
	}
}

func TestTracingMiddleware_serverErrorMarksSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/complementary-requests/3/controller/approve", nil)
	newTracedRouter(http.StatusBadGateway).ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error for 502", spans[0].Status.Code)
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := setupTestTracer(t)

	const traceID = "0af7651916cd43dd8448eb211c80319c"
	const parentSpanID = "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodPost, "/v1/complementary-requests/9/controller/approve", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentSpanID+"-01")
	rec := httptest.NewRecorder()
	newTracedRouter(http.StatusOK).ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace ID = %q, want %q", got, traceID)
	}
	if got := spans[0].Parent.SpanID().String(); got != parentSpanID {
		t.Errorf("parent span ID = %q, want %q", got, parentSpanID)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response should carry the trace context")
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "ledger.call", AttrLedgerCall.String("create_item"))
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if headers.Get("Traceparent") == "" {
		t.Error("outbound ledger call should carry Traceparent")
	}
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
