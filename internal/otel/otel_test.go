package otel

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &Tracer{
		config:         &Config{Enabled: true, ServiceName: "test", ExporterType: ExporterStdout, SampleRate: 1},
		tracerProvider: tp,
		tracer:         tp.Tracer("test"),
		propagator:     newPropagator(),
		shutdown:       tp.Shutdown,
	}, rec
}

func attr(kvs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range kvs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("expected Enabled to be false by default")
	}
	if cfg.ServiceName != "lanwatch" {
		t.Errorf("expected ServiceName 'lanwatch', got %q", cfg.ServiceName)
	}
	if cfg.ExporterType != ExporterNone {
		t.Errorf("expected ExporterType 'none', got %q", cfg.ExporterType)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected SampleRate 1.0, got %f", cfg.SampleRate)
	}
}

func TestParseExporter(t *testing.T) {
	tests := []struct {
		in      string
		want    ExporterType
		wantErr bool
	}{
		{"", ExporterNone, false},
		{"none", ExporterNone, false},
		{"stdout", ExporterStdout, false},
		{"otlp-grpc", ExporterOTLPGRPC, false},
		{"otlp-http", ExporterOTLPHTTP, false},
		{"jaeger", ExporterNone, true},
	}
	for _, tt := range tests {
		got, err := ParseExporter(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseExporter(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseExporter(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewTracerDisabled(t *testing.T) {
	ctx := context.Background()
	tracer, err := NewTracer(ctx, nil)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	if tracer.Enabled() {
		t.Error("expected tracer to be disabled")
	}
	_, span := tracer.StartSpan(ctx, "test-span")
	span.End()
}

func TestNewTracerStdout(t *testing.T) {
	ctx := context.Background()
	tracer, err := NewTracer(ctx, &Config{
		Enabled:      true,
		ServiceName:  "test-service",
		ExporterType: ExporterStdout,
		SampleRate:   0.5,
	})
	if err != nil {
		t.Fatalf("NewTracer with stdout exporter failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	if !tracer.Enabled() {
		t.Error("expected tracer to be enabled")
	}
}

func TestNewTracerUnknownExporter(t *testing.T) {
	_, err := NewTracer(context.Background(), &Config{Enabled: true, ExporterType: "zipkin"})
	if err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestStartSessionSpan(t *testing.T) {
	tracer, rec := recordingTracer(t)

	_, span := tracer.StartSessionSpan(context.Background(), SessionSpanOptions{
		SessionID:  "s-1",
		AgentID:    "agent-1",
		RemoteAddr: "10.0.0.2:4000",
		TLS:        true,
	})
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != SpanSession {
		t.Errorf("span name = %q", s.Name())
	}
	if s.SpanKind() != trace.SpanKindServer {
		t.Errorf("span kind = %v", s.SpanKind())
	}
	if v, ok := attr(s.Attributes(), "lanwatch.agent_id"); !ok || v.AsString() != "agent-1" {
		t.Errorf("agent_id attribute = %v, %v", v, ok)
	}
	if v, ok := attr(s.Attributes(), "lanwatch.tls"); !ok || !v.AsBool() {
		t.Errorf("tls attribute = %v, %v", v, ok)
	}
}

func TestMapPropagationJoinsTrace(t *testing.T) {
	tracer, rec := recordingTracer(t)

	ctx, parent := tracer.StartConnectSpan(context.Background(), "agent-1", "10.0.0.1:9009", 1)
	carrier := tracer.InjectMap(ctx)
	if carrier["traceparent"] == "" {
		t.Fatalf("carrier missing traceparent: %v", carrier)
	}
	parent.End()

	serverCtx := tracer.ExtractMap(context.Background(), carrier)
	_, child := tracer.StartSessionSpan(serverCtx, SessionSpanOptions{SessionID: "s"})
	child.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[1].Parent().SpanID() != spans[0].SpanContext().SpanID() {
		t.Error("session span is not a child of the connect span")
	}
	if spans[1].SpanContext().TraceID() != spans[0].SpanContext().TraceID() {
		t.Error("trace IDs differ")
	}
}

func TestInjectMapWithoutSpan(t *testing.T) {
	tracer := NoopTracer()
	if m := tracer.InjectMap(context.Background()); m != nil {
		t.Errorf("InjectMap without span = %v, want nil", m)
	}
	ctx := context.Background()
	if got := tracer.ExtractMap(ctx, nil); got != ctx {
		t.Error("ExtractMap(nil) should return ctx unchanged")
	}
}

func TestGetTraceInfo(t *testing.T) {
	tracer, _ := recordingTracer(t)
	ctx, span := tracer.StartDiscoverySpan(context.Background(), 9999)
	defer span.End()

	traceID, spanID := GetTraceInfo(ctx)
	if len(traceID) != 32 || len(spanID) != 16 {
		t.Errorf("trace info = %q / %q", traceID, spanID)
	}

	traceID, spanID = GetTraceInfo(context.Background())
	if traceID != "" || spanID != "" {
		t.Errorf("expected empty trace info, got %q / %q", traceID, spanID)
	}
}

func TestRecordErrorAndRetry(t *testing.T) {
	tracer, rec := recordingTracer(t)
	_, span := tracer.StartSpan(context.Background(), "op")
	RecordError(span, errors.New("boom"), "network", true)
	RecordRetry(span, 2, "timeout")
	RecordError(span, nil, "ignored", false)
	RecordError(nil, errors.New("x"), "ignored", false)
	RecordRetry(nil, 1, "ignored")
	span.End()

	s := rec.Ended()[0]
	if v, _ := attr(s.Attributes(), "error.type"); v.AsString() != "network" {
		t.Errorf("error.type = %v", v)
	}
	var sawRetry bool
	for _, ev := range s.Events() {
		if ev.Name == "retry" {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Error("retry event missing")
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	called := false
	h := Middleware(NoopTracer())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/agents", nil))
	if !called || rec.Code != http.StatusTeapot {
		t.Errorf("called=%v code=%d", called, rec.Code)
	}

	rec = httptest.NewRecorder()
	Middleware(nil)(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil tracer code = %d", rec.Code)
	}
}

func TestMiddlewareEnabled(t *testing.T) {
	tracer, rec := recordingTracer(t)
	h := Middleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !trace.SpanFromContext(r.Context()).SpanContext().IsValid() {
			t.Error("handler context has no span")
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/agents/x", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	s := spans[0]
	if s.Name() != "GET /api/agents/x" {
		t.Errorf("span name = %q", s.Name())
	}
	if s.SpanContext().TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id not propagated: %s", s.SpanContext().TraceID())
	}
	if v, ok := attr(s.Attributes(), "error"); !ok || !v.AsBool() {
		t.Error("404 should mark the span as error")
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, bufio.NewReadWriter(bufio.NewReader(c1), bufio.NewWriter(c1)), nil
}

func TestMiddlewarePassesHijack(t *testing.T) {
	tracer, rec := recordingTracer(t)
	h := Middleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("wrapped writer is not a Hijacker")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Fatalf("Hijack: %v", err)
		}
		conn.Close()
	}))

	w := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	h.ServeHTTP(w, httptest.NewRequest("GET", "/ws", nil))
	if !w.hijacked {
		t.Error("underlying writer was not hijacked")
	}
	if v, ok := attr(rec.Ended()[0].Attributes(), "http.upgraded"); !ok || !v.AsBool() {
		t.Error("span should be marked upgraded")
	}
}

func TestMiddlewareHijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil {
		t.Error("expected error when underlying writer cannot hijack")
	}
}
