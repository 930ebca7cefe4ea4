package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// recordSpans installs a recording provider as the global one for the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return rec
}

func TestCacheFetchSpanRecordsLedgerFailure(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "chaincache.fetch", attribute.String("cache.key", "orders"))
	EndSpan(span, errors.New("fetch ledger orders: node unavailable"))
	_, found := StartSpan(context.Background(), "resolver.find")
	EndSpan(found, nil)

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(ended))
	}
	failed := ended[0]
	if failed.Name() != "chaincache.fetch" || failed.Status().Code != codes.Error || !strings.Contains(failed.Status().Description, "node unavailable") {
		t.Fatalf("unexpected failed span: name=%s status=%+v", failed.Name(), failed.Status())
	}
	if len(failed.Events()) != 1 || failed.Events()[0].Name != "exception" {
		t.Fatalf("expected recorded exception event, got %+v", failed.Events())
	}
	var key string
	for _, kv := range failed.Attributes() {
		if kv.Key == "cache.key" {
			key = kv.Value.AsString()
		}
	}
	if key != "orders" {
		t.Fatalf("expected cache.key attribute, got %v", failed.Attributes())
	}
	if ended[1].Status().Code == codes.Error {
		t.Fatal("successful span must not carry an error status")
	}
}

func TestLedgerRPCClientPropagatesTrace(t *testing.T) {
	rec := recordSpans(t)

	var gotParent, gotBody string
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotParent = r.Header.Get("traceparent")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"1000"}`))
	}))
	defer node.Close()

	client := InstrumentClient(&http.Client{Timeout: time.Second})
	ctx, span := StartSpan(context.Background(), "ledger.referenceGasPrice")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.URL, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ledger_referenceGasPrice","params":[]}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("rpc call: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	EndSpan(span, nil)

	traceID := span.SpanContext().TraceID().String()
	if !strings.Contains(gotParent, traceID) {
		t.Fatalf("node did not receive the caller trace: traceparent=%q want trace %s", gotParent, traceID)
	}
	if !strings.Contains(gotBody, "ledger_referenceGasPrice") {
		t.Fatalf("body not forwarded: %s", gotBody)
	}
	var clientSpans int
	for _, s := range rec.Ended() {
		if s.SpanKind() == oteltrace.SpanKindClient && s.SpanContext().TraceID().String() == traceID {
			clientSpans++
		}
	}
	if clientSpans != 1 {
		t.Fatalf("expected one client span in the trace, got %d", clientSpans)
	}

	existing := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(existing) != existing || existing.Transport == http.DefaultTransport {
		t.Fatal("expected the given client to be wrapped in place")
	}
	if InstrumentClient(nil).Transport == nil {
		t.Fatal("expected a default instrumented client")
	}
}

func TestHTTPMiddlewareJoinsCallerTrace(t *testing.T) {
	recordSpans(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seen oteltrace.SpanContext
	handler := HTTPMiddleware("syncd")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = oteltrace.SpanContextFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/orders/42/chain-sync", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if seen.TraceID().String() != traceID {
		t.Fatalf("handler span not joined to caller trace: %s", seen.TraceID())
	}

	// A blank service name falls back to the default.
	rr = httptest.NewRecorder()
	HTTPMiddleware("  ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer x, x-tenant = ledgersync ,broken, =nokey")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "3")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_REQUIRED", "")
	t.Setenv("OTEL_TRACES_SAMPLER", "always_off")
	cfg := ConfigFromEnv("syncd")
	if cfg.ServiceName != "syncd" || cfg.Endpoint != "collector:4318" || cfg.Environment != "staging" || cfg.Timeout != 3*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.Insecure || cfg.Required {
		t.Fatalf("unexpected flags: %+v", cfg)
	}
	if len(cfg.Headers) != 2 || cfg.Headers["authorization"] != "Bearer x" || cfg.Headers["x-tenant"] != "ledgersync" {
		t.Fatalf("unexpected headers: %#v", cfg.Headers)
	}
	if sampleDecision(cfg.Sampler) != sdktrace.Drop {
		t.Fatal("always_off sampler must drop")
	}

	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "soon")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "  ")
	cfg = ConfigFromEnv("syncd")
	if cfg.Timeout != 5*time.Second || cfg.Headers != nil {
		t.Fatalf("expected defaults for unparsable values: %+v", cfg)
	}
}

func sampleDecision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "chaincache.fetch",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	cases := []struct {
		name, arg string
		want      sdktrace.SamplingDecision
	}{
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "2", sdktrace.RecordAndSample},
		{"traceidratio", "-1", sdktrace.Drop},
		{"parentbased_traceidratio", "0", sdktrace.Drop},
		{"", "", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		if got := sampleDecision(parseSampler(tc.name, tc.arg)); got != tc.want {
			t.Fatalf("parseSampler(%q, %q) = %v, want %v", tc.name, tc.arg, got, tc.want)
		}
	}
}

func TestInitExportsToCollector(t *testing.T) {
	exported := make(chan string, 1)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case exported <- r.URL.Path + " " + r.Header.Get("x-tenant"):
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()
	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := InitWithConfig(ctx, Config{
		ServiceName: "syncd",
		Environment: "test",
		Endpoint:    u.Host,
		Headers:     map[string]string{"x-tenant": "ledgersync"},
		Timeout:     time.Second,
		Insecure:    true,
		Required:    true,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := StartSpan(context.Background(), "reconcile.run")
	EndSpan(span, nil)
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case got := <-exported:
		if got != "/v1/traces ledgersync" {
			t.Fatalf("unexpected export %q", got)
		}
	default:
		t.Fatal("expected spans flushed to the collector on shutdown")
	}
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	shutdown, err := InitWithConfig(cancelled, Config{ServiceName: "syncd", Endpoint: "http://" + host})
	if err != nil || shutdown == nil {
		t.Fatalf("optional exporter must fall back, got err=%v", err)
	}
	_ = shutdown(context.Background())

	if _, err := InitWithConfig(cancelled, Config{ServiceName: "syncd", Endpoint: "http://" + host, Required: true}); err == nil {
		t.Fatal("required exporter must fail to start")
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err = Init(context.Background(), "syncctl")
	if err != nil {
		t.Fatalf("init without endpoint: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
