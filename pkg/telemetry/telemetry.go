package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	DefaultServiceName = "ledgersync"
	instrumentation    = "ledgersync"
)

// Config mirrors the standard OTEL_* environment variables.
type Config struct {
	ServiceName string
	Environment string
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Required    bool
	Sampler     trace.Sampler
}

// ConfigFromEnv reads the OTEL_* variables.
func ConfigFromEnv(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		Environment: strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init configures global tracing from the environment.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	return InitWithConfig(ctx, ConfigFromEnv(serviceName))
}

// InitWithConfig installs a tracer provider. Without an endpoint spans are
// sampled but never exported. An exporter failure is fatal only when
// cfg.Required is set.
func InitWithConfig(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = trace.ParentBased(trace.AlwaysSample())
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	providerOpts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(sampler)}

	if cfg.Endpoint != "" {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithTimeout(timeout),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		switch {
		case err != nil && cfg.Required:
			return nil, err
		case err != nil:
			log.Printf("otel exporter disabled: %v", err)
		default:
			providerOpts = append(providerOpts, trace.WithBatcher(exporter))
		}
	}
	tp := trace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func parseSampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)
	ratio := 1.0
	if arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient wraps an HTTP client with OTel transport. The ledger RPC
// client and syncctl both go through it.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
