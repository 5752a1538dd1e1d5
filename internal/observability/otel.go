// Package observability wires OpenTelemetry tracing for the novaspace
// binaries. Spans carry the cluster a process provisions into so traces from
// several manager deployments can share one collector.
package observability

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/vaheed/novaspace/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	instrumentationName = "github.com/vaheed/novaspace"
	defaultServiceName  = "novaspace"
	setupTimeout        = 10 * time.Second
)

// Span and resource attribute keys.
const (
	ClusterKey   = attribute.Key("novaspace.cluster")
	NamespaceKey = attribute.Key("novaspace.namespace")
	OperationKey = attribute.Key("novaspace.operation")
)

// Config selects the exporter and describes the process. An empty Endpoint
// falls back to OTEL_EXPORTER_OTLP_ENDPOINT; with neither, tracing is off.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	ClusterName    string
	Endpoint       string
	Insecure       bool
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64
}

// Tracer returns the project tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// SetupOTel installs a global tracer provider exporting over OTLP/HTTP and
// returns its shutdown function.
func SetupOTel(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	if endpoint == "" {
		return noopShutdown, nil
	}
	hostPort, plain, err := normalizeEndpoint(endpoint)
	if err != nil {
		return noopShutdown, fmt.Errorf("otel endpoint: %w", err)
	}
	insecure := plain || cfg.Insecure

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(hostPort)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(setupCtx, opts...)
	if err != nil {
		return noopShutdown, fmt.Errorf("otlp trace exporter: %w", err)
	}
	res, err := newResource(setupCtx, cfg)
	if err != nil {
		return noopShutdown, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logging.L.Info("otel_configured",
		zap.String("endpoint", hostPort),
		zap.Bool("insecure", insecure),
		zap.String("service", serviceName(cfg)),
		zap.String("cluster", cfg.ClusterName),
		zap.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func serviceName(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return defaultServiceName
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	version := strings.TrimSpace(cfg.ServiceVersion)
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName(cfg)),
		semconv.ServiceVersion(version),
	}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	if cluster := strings.TrimSpace(cfg.ClusterName); cluster != "" {
		attrs = append(attrs, ClusterKey.String(cluster))
	}
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

// sampler samples every root span for ratios outside (0, 1).
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// normalizeEndpoint strips a URL scheme; plain reports an http:// endpoint.
func normalizeEndpoint(raw string) (hostPort string, plain bool, err error) {
	if !strings.Contains(raw, "://") {
		return raw, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("no host in %q", raw)
	}
	return u.Host, u.Scheme == "http", nil
}

func noopShutdown(context.Context) error { return nil }
