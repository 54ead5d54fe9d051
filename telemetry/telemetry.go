// Package telemetry configures OpenTelemetry tracing for runs. Runners
// create lane, case and iteration spans through the global tracer provider
// installed here.
package telemetry

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// DefaultServiceName is reported when Config.ServiceName is empty.
const DefaultServiceName = "drover"

// Config holds exporter settings.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Tracing is disabled when
	// it is empty.
	Endpoint    string
	Insecure    bool
	ServiceName string

	Headers map[string]string

	// ResourceAttrs is a comma separated key=value list.
	ResourceAttrs string

	RunID string
}

// Shutdown flushes and stops the exporter.
type Shutdown func(context.Context) error

// Init installs a global tracer provider exporting to cfg.Endpoint.
func Init(ctx context.Context, cfg Config, logger *zap.Logger) (Shutdown, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return func(context.Context) error { return nil }, nil
	}

	options := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}

	if len(cfg.Headers) > 0 {
		options = append(options, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, options...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithFromEnv(), resource.WithAttributes(buildResourceAttributes(cfg)...))
	if err != nil {
		return nil, errors.Join(err, exporter.Shutdown(ctx))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)

	logger.Info("otel enabled", zap.String("endpoint", cfg.Endpoint))

	return provider.Shutdown, nil
}

func buildResourceAttributes(cfg Config) []attribute.KeyValue {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(name)}
	if cfg.RunID != "" {
		attrs = append(attrs, attribute.String("drover.run_id", cfg.RunID))
	}

	for key, value := range parseKeyValueList(cfg.ResourceAttrs) {
		attrs = append(attrs, attribute.String(key, value))
	}

	return attrs
}

func parseKeyValueList(value string) map[string]string {
	out := make(map[string]string)

	for part := range strings.SplitSeq(value, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		out[key] = strings.TrimSpace(val)
	}

	return out
}
