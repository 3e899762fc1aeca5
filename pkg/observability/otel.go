// Package observability wires the store's metrics and logs to an OTLP
// backend over HTTP. Providers are registered globally so instrumented code
// only ever talks to the otel API.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// parseOTLPHeaders parses OTEL_EXPORTER_OTLP_HEADERS and URL-decodes values.
// Hosted backends hand out headers in URL-encoded form (e.g. Basic%20token)
// and the Go SDK does not always decode them.
func parseOTLPHeaders() map[string]string {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			key := strings.TrimSpace(kv[0])
			value, err := url.QueryUnescape(kv[1])
			if err != nil {
				value = kv[1]
			}
			headers[key] = value
		}
	}
	return headers
}

// newResource merges the service identity with the SDK defaults.
// OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME are honored via WithFromEnv.
func newResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		// Partial resources and schema URL conflicts are non-fatal.
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return res, nil
}

// InitMeterProvider initializes an OTLP meter provider and registers it
// globally, so the store's counters flow to the configured backend.
// Disabled, it installs a provider that never exports.
//
// Configuration via the standard OTEL env vars:
//   - OTEL_EXPORTER_OTLP_ENDPOINT: collector URL
//   - OTEL_EXPORTER_OTLP_HEADERS: auth headers
func InitMeterProvider(ctx context.Context, serviceName string, enabled bool) (*sdkmetric.MeterProvider, error) {
	if !enabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, nil
	}

	res, err := newResource(ctx, serviceName, "1.0.0")
	if err != nil {
		return nil, err
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithTimeout(10 * time.Second),
	}
	if headers := parseOTLPHeaders(); headers != nil {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}

	// The exporter gets a background context so shutdown cannot hang it.
	metricExporter, err := otlpmetrichttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(meterProvider)
	return meterProvider, nil
}

// InitLogger initializes an OTLP log provider and returns a structured
// logger bridged into it. Disabled, it returns a stdout JSON logger and a
// provider that never exports.
func InitLogger(ctx context.Context, serviceName string, enabled bool) (*log.LoggerProvider, *slog.Logger, error) {
	if !enabled {
		return log.NewLoggerProvider(), slog.New(slog.NewJSONHandler(os.Stdout, nil)), nil
	}

	res, err := newResource(ctx, serviceName, "1.0.0")
	if err != nil {
		return nil, nil, err
	}

	opts := []otlploghttp.Option{
		otlploghttp.WithTimeout(10 * time.Second),
	}
	if headers := parseOTLPHeaders(); headers != nil {
		opts = append(opts, otlploghttp.WithHeaders(headers))
	}

	logExporter, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	loggerProvider := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(logExporter,
			log.WithExportTimeout(5*time.Second),
		)),
		log.WithResource(res),
	)

	logger := otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(loggerProvider))
	return loggerProvider, logger, nil
}
