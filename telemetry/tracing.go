// Package telemetry provides distributed tracing setup using OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/vod-stitch/failure"
)

var tracingEnabled atomic.Bool

// InitTracing initializes OpenTelemetry tracing with OTLP/gRPC exporter.
// If OTEL_EXPORTER_OTLP_ENDPOINT is not set, tracing is disabled (no-op).
// OTEL_TRACES_SAMPLER_RATIO (0..1, default 1) samples root spans; a session
// is one long trace, so sampling is per session rather than per span.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}
	ratio, err := samplerRatio(os.Getenv("OTEL_TRACES_SAMPLER_RATIO"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(), // collector runs as a sidecar
		otlptracegrpc.WithEndpoint(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled.Store(true)
	slog.Info("tracing initialized", slog.String("service", serviceName), slog.String("endpoint", endpoint), slog.Float64("ratio", ratio))

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
			}
			tracingEnabled.Store(false)
		})
	}, nil
}

func samplerRatio(v string) (float64, error) {
	if v == "" {
		return 1, nil
	}
	r, err := strconv.ParseFloat(v, 64)
	if err != nil || r < 0 || r > 1 {
		return 0, fmt.Errorf("%w: OTEL_TRACES_SAMPLER_RATIO must be within [0,1], got %q", failure.ErrConfiguration, v)
	}
	return r, nil
}

// IsTracingEnabled returns whether tracing is active.
func IsTracingEnabled() bool {
	return tracingEnabled.Load()
}

// StartSpan is a helper to start a span with common attributes and correlation ID.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)

	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}

	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span with its failure class and sets
// error status.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err, trace.WithAttributes(attribute.String("error.class", failure.Classify(err).String())))
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// HTTPMethodAttr returns the span attribute for the request method.
func HTTPMethodAttr(method string) attribute.KeyValue { return attribute.String("http.method", method) }

// HTTPRouteAttr returns the span attribute for the matched route.
func HTTPRouteAttr(route string) attribute.KeyValue { return attribute.String("http.route", route) }

// HTTPURLAttr returns the span attribute for the full request URL.
func HTTPURLAttr(url string) attribute.KeyValue { return attribute.String("http.url", url) }

// SetSpanHTTPStatus records the response status code on span.
func SetSpanHTTPStatus(span trace.Span, code int) {
	span.SetAttributes(attribute.Int("http.status_code", code))
}

// ErrorStatus returns the span status for a failed operation.
func ErrorStatus(msg string) (codes.Code, string) { return codes.Error, msg }
