package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"mcphost-go/internal/config"
)

const instrumentationName = "mcphost-go"

// Tracing wraps an OpenTelemetry tracer. When disabled every span is a no-op.
type Tracing struct {
	logger   *zap.Logger
	tracer   oteltrace.Tracer
	provider *sdktrace.TracerProvider
	enabled  bool
}

// NewTracing exports spans over OTLP/HTTP when cfg enables it
func NewTracing(cfg *config.TracingConfig, version string, logger *zap.Logger) (*Tracing, error) {
	t := &Tracing{
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer(instrumentationName),
	}
	if cfg == nil || !cfg.Enabled {
		return t, nil
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.provider = provider
	t.tracer = provider.Tracer(instrumentationName)
	t.enabled = true

	logger.Info("OpenTelemetry tracing initialized",
		zap.String("service_name", cfg.ServiceName),
		zap.String("otlp_endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_rate", cfg.SampleRate))
	return t, nil
}

// NewTracingWithProvider traces into an existing provider, for example an in-memory recorder
func NewTracingWithProvider(provider oteltrace.TracerProvider, logger *zap.Logger) *Tracing {
	return &Tracing{
		logger:  logger,
		tracer:  provider.Tracer(instrumentationName),
		enabled: true,
	}
}

// Close flushes and shuts down the exporter
func (t *Tracing) Close(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	t.logger.Info("Shutting down OpenTelemetry tracing")
	return t.provider.Shutdown(ctx)
}

// IsEnabled returns whether spans are recorded
func (t *Tracing) IsEnabled() bool {
	return t.enabled
}

// StartSpan starts a span named name
func (t *Tracing) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// TraceInvoke starts the span of one capability invocation
func (t *Tracing) TraceInvoke(ctx context.Context, capability, callerID, requestID string) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "capability.invoke",
		oteltrace.WithAttributes(
			attribute.String("capability.name", capability),
			attribute.String("caller.id", callerID),
			attribute.String("request.id", requestID),
		),
	)
}

// TraceConnect starts the span of one server registration
func (t *Tracing) TraceConnect(ctx context.Context, serverID string) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "server.connect",
		oteltrace.WithAttributes(attribute.String("server.id", serverID)),
	)
}

// EndSpan records the outcome and ends span. message must already be masked.
func EndSpan(span oteltrace.Span, err error, message string) {
	if err != nil {
		span.SetStatus(codes.Error, message)
		span.SetAttributes(attribute.String("error.message", message))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// HTTPMiddleware returns middleware that adds tracing to HTTP requests
func (t *Tracing) HTTPMiddleware() func(http.Handler) http.Handler {
	if !t.enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := t.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				oteltrace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
					semconv.HTTPUserAgentKey.String(r.UserAgent()),
				),
			)
			defer span.End()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(ww.statusCode))
			if ww.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
			}
		})
	}
}

// routePattern returns the chi route pattern so metrics labels stay bounded
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
