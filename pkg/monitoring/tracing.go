// Package monitoring carries the agent's own telemetry: distributed
// tracing for the collection and serving paths, plus a dedicated
// Prometheus registry for self-metrics. Sandbox metrics never pass
// through this package; they are scraped, converted, and served as
// text so a misbehaving guest cannot poison the agent's own
// instrumentation.
package monitoring

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Supported trace exporters.
const (
	ExporterJaeger   = "jaeger"
	ExporterOTLP     = "otlp"
	ExporterStdout   = "stdout"
	ExporterMultiple = "multiple"
)

// TracingConfig configures distributed tracing for the agent.
type TracingConfig struct {
	Enabled        bool         `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string       `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string       `json:"service_version" yaml:"service_version" mapstructure:"service_version"`
	Environment    string       `json:"environment" yaml:"environment" mapstructure:"environment"`
	Exporter       string       `json:"exporter" yaml:"exporter" mapstructure:"exporter"`
	SamplingRatio  float64      `json:"sampling_ratio" yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
	Jaeger         JaegerConfig `json:"jaeger" yaml:"jaeger" mapstructure:"jaeger"`
	OTLP           OTLPConfig   `json:"otlp" yaml:"otlp" mapstructure:"otlp"`
}

// JaegerConfig configures the Jaeger collector exporter.
type JaegerConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
}

// OTLPConfig configures the OTLP HTTP exporter.
type OTLPConfig struct {
	Endpoint string            `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Insecure bool              `json:"insecure" yaml:"insecure" mapstructure:"insecure"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" mapstructure:"headers"`
	Timeout  time.Duration     `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// DefaultTracingConfig returns the tracing defaults. Tracing is off by
// default: the agent runs inside every guest, and most deployments
// have no trace collector reachable from there.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:        false,
		ServiceName:    "vigilbox",
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       ExporterStdout,
		SamplingRatio:  1.0,
		Jaeger: JaegerConfig{
			Endpoint: "http://localhost:14268/api/traces",
		},
		OTLP: OTLPConfig{
			Endpoint: "localhost:4318",
			Insecure: true,
			Timeout:  10 * time.Second,
		},
	}
}

// TracingManager owns the tracer provider and exposes helpers for
// instrumenting operations and HTTP handlers.
type TracingManager struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// NewTracingManager creates a tracing manager from config. When
// tracing is disabled the manager hands out no-op tracers and every
// helper stays callable.
func NewTracingManager(config *TracingConfig) (*TracingManager, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}

	tm := &TracingManager{config: config}

	if !config.Enabled {
		tm.tracer = noop.NewTracerProvider().Tracer(config.ServiceName)
		log.Debug().Msg("Tracing disabled")
		return tm, nil
	}

	if err := tm.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", config.Exporter).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized")

	return tm, nil
}

func (tm *TracingManager) initialize() error {
	res, err := tm.buildResource()
	if err != nil {
		return fmt.Errorf("failed to build resource: %w", err)
	}

	exporters, err := tm.buildExporters()
	if err != nil {
		return err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tm.config.SamplingRatio))),
	}
	for _, exp := range exporters {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tm.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tm.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tm.tracer = tm.tracerProvider.Tracer(
		tm.config.ServiceName,
		trace.WithInstrumentationVersion(tm.config.ServiceVersion),
	)

	return nil
}

func (tm *TracingManager) buildResource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(tm.config.ServiceName),
		semconv.ServiceVersion(tm.config.ServiceVersion),
		semconv.ServiceInstanceID(uuid.NewString()),
		semconv.DeploymentEnvironment(tm.config.Environment),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(hostname))
	}

	return resource.New(context.Background(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
}

func (tm *TracingManager) buildExporters() ([]sdktrace.SpanExporter, error) {
	switch tm.config.Exporter {
	case ExporterJaeger:
		exp, err := tm.newJaegerExporter()
		if err != nil {
			return nil, err
		}
		return []sdktrace.SpanExporter{exp}, nil

	case ExporterOTLP:
		exp, err := tm.newOTLPExporter()
		if err != nil {
			return nil, err
		}
		return []sdktrace.SpanExporter{exp}, nil

	case ExporterStdout, "":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return []sdktrace.SpanExporter{exp}, nil

	case ExporterMultiple:
		jaegerExp, err := tm.newJaegerExporter()
		if err != nil {
			return nil, err
		}
		otlpExp, err := tm.newOTLPExporter()
		if err != nil {
			return nil, err
		}
		return []sdktrace.SpanExporter{jaegerExp, otlpExp}, nil

	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", tm.config.Exporter)
	}
}

func (tm *TracingManager) newJaegerExporter() (sdktrace.SpanExporter, error) {
	opts := []jaeger.CollectorEndpointOption{
		jaeger.WithEndpoint(tm.config.Jaeger.Endpoint),
	}
	if tm.config.Jaeger.Username != "" {
		opts = append(opts,
			jaeger.WithUsername(tm.config.Jaeger.Username),
			jaeger.WithPassword(tm.config.Jaeger.Password),
		)
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}
	return exp, nil
}

func (tm *TracingManager) newOTLPExporter() (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(tm.config.OTLP.Endpoint),
	}
	if tm.config.OTLP.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(tm.config.OTLP.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(tm.config.OTLP.Headers))
	}
	if tm.config.OTLP.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(tm.config.OTLP.Timeout))
	}

	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}
	return exp, nil
}

// GetTracer returns the tracer for manual instrumentation.
func (tm *TracingManager) GetTracer() trace.Tracer {
	return tm.tracer
}

// StartSpan starts a span with the given name.
func (tm *TracingManager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, name, opts...)
}

// TraceOperation runs fn inside a span, recording any error it returns.
func (tm *TracingManager) TraceOperation(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tm.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// HTTPMiddleware returns middleware that traces each request, picking
// up incoming trace context from the request headers.
func (tm *TracingManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tm.tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("user_agent.original", r.UserAgent()),
					attribute.String("client.address", r.RemoteAddr),
				),
			)
			defer span.End()

			ww := &wrappedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", ww.statusCode))
			if ww.statusCode >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// wrappedResponseWriter captures the status code written by a handler.
type wrappedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrappedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets WebSocket upgrades pass through wrapped writers.
func (w *wrappedResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func (w *wrappedResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Shutdown flushes pending spans and stops the tracer provider.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}
	if err := tm.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	log.Debug().Msg("Tracing shutdown complete")
	return nil
}
