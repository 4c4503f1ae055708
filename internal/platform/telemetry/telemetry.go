// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// the scheduling server.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/orsched/internal/platform/auth"
)

const instrumentationName = "github.com/ehr/orsched"

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP/HTTP collector; empty disables export
	Insecure       bool
	MetricsEnabled *bool // nil = use default (true)
	TracingEnabled *bool // nil = use default (true)
	SampleRate     float64
}

func (c *TelemetryConfig) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *TelemetryConfig) tracingOn() bool {
	return c.TracingEnabled == nil || *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "orsched-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// TelemetryProvider owns the tracer provider and the metrics registry.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
}

// Option customises a TelemetryProvider.
type Option func(*providerOptions)

type providerOptions struct {
	exporter sdktrace.SpanExporter
	syncer   bool
}

// WithSpanExporter replaces the OTLP exporter, e.g. with an in-memory
// recorder in tests. Spans are exported synchronously.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *providerOptions) {
		o.exporter = exp
		o.syncer = true
	}
}

// NewTelemetryProvider builds the tracer provider, registers it globally and
// creates the HTTP metrics. With no endpoint and no exporter, spans are
// sampled but not exported.
func NewTelemetryProvider(ctx context.Context, cfg TelemetryConfig, opts ...Option) (*TelemetryProvider, error) {
	cfg.applyDefaults()
	var po providerOptions
	for _, o := range opts {
		o(&po)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	exporter := po.exporter
	if exporter == nil && cfg.OTLPEndpoint != "" && cfg.tracingOn() {
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		exporter = exp
	}
	if exporter != nil {
		if po.syncer {
			tpOpts = append(tpOpts, sdktrace.WithSyncer(exporter))
		} else {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p := &TelemetryProvider{
		cfg:      cfg,
		tp:       tp,
		tracer:   tp.Tracer(instrumentationName),
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orsched",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orsched",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests currently being served",
		}),
	}
	p.registry.MustRegister(p.requestDuration, p.activeRequests,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return p, nil
}

// Registerer exposes the provider's registry so domain packages can add
// their own collectors.
func (p *TelemetryProvider) Registerer() prometheus.Registerer {
	return p.registry
}

// Shutdown flushes pending spans.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// TracingMiddleware starts a server span for every request, continuing any
// trace propagated in the request headers.
func (p *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.tracingOn() {
				return next(c)
			}
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
			)
			if tid, ok := c.Get(auth.TenantKey).(string); ok && tid != "" {
				span.SetAttributes(attribute.String("tenant.id", tid))
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			if err != nil {
				span.RecordError(err)
			}
			return err
		}
	}
}

// MetricsMiddleware records request latency and in-flight requests.
func (p *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}
			p.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			p.activeRequests.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			p.requestDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus text format.
func (p *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// StartSpan starts a span on the globally registered tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
