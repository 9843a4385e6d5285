package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// serviceName is reported as service.name on every metric and span.
const serviceName = "bloombot"

// TelemetryConfig identifies this bot instance to the telemetry backends.
type TelemetryConfig struct {
	// Version is the build version, reported as service.version.
	Version string

	// ApplicationID is the Discord application (client) ID. Never the token.
	ApplicationID string

	// GuildID is set when commands are scoped to a single guild.
	GuildID string

	// InstanceID distinguishes replicas. Default: a random UUID.
	InstanceID string

	// Registerer receives the Prometheus collector. Default:
	// [prometheus.DefaultRegisterer], which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter receives finished spans. When nil, spans are sampled for
	// log correlation only and never leave the process.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry owns the meter and tracer providers of one bot process.
type Telemetry struct {
	// Metrics are the bloombot instruments, bound to this telemetry's meter
	// provider.
	Metrics *Metrics

	res *resource.Resource
	mp  *sdkmetric.MeterProvider
	tp  *sdktrace.TracerProvider
}

// Setup builds the providers described by cfg. Only instruments created under
// the bloombot meter are exported; anything a dependency registers on the
// same provider is dropped. Call [Telemetry.Install] to make the providers
// global.
func Setup(cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceInstanceID(cfg.InstanceID),
	}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	if cfg.ApplicationID != "" {
		attrs = append(attrs, attribute.String("discord.application_id", cfg.ApplicationID))
	}
	if cfg.GuildID != "" {
		attrs = append(attrs, attribute.String("discord.guild_id", cfg.GuildID))
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, attrs...)

	var exporterOpts []promexporter.Option
	if cfg.Registerer != nil {
		exporterOpts = append(exporterOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	exporter, err := promexporter.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithView(bloombotOnly),
	)
	metrics, err := NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, fmt.Errorf("observe: instruments: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	return &Telemetry{
		Metrics: metrics,
		res:     res,
		mp:      mp,
		tp:      sdktrace.NewTracerProvider(tpOpts...),
	}, nil
}

// bloombotOnly drops every instrument outside the bloombot meter.
func bloombotOnly(inst sdkmetric.Instrument) (sdkmetric.Stream, bool) {
	if inst.Scope.Name == meterName {
		return sdkmetric.Stream{}, false
	}
	return sdkmetric.Stream{Aggregation: sdkmetric.AggregationDrop{}}, true
}

// Resource returns the resource attached to all exported telemetry.
func (t *Telemetry) Resource() *resource.Resource { return t.res }

// Install registers the providers as the OTel globals used by [Tracer] and
// [DefaultMetrics].
func (t *Telemetry) Install() {
	otel.SetMeterProvider(t.mp)
	otel.SetTracerProvider(t.tp)
}

// Shutdown flushes pending spans, then stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
