// Package observe provides application-wide observability primitives for
// bloombot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [Setup] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bloombot metrics.
const meterName = "github.com/MrWong99/bloombot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Voice lifecycle ---

	// VoiceJoins counts join attempts. Use with attributes:
	//   attribute.String("status", ...), attribute.String("action", ...)
	VoiceJoins metric.Int64Counter

	// VoiceJoinDuration tracks how long establishing or moving a voice
	// connection took.
	VoiceJoinDuration metric.Float64Histogram

	// VoiceLeaves counts connections torn down by Leave or shutdown.
	VoiceLeaves metric.Int64Counter

	// --- Playback ---

	// TrackErrors counts runtime playback errors. Use with attribute:
	//   attribute.String("guild_id", ...)
	TrackErrors metric.Int64Counter

	// ObserverPanics counts observer callbacks that panicked.
	ObserverPanics metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live voice connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks the number of clips currently playing.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// voice handshakes, which routinely take a second or more.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Voice lifecycle.
	if met.VoiceJoins, err = m.Int64Counter("bloombot.voice.joins",
		metric.WithDescription("Total voice join attempts by action and status."),
	); err != nil {
		return nil, err
	}
	if met.VoiceJoinDuration, err = m.Float64Histogram("bloombot.voice.join.duration",
		metric.WithDescription("Latency of establishing or moving a voice connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VoiceLeaves, err = m.Int64Counter("bloombot.voice.leaves",
		metric.WithDescription("Total voice connections torn down."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.TrackErrors, err = m.Int64Counter("bloombot.track.errors",
		metric.WithDescription("Total runtime playback errors by guild."),
	); err != nil {
		return nil, err
	}
	if met.ObserverPanics, err = m.Int64Counter("bloombot.observer.panics",
		metric.WithDescription("Total observer callbacks that panicked."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("bloombot.active_connections",
		metric.WithDescription("Number of live voice connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("bloombot.active_sessions",
		metric.WithDescription("Number of clips currently playing."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("bloombot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordJoin records a join attempt together with its latency. action is one
// of "connect", "move" or "reuse"; status is "ok" or a failure reason.
func (m *Metrics) RecordJoin(ctx context.Context, action, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	)
	m.VoiceJoins.Add(ctx, 1, attrs)
	m.VoiceJoinDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordTrackError is a convenience method that records a playback error
// counter increment.
func (m *Metrics) RecordTrackError(ctx context.Context, guildID string) {
	m.TrackErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("guild_id", guildID)),
	)
}
