package observe

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func newTestTelemetry(t *testing.T, cfg TelemetryConfig) (*Telemetry, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	tel, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel, reg
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func hasFamily(families map[string]*dto.MetricFamily, prefix string) bool {
	for name := range families {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func TestSetup_ResourceIdentifiesBot(t *testing.T) {
	t.Parallel()
	tel, _ := newTestTelemetry(t, TelemetryConfig{
		Version:       "1.2.3",
		ApplicationID: "1234",
		GuildID:       "42",
		InstanceID:    "replica-a",
	})

	want := map[attribute.Key]string{
		semconv.ServiceNameKey:       "bloombot",
		semconv.ServiceVersionKey:    "1.2.3",
		semconv.ServiceInstanceIDKey: "replica-a",
		"discord.application_id":     "1234",
		"discord.guild_id":           "42",
	}
	set := tel.Resource().Set()
	for key, val := range want {
		got, ok := set.Value(key)
		if !ok {
			t.Errorf("resource is missing %s", key)
			continue
		}
		if got.AsString() != val {
			t.Errorf("%s = %q, want %q", key, got.AsString(), val)
		}
	}
}

func TestSetup_DefaultsInstanceID(t *testing.T) {
	t.Parallel()
	a, _ := newTestTelemetry(t, TelemetryConfig{})
	b, _ := newTestTelemetry(t, TelemetryConfig{})

	idA, okA := a.Resource().Set().Value(semconv.ServiceInstanceIDKey)
	idB, okB := b.Resource().Set().Value(semconv.ServiceInstanceIDKey)
	if !okA || !okB || idA.AsString() == "" {
		t.Fatal("service.instance.id not set")
	}
	if idA.AsString() == idB.AsString() {
		t.Errorf("two instances share instance id %q", idA.AsString())
	}
	if _, ok := a.Resource().Set().Value("discord.application_id"); ok {
		t.Error("discord.application_id set without an application ID")
	}
}

func TestSetup_ExportsOnlyBloombotMeter(t *testing.T) {
	t.Parallel()
	tel, reg := newTestTelemetry(t, TelemetryConfig{ApplicationID: "1234"})
	ctx := context.Background()

	tel.Metrics.RecordJoin(ctx, "connect", "ok", 250*time.Millisecond)

	foreign, err := tel.mp.Meter("example.com/some-dependency").Int64Counter("dependency.requests")
	if err != nil {
		t.Fatalf("foreign counter: %v", err)
	}
	foreign.Add(ctx, 3)

	families := gather(t, reg)
	if !hasFamily(families, "bloombot_voice_joins") {
		t.Errorf("bloombot_voice_joins not exported; got %v", familyNames(families))
	}
	if hasFamily(families, "dependency_requests") {
		t.Error("instrument from a foreign meter was exported")
	}
}

func TestSetup_ShutdownIsClean(t *testing.T) {
	t.Parallel()
	tel, err := Setup(TelemetryConfig{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func familyNames(families map[string]*dto.MetricFamily) []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	return names
}
