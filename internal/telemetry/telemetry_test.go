package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/planguard/control-plane/internal/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{Enabled: false, OTLPEndpoint: "localhost:4317"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(1.5).Description(), "root:AlwaysOnSampler")
	assert.Contains(t, Sampler(-1).Description(), "root:AlwaysOffSampler")
	assert.Contains(t, Sampler(0.25).Description(), "root:TraceIDRatioBased{0.25}")
}

func TestResource(t *testing.T) {
	cfg := config.TelemetryConfig{ServiceName: "planguard-test", Version: "1.2.3"}
	res, err := Resource(context.Background(), cfg, attribute.String("planguard.store", "sqlite"))
	require.NoError(t, err)

	got := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "planguard-test", got["service.name"])
	assert.Equal(t, "1.2.3", got["service.version"])
	assert.Equal(t, "sqlite", got["planguard.store"])
}
