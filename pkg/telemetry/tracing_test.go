package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupTracingDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, "oadro-server", "test", TracingOptions{})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(ctx))
}

func TestSetupTracingRejectsBareScheme(t *testing.T) {
	_, err := SetupTracing(context.Background(), "oadro-server", "test", TracingOptions{Endpoint: "https://"})
	require.Error(t, err)
}
