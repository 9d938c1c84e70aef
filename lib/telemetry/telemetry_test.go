package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithoutEndpointReturnsNoopProviders(t *testing.T) {
	providers, err := New(context.Background(), "", "proobox")
	require.NoError(t, err)
	require.NotNil(t, providers.Meter)
	require.NotNil(t, providers.Tracer)
	require.NotNil(t, providers.Logger)
	require.NoError(t, providers.Shutdown(context.Background()))
}
