package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromReturnsDefaultWhenUnset(t *testing.T) {
	logger := From(context.Background())
	require.NotNil(t, logger)
}

func TestIntoFromRoundTrip(t *testing.T) {
	logger := slog.Default().With("component", "test")
	ctx := Into(context.Background(), logger)
	require.Same(t, logger, From(ctx))
}

func TestNewWithoutProviderReturnsPlainLogger(t *testing.T) {
	logger := New(slog.LevelInfo, nil)
	require.NotNil(t, logger)
}
