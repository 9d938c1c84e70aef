// Package logging builds proobox's structured logger and threads it through
// context.Context, mirroring the teacher's `logger.FromContext` pattern.
package logging

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
)

type contextKey struct{}

// New builds a JSON-handler slog.Logger at level. When provider is non-nil,
// records are additionally bridged into the OpenTelemetry log pipeline via
// otelslog, so operator telemetry rides the same OTLP path as metrics and
// traces.
func New(level slog.Level, provider log.LoggerProvider) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if provider == nil {
		return slog.New(handler)
	}
	bridge := otelslog.NewHandler("proobox", otelslog.WithLoggerProvider(provider))
	return slog.New(fanoutHandler{primary: handler, bridge: bridge})
}

// fanoutHandler writes every record to both the local JSON handler and the
// OTel bridge handler.
type fanoutHandler struct {
	primary slog.Handler
	bridge  slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return f.primary.Enabled(ctx, level) || f.bridge.Enabled(ctx, level)
}

func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := f.primary.Handle(ctx, record.Clone()); err != nil {
		return err
	}
	return f.bridge.Handle(ctx, record.Clone())
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanoutHandler{primary: f.primary.WithAttrs(attrs), bridge: f.bridge.WithAttrs(attrs)}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	return fanoutHandler{primary: f.primary.WithGroup(name), bridge: f.bridge.WithGroup(name)}
}

// Into attaches logger to ctx.
func Into(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// From returns the logger attached to ctx, or slog.Default() if none was
// attached.
func From(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
