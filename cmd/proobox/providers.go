package main

import (
	"context"
	"log/slog"

	"github.com/octaviocubillos/proobox/lib/builder"
	"github.com/octaviocubillos/proobox/lib/config"
	"github.com/octaviocubillos/proobox/lib/containers"
	"github.com/octaviocubillos/proobox/lib/images"
	"github.com/octaviocubillos/proobox/lib/layercache"
	"github.com/octaviocubillos/proobox/lib/logging"
	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/octaviocubillos/proobox/lib/registry"
	"github.com/octaviocubillos/proobox/lib/rootfs"
	"github.com/octaviocubillos/proobox/lib/telemetry"
)

// ProvideContext provides the application's base context.
func ProvideContext() context.Context {
	return context.Background()
}

// ProvidePaths resolves and ensures $BASE.
func ProvidePaths() (*paths.Paths, error) {
	base, err := paths.Resolve("")
	if err != nil {
		return nil, err
	}
	p := paths.New(base)
	if err := p.EnsureBase(); err != nil {
		return nil, err
	}
	return p, nil
}

// ProvideBackendConfig loads the registry backend configuration.
func ProvideBackendConfig(p *paths.Paths) (config.Config, error) {
	return config.Load(p)
}

// ProvideTelemetry builds the OTel providers, no-op unless
// OTEL_EXPORTER_OTLP_ENDPOINT is set.
func ProvideTelemetry(ctx context.Context) (*telemetry.Providers, error) {
	return telemetry.New(ctx, otelEndpointFromEnv(), "proobox")
}

// ProvideLogger builds the process logger, bridged into OTel when telemetry
// is configured.
func ProvideLogger(t *telemetry.Providers) *slog.Logger {
	return logging.New(slog.LevelInfo, t.Logger)
}

// ProvideLayerCache provides the layer cache.
func ProvideLayerCache(p *paths.Paths, log *slog.Logger) *layercache.Cache {
	return layercache.New(p, log)
}

// ProvideImageStore provides the image store.
func ProvideImageStore(p *paths.Paths, log *slog.Logger) *images.Store {
	return images.New(p, log)
}

// ProvideRootfsAssembler provides the rootfs assembler.
func ProvideRootfsAssembler(cache *layercache.Cache, log *slog.Logger) *rootfs.Assembler {
	return rootfs.New(cache, log)
}

// ProvideRegistryClient provides the registry client, which also satisfies
// lib/containers.ImagePuller and lib/builder.ImagePuller.
func ProvideRegistryClient(p *paths.Paths, store *images.Store, cfg config.Config, log *slog.Logger) (*registry.Client, error) {
	return registry.New(p, store, registry.Config{
		BackendURL: cfg.BackendURL,
		Username:   cfg.Username,
		Token:      cfg.Token,
	}, log)
}

// ProvideContainerMetrics provides the container supervisor's OTel
// instruments.
func ProvideContainerMetrics(t *telemetry.Providers) (*containers.Metrics, error) {
	return containers.NewMetrics(t.Meter.Meter("proobox/containers"))
}

// ProvideContainerManager provides the container supervisor.
func ProvideContainerManager(p *paths.Paths, puller *registry.Client, assembler *rootfs.Assembler, log *slog.Logger, metrics *containers.Metrics) *containers.Manager {
	return containers.New(p, puller, assembler, log, metrics)
}

// ProvideBuilder provides the image builder.
func ProvideBuilder(p *paths.Paths, puller *registry.Client, assembler *rootfs.Assembler, cache *layercache.Cache, store *images.Store, log *slog.Logger) *builder.Builder {
	return builder.New(p, puller, assembler, cache, store, log)
}
