//go:build wireinject
// +build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/octaviocubillos/proobox/lib/builder"
	"github.com/octaviocubillos/proobox/lib/config"
	"github.com/octaviocubillos/proobox/lib/containers"
	"github.com/octaviocubillos/proobox/lib/images"
	"github.com/octaviocubillos/proobox/lib/layercache"
	"github.com/octaviocubillos/proobox/lib/paths"
	"github.com/octaviocubillos/proobox/lib/registry"
	"github.com/octaviocubillos/proobox/lib/rootfs"
	"github.com/octaviocubillos/proobox/lib/telemetry"
)

// application holds every wired component a CLI dispatcher built on top of
// this package would need.
type application struct {
	Paths       *paths.Paths
	Config      config.Config
	Telemetry   *telemetry.Providers
	Logger      *slog.Logger
	LayerCache  *layercache.Cache
	ImageStore  *images.Store
	Rootfs      *rootfs.Assembler
	Registry    *registry.Client
	Containers  *containers.Manager
	Builder     *builder.Builder
}

func initializeApp(ctx context.Context) (*application, func(), error) {
	panic(wire.Build(
		ProvidePaths,
		ProvideBackendConfig,
		ProvideTelemetry,
		ProvideLogger,
		ProvideLayerCache,
		ProvideImageStore,
		ProvideRootfsAssembler,
		ProvideRegistryClient,
		ProvideContainerMetrics,
		ProvideContainerManager,
		ProvideBuilder,
		wire.Bind(new(containers.ImagePuller), new(*registry.Client)),
		wire.Bind(new(builder.ImagePuller), new(*registry.Client)),
		wire.Bind(new(builder.ImageStore), new(*images.Store)),
		wire.Struct(new(application), "*"),
	))
}
