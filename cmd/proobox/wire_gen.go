// Hand-written in the shape of Wire's output; see initializeApp below.

//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

package main

import (
	"context"
	"log/slog"

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
	Paths      *paths.Paths
	Config     config.Config
	Telemetry  *telemetry.Providers
	Logger     *slog.Logger
	LayerCache *layercache.Cache
	ImageStore *images.Store
	Rootfs     *rootfs.Assembler
	Registry   *registry.Client
	Containers *containers.Manager
	Builder    *builder.Builder
}

// initializeApp is the hand-assembled equivalent of what
// `wire gen` would emit from wire.go's injector. Kept in sync by hand since
// this module never invokes the Go toolchain's code generation.
func initializeApp(ctx context.Context) (*application, func(), error) {
	p, err := ProvidePaths()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := ProvideBackendConfig(p)
	if err != nil {
		return nil, nil, err
	}

	telemetryProviders, err := ProvideTelemetry(ctx)
	if err != nil {
		return nil, nil, err
	}

	logger := ProvideLogger(telemetryProviders)

	cache := ProvideLayerCache(p, logger)
	store := ProvideImageStore(p, logger)
	assembler := ProvideRootfsAssembler(cache, logger)

	regClient, err := ProvideRegistryClient(p, store, cfg, logger)
	if err != nil {
		telemetryProviders.Shutdown(ctx)
		return nil, nil, err
	}

	metrics, err := ProvideContainerMetrics(telemetryProviders)
	if err != nil {
		telemetryProviders.Shutdown(ctx)
		return nil, nil, err
	}

	containerManager := ProvideContainerManager(p, regClient, assembler, logger, metrics)
	imageBuilder := ProvideBuilder(p, regClient, assembler, cache, store, logger)

	app := &application{
		Paths:      p,
		Config:     cfg,
		Telemetry:  telemetryProviders,
		Logger:     logger,
		LayerCache: cache,
		ImageStore: store,
		Rootfs:     assembler,
		Registry:   regClient,
		Containers: containerManager,
		Builder:    imageBuilder,
	}

	cleanup := func() {
		if err := telemetryProviders.Shutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}

	return app, cleanup, nil
}
