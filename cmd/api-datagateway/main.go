package main

import (
	"context"
	"flag"

	"github.com/candata/api-datagateway/internal/pkg/application/services/resolver"
	"github.com/candata/api-datagateway/internal/pkg/application/services/retrieval"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/portals"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/repositories/cache"
	"github.com/candata/api-datagateway/internal/pkg/presentation"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
)

var portalsFileName string
var databaseFileName string

func main() {
	serviceName := "api-datagateway"
	serviceVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	log.Info().Msgf("Starting up %s ...", serviceName)

	flag.StringVar(&portalsFileName, "portals", "", "A YAML file with the portal registry (built-in defaults when omitted)")
	flag.StringVar(&databaseFileName, "db", "", "Path to the cache database file (per-user cache dir when omitted)")
	flag.Parse()

	registry := loadRegistry(ctx)

	mgr, err := cache.New(databaseFileName)
	if err != nil {
		log.Fatal().Msgf("failed to open cache database: %s", err.Error())
	}
	defer mgr.Close()

	if err := mgr.Initialize(ctx); err != nil {
		log.Fatal().Msgf("failed to initialize cache database: %s", err.Error())
	}

	log.Info().Msgf("cache database at %s (spatial support: %t)", mgr.DBPath(), mgr.HasSpatial())

	res := resolver.New(registry)
	retriever := retrieval.New(res, mgr)

	port := env.GetVariableOrDefault(log, "SERVICE_PORT", "8880")

	app := presentation.NewAPI(ctx, chi.NewRouter(), res, retriever, mgr)
	if err := app.Start(port); err != nil {
		log.Fatal().Msgf("failed to start router: %s", err.Error())
	}
}

func loadRegistry(ctx context.Context) *portals.Registry {
	log := logging.GetFromContext(ctx)

	registry, err := portals.Load(portalsFileName)
	if err != nil {
		log.Fatal().Msgf("failed to load portal registry from %s: %s", portalsFileName, err.Error())
	}

	log.Info().Msgf("portal registry: %v", registry.Keys())

	return registry
}
