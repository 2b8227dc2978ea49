package presentation

import (
	"compress/flate"
	"context"
	"net/http"

	"github.com/candata/api-datagateway/internal/pkg/application/services/resolver"
	"github.com/candata/api-datagateway/internal/pkg/application/services/retrieval"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/repositories/cache"
	"github.com/candata/api-datagateway/internal/pkg/presentation/handlers"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type API interface {
	Start(port string) error
	Router() chi.Router
}

type datagatewayAPI struct {
	router chi.Router
	log    zerolog.Logger
}

func NewAPI(ctx context.Context, r chi.Router, res *resolver.Service, retriever *retrieval.Service, mgr *cache.Manager) API {
	log := logging.GetFromContext(ctx)

	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	// Enable gzip compression for our responses
	compressor := middleware.NewCompressor(
		flate.DefaultCompression,
		"text/csv", "application/json",
	)
	r.Use(compressor.Handler)
	r.Use(otelchi.Middleware("api-datagateway", otelchi.WithChiRoutes(r)))

	a := &datagatewayAPI{
		router: r,
		log:    log,
	}

	a.addGatewayHandlers(r, log, res, retriever, mgr)
	a.addProbeHandlers(r)

	return a
}

func (a *datagatewayAPI) Start(port string) error {
	a.log.Info().Msgf("Starting api-datagateway on port:%s", port)
	return http.ListenAndServe(":"+port, a.router)
}

func (a *datagatewayAPI) Router() chi.Router {
	return a.router
}

func (a *datagatewayAPI) addGatewayHandlers(r chi.Router, log zerolog.Logger, res *resolver.Service, retriever *retrieval.Service, mgr *cache.Manager) {
	r.Get(
		"/api/search",
		handlers.NewSearchDatasetsHandler(log, res),
	)
	r.Get(
		"/api/datasets",
		handlers.NewListDatasetNamesHandler(log, res),
	)
	r.Get(
		"/api/datasets/compare",
		handlers.NewCompareDatasetsHandler(log, res),
	)
	r.Get(
		"/api/datasets/{id}",
		handlers.NewRetrieveDatasetHandler(log, res),
	)
	r.Get(
		"/api/datasets/{id}/resources",
		handlers.NewRetrieveDatasetResourcesHandler(log, res),
	)
	r.Get(
		"/api/datasets/{id}/related",
		handlers.NewRetrieveRelatedDatasetsHandler(log, res),
	)
	r.Get(
		"/api/organizations",
		handlers.NewRetrieveOrganizationsHandler(log, res),
	)
	r.Get(
		"/api/tags",
		handlers.NewRetrieveTagsHandler(log, res),
	)
	r.Get(
		"/api/groups",
		handlers.NewRetrieveGroupsHandler(log, res),
	)
	r.Get(
		"/api/resources/{id}",
		handlers.NewRetrieveResourceHandler(log, res),
	)
	r.Get(
		"/api/resources/{id}/records",
		handlers.NewRetrieveResourceRecordsHandler(log, res),
	)
	r.Post(
		"/api/datastore/sql",
		handlers.NewDatastoreSQLHandler(log, res),
	)
	r.Post(
		"/api/resources/{id}/download",
		handlers.NewDownloadResourceHandler(log, retriever),
	)
	r.Post(
		"/api/resources/{id}/refresh",
		handlers.NewRefreshResourceHandler(log, retriever),
	)
	r.Get(
		"/api/resources/{id}/profile",
		handlers.NewProfileResourceHandler(log, mgr),
	)
	r.Post(
		"/api/query",
		handlers.NewCachedQueryHandler(log, mgr),
	)
	r.Get(
		"/api/cache",
		handlers.NewCacheInfoHandler(log, mgr),
	)
	r.Post(
		"/api/cache/refresh",
		handlers.NewRefreshStaleHandler(log, retriever),
	)
	r.Delete(
		"/api/cache/{id}",
		handlers.NewRemoveCachedResourceHandler(log, mgr),
	)
	r.Delete(
		"/api/cache",
		handlers.NewClearCacheHandler(log, mgr),
	)
}

func (a *datagatewayAPI) addProbeHandlers(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
