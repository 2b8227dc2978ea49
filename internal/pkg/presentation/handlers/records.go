package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue"
	"github.com/candata/api-datagateway/internal/pkg/application/services/resolver"
	"github.com/candata/api-datagateway/internal/pkg/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// NewRetrieveResourceRecordsHandler serves a page of records straight from
// the portal's datastore. Portals without a datastore produce a
// "not_available" response rather than an error: the caller should download
// the resource and query it locally instead.
func NewRetrieveResourceRecordsHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-resource-records")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		resourceID, err := url.QueryUnescape(chi.URLParam(r, "id"))
		if resourceID == "" {
			err = fmt.Errorf("no resource id supplied")
			log.Error().Err(err).Msg("bad request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		portal, bareID, err := res.ResolveResourcePortal(ctx, resourceID)
		if err != nil {
			log.Error().Err(err).Msgf("no resource found with id %s", resourceID)
			writeError(w, http.StatusNotFound, err)
			return
		}

		client, err := res.Client(portal)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		params := catalogue.DatastoreParams{
			ResourceID: bareID,
			Sort:       r.URL.Query().Get("sort"),
			Limit:      intQueryParam(r, "limit", 100),
			Offset:     intQueryParam(r, "offset", 0),
		}

		if fields := r.URL.Query().Get("fields"); fields != "" {
			params.Fields = strings.Split(fields, ",")
		}

		if filters := r.URL.Query().Get("filters"); filters != "" {
			if err = json.Unmarshal([]byte(filters), &params.Filters); err != nil {
				log.Error().Err(err).Msg("failed to parse filters from query parameters")
				writeError(w, http.StatusBadRequest, fmt.Errorf("filters must be a JSON object: %w", err))
				return
			}
		}

		records, err := client.DatastoreSearch(ctx, params)
		if err != nil {
			var unavailable *catalogue.DatastoreUnavailableError
			if errors.As(err, &unavailable) {
				err = nil
				writeData(w, map[string]any{
					"status":  "not_available",
					"portal":  portal,
					"message": fmt.Sprintf("portal %s has no remote datastore; download the resource and query it locally", portal),
				})
				return
			}

			log.Error().Err(err).Msgf("datastore search failed for resource %s", resourceID)
			writeError(w, http.StatusBadGateway, err)
			return
		}

		writeData(w, map[string]any{"portal": portal, "records": records})
	})
}

// NewDatastoreSQLHandler passes a SQL statement through to a portal's remote
// datastore. The portal runs it with its own safety rules; nothing touches
// the local cache.
func NewDatastoreSQLHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "datastore-sql")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		var body struct {
			Portal string `json:"portal"`
			SQL    string `json:"sql"`
		}
		if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Error().Err(err).Msg("failed to decode request body")
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if body.SQL == "" {
			err = fmt.Errorf("sql is required")
			writeError(w, http.StatusBadRequest, err)
			return
		}

		results, err := resolver.FirstMatch(ctx, res, body.Portal, resolver.DatastorePortals,
			func(ctx context.Context, portalKey string, client catalogue.Client) (*domain.DatastoreResult, error) {
				return client.DatastoreSQL(ctx, body.SQL)
			})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if len(results) == 1 && results[0].Err == nil {
			writeData(w, map[string]any{"portal": results[0].Portal, "result": results[0].Value})
			return
		}

		failures := map[string]string{}
		for _, result := range results {
			failures[result.Portal] = result.Err.Error()
		}

		log.Error().Msg("datastore sql failed on every eligible portal")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "datastore sql failed on every eligible portal", "portals": failures})
	})
}
