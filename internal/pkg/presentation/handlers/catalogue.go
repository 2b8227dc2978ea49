package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue"
	"github.com/candata/api-datagateway/internal/pkg/application/services/resolver"
	"github.com/candata/api-datagateway/internal/pkg/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("api-datagateway/api")

func writeJSON(w http.ResponseWriter, status int, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
	return nil
}

func writeData(w http.ResponseWriter, body any) error {
	return writeJSON(w, http.StatusOK, map[string]any{"data": body})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// PortalSearchResult is one portal's slice of an aggregated search.
type PortalSearchResult struct {
	Count   int              `json:"count"`
	Results []domain.Dataset `json:"results,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// NewSearchDatasetsHandler searches every configured portal concurrently and
// returns each portal's results side by side. One portal being down does not
// empty the response.
func NewSearchDatasetsHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "search-datasets")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		query := r.URL.Query()
		params := catalogue.SearchParams{
			Query: query.Get("q"),
			Sort:  query.Get("sort"),
			Rows:  intQueryParam(r, "rows", 10),
			Start: intQueryParam(r, "start", 0),
		}

		for _, facet := range []string{"organization", "tags", "res_format"} {
			if v := query.Get(facet); v != "" {
				if params.Filters == nil {
					params.Filters = map[string]string{}
				}
				params.Filters[facet] = v
			}
		}

		results, err := resolver.CollectAll(ctx, res, query.Get("portal"), resolver.AnyPortal,
			func(ctx context.Context, portalKey string, client catalogue.Client) (*domain.SearchResult, error) {
				return client.Search(ctx, params)
			})
		if err != nil {
			log.Error().Err(err).Msg("search failed")
			writeError(w, http.StatusBadRequest, err)
			return
		}

		portalResults := map[string]PortalSearchResult{}
		total := 0

		for _, result := range results {
			if result.Err != nil {
				log.Warn().Err(result.Err).Str("portal", result.Portal).Msg("portal search failed")
				portalResults[result.Portal] = PortalSearchResult{Error: result.Err.Error()}
				continue
			}

			portalResults[result.Portal] = PortalSearchResult{
				Count:   result.Value.Count,
				Results: prefixDatasetIDs(result.Portal, result.Value.Results),
			}
			total += result.Value.Count
		}

		writeData(w, map[string]any{"total": total, "portals": portalResults})
	})
}

// NewRetrieveDatasetHandler resolves a possibly-prefixed dataset id and
// returns its metadata.
func NewRetrieveDatasetHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-dataset")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		datasetID, err := url.QueryUnescape(chi.URLParam(r, "id"))
		if datasetID == "" {
			err = fmt.Errorf("no dataset id supplied")
			log.Error().Err(err).Msg("bad request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		portal, _, ds, err := res.ResolveDataset(ctx, datasetID)
		if err != nil {
			log.Error().Err(err).Msgf("no dataset found with id %s", datasetID)
			writeError(w, http.StatusNotFound, err)
			return
		}

		writeData(w, map[string]any{"portal": portal, "dataset": ds})
	})
}

// NewRetrieveDatasetResourcesHandler lists a dataset's resources with their
// portal-qualified ids, ready to pass to the download endpoint.
func NewRetrieveDatasetResourcesHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-dataset-resources")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		datasetID, err := url.QueryUnescape(chi.URLParam(r, "id"))
		if datasetID == "" {
			err = fmt.Errorf("no dataset id supplied")
			log.Error().Err(err).Msg("bad request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		portal, _, ds, err := res.ResolveDataset(ctx, datasetID)
		if err != nil {
			log.Error().Err(err).Msgf("no dataset found with id %s", datasetID)
			writeError(w, http.StatusNotFound, err)
			return
		}

		type resourceListing struct {
			domain.Resource
			QualifiedID string `json:"qualified_id"`
		}

		listings := make([]resourceListing, 0, len(ds.Resources))
		for _, resource := range ds.Resources {
			listings = append(listings, resourceListing{
				Resource:    resource,
				QualifiedID: portal + ":" + resource.ID,
			})
		}

		writeData(w, map[string]any{"portal": portal, "dataset_id": ds.ID, "resources": listings})
	})
}

// NewRetrieveRelatedDatasetsHandler finds datasets sharing tags with the
// given one, on the same portal, excluding the dataset itself.
func NewRetrieveRelatedDatasetsHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-related-datasets")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		datasetID, err := url.QueryUnescape(chi.URLParam(r, "id"))
		if datasetID == "" {
			err = fmt.Errorf("no dataset id supplied")
			log.Error().Err(err).Msg("bad request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		portal, bareID, ds, err := res.ResolveDataset(ctx, datasetID)
		if err != nil {
			log.Error().Err(err).Msgf("no dataset found with id %s", datasetID)
			writeError(w, http.StatusNotFound, err)
			return
		}

		if len(ds.Tags) == 0 {
			writeData(w, map[string]any{"portal": portal, "related": []domain.Dataset{}})
			return
		}

		client, err := res.Client(portal)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		terms := make([]string, 0, len(ds.Tags))
		for _, tag := range ds.Tags {
			terms = append(terms, tag.Name)
			if len(terms) == 3 {
				break
			}
		}

		found, err := client.Search(ctx, catalogue.SearchParams{
			Query: strings.Join(terms, " "),
			Rows:  11,
		})
		if err != nil {
			log.Error().Err(err).Msg("related dataset search failed")
			writeError(w, http.StatusBadGateway, err)
			return
		}

		related := []domain.Dataset{}
		for _, candidate := range found.Results {
			if candidate.ID == bareID || candidate.ID == ds.ID {
				continue
			}
			related = append(related, candidate)
			if len(related) == 10 {
				break
			}
		}

		writeData(w, map[string]any{"portal": portal, "related": prefixDatasetIDs(portal, related)})
	})
}

// NewCompareDatasetsHandler returns a side-by-side metadata summary for a
// comma-separated list of dataset ids.
func NewCompareDatasetsHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "compare-datasets")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		idsParam := r.URL.Query().Get("ids")
		if idsParam == "" {
			err = fmt.Errorf("query parameter ids is required")
			log.Error().Err(err).Msg("bad request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		type summary struct {
			ID               string `json:"id"`
			Portal           string `json:"portal,omitempty"`
			Title            string `json:"title,omitempty"`
			Organization     string `json:"organization,omitempty"`
			UpdateFrequency  string `json:"update_frequency,omitempty"`
			MetadataModified string `json:"metadata_modified,omitempty"`
			ResourceCount    int    `json:"resource_count"`
			TagCount         int    `json:"tag_count"`
			Error            string `json:"error,omitempty"`
		}

		summaries := []summary{}
		for _, id := range strings.Split(idsParam, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}

			portal, _, ds, err := res.ResolveDataset(ctx, id)
			if err != nil {
				summaries = append(summaries, summary{ID: id, Error: err.Error()})
				continue
			}

			summaries = append(summaries, summary{
				ID:               id,
				Portal:           portal,
				Title:            ds.Title,
				Organization:     ds.Organization.Title,
				UpdateFrequency:  ds.UpdateFrequency,
				MetadataModified: ds.MetadataModified,
				ResourceCount:    len(ds.Resources),
				TagCount:         len(ds.Tags),
			})
		}

		writeData(w, summaries)
	})
}

// NewRetrieveOrganizationsHandler aggregates organizations across portals.
func NewRetrieveOrganizationsHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-organizations")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		results, err := resolver.CollectAll(ctx, res, r.URL.Query().Get("portal"), resolver.AnyPortal,
			func(ctx context.Context, portalKey string, client catalogue.Client) ([]domain.Organization, error) {
				return client.ListOrganizations(ctx)
			})
		if err != nil {
			log.Error().Err(err).Msg("organization listing failed")
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeData(w, collectAllPayload(log, results))
	})
}

// NewRetrieveTagsHandler aggregates tag vocabularies across portals.
func NewRetrieveTagsHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-tags")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		query := r.URL.Query().Get("q")

		results, err := resolver.CollectAll(ctx, res, r.URL.Query().Get("portal"), resolver.AnyPortal,
			func(ctx context.Context, portalKey string, client catalogue.Client) ([]domain.Tag, error) {
				return client.ListTags(ctx, query)
			})
		if err != nil {
			log.Error().Err(err).Msg("tag listing failed")
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeData(w, collectAllPayload(log, results))
	})
}

type groupLister interface {
	ListGroups(ctx context.Context) ([]domain.Organization, error)
}

// NewRetrieveGroupsHandler aggregates thematic groups across the portals
// that expose a group taxonomy. Portals without one get an error entry
// instead of emptying the response.
func NewRetrieveGroupsHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-groups")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		results, err := resolver.CollectAll(ctx, res, r.URL.Query().Get("portal"), resolver.AnyPortal,
			func(ctx context.Context, portalKey string, client catalogue.Client) ([]domain.Organization, error) {
				lister, ok := client.(groupLister)
				if !ok {
					return nil, fmt.Errorf("portal %s has no group taxonomy", portalKey)
				}
				return lister.ListGroups(ctx)
			})
		if err != nil {
			log.Error().Err(err).Msg("group listing failed")
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeData(w, collectAllPayload(log, results))
	})
}

type datasetNameLister interface {
	ListDatasetNames(ctx context.Context, limit, offset int) ([]string, error)
}

// NewListDatasetNamesHandler aggregates dataset slugs across the portals
// that expose a full listing. Slugs come back portal-prefixed, ready to pass
// to the dataset endpoint.
func NewListDatasetNamesHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "list-dataset-names")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		limit := intQueryParam(r, "limit", 100)
		offset := intQueryParam(r, "offset", 0)

		results, err := resolver.CollectAll(ctx, res, r.URL.Query().Get("portal"), resolver.AnyPortal,
			func(ctx context.Context, portalKey string, client catalogue.Client) ([]string, error) {
				lister, ok := client.(datasetNameLister)
				if !ok {
					return nil, fmt.Errorf("portal %s has no dataset name listing", portalKey)
				}

				names, err := lister.ListDatasetNames(ctx, limit, offset)
				if err != nil {
					return nil, err
				}

				prefixed := make([]string, len(names))
				for i, name := range names {
					prefixed[i] = portalKey + ":" + name
				}
				return prefixed, nil
			})
		if err != nil {
			log.Error().Err(err).Msg("dataset name listing failed")
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeData(w, collectAllPayload(log, results))
	})
}

// NewRetrieveResourceHandler resolves a resource id to its metadata.
func NewRetrieveResourceHandler(logger zerolog.Logger, res *resolver.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-resource")
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

		resource, err := client.GetResource(ctx, bareID)
		if err != nil {
			log.Error().Err(err).Msgf("no resource found with id %s", resourceID)
			writeError(w, http.StatusNotFound, err)
			return
		}

		writeData(w, map[string]any{"portal": portal, "resource": resource})
	})
}

func collectAllPayload[T any](log zerolog.Logger, results []resolver.Result[T]) map[string]any {
	payload := map[string]any{}
	for _, result := range results {
		if result.Err != nil {
			log.Warn().Err(result.Err).Str("portal", result.Portal).Msg("portal listing failed")
			payload[result.Portal] = map[string]any{"error": result.Err.Error()}
			continue
		}
		payload[result.Portal] = result.Value
	}
	return payload
}

func prefixDatasetIDs(portal string, datasets []domain.Dataset) []domain.Dataset {
	prefixed := make([]domain.Dataset, len(datasets))
	for i, ds := range datasets {
		ds.ID = portal + ":" + ds.ID
		prefixed[i] = ds
	}
	return prefixed
}

func intQueryParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}
