package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/candata/api-datagateway/internal/pkg/application/services/retrieval"
	"github.com/candata/api-datagateway/internal/pkg/application/services/staleness"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/repositories/cache"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// NewDownloadResourceHandler caches a resource locally, or reports that it
// already is cached together with a staleness advisory.
func NewDownloadResourceHandler(logger zerolog.Logger, svc *retrieval.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "download-resource")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		resourceID, err := url.QueryUnescape(chi.URLParam(r, "id"))
		if resourceID == "" {
			err = fmt.Errorf("no resource id supplied")
			log.Error().Err(err).Msg("bad request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		result, err := svc.DownloadResource(ctx, resourceID)
		if err != nil {
			var unsupported *retrieval.UnsupportedFormatError
			if errors.As(err, &unsupported) {
				log.Error().Err(err).Msgf("cannot download resource %s", resourceID)
				writeError(w, http.StatusUnprocessableEntity, err)
				return
			}

			log.Error().Err(err).Msgf("failed to download resource %s", resourceID)
			writeError(w, http.StatusBadGateway, err)
			return
		}

		writeData(w, result)
	})
}

// NewRefreshResourceHandler forces a re-download of one cached resource.
func NewRefreshResourceHandler(logger zerolog.Logger, svc *retrieval.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "refresh-resource")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		resourceID, err := url.QueryUnescape(chi.URLParam(r, "id"))
		if resourceID == "" {
			err = fmt.Errorf("no resource id supplied")
			log.Error().Err(err).Msg("bad request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		result, err := svc.Refresh(ctx, resourceID)
		if err != nil {
			var notCached *cache.NotCachedError
			if errors.As(err, &notCached) {
				writeError(w, http.StatusNotFound, err)
				return
			}

			log.Error().Err(err).Msgf("failed to refresh resource %s", resourceID)
			writeError(w, http.StatusBadGateway, err)
			return
		}

		writeData(w, result)
	})
}

// NewRefreshStaleHandler re-downloads everything whose deadline has passed.
func NewRefreshStaleHandler(logger zerolog.Logger, svc *retrieval.Service) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "refresh-stale")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		results, errs := svc.RefreshStale(ctx)

		failures := make([]string, 0, len(errs))
		for _, e := range errs {
			failures = append(failures, e.Error())
		}

		writeData(w, map[string]any{"refreshed": results, "failures": failures})
	})
}

// NewCacheInfoHandler lists cached resources with staleness advisories plus
// aggregate stats.
func NewCacheInfoHandler(logger zerolog.Logger, mgr *cache.Manager) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "cache-info")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		entries, err := mgr.ListCached(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to list cached resources")
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		stats, err := mgr.Stats(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to read cache stats")
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		type listing struct {
			cache.Entry
			Staleness *staleness.Info `json:"staleness,omitempty"`
		}

		listings := make([]listing, 0, len(entries))
		for _, entry := range entries {
			info, err := staleness.GetInfo(ctx, mgr, entry.ResourceID)
			if err != nil {
				log.Warn().Err(err).Str("resource_id", entry.ResourceID).Msg("staleness evaluation failed")
			}
			listings = append(listings, listing{Entry: entry, Staleness: info})
		}

		writeData(w, map[string]any{
			"database": mgr.DBPath(),
			"spatial":  mgr.HasSpatial(),
			"stats":    stats,
			"entries":  listings,
		})
	})
}

// NewRemoveCachedResourceHandler evicts one resource and its table.
func NewRemoveCachedResourceHandler(logger zerolog.Logger, mgr *cache.Manager) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "remove-cached-resource")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		resourceID, err := url.QueryUnescape(chi.URLParam(r, "id"))
		if resourceID == "" {
			err = fmt.Errorf("no resource id supplied")
			log.Error().Err(err).Msg("bad request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err = mgr.RemoveResource(ctx, resourceID); err != nil {
			log.Error().Err(err).Msgf("failed to remove resource %s", resourceID)
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		writeData(w, map[string]any{"removed": resourceID})
	})
}

// NewClearCacheHandler evicts everything.
func NewClearCacheHandler(logger zerolog.Logger, mgr *cache.Manager) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "clear-cache")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		if err = mgr.RemoveAll(ctx); err != nil {
			log.Error().Err(err).Msg("failed to clear cache")
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		writeData(w, map[string]any{"cleared": true})
	})
}

// NewCachedQueryHandler runs a read-only SQL statement against the cached
// tables. The statement passes through the safety gate before execution.
func NewCachedQueryHandler(logger zerolog.Logger, mgr *cache.Manager) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "cached-query")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		var body struct {
			SQL     string `json:"sql"`
			Spatial bool   `json:"spatial"`
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

		query := mgr.Query
		if body.Spatial {
			query = mgr.SpatialQuery
		}

		rows, err := query(ctx, body.SQL)
		if err != nil {
			var invalid *cache.InvalidQueryError
			if errors.As(err, &invalid) {
				log.Error().Err(err).Msg("query rejected")
				writeError(w, http.StatusBadRequest, err)
				return
			}

			var noSpatial *cache.SpatialUnavailableError
			if errors.As(err, &noSpatial) {
				writeError(w, http.StatusNotImplemented, err)
				return
			}

			log.Error().Err(err).Msg("query failed")
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		writeData(w, map[string]any{"row_count": len(rows), "rows": rows})
	})
}

// ColumnProfile summarizes one column of a cached table.
type ColumnProfile struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	NullCount     int64    `json:"null_count"`
	DistinctCount int64    `json:"distinct_count"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Avg           *float64 `json:"avg,omitempty"`
}

// NewProfileResourceHandler computes per-column null/distinct counts and
// numeric ranges for a cached resource.
func NewProfileResourceHandler(logger zerolog.Logger, mgr *cache.Manager) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "profile-resource")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logger, ctx)

		resourceID, err := url.QueryUnescape(chi.URLParam(r, "id"))
		if resourceID == "" {
			err = fmt.Errorf("no resource id supplied")
			log.Error().Err(err).Msg("bad request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		tableName, err := mgr.RequireCached(ctx, resourceID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}

		profiles, rowCount, err := profileTable(ctx, mgr, tableName)
		if err != nil {
			log.Error().Err(err).Msgf("failed to profile resource %s", resourceID)
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		writeData(w, map[string]any{
			"resource_id": resourceID,
			"table_name":  tableName,
			"row_count":   rowCount,
			"columns":     profiles,
		})
	})
}

// profileTable builds its statements with quoted identifiers only; no user
// input reaches the SQL text.
func profileTable(ctx context.Context, mgr *cache.Manager, tableName string) ([]ColumnProfile, int64, error) {
	quotedTable := cache.QuoteIdent(tableName)

	columns, err := mgr.ExecuteSQLDict(ctx, "PRAGMA table_info("+quotedTable+")")
	if err != nil {
		return nil, 0, err
	}

	countRows, err := mgr.ExecuteSQL(ctx, "SELECT COUNT(*) FROM "+quotedTable)
	if err != nil {
		return nil, 0, err
	}

	rowCount := asInt64(countRows[0][0])

	profiles := make([]ColumnProfile, 0, len(columns))
	for _, col := range columns {
		name, _ := col["name"].(string)
		colType, _ := col["type"].(string)
		quotedCol := cache.QuoteIdent(name)

		stats, err := mgr.ExecuteSQL(ctx, fmt.Sprintf(
			"SELECT COUNT(*) - COUNT(%[1]s), COUNT(DISTINCT %[1]s) FROM %[2]s",
			quotedCol, quotedTable))
		if err != nil {
			return nil, 0, err
		}

		profile := ColumnProfile{
			Name:          name,
			Type:          colType,
			NullCount:     asInt64(stats[0][0]),
			DistinctCount: asInt64(stats[0][1]),
		}

		// numeric range only where every non-null value is numeric
		numeric, err := mgr.ExecuteSQL(ctx, fmt.Sprintf(
			"SELECT MIN(%[1]s), MAX(%[1]s), AVG(%[1]s) FROM %[2]s WHERE %[1]s IS NOT NULL AND typeof(%[1]s) IN ('integer', 'real')",
			quotedCol, quotedTable))
		if err == nil && len(numeric) == 1 {
			profile.Min = asFloatPtr(numeric[0][0])
			profile.Max = asFloatPtr(numeric[0][1])
			profile.Avg = asFloatPtr(numeric[0][2])
		}

		profiles = append(profiles, profile)
	}

	return profiles, rowCount, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asFloatPtr(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int64:
		f := float64(n)
		return &f
	default:
		return nil
	}
}
