// Package retrieval moves resource payloads from upstream portals into the
// local cache: it resolves the owning portal, pulls records either from the
// platform's datastore or from a bulk file, and records staleness deadlines.
package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue"
	"github.com/candata/api-datagateway/internal/pkg/application/services/resolver"
	"github.com/candata/api-datagateway/internal/pkg/application/services/staleness"
	"github.com/candata/api-datagateway/internal/pkg/application/tabular"
	"github.com/candata/api-datagateway/internal/pkg/domain"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/repositories/cache"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	StatusDownloaded    = "downloaded"
	StatusAlreadyCached = "already_cached"
	StatusRefreshed     = "refreshed"
)

const downloadTimeout = 120 * time.Second

// maxDownloadBytes caps a bulk file read at 256 MB.
const maxDownloadBytes = 256 << 20

var supportedFormats = []string{"CSV", "TXT", "JSON"}

// UnsupportedFormatError is returned when a resource's file format cannot be
// parsed into a table. The message names the formats that can.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("format %q is not supported for download, supported formats: %s",
		e.Format, strings.Join(supportedFormats, ", "))
}

type Service struct {
	resolver   *resolver.Service
	cache      *cache.Manager
	httpClient *http.Client
}

type Option func(*Service)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

func New(res *resolver.Service, mgr *cache.Manager, opts ...Option) *Service {
	s := &Service{
		resolver: res,
		cache:    mgr,
		httpClient: &http.Client{
			Timeout:   downloadTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Result describes one download or refresh outcome.
type Result struct {
	Status     string          `json:"status"`
	ResourceID string          `json:"resource_id"`
	Portal     string          `json:"portal"`
	DatasetID  string          `json:"dataset_id,omitempty"`
	TableName  string          `json:"table_name"`
	RowCount   int64           `json:"row_count"`
	SizeBytes  int64           `json:"size_bytes"`
	Staleness  *staleness.Info `json:"staleness,omitempty"`
}

// DownloadResource caches a resource locally. A resource that is already
// cached is not fetched again; the caller gets the existing table plus a
// staleness advisory and can decide whether to refresh.
func (s *Service) DownloadResource(ctx context.Context, id string) (*Result, error) {
	portal, bareID := s.resolver.ParsePrefixedID(id)

	if portal == "" {
		// a bare id may already be cached under its qualified form; probe
		// the raw form first so a hit costs no network roundtrip
		if res, err := s.alreadyCached(ctx, "", id); err != nil {
			return nil, err
		} else if res != nil {
			return res, nil
		}

		p, b, err := s.resolver.ResolveResourcePortal(ctx, id)
		if err != nil {
			return nil, err
		}
		portal, bareID = p, b
	}

	cacheID := portal + ":" + bareID

	if res, err := s.alreadyCached(ctx, portal, cacheID); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	result, err := s.fetchAndStore(ctx, portal, bareID, cacheID)
	if err != nil {
		return nil, err
	}

	result.Status = StatusDownloaded
	return result, nil
}

// Refresh re-downloads one cached resource regardless of staleness.
func (s *Service) Refresh(ctx context.Context, id string) (*Result, error) {
	portal, bareID := s.resolver.ParsePrefixedID(id)
	if portal == "" {
		p, b, err := s.resolver.ResolveResourcePortal(ctx, id)
		if err != nil {
			return nil, err
		}
		portal, bareID = p, b
	}

	cacheID := portal + ":" + bareID
	if _, err := s.cache.RequireCached(ctx, cacheID); err != nil {
		return nil, err
	}

	result, err := s.fetchAndStore(ctx, portal, bareID, cacheID)
	if err != nil {
		return nil, err
	}

	result.Status = StatusRefreshed
	return result, nil
}

// RefreshStale re-downloads every cached resource whose staleness deadline
// has passed. Per-resource failures are reported, not fatal.
func (s *Service) RefreshStale(ctx context.Context) ([]Result, []error) {
	log := logging.GetFromContext(ctx)

	entries, err := s.cache.ListCached(ctx)
	if err != nil {
		return nil, []error{err}
	}

	results := []Result{}
	errs := []error{}

	for _, entry := range entries {
		stale, err := staleness.IsStale(ctx, s.cache, entry.ResourceID)
		if err != nil {
			errs = append(errs, fmt.Errorf("staleness check for %s: %w", entry.ResourceID, err))
			continue
		}
		if !stale {
			continue
		}

		result, err := s.Refresh(ctx, entry.ResourceID)
		if err != nil {
			log.Error().Err(err).Str("resource_id", entry.ResourceID).Msg("refresh failed")
			errs = append(errs, fmt.Errorf("refresh %s: %w", entry.ResourceID, err))
			continue
		}

		results = append(results, *result)
	}

	return results, errs
}

func (s *Service) alreadyCached(ctx context.Context, portal, cacheID string) (*Result, error) {
	cached, err := s.cache.IsCached(ctx, cacheID)
	if err != nil || !cached {
		return nil, err
	}

	meta, err := s.cache.Meta(ctx, cacheID)
	if err != nil {
		return nil, err
	}

	info, err := staleness.GetInfo(ctx, s.cache, cacheID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Status:     StatusAlreadyCached,
		ResourceID: cacheID,
		Portal:     portal,
		DatasetID:  meta.DatasetID,
		TableName:  meta.TableName,
		RowCount:   meta.RowCount,
		SizeBytes:  meta.SizeBytes,
		Staleness:  info,
	}, nil
}

func (s *Service) fetchAndStore(ctx context.Context, portal, bareID, cacheID string) (*Result, error) {
	log := logging.GetFromContext(ctx)

	client, err := s.resolver.Client(portal)
	if err != nil {
		return nil, err
	}

	res, err := client.GetResource(ctx, bareID)
	if err != nil {
		return nil, err
	}

	ds, err := client.GetDataset(ctx, res.PackageID)
	if err != nil {
		return nil, err
	}

	table, sourceURL, err := s.fetchTable(ctx, client, res)
	if err != nil {
		return nil, err
	}

	tableName := resolver.MakeTableName(ds.Name, bareID, portal)

	if err := s.cache.StoreResource(ctx, cacheID, ds.ID, tableName, table, sourceURL); err != nil {
		return nil, err
	}

	if err := s.cache.StoreDatasetMetadata(ctx, ds.ID, ds); err != nil {
		log.Warn().Err(err).Str("dataset_id", ds.ID).Msg("could not cache dataset metadata")
	}

	expiresAt := staleness.ComputeExpiresAt(time.Now().UTC(), ds.UpdateFrequency)
	if err := s.cache.UpdateExpiresAt(ctx, cacheID, expiresAt); err != nil {
		return nil, err
	}

	log.Info().
		Str("resource_id", cacheID).
		Str("table", tableName).
		Int("rows", table.RowCount()).
		Msg("resource cached")

	return &Result{
		ResourceID: cacheID,
		Portal:     portal,
		DatasetID:  ds.ID,
		TableName:  tableName,
		RowCount:   int64(table.RowCount()),
		SizeBytes:  table.SizeBytes(),
	}, nil
}

// fetchTable pulls the resource's records, preferring the platform datastore
// when the resource is datastore-active and falling back to a bulk file.
func (s *Service) fetchTable(ctx context.Context, client catalogue.Client, res *domain.Resource) (*tabular.Table, string, error) {
	if res.DatastoreActive && client.SupportsDatastore() {
		records, err := client.DatastoreSearchAll(ctx, res.ID)
		if err != nil {
			return nil, "", err
		}

		fields := make([]string, 0, len(records.Fields))
		for _, f := range records.Fields {
			fields = append(fields, f.ID)
		}

		return tabular.FromRecords(records.Records, fields), res.URL, nil
	}

	format := strings.ToUpper(strings.TrimSpace(res.Format))

	downloadURL := res.URL
	if !supportedFormat(format) {
		// feature services and other non-file formats may still offer a
		// CSV bulk export through the platform's download API
		if bulkURL, err := client.GetDownloadURL(ctx, res.ID, "csv"); err != nil {
			return nil, "", err
		} else if bulkURL != "" {
			downloadURL = bulkURL
			format = "CSV"
		}
	}

	if !supportedFormat(format) {
		return nil, "", &UnsupportedFormatError{Format: res.Format}
	}

	if downloadURL == "" {
		return nil, "", fmt.Errorf("resource %s has no downloadable file", res.ID)
	}

	table, err := s.downloadFile(ctx, downloadURL, format)
	if err != nil {
		return nil, "", err
	}

	return table, downloadURL, nil
}

func (s *Service) downloadFile(ctx context.Context, fileURL, format string) (*tabular.Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download from %s failed: %w", fileURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download from %s failed with HTTP %d", fileURL, resp.StatusCode)
	}

	body := http.MaxBytesReader(nil, resp.Body, maxDownloadBytes)

	if format == "JSON" {
		return tabular.FromJSON(body)
	}

	return tabular.FromCSV(body)
}

func supportedFormat(format string) bool {
	for _, f := range supportedFormats {
		if f == format {
			return true
		}
	}
	return false
}
