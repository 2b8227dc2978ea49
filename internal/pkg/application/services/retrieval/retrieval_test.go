package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue"
	"github.com/candata/api-datagateway/internal/pkg/application/services/resolver"
	"github.com/candata/api-datagateway/internal/pkg/domain"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/portals"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/repositories/cache"
	"github.com/matryer/is"
)

type fakeClient struct {
	datasets     map[string]*domain.Dataset
	resources    map[string]*domain.Resource
	datastore    map[string]*domain.DatastoreResult
	downloadURLs map[string]string

	resourceFetches atomic.Int32
}

func (f *fakeClient) Search(ctx context.Context, params catalogue.SearchParams) (*domain.SearchResult, error) {
	return &domain.SearchResult{}, nil
}

func (f *fakeClient) SearchAll(ctx context.Context, params catalogue.SearchParams) ([]domain.Dataset, error) {
	return nil, nil
}

func (f *fakeClient) GetDataset(ctx context.Context, id string) (*domain.Dataset, error) {
	if ds, ok := f.datasets[id]; ok {
		return ds, nil
	}
	return nil, &catalogue.APIError{Message: "Not found: " + id}
}

func (f *fakeClient) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	f.resourceFetches.Add(1)
	if r, ok := f.resources[id]; ok {
		return r, nil
	}
	return nil, &catalogue.APIError{Message: "Not found: " + id}
}

func (f *fakeClient) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	return nil, nil
}

func (f *fakeClient) ListTags(ctx context.Context, query string) ([]domain.Tag, error) {
	return nil, nil
}

func (f *fakeClient) SupportsDatastore() bool { return f.datastore != nil }

func (f *fakeClient) DatastoreSearch(ctx context.Context, params catalogue.DatastoreParams) (*domain.DatastoreResult, error) {
	return f.DatastoreSearchAll(ctx, params.ResourceID)
}

func (f *fakeClient) DatastoreSearchAll(ctx context.Context, resourceID string) (*domain.DatastoreResult, error) {
	if r, ok := f.datastore[resourceID]; ok {
		return r, nil
	}
	return nil, &catalogue.DatastoreUnavailableError{Operation: "datastore_search_all"}
}

func (f *fakeClient) DatastoreSQL(ctx context.Context, sql string) (*domain.DatastoreResult, error) {
	return nil, &catalogue.DatastoreUnavailableError{Operation: "datastore_sql"}
}

func (f *fakeClient) GetDownloadURL(ctx context.Context, id, format string) (string, error) {
	return f.downloadURLs[id], nil
}

func testService(t *testing.T, client *fakeClient) (*Service, *cache.Manager) {
	t.Helper()

	reg, err := portals.NewRegistry([]portals.Config{
		{Key: "ontario", Name: "Ontario Data Catalogue", BaseURL: "https://example.invalid", Kind: portals.KindCKAN},
	})
	if err != nil {
		t.Fatal(err)
	}

	res := resolver.NewWithClientFactory(reg, func(portals.Config) catalogue.Client { return client })

	mgr, err := cache.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	return New(res, mgr), mgr
}

func csvFixtureServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "site,value\nA,1\nB,2\nC,3\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadCSVResourceThenAlreadyCached(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	var fileHits atomic.Int32
	srv := csvFixtureServer(t, &fileHits)

	client := &fakeClient{
		datasets: map[string]*domain.Dataset{
			"ds-1": {ID: "ds-1", Name: "water-quality", UpdateFrequency: "weekly"},
		},
		resources: map[string]*domain.Resource{
			"res-1": {ID: "res-1", PackageID: "ds-1", Format: "CSV", URL: srv.URL + "/file.csv"},
		},
	}

	svc, mgr := testService(t, client)

	result, err := svc.DownloadResource(ctx, "ontario:res-1")
	is.NoErr(err)
	is.Equal(result.Status, StatusDownloaded)
	is.Equal(result.Portal, "ontario")
	is.Equal(result.RowCount, int64(3))
	is.Equal(result.TableName, "ds_ontario_water_quality_res_1")
	is.Equal(fileHits.Load(), int32(1))

	// weekly frequency sets an expiry
	meta, err := mgr.Meta(ctx, "ontario:res-1")
	is.NoErr(err)
	is.True(meta.ExpiresAt != nil)

	// second call short-circuits: no fetch, staleness advisory attached
	again, err := svc.DownloadResource(ctx, "ontario:res-1")
	is.NoErr(err)
	is.Equal(again.Status, StatusAlreadyCached)
	is.Equal(again.RowCount, int64(3))
	is.True(again.Staleness != nil)
	is.True(!again.Staleness.IsStale)
	is.Equal(fileHits.Load(), int32(1))
}

func TestDownloadDatastoreActiveResource(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	client := &fakeClient{
		datasets: map[string]*domain.Dataset{
			"ds-1": {ID: "ds-1", Name: "inspections", UpdateFrequency: "daily"},
		},
		resources: map[string]*domain.Resource{
			"res-1": {ID: "res-1", PackageID: "ds-1", Format: "CSV", DatastoreActive: true},
		},
		datastore: map[string]*domain.DatastoreResult{
			"res-1": {
				Total:  2,
				Fields: []domain.DatastoreField{{ID: "_id", Type: "int"}, {ID: "site", Type: "text"}},
				Records: []map[string]any{
					{"_id": 1, "site": "A"},
					{"_id": 2, "site": "B"},
				},
			},
		},
	}

	svc, mgr := testService(t, client)

	result, err := svc.DownloadResource(ctx, "ontario:res-1")
	is.NoErr(err)
	is.Equal(result.Status, StatusDownloaded)
	is.Equal(result.RowCount, int64(2))

	// bookkeeping columns do not survive into the stored table
	rows, err := mgr.Query(ctx, "SELECT * FROM "+result.TableName+" ORDER BY site")
	is.NoErr(err)
	is.Equal(len(rows), 2)
	_, hasInternal := rows[0]["_id"]
	is.True(!hasInternal)
	is.Equal(rows[0]["site"], "A")
}

func TestDownloadResolvesBareID(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	var fileHits atomic.Int32
	srv := csvFixtureServer(t, &fileHits)

	client := &fakeClient{
		datasets: map[string]*domain.Dataset{
			"ds-1": {ID: "ds-1", Name: "parks", UpdateFrequency: "monthly"},
		},
		resources: map[string]*domain.Resource{
			"res-9": {ID: "res-9", PackageID: "ds-1", Format: "csv", URL: srv.URL},
		},
	}

	svc, _ := testService(t, client)

	result, err := svc.DownloadResource(ctx, "res-9")
	is.NoErr(err)
	is.Equal(result.Status, StatusDownloaded)
	is.Equal(result.ResourceID, "ontario:res-9")
	is.Equal(result.Portal, "ontario")
}

func TestDownloadUnsupportedFormat(t *testing.T) {
	is := is.New(t)

	client := &fakeClient{
		datasets: map[string]*domain.Dataset{
			"ds-1": {ID: "ds-1", Name: "boundaries"},
		},
		resources: map[string]*domain.Resource{
			"res-1": {ID: "res-1", PackageID: "ds-1", Format: "XLSX", URL: "https://example.invalid/f.xlsx"},
		},
	}

	svc, _ := testService(t, client)

	_, err := svc.DownloadResource(context.Background(), "ontario:res-1")
	var unsupported *UnsupportedFormatError
	is.True(errors.As(err, &unsupported))
	is.Equal(unsupported.Format, "XLSX")
	is.True(fmt.Sprint(err) != "")
}

func TestDownloadFeatureServiceFallsBackToBulkCSV(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	var fileHits atomic.Int32
	srv := csvFixtureServer(t, &fileHits)

	client := &fakeClient{
		datasets: map[string]*domain.Dataset{
			"abc123_0": {ID: "abc123_0", Name: "tree-inventory", UpdateFrequency: "unknown"},
		},
		resources: map[string]*domain.Resource{
			"abc123_0": {ID: "abc123_0", PackageID: "abc123_0", Format: "Feature Service", URL: "https://services.invalid/FeatureServer/0"},
		},
		downloadURLs: map[string]string{
			"abc123_0": srv.URL + "/export.csv",
		},
	}

	svc, _ := testService(t, client)

	result, err := svc.DownloadResource(ctx, "ontario:abc123_0")
	is.NoErr(err)
	is.Equal(result.RowCount, int64(3))
	is.Equal(fileHits.Load(), int32(1))
}

func TestRefreshRequiresCachedResource(t *testing.T) {
	is := is.New(t)

	client := &fakeClient{}
	svc, _ := testService(t, client)

	_, err := svc.Refresh(context.Background(), "ontario:res-1")
	var notCached *cache.NotCachedError
	is.True(errors.As(err, &notCached))
}

func TestRefreshRedownloads(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	var fileHits atomic.Int32
	srv := csvFixtureServer(t, &fileHits)

	client := &fakeClient{
		datasets: map[string]*domain.Dataset{
			"ds-1": {ID: "ds-1", Name: "water-quality", UpdateFrequency: "weekly"},
		},
		resources: map[string]*domain.Resource{
			"res-1": {ID: "res-1", PackageID: "ds-1", Format: "CSV", URL: srv.URL},
		},
	}

	svc, _ := testService(t, client)

	_, err := svc.DownloadResource(ctx, "ontario:res-1")
	is.NoErr(err)

	result, err := svc.Refresh(ctx, "ontario:res-1")
	is.NoErr(err)
	is.Equal(result.Status, StatusRefreshed)
	is.Equal(fileHits.Load(), int32(2))
}
