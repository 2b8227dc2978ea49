package arcgis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue"
	"github.com/matryer/is"
)

func testServer(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL, "ottawa", "City of Ottawa")
}

func TestSearchTranslatesOGCRecords(t *testing.T) {
	is := is.New(t)

	mux := http.NewServeMux()
	var gotStartIndex, gotQuery string
	mux.HandleFunc("/api/search/v1/collections/all/items", func(w http.ResponseWriter, r *http.Request) {
		gotStartIndex = r.URL.Query().Get("startindex")
		gotQuery = r.URL.Query().Get("q")
		fmt.Fprint(w, ogcRecordsJson)
	})

	c := testServer(t, mux)
	result, err := c.Search(context.Background(), catalogue.SearchParams{
		Query: "trees",
		Rows:  10,
		Start: 10,
		// server-side filters and sort do not exist on this platform
		Filters: map[string]string{"organization": "ignored"},
		Sort:    "ignored desc",
	})
	is.NoErr(err)

	// the records API is 1-based; caller start 10 becomes startindex 11
	is.Equal(gotStartIndex, "11")
	is.Equal(gotQuery, "trees")

	is.Equal(result.Count, 665)
	is.Equal(len(result.Results), 1)

	ds := result.Results[0]
	is.Equal(ds.ID, "abc123_0")
	is.Equal(ds.Name, "tree-inventory")
	is.Equal(ds.Organization.Title, "City of Ottawa")
	is.Equal(ds.UpdateFrequency, "unknown")

	is.Equal(len(ds.Resources), 1)
	is.Equal(ds.Resources[0].ID, ds.ID)
	is.Equal(ds.Resources[0].Format, "Feature Service")
	is.Equal(ds.Resources[0].DatastoreActive, false)
}

func TestSearchOmitsStartIndexOnFirstPage(t *testing.T) {
	is := is.New(t)

	mux := http.NewServeMux()
	var hasStartIndex bool
	mux.HandleFunc("/api/search/v1/collections/all/items", func(w http.ResponseWriter, r *http.Request) {
		hasStartIndex = r.URL.Query().Has("startindex")
		fmt.Fprint(w, `{"numberMatched": 0, "features": []}`)
	})

	c := testServer(t, mux)
	_, err := c.Search(context.Background(), catalogue.SearchParams{Rows: 10, Start: 0})
	is.NoErr(err)
	is.True(!hasStartIndex)
}

func TestGetDatasetSynthesizesResource(t *testing.T) {
	is := is.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/datasets/abc123_0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, hubV3DatasetJson)
	})

	c := testServer(t, mux)
	ds, err := c.GetDataset(context.Background(), "abc123_0")
	is.NoErr(err)

	is.Equal(ds.ID, "abc123_0")
	is.Equal(ds.Title, "Tree Inventory")
	is.Equal(ds.UpdateFrequency, "weekly")
	is.Equal(ds.LicenseTitle, "Open Government Licence - City of Ottawa")
	is.Equal(ds.GeographicCoverage, "City of Ottawa")

	is.Equal(len(ds.Resources), 1)
	is.Equal(ds.Resources[0].URL, "https://services.arcgis.com/x/FeatureServer/0")
}

func TestGetResourceMatchesSynthesizedResource(t *testing.T) {
	is := is.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/datasets/abc123_0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, hubV3DatasetJson)
	})

	c := testServer(t, mux)
	res, err := c.GetResource(context.Background(), "abc123_0")
	is.NoErr(err)

	is.Equal(res.ID, "abc123_0")
	is.Equal(res.PackageID, "abc123_0")
	is.Equal(res.Format, "Feature Service")
}

func TestGetResourceStubWhenNoServiceURL(t *testing.T) {
	is := is.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/datasets/nourl_0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {"attributes": {"id": "nourl_0", "title": "No Service"}}}`)
	})

	c := testServer(t, mux)
	res, err := c.GetResource(context.Background(), "nourl_0")
	is.NoErr(err)

	is.Equal(res.ID, "nourl_0")
	is.Equal(res.Name, "No Service")
	is.Equal(res.URL, "")
}

func TestSingleTenantOrganizationsAndEmptyTags(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	c := New("https://open.ottawa.ca", "ottawa", "City of Ottawa")

	orgs, err := c.ListOrganizations(ctx)
	is.NoErr(err)
	is.Equal(len(orgs), 1)
	is.Equal(orgs[0].Name, "ottawa")

	tags, err := c.ListTags(ctx, "anything")
	is.NoErr(err)
	is.Equal(len(tags), 0)
}

func TestDatastoreOperationsUnavailable(t *testing.T) {
	is := is.New(t)

	c := New("https://open.ottawa.ca", "ottawa", "City of Ottawa")
	is.True(!c.SupportsDatastore())

	_, err := c.DatastoreSearch(context.Background(), catalogue.DatastoreParams{ResourceID: "x"})
	var unavailable *catalogue.DatastoreUnavailableError
	is.True(errors.As(err, &unavailable))

	_, err = c.DatastoreSQL(context.Background(), "SELECT 1")
	is.True(errors.As(err, &unavailable))
}

func TestGetDownloadURLMatchesFormat(t *testing.T) {
	is := is.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/datasets/abc123_0/downloads", func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Query().Get("spatialRefId"), "4326")
		fmt.Fprint(w, downloadsJson)
	})

	c := testServer(t, mux)
	url, err := c.GetDownloadURL(context.Background(), "abc123_0", "csv")
	is.NoErr(err)
	is.Equal(url, "https://downloads.example.com/abc123_0.csv")
}

func TestGetDownloadURLNotFoundIsNotAnError(t *testing.T) {
	is := is.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/datasets/abc123_0/downloads", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := testServer(t, mux)
	url, err := c.GetDownloadURL(context.Background(), "abc123_0", "shapefile")
	is.NoErr(err)
	is.Equal(url, "")
}

func TestGetDownloadURLConnectionFailureIsNotAnError(t *testing.T) {
	is := is.New(t)

	// port 1 refuses connections
	c := New("http://127.0.0.1:1", "ottawa", "City of Ottawa")
	url, err := c.GetDownloadURL(context.Background(), "abc123_0", "csv")
	is.NoErr(err)
	is.Equal(url, "")
}

const ogcRecordsJson string = `{
	"numberMatched": 665,
	"features": [
		{
			"id": "abc123_0",
			"properties": {
				"id": "abc123_0",
				"title": "Tree Inventory",
				"description": "Street and park trees.",
				"modified": "2026-08-01T00:00:00Z",
				"url": "https://services.arcgis.com/x/FeatureServer/0",
				"tags": ["trees", "forestry"]
			}
		}
	]
}`

const hubV3DatasetJson string = `{
	"data": {
		"attributes": {
			"id": "abc123_0",
			"name": "tree-inventory",
			"title": "Tree Inventory",
			"description": "Street and park trees.",
			"modified": "2026-08-01T00:00:00Z",
			"created": "2020-01-15T00:00:00Z",
			"url": "https://services.arcgis.com/x/FeatureServer/0",
			"tags": ["trees"],
			"updateFrequency": "weekly",
			"license": "Open Government Licence - City of Ottawa"
		}
	}
}`

const downloadsJson string = `{
	"data": [
		{"attributes": {"format": "shapefile", "url": "https://downloads.example.com/abc123_0.zip"}},
		{"attributes": {"format": "csv", "url": "https://downloads.example.com/abc123_0.csv"}}
	]
}`
