package presentation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/candata/api-datagateway/internal/pkg/application/services/resolver"
	"github.com/candata/api-datagateway/internal/pkg/application/services/retrieval"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/portals"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/repositories/cache"
	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
)

type testEnv struct {
	api      *httptest.Server
	fileHits *atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	var fileHits atomic.Int32

	mux := http.NewServeMux()
	portal := httptest.NewServer(mux)
	t.Cleanup(portal.Close)

	mux.HandleFunc("/files/data.csv", func(w http.ResponseWriter, r *http.Request) {
		fileHits.Add(1)
		fmt.Fprint(w, "site,value\nA,1\nB,2\nC,3\n")
	})
	mux.HandleFunc("/api/3/action/resource_show", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success": true, "result": {
			"id": "res-1", "package_id": "ds-1", "name": "Water data",
			"format": "CSV", "url": "%s/files/data.csv", "datastore_active": false
		}}`, portal.URL)
	})
	mux.HandleFunc("/api/3/action/package_show", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true, "result": {
			"id": "ds-1", "name": "water-quality", "title": "Water Quality",
			"update_frequency": "weekly", "tags": [{"name": "water"}],
			"organization": {"name": "env", "title": "Environment"},
			"resources": [{"id": "res-1", "format": "CSV", "datastore_active": false}]
		}}`)
	})
	mux.HandleFunc("/api/3/action/package_search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true, "result": {"count": 2, "results": [
			{"id": "ds-1", "name": "water-quality", "title": "Water Quality"},
			{"id": "ds-2", "name": "air-quality", "title": "Air Quality"}
		]}}`)
	})
	mux.HandleFunc("/api/3/action/group_list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true, "result": [
			{"name": "environment", "title": "Environment and Energy", "package_count": 12},
			{"name": "health", "title": "Health and Wellness", "package_count": 7}
		]}`)
	})
	mux.HandleFunc("/api/3/action/package_list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true, "result": ["water-quality", "air-quality"]}`)
	})

	reg, err := portals.NewRegistry([]portals.Config{
		{Key: "ontario", Name: "Ontario Data Catalogue", BaseURL: portal.URL, Kind: portals.KindCKAN},
		{Key: "ottawa", Name: "City of Ottawa Open Data", BaseURL: "http://127.0.0.1:1", Kind: portals.KindArcGISHub, OrgName: "ottawa", OrgTitle: "City of Ottawa"},
	})
	if err != nil {
		t.Fatal(err)
	}

	mgr, err := cache.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })

	ctx := context.Background()
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	res := resolver.New(reg)
	retriever := retrieval.New(res, mgr)

	api := NewAPI(ctx, chi.NewRouter(), res, retriever, mgr)

	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &testEnv{api: srv, fileHits: &fileHits}
}

func (e *testEnv) request(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, _ := http.NewRequest(method, e.api.URL+path, reqBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	respBody, _ := io.ReadAll(resp.Body)
	defer resp.Body.Close()

	return resp, string(respBody)
}

func TestHealthProbe(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodGet, "/health", "")
	is.Equal(resp.StatusCode, http.StatusOK)
}

func TestSearchAggregatesPortals(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/search?q=water&portal=ontario", "")
	is.Equal(resp.StatusCode, http.StatusOK)

	var doc struct {
		Data struct {
			Total   int `json:"total"`
			Portals map[string]struct {
				Count int `json:"count"`
			} `json:"portals"`
		} `json:"data"`
	}
	is.NoErr(json.Unmarshal([]byte(body), &doc))
	is.Equal(doc.Data.Total, 2)
	is.Equal(doc.Data.Portals["ontario"].Count, 2)

	// dataset ids come back portal-qualified
	is.True(strings.Contains(body, `"ontario:ds-1"`))
}

func TestDownloadThenAlreadyCachedEndToEnd(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodPost, "/api/resources/ontario:res-1/download", "")
	is.Equal(resp.StatusCode, http.StatusOK)

	var first struct {
		Data retrieval.Result `json:"data"`
	}
	is.NoErr(json.Unmarshal([]byte(body), &first))
	is.Equal(first.Data.Status, retrieval.StatusDownloaded)
	is.Equal(first.Data.RowCount, int64(3))
	is.Equal(env.fileHits.Load(), int32(1))

	resp, body = env.request(t, http.MethodPost, "/api/resources/ontario:res-1/download", "")
	is.Equal(resp.StatusCode, http.StatusOK)

	var second struct {
		Data retrieval.Result `json:"data"`
	}
	is.NoErr(json.Unmarshal([]byte(body), &second))
	is.Equal(second.Data.Status, retrieval.StatusAlreadyCached)
	is.True(second.Data.Staleness != nil)

	// the file was fetched exactly once
	is.Equal(env.fileHits.Load(), int32(1))
}

func TestCachedQueryAfterDownload(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	_, body := env.request(t, http.MethodPost, "/api/resources/ontario:res-1/download", "")

	var download struct {
		Data retrieval.Result `json:"data"`
	}
	is.NoErr(json.Unmarshal([]byte(body), &download))

	resp, body := env.request(t, http.MethodPost, "/api/query",
		fmt.Sprintf(`{"sql": "SELECT COUNT(*) AS n FROM %s"}`, download.Data.TableName))
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"n":3`))

	// mutations never reach the engine
	resp, _ = env.request(t, http.MethodPost, "/api/query",
		fmt.Sprintf(`{"sql": "DROP TABLE %s"}`, download.Data.TableName))
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestResourceProfileAfterDownload(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	env.request(t, http.MethodPost, "/api/resources/ontario:res-1/download", "")

	resp, body := env.request(t, http.MethodGet, "/api/resources/ontario:res-1/profile", "")
	is.Equal(resp.StatusCode, http.StatusOK)

	var doc struct {
		Data struct {
			RowCount int64 `json:"row_count"`
			Columns  []struct {
				Name          string `json:"name"`
				DistinctCount int64  `json:"distinct_count"`
			} `json:"columns"`
		} `json:"data"`
	}
	is.NoErr(json.Unmarshal([]byte(body), &doc))
	is.Equal(doc.Data.RowCount, int64(3))
	is.Equal(len(doc.Data.Columns), 2)
}

func TestProfileOfUncachedResourceIsNotFound(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/resources/ontario:res-404/profile", "")
	is.Equal(resp.StatusCode, http.StatusNotFound)
	is.True(strings.Contains(body, "not cached"))
}

func TestRecordsNotAvailableOnArcGIS(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/resources/ottawa:abc123_0/records", "")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"not_available"`))
}

func TestCacheInfoAndEviction(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	env.request(t, http.MethodPost, "/api/resources/ontario:res-1/download", "")

	resp, body := env.request(t, http.MethodGet, "/api/cache", "")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, "ontario:res-1"))
	is.True(strings.Contains(body, `"staleness"`))

	resp, _ = env.request(t, http.MethodDelete, "/api/cache/ontario:res-1", "")
	is.Equal(resp.StatusCode, http.StatusOK)

	_, body = env.request(t, http.MethodGet, "/api/cache", "")
	is.True(!strings.Contains(body, "ontario:res-1"))
}

func TestRetrieveGroups(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/groups", "")
	is.Equal(resp.StatusCode, http.StatusOK)

	var doc struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	is.NoErr(json.Unmarshal([]byte(body), &doc))

	var groups []struct {
		Name         string `json:"name"`
		DatasetCount int    `json:"dataset_count"`
	}
	is.NoErr(json.Unmarshal(doc.Data["ontario"], &groups))
	is.Equal(len(groups), 2)
	is.Equal(groups[0].Name, "environment")
	is.Equal(groups[0].DatasetCount, 12)

	// the ArcGIS portal has no group taxonomy and reports that per-portal
	var failure struct {
		Error string `json:"error"`
	}
	is.NoErr(json.Unmarshal(doc.Data["ottawa"], &failure))
	is.True(strings.Contains(failure.Error, "no group taxonomy"))
}

func TestListDatasetNames(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/datasets?portal=ontario", "")
	is.Equal(resp.StatusCode, http.StatusOK)

	var doc struct {
		Data map[string][]string `json:"data"`
	}
	is.NoErr(json.Unmarshal([]byte(body), &doc))
	is.Equal(doc.Data["ontario"], []string{"ontario:water-quality", "ontario:air-quality"})
}

func TestSpatialQueryReportsUnavailable(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodPost, "/api/query",
		`{"sql": "SELECT spatialite_version()", "spatial": true}`)
	is.Equal(resp.StatusCode, http.StatusNotImplemented)
	is.True(strings.Contains(body, "spatial extension is not available"))
}

func TestRetrieveDatasetByPrefixedID(t *testing.T) {
	is := is.New(t)
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/datasets/ontario:ds-1", "")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"Water Quality"`))
	is.True(strings.Contains(body, `"portal":"ontario"`))
}
