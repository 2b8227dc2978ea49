// Package arcgis implements the catalogue contract against ArcGIS Hub
// portals, translating the OGC Records, Hub v3 and Downloads APIs into the
// same shapes the CKAN variant produces.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue"
	"github.com/candata/api-datagateway/internal/pkg/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 30 * time.Second

// featureServiceFormat is the synthesized format of the single resource each
// Hub dataset exposes: one feature layer is one resource.
const featureServiceFormat = "Feature Service"

type Client struct {
	baseURL    string
	httpClient *http.Client
	orgName    string
	orgTitle   string
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

func New(baseURL, orgName, orgTitle string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		orgName:  orgName,
		orgTitle: orgTitle,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SupportsDatastore is always false for ArcGIS Hub: structured access goes
// through a Downloads-API bulk file, never a remote record API.
func (c *Client) SupportsDatastore() bool {
	return false
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	return c.httpClient.Do(req)
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	resp, err := c.get(ctx, path, params)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response from %s: %w", path, err)
	}

	return nil
}

// Search queries the OGC Records API. The platform has no server-side
// filter, sort or facet support, so those params are accepted and ignored.
// The records API is 1-based; the caller's 0-based start is translated.
func (c *Client) Search(ctx context.Context, params catalogue.SearchParams) (*domain.SearchResult, error) {
	values := url.Values{}
	values.Set("limit", strconv.Itoa(params.Rows))
	if params.Start > 0 {
		values.Set("startindex", strconv.Itoa(params.Start+1))
	}
	if params.Query != "" && params.Query != "*:*" {
		values.Set("q", params.Query)
	}

	var doc struct {
		NumberMatched int `json:"numberMatched"`
		Features      []struct {
			ID         string `json:"id"`
			Properties struct {
				ID          string   `json:"id"`
				Title       string   `json:"title"`
				Description string   `json:"description"`
				Snippet     string   `json:"snippet"`
				Modified    string   `json:"modified"`
				URL         string   `json:"url"`
				Tags        []string `json:"tags"`
			} `json:"properties"`
		} `json:"features"`
	}

	if err := c.getJSON(ctx, "/api/search/v1/collections/all/items", values, &doc); err != nil {
		return nil, err
	}

	results := make([]domain.Dataset, 0, len(doc.Features))
	for _, f := range doc.Features {
		props := f.Properties
		id := props.ID
		if id == "" {
			id = f.ID
		}

		description := props.Description
		if description == "" {
			description = props.Snippet
		}

		results = append(results, domain.Dataset{
			ID:               id,
			Name:             slugify(props.Title),
			Title:            props.Title,
			Description:      description,
			Organization:     c.organization(),
			Tags:             toTags(props.Tags),
			Resources:        c.synthesizeResources(id, props.Title, props.URL),
			UpdateFrequency:  "unknown",
			MetadataModified: props.Modified,
		})
	}

	count := doc.NumberMatched
	if count == 0 {
		count = len(results)
	}

	return &domain.SearchResult{Count: count, Results: results}, nil
}

// SearchAll pages through every record, honoring a zero total.
func (c *Client) SearchAll(ctx context.Context, params catalogue.SearchParams) ([]domain.Dataset, error) {
	const pageSize = 100
	params.Rows = pageSize
	params.Start = 0

	all := []domain.Dataset{}
	for {
		page, err := c.Search(ctx, params)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		if len(all) >= page.Count || len(page.Results) == 0 {
			break
		}
		params.Start += pageSize
	}

	return all, nil
}

// GetDataset fetches Hub v3 dataset detail and synthesizes the dataset's
// single feature-layer resource from its service URL.
func (c *Client) GetDataset(ctx context.Context, id string) (*domain.Dataset, error) {
	var doc struct {
		Data struct {
			Attributes struct {
				ID              string   `json:"id"`
				Name            string   `json:"name"`
				Title           string   `json:"title"`
				Description     string   `json:"description"`
				Modified        string   `json:"modified"`
				Created         string   `json:"created"`
				URL             string   `json:"url"`
				Tags            []string `json:"tags"`
				UpdateFrequency string   `json:"updateFrequency"`
				License         string   `json:"license"`
			} `json:"attributes"`
		} `json:"data"`
	}

	if err := c.getJSON(ctx, "/api/v3/datasets/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}

	attrs := doc.Data.Attributes
	dsID := attrs.ID
	if dsID == "" {
		dsID = id
	}

	name := attrs.Name
	if name == "" {
		name = slugify(attrs.Title)
	}

	frequency := attrs.UpdateFrequency
	if frequency == "" {
		frequency = "unknown"
	}

	return &domain.Dataset{
		ID:                 dsID,
		Name:               name,
		Title:              attrs.Title,
		Description:        attrs.Description,
		Organization:       c.organization(),
		Tags:               toTags(attrs.Tags),
		Resources:          c.synthesizeResources(dsID, attrs.Title, attrs.URL),
		UpdateFrequency:    frequency,
		MetadataModified:   attrs.Modified,
		MetadataCreated:    attrs.Created,
		LicenseTitle:       attrs.License,
		GeographicCoverage: c.orgTitle,
	}, nil
}

// GetResource re-fetches the owning dataset and returns the matching
// synthesized resource; for ArcGIS, resource id equals dataset id. Falls
// back to a best-effort stub when the dataset has no service URL.
func (c *Client) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	ds, err := c.GetDataset(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, r := range ds.Resources {
		if r.ID == id {
			r.PackageID = ds.ID
			return &r, nil
		}
	}

	return &domain.Resource{
		ID:              id,
		PackageID:       ds.ID,
		Name:            ds.Title,
		Format:          featureServiceFormat,
		DatastoreActive: false,
	}, nil
}

// ListOrganizations returns the single portal owner: Hub sites are
// single-tenant.
func (c *Client) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	org := c.organization()
	org.Description = fmt.Sprintf("Single-org portal; all datasets belong to %s.", c.orgTitle)
	return []domain.Organization{org}, nil
}

// ListTags returns an empty list: Hub has no tag taxonomy to expose.
func (c *Client) ListTags(ctx context.Context, query string) ([]domain.Tag, error) {
	return []domain.Tag{}, nil
}

func (c *Client) DatastoreSearch(ctx context.Context, params catalogue.DatastoreParams) (*domain.DatastoreResult, error) {
	return nil, &catalogue.DatastoreUnavailableError{Operation: "datastore_search"}
}

func (c *Client) DatastoreSearchAll(ctx context.Context, resourceID string) (*domain.DatastoreResult, error) {
	return nil, &catalogue.DatastoreUnavailableError{Operation: "datastore_search_all"}
}

func (c *Client) DatastoreSQL(ctx context.Context, sql string) (*domain.DatastoreResult, error) {
	return nil, &catalogue.DatastoreUnavailableError{Operation: "datastore_sql"}
}

// GetDownloadURL queries the Downloads API for a bulk file in the requested
// format. A 404, a connection failure, or no matching entry all mean "no
// bulk download available" and return "" without an error.
func (c *Client) GetDownloadURL(ctx context.Context, id, format string) (string, error) {
	params := url.Values{}
	params.Set("spatialRefId", "4326")
	params.Set("format", format)

	resp, err := c.get(ctx, "/api/v3/datasets/"+url.PathEscape(id)+"/downloads", params)
	if err != nil {
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil
	}

	var doc struct {
		Data []struct {
			Attributes struct {
				Format string `json:"format"`
				URL    string `json:"url"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", nil
	}

	for _, d := range doc.Data {
		if strings.EqualFold(d.Attributes.Format, format) && d.Attributes.URL != "" {
			return d.Attributes.URL, nil
		}
	}

	return "", nil
}

func (c *Client) organization() domain.Organization {
	return domain.Organization{Name: c.orgName, Title: c.orgTitle}
}

func (c *Client) synthesizeResources(id, title, serviceURL string) []domain.Resource {
	if serviceURL == "" {
		return []domain.Resource{}
	}
	return []domain.Resource{{
		ID:              id,
		PackageID:       id,
		Name:            title,
		Format:          featureServiceFormat,
		URL:             serviceURL,
		DatastoreActive: false,
	}}
}

func toTags(names []string) []domain.Tag {
	tags := make([]domain.Tag, 0, len(names))
	for _, n := range names {
		tags = append(tags, domain.Tag{Name: n})
	}
	return tags
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	slug := nonAlnum.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 80 {
		slug = slug[:80]
	}
	return slug
}
