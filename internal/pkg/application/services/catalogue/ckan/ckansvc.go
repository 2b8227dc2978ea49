// Package ckan implements the catalogue contract against the CKAN Action
// API, with client-side rate limiting and retry on transient failures.
package ckan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue"
	"github.com/candata/api-datagateway/internal/pkg/domain"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

var retryableStatus = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultRateLimit  = 10 // requests per second
	maxResponseBytes  = 64 << 20

	searchPageSize    = 100
	datastorePageSize = 1000
)

type Client struct {
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	baseDelay  time.Duration
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

func WithMaxRetries(n uint64) ClientOption {
	return func(client *Client) { client.maxRetries = n }
}

func WithBaseDelay(d time.Duration) ClientOption {
	return func(client *Client) { client.baseDelay = d }
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(rps float64) ClientOption {
	return func(client *Client) {
		if rps <= 0 {
			client.limiter = rate.NewLimiter(rate.Inf, 1)
		} else {
			client.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		apiURL: strings.TrimSuffix(baseURL, "/") + "/api/3/action",
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), 1),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) SupportsDatastore() bool {
	return true
}

// request performs one Action API call with rate limiting and bounded retry.
// Retry covers the fixed retryable status set and connection/timeout errors;
// a platform-level failure inside a 200 response is surfaced immediately as
// an APIError.
func (c *Client) request(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	reqURL := c.apiURL + "/" + action
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var result json.RawMessage

	op := func() error {
		// Rate limiting is independent of retry backoff: no two requests
		// leave closer together than the configured minimum interval.
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			// connection/timeout errors are retryable
			return fmt.Errorf("request to %s failed: %w", action, err)
		}
		defer resp.Body.Close()

		if _, retryable := retryableStatus[resp.StatusCode]; retryable {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("retryable HTTP %d from %s", resp.StatusCode, action)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("failed to read response from %s: %w", action, err)
		}

		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("HTTP %d from %s", resp.StatusCode, action))
		}

		var envelope struct {
			Success bool            `json:"success"`
			Result  json.RawMessage `json:"result"`
			Error   json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return backoff.Permanent(fmt.Errorf("invalid response from %s: %w", action, err))
		}

		if !envelope.Success {
			return backoff.Permanent(&catalogue.APIError{Message: errorMessage(envelope.Error)})
		}

		result = envelope.Result
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
	if err != nil {
		return nil, err
	}

	return result, nil
}

func errorMessage(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) Search(ctx context.Context, params catalogue.SearchParams) (*domain.SearchResult, error) {
	query := params.Query
	if query == "" {
		query = "*:*"
	}

	values := url.Values{}
	values.Set("q", query)
	values.Set("rows", strconv.Itoa(params.Rows))
	values.Set("start", strconv.Itoa(params.Start))
	if len(params.Filters) > 0 {
		fq := make([]string, 0, len(params.Filters))
		for k, v := range params.Filters {
			fq = append(fq, k+":"+v)
		}
		values.Set("fq", strings.Join(fq, " "))
	}
	if params.Sort != "" {
		values.Set("sort", params.Sort)
	}

	raw, err := c.request(ctx, "package_search", values)
	if err != nil {
		return nil, err
	}

	var result struct {
		Count   int           `json:"count"`
		Results []ckanPackage `json:"results"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse search result: %w", err)
	}

	datasets := make([]domain.Dataset, 0, len(result.Results))
	for _, pkg := range result.Results {
		datasets = append(datasets, pkg.toDomain())
	}

	return &domain.SearchResult{Count: result.Count, Results: datasets}, nil
}

// SearchAll pages through every search result. A reported total of zero
// returns immediately without a second request.
func (c *Client) SearchAll(ctx context.Context, params catalogue.SearchParams) ([]domain.Dataset, error) {
	params.Rows = searchPageSize
	params.Start = 0

	all := []domain.Dataset{}
	for {
		page, err := c.Search(ctx, params)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		if len(all) >= page.Count {
			break
		}
		params.Start += searchPageSize
	}

	return all, nil
}

func (c *Client) GetDataset(ctx context.Context, id string) (*domain.Dataset, error) {
	raw, err := c.request(ctx, "package_show", url.Values{"id": {id}})
	if err != nil {
		return nil, err
	}

	var pkg ckanPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", id, err)
	}

	ds := pkg.toDomain()
	return &ds, nil
}

func (c *Client) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	raw, err := c.request(ctx, "resource_show", url.Values{"id": {id}})
	if err != nil {
		return nil, err
	}

	var res ckanResource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse resource %s: %w", id, err)
	}

	r := res.toDomain()
	return &r, nil
}

func (c *Client) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	raw, err := c.request(ctx, "organization_list", url.Values{
		"all_fields":            {"true"},
		"include_dataset_count": {"true"},
		"sort":                  {"package_count desc"},
	})
	if err != nil {
		return nil, err
	}

	var orgs []struct {
		Name         string `json:"name"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		PackageCount int    `json:"package_count"`
	}
	if err := json.Unmarshal(raw, &orgs); err != nil {
		return nil, fmt.Errorf("failed to parse organization list: %w", err)
	}

	result := make([]domain.Organization, 0, len(orgs))
	for _, o := range orgs {
		result = append(result, domain.Organization{
			Name:         o.Name,
			Title:        o.Title,
			Description:  o.Description,
			DatasetCount: o.PackageCount,
		})
	}

	return result, nil
}

func (c *Client) ListTags(ctx context.Context, query string) ([]domain.Tag, error) {
	values := url.Values{"all_fields": {"true"}}
	if query != "" {
		values.Set("query", query)
	}

	raw, err := c.request(ctx, "tag_list", values)
	if err != nil {
		return nil, err
	}

	var tags []struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(raw, &tags); err != nil {
		// some CKAN deployments answer with a bare list of names
		var names []string
		if err2 := json.Unmarshal(raw, &names); err2 != nil {
			return nil, fmt.Errorf("failed to parse tag list: %w", err)
		}
		result := make([]domain.Tag, 0, len(names))
		for _, n := range names {
			result = append(result, domain.Tag{Name: n})
		}
		return result, nil
	}

	result := make([]domain.Tag, 0, len(tags))
	for _, t := range tags {
		result = append(result, domain.Tag{Name: t.Name, Count: t.Count})
	}

	return result, nil
}

// ListGroups returns the portal's thematic groups. CKAN-only convenience,
// not part of the cross-platform contract.
func (c *Client) ListGroups(ctx context.Context) ([]domain.Organization, error) {
	raw, err := c.request(ctx, "group_list", url.Values{
		"all_fields":            {"true"},
		"include_dataset_count": {"true"},
	})
	if err != nil {
		return nil, err
	}

	var groups []struct {
		Name         string `json:"name"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		PackageCount int    `json:"package_count"`
	}
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse group list: %w", err)
	}

	result := make([]domain.Organization, 0, len(groups))
	for _, g := range groups {
		result = append(result, domain.Organization{
			Name:         g.Name,
			Title:        g.Title,
			Description:  g.Description,
			DatasetCount: g.PackageCount,
		})
	}

	return result, nil
}

// ListDatasetNames returns all dataset slugs. CKAN-only convenience.
func (c *Client) ListDatasetNames(ctx context.Context, limit, offset int) ([]string, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		values.Set("offset", strconv.Itoa(offset))
	}

	raw, err := c.request(ctx, "package_list", values)
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("failed to parse dataset name list: %w", err)
	}

	return names, nil
}

func (c *Client) DatastoreSearch(ctx context.Context, params catalogue.DatastoreParams) (*domain.DatastoreResult, error) {
	values := url.Values{}
	values.Set("resource_id", params.ResourceID)
	values.Set("limit", strconv.Itoa(params.Limit))
	values.Set("offset", strconv.Itoa(params.Offset))
	if len(params.Filters) > 0 {
		filters, err := json.Marshal(params.Filters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode datastore filters: %w", err)
		}
		values.Set("filters", string(filters))
	}
	if len(params.Fields) > 0 {
		values.Set("fields", strings.Join(params.Fields, ","))
	}
	if params.Sort != "" {
		values.Set("sort", params.Sort)
	}

	raw, err := c.request(ctx, "datastore_search", values)
	if err != nil {
		return nil, err
	}

	return parseDatastoreResult(raw)
}

// DatastoreSearchAll pages through every record of a datastore resource.
// A reported total of zero terminates after the first page.
func (c *Client) DatastoreSearchAll(ctx context.Context, resourceID string) (*domain.DatastoreResult, error) {
	all := &domain.DatastoreResult{Records: []map[string]any{}}
	offset := 0

	for {
		page, err := c.DatastoreSearch(ctx, catalogue.DatastoreParams{
			ResourceID: resourceID,
			Limit:      datastorePageSize,
			Offset:     offset,
		})
		if err != nil {
			return nil, err
		}

		if all.Fields == nil {
			all.Fields = page.Fields
			all.Total = page.Total
		}
		all.Records = append(all.Records, page.Records...)

		if len(all.Records) >= all.Total {
			break
		}
		offset += datastorePageSize
	}

	return all, nil
}

func (c *Client) DatastoreSQL(ctx context.Context, sql string) (*domain.DatastoreResult, error) {
	raw, err := c.request(ctx, "datastore_search_sql", url.Values{"sql": {sql}})
	if err != nil {
		return nil, err
	}

	result, err := parseDatastoreResult(raw)
	if err != nil {
		return nil, err
	}
	result.Total = len(result.Records)
	return result, nil
}

// GetDownloadURL has no CKAN equivalent; structured resources are queried
// via the datastore and files are fetched from the resource URL directly.
func (c *Client) GetDownloadURL(ctx context.Context, id, format string) (string, error) {
	return "", nil
}

func parseDatastoreResult(raw json.RawMessage) (*domain.DatastoreResult, error) {
	var result struct {
		Total  int `json:"total"`
		Fields []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"fields"`
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse datastore result: %w", err)
	}

	fields := make([]domain.DatastoreField, 0, len(result.Fields))
	for _, f := range result.Fields {
		fields = append(fields, domain.DatastoreField{ID: f.ID, Type: f.Type})
	}

	return &domain.DatastoreResult{
		Total:   result.Total,
		Fields:  fields,
		Records: result.Records,
	}, nil
}

type ckanResource struct {
	ID              string `json:"id"`
	PackageID       string `json:"package_id"`
	Name            string `json:"name"`
	Format          string `json:"format"`
	URL             string `json:"url"`
	Size            any    `json:"size"`
	LastModified    string `json:"last_modified"`
	DatastoreActive bool   `json:"datastore_active"`
}

func (r ckanResource) toDomain() domain.Resource {
	return domain.Resource{
		ID:              r.ID,
		PackageID:       r.PackageID,
		Name:            r.Name,
		Format:          r.Format,
		URL:             r.URL,
		Size:            coerceInt64(r.Size),
		LastModified:    r.LastModified,
		DatastoreActive: r.DatastoreActive,
	}
}

// coerceInt64 copes with CKAN's loosely-typed size field (number, numeric
// string, or null depending on the deployment).
func coerceInt64(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}

type ckanPackage struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Title        string `json:"title"`
	Notes        string `json:"notes"`
	Organization struct {
		Name  string `json:"name"`
		Title string `json:"title"`
	} `json:"organization"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Resources          []ckanResource `json:"resources"`
	UpdateFrequency    string         `json:"update_frequency"`
	MetadataModified   string         `json:"metadata_modified"`
	MetadataCreated    string         `json:"metadata_created"`
	LicenseTitle       string         `json:"license_title"`
	GeographicCoverage string         `json:"geographic_coverage"`
}

func (p ckanPackage) toDomain() domain.Dataset {
	tags := make([]domain.Tag, 0, len(p.Tags))
	for _, t := range p.Tags {
		tags = append(tags, domain.Tag{Name: t.Name})
	}

	resources := make([]domain.Resource, 0, len(p.Resources))
	for _, r := range p.Resources {
		res := r.toDomain()
		if res.PackageID == "" {
			res.PackageID = p.ID
		}
		resources = append(resources, res)
	}

	return domain.Dataset{
		ID:                 p.ID,
		Name:               p.Name,
		Title:              p.Title,
		Description:        p.Notes,
		Organization:       domain.Organization{Name: p.Organization.Name, Title: p.Organization.Title},
		Tags:               tags,
		Resources:          resources,
		UpdateFrequency:    p.UpdateFrequency,
		MetadataModified:   p.MetadataModified,
		MetadataCreated:    p.MetadataCreated,
		LicenseTitle:       p.LicenseTitle,
		GeographicCoverage: p.GeographicCoverage,
	}
}
