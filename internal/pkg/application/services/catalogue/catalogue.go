// Package catalogue defines the capability contract implemented by every
// upstream portal client. Downstream code (resolver, handlers, CLI) only
// ever talks to this interface, never to a platform-specific client.
package catalogue

import (
	"context"
	"fmt"

	"github.com/candata/api-datagateway/internal/pkg/domain"
)

// SearchParams are forwarded verbatim to platforms that support them;
// platforms without server-side filter/sort support accept and ignore those
// fields.
type SearchParams struct {
	Query   string
	Filters map[string]string
	Sort    string
	Rows    int
	Start   int
}

type DatastoreParams struct {
	ResourceID string
	Filters    map[string]any
	Fields     []string
	Sort       string
	Limit      int
	Offset     int
}

// Client is the capability set shared by all portal platforms.
type Client interface {
	Search(ctx context.Context, params SearchParams) (*domain.SearchResult, error)
	SearchAll(ctx context.Context, params SearchParams) ([]domain.Dataset, error)
	GetDataset(ctx context.Context, id string) (*domain.Dataset, error)
	GetResource(ctx context.Context, id string) (*domain.Resource, error)
	ListOrganizations(ctx context.Context) ([]domain.Organization, error)
	ListTags(ctx context.Context, query string) ([]domain.Tag, error)

	// SupportsDatastore reports whether the platform can serve structured
	// records directly. When false, the datastore operations below return
	// DatastoreUnavailableError and callers should download instead.
	SupportsDatastore() bool
	DatastoreSearch(ctx context.Context, params DatastoreParams) (*domain.DatastoreResult, error)
	DatastoreSearchAll(ctx context.Context, resourceID string) (*domain.DatastoreResult, error)
	DatastoreSQL(ctx context.Context, sql string) (*domain.DatastoreResult, error)

	// GetDownloadURL resolves a bulk download for the requested format.
	// An empty string with a nil error means "no bulk download available";
	// that is a defined result, not a failure.
	GetDownloadURL(ctx context.Context, id, format string) (string, error)
}

// APIError is a platform-reported failure inside an otherwise successful
// response. Never retried.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return "portal API error: " + e.Message
}

// DatastoreUnavailableError is returned by datastore operations on platforms
// that cannot serve structured records remotely.
type DatastoreUnavailableError struct {
	Operation string
}

func (e *DatastoreUnavailableError) Error() string {
	return fmt.Sprintf("this portal has no remote datastore API (%s); download the resource and query it locally instead", e.Operation)
}
