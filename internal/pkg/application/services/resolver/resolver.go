// Package resolver turns possibly-ambiguous, possibly-portal-prefixed
// identifiers into (portal, bare id) pairs, fanning lookups out across every
// configured portal when the caller did not say which one they meant.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue"
	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue/arcgis"
	"github.com/candata/api-datagateway/internal/pkg/application/services/catalogue/ckan"
	"github.com/candata/api-datagateway/internal/pkg/domain"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/portals"
	"golang.org/x/sync/errgroup"
)

// Service owns the portal registry and the lazily-created client per portal.
// The client map is shared across concurrent requests and therefore guarded
// by a mutex.
type Service struct {
	registry *portals.Registry

	mu        sync.Mutex
	clients   map[string]catalogue.Client
	newClient func(portals.Config) catalogue.Client
}

func New(registry *portals.Registry) *Service {
	return &Service{
		registry:  registry,
		clients:   map[string]catalogue.Client{},
		newClient: defaultClientFactory,
	}
}

// NewWithClientFactory injects a client constructor; used by tests and by
// callers that need custom HTTP plumbing.
func NewWithClientFactory(registry *portals.Registry, factory func(portals.Config) catalogue.Client) *Service {
	return &Service{
		registry:  registry,
		clients:   map[string]catalogue.Client{},
		newClient: factory,
	}
}

func defaultClientFactory(cfg portals.Config) catalogue.Client {
	if cfg.Kind == portals.KindArcGISHub {
		return arcgis.New(cfg.BaseURL, cfg.OrgName, cfg.OrgTitle)
	}
	return ckan.New(cfg.BaseURL)
}

func (s *Service) Registry() *portals.Registry {
	return s.registry
}

// Client returns the upstream client for a portal key, creating it on first
// use.
func (s *Service) Client(portalKey string) (catalogue.Client, error) {
	cfg, ok := s.registry.Get(portalKey)
	if !ok {
		return nil, fmt.Errorf("unknown portal %q, available: %s", portalKey, strings.Join(s.registry.Keys(), ", "))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[portalKey]
	if !ok {
		client = s.newClient(cfg)
		s.clients[portalKey] = client
	}

	return client, nil
}

// ParsePrefixedID splits "portal:bare_id". The prefix is treated as a portal
// selector only if it matches a configured key; otherwise the whole string,
// colon included, is the bare id. This keeps URN-style identifiers like
// "urn:uuid:..." intact.
func (s *Service) ParsePrefixedID(id string) (string, string) {
	if prefix, rest, found := strings.Cut(id, ":"); found {
		if _, known := s.registry.Get(prefix); known {
			return prefix, rest
		}
	}
	return "", id
}

// Result is one portal's outcome from a fan-out.
type Result[T any] struct {
	Portal string
	Value  T
	Err    error
}

// Predicate filters fan-out eligibility by portal config.
type Predicate func(portals.Config) bool

func AnyPortal(portals.Config) bool { return true }

// DatastorePortals excludes platforms that cannot serve remote structured
// records (pure-datastore operations skip ArcGIS).
func DatastorePortals(cfg portals.Config) bool { return cfg.Kind == portals.KindCKAN }

// CollectAll runs op concurrently against every eligible portal (or just the
// named one) and returns one Result per portal. No portal's failure aborts
// the others; errors become per-portal diagnostic entries.
func CollectAll[T any](ctx context.Context, s *Service, portal string, eligible Predicate, op func(ctx context.Context, portalKey string, client catalogue.Client) (T, error)) ([]Result[T], error) {
	keys, err := s.eligibleKeys(portal, eligible)
	if err != nil {
		return nil, err
	}

	results := make([]Result[T], len(keys))
	g, ctx := errgroup.WithContext(ctx)

	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			results[i].Portal = key

			client, err := s.Client(key)
			if err != nil {
				results[i].Err = err
				return nil
			}

			value, err := op(ctx, key, client)
			if err != nil {
				results[i].Err = err
				return nil
			}

			results[i].Value = value
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// FirstMatch tries portals sequentially in registry order and returns a
// single-element slice on the first success, leaving later portals untried.
// When every portal fails, the full per-portal error list comes back so the
// caller can build one consolidated diagnostic.
func FirstMatch[T any](ctx context.Context, s *Service, portal string, eligible Predicate, op func(ctx context.Context, portalKey string, client catalogue.Client) (T, error)) ([]Result[T], error) {
	keys, err := s.eligibleKeys(portal, eligible)
	if err != nil {
		return nil, err
	}

	failures := make([]Result[T], 0, len(keys))
	for _, key := range keys {
		client, err := s.Client(key)
		if err != nil {
			failures = append(failures, Result[T]{Portal: key, Err: err})
			continue
		}

		value, err := op(ctx, key, client)
		if err != nil {
			failures = append(failures, Result[T]{Portal: key, Err: err})
			continue
		}

		return []Result[T]{{Portal: key, Value: value}}, nil
	}

	return failures, nil
}

func (s *Service) eligibleKeys(portal string, eligible Predicate) ([]string, error) {
	if portal != "" {
		if _, ok := s.registry.Get(portal); !ok {
			return nil, fmt.Errorf("unknown portal %q, available: %s", portal, strings.Join(s.registry.Keys(), ", "))
		}
		return []string{portal}, nil
	}

	keys := []string{}
	for _, cfg := range s.registry.All() {
		if eligible == nil || eligible(cfg) {
			keys = append(keys, cfg.Key)
		}
	}
	return keys, nil
}

// ResolutionError is the consolidated failure after a bare id was tried on
// every eligible portal.
type ResolutionError struct {
	Kind     string // "dataset" or "resource"
	ID       string
	Attempts []Result[struct{}]
}

func (e *ResolutionError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Portal, a.Err))
	}
	return fmt.Sprintf("%s %q not found on any portal (tried %s); use search to find the correct prefixed id",
		e.Kind, e.ID, strings.Join(parts, "; "))
}

func newResolutionError[T any](kind, id string, failures []Result[T]) *ResolutionError {
	attempts := make([]Result[struct{}], 0, len(failures))
	for _, f := range failures {
		attempts = append(attempts, Result[struct{}]{Portal: f.Portal, Err: f.Err})
	}
	return &ResolutionError{Kind: kind, ID: id, Attempts: attempts}
}

var tableNameUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// MakeTableName maps a resource to its physical table name. The mapping is
// deterministic so a repeated download of the same resource overwrites its
// table instead of accumulating duplicates, and it embeds the portal key so
// identically-named datasets on different portals never collide.
func MakeTableName(datasetName, resourceID, portal string) string {
	slug := tableNameUnsafe.ReplaceAllString(strings.ToLower(datasetName), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "_")
	}

	idPart := tableNameUnsafe.ReplaceAllString(strings.ToLower(resourceID), "_")
	if len(idPart) > 8 {
		idPart = idPart[:8]
	}

	return fmt.Sprintf("ds_%s_%s_%s", portal, slug, idPart)
}

// ResolveDataset resolves a possibly-prefixed dataset id to its portal, bare
// id and metadata, trying portals in order when no prefix is given.
func (s *Service) ResolveDataset(ctx context.Context, id string) (string, string, *domain.Dataset, error) {
	portal, bareID := s.ParsePrefixedID(id)

	results, err := FirstMatch(ctx, s, portal, AnyPortal,
		func(ctx context.Context, portalKey string, client catalogue.Client) (*domain.Dataset, error) {
			return client.GetDataset(ctx, bareID)
		})
	if err != nil {
		return "", "", nil, err
	}

	if len(results) == 1 && results[0].Err == nil {
		return results[0].Portal, bareID, results[0].Value, nil
	}

	return "", "", nil, newResolutionError("dataset", bareID, results)
}

// ResolveResourcePortal determines which portal owns a possibly-prefixed
// resource id without fetching the resource payload.
func (s *Service) ResolveResourcePortal(ctx context.Context, id string) (string, string, error) {
	portal, bareID := s.ParsePrefixedID(id)
	if portal != "" {
		return portal, bareID, nil
	}

	results, err := FirstMatch(ctx, s, "", AnyPortal,
		func(ctx context.Context, portalKey string, client catalogue.Client) (*domain.Resource, error) {
			return client.GetResource(ctx, bareID)
		})
	if err != nil {
		return "", "", err
	}

	if len(results) == 1 && results[0].Err == nil {
		return results[0].Portal, bareID, nil
	}

	return "", "", newResolutionError("resource", bareID, results)
}
