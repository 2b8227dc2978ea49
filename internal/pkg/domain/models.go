package domain

// Normalized shapes shared by every upstream catalogue client. Handlers and
// the resolver are platform-agnostic and only ever see these types.

type Organization struct {
	Name         string `json:"name"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	DatasetCount int    `json:"dataset_count,omitempty"`
}

type Tag struct {
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
}

type Resource struct {
	ID              string `json:"id"`
	PackageID       string `json:"package_id,omitempty"`
	Name            string `json:"name"`
	Format          string `json:"format"`
	URL             string `json:"url"`
	Size            int64  `json:"size,omitempty"`
	LastModified    string `json:"last_modified,omitempty"`
	DatastoreActive bool   `json:"datastore_active"`
}

type Dataset struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	Organization       Organization `json:"organization"`
	Tags               []Tag        `json:"tags"`
	Resources          []Resource   `json:"resources"`
	UpdateFrequency    string       `json:"update_frequency"`
	MetadataModified   string       `json:"metadata_modified"`
	MetadataCreated    string       `json:"metadata_created,omitempty"`
	LicenseTitle       string       `json:"license_title,omitempty"`
	GeographicCoverage string       `json:"geographic_coverage,omitempty"`
}

// SearchResult is one page of a dataset search. Count is the total number of
// matches reported by the portal, not the number of results in this page.
type SearchResult struct {
	Count   int       `json:"count"`
	Results []Dataset `json:"results"`
}

type DatastoreField struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// DatastoreResult is one page of structured records served directly by a
// portal's datastore API.
type DatastoreResult struct {
	Total   int              `json:"total"`
	Fields  []DatastoreField `json:"fields"`
	Records []map[string]any `json:"records"`
}
