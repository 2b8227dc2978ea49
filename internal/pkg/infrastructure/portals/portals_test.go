package portals

import (
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestDefaultRegistryOrder(t *testing.T) {
	is := is.New(t)

	r := DefaultRegistry()
	is.Equal(r.Keys(), []string{"ontario", "toronto", "ottawa"})

	ottawa, ok := r.Get("ottawa")
	is.True(ok)
	is.Equal(ottawa.Kind, KindArcGISHub)
}

func TestReadRegistryFromYAML(t *testing.T) {
	is := is.New(t)

	r, err := ReadRegistry(strings.NewReader(portalsYaml))
	is.NoErr(err)

	is.Equal(r.Keys(), []string{"hamilton", "kingston"})

	hamilton, ok := r.Get("hamilton")
	is.True(ok)
	is.Equal(hamilton.BaseURL, "https://open.hamilton.ca")
	is.Equal(hamilton.Kind, KindArcGISHub)
}

func TestReadRegistryRejectsUnknownKind(t *testing.T) {
	is := is.New(t)

	_, err := ReadRegistry(strings.NewReader(badKindYaml))
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "unknown kind"))
}

func TestReadRegistryRejectsDuplicateKeys(t *testing.T) {
	is := is.New(t)

	_, err := ReadRegistry(strings.NewReader(duplicateYaml))
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "duplicate"))
}

const portalsYaml string = `
portals:
  - key: hamilton
    name: Hamilton Open Data
    base_url: https://open.hamilton.ca
    kind: arcgis_hub
    org_name: hamilton
    org_title: City of Hamilton
  - key: kingston
    name: Kingston Open Data
    base_url: https://opendatakingston.cityofkingston.ca
    kind: ckan
`

const badKindYaml string = `
portals:
  - key: somewhere
    name: Somewhere
    base_url: https://example.com
    kind: socrata
`

const duplicateYaml string = `
portals:
  - key: ontario
    name: One
    base_url: https://a.example.com
    kind: ckan
  - key: ontario
    name: Two
    base_url: https://b.example.com
    kind: ckan
`
