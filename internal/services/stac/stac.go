package stac

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
	"github.com/freva-org/freva-rest/internal/services/search"
)

// Version of the STAC spec this API implements.
const Version = "1.1.0"

// conformsTo lists the implemented conformance classes.
var conformsTo = []string{
	"https://api.stacspec.org/v1.0.0/core",
	"https://api.stacspec.org/v1.0.0/collections",
	"https://api.stacspec.org/v1.0.0/item-search",
	"http://www.opengis.net/spec/ogcapi-features-1/1.0/conf/core",
	"http://www.opengis.net/spec/ogcapi-features-1/1.0/conf/geojson",
}

// Limits on the per-page item count.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Link is a STAC hypermedia link.
type Link struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// Catalog is the landing page document.
type Catalog struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	StacVersion string   `json:"stac_version"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ConformsTo  []string `json:"conformsTo"`
	Links       []Link   `json:"links"`
}

// Collection is one dataset grouping, keyed by the project facet.
type Collection struct {
	Type        string                 `json:"type"`
	ID          string                 `json:"id"`
	StacVersion string                 `json:"stac_version"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	License     string                 `json:"license"`
	Extent      Extent                 `json:"extent"`
	Summaries   map[string]interface{} `json:"summaries,omitempty"`
	Links       []Link                 `json:"links"`
}

// Extent is the collection's spatial and temporal coverage.
type Extent struct {
	Spatial struct {
		Bbox [][]float64 `json:"bbox"`
	} `json:"spatial"`
	Temporal struct {
		Interval [][]*string `json:"interval"`
	} `json:"temporal"`
}

// CollectionList is the /collections response.
type CollectionList struct {
	Collections []Collection `json:"collections"`
	Links       []Link       `json:"links"`
}

// Service answers STAC requests straight from the search index. One
// collection per project facet value; items map one-to-one onto index
// documents.
type Service struct {
	cfg    *common.Config
	client *search.Client
	logger arbor.ILogger
}

// NewService wires the STAC facade over the search index client.
func NewService(cfg *common.Config, client *search.Client, logger arbor.ILogger) *Service {
	return &Service{cfg: cfg, client: client, logger: logger}
}

func (s *Service) baseURL() string {
	return strings.TrimRight(s.cfg.Server.Proxy, "/") + "/api/freva-nextgen/stacapi"
}

// Landing is the root catalogue document.
func (s *Service) Landing() Catalog {
	base := s.baseURL()
	return Catalog{
		Type:        "Catalog",
		ID:          "freva",
		StacVersion: Version,
		Title:       "Freva climate datasets",
		Description: "STAC access to the datasets indexed by the freva databrowser",
		ConformsTo:  append([]string(nil), conformsTo...),
		Links: []Link{
			{Rel: "self", Href: base, Type: "application/json"},
			{Rel: "root", Href: base, Type: "application/json"},
			{Rel: "conformance", Href: base + "/conformance", Type: "application/json"},
			{Rel: "data", Href: base + "/collections", Type: "application/json"},
			{Rel: "search", Href: base + "/search", Type: "application/geo+json"},
		},
	}
}

// Conformance lists the implemented classes.
func (s *Service) Conformance() map[string][]string {
	return map[string][]string{"conformsTo": append([]string(nil), conformsTo...)}
}

// projectValues lists every project facet value in the latest core.
func (s *Service) projectValues(ctx context.Context) ([]string, error) {
	params := url.Values{}
	params.Set("q", "*:*")
	params.Set("fq", "{!ex=userTag}-user:*")
	params.Set("rows", "0")
	params.Set("wt", "json")
	params.Set("facet", "true")
	params.Set("facet.mincount", "1")
	params.Set("facet.limit", "-1")
	params.Set("facet.sort", "index")
	params.Set("facet.field", "project")
	resp, err := s.client.Select(ctx, s.client.LatestCore(), params)
	if err != nil {
		return nil, err
	}
	interleaved := resp.FacetCounts.FacetFields["project"]
	values := make([]string, 0, len(interleaved)/2)
	for i := 0; i+1 < len(interleaved); i += 2 {
		if name, ok := interleaved[i].(string); ok {
			values = append(values, strings.ToLower(name))
		}
	}
	return values, nil
}

func (s *Service) collection(id string) Collection {
	base := s.baseURL()
	c := Collection{
		Type:        "Collection",
		ID:          id,
		StacVersion: Version,
		Title:       id,
		Description: fmt.Sprintf("Datasets of the %s project", id),
		License:     "proprietary",
		Links: []Link{
			{Rel: "self", Href: base + "/collections/" + id, Type: "application/json"},
			{Rel: "root", Href: base, Type: "application/json"},
			{Rel: "items", Href: base + "/collections/" + id + "/items", Type: "application/geo+json"},
			{Rel: "queryables", Href: base + "/collections/" + id + "/queryables", Type: "application/schema+json"},
		},
	}
	c.Extent.Spatial.Bbox = [][]float64{{-180, -90, 180, 90}}
	c.Extent.Temporal.Interval = [][]*string{{nil, nil}}
	return c
}

// Collections groups the index by project facet value.
func (s *Service) Collections(ctx context.Context) (CollectionList, error) {
	projects, err := s.projectValues(ctx)
	if err != nil {
		return CollectionList{}, err
	}
	list := CollectionList{
		Collections: make([]Collection, 0, len(projects)),
		Links: []Link{
			{Rel: "self", Href: s.baseURL() + "/collections", Type: "application/json"},
			{Rel: "root", Href: s.baseURL(), Type: "application/json"},
		},
	}
	for _, project := range projects {
		list.Collections = append(list.Collections, s.collection(project))
	}
	return list, nil
}

// Collection resolves one project grouping.
func (s *Service) Collection(ctx context.Context, id string) (Collection, error) {
	projects, err := s.projectValues(ctx)
	if err != nil {
		return Collection{}, err
	}
	for _, project := range projects {
		if project == strings.ToLower(id) {
			return s.collection(project), nil
		}
	}
	return Collection{}, fmt.Errorf("%w: collection %q", models.ErrNotFound, id)
}

// Queryables is the JSON-schema advertisement of filterable fields.
func (s *Service) Queryables(ctx context.Context) map[string]interface{} {
	properties := map[string]interface{}{
		"id":       map[string]string{"type": "string"},
		"datetime": map[string]string{"type": "string", "format": "date-time"},
	}
	for _, field := range s.client.Fields(ctx) {
		properties[field] = map[string]string{"type": "string"}
	}
	return map[string]interface{}{
		"$schema":              "https://json-schema.org/draft/2019-09/schema",
		"$id":                  s.baseURL() + "/queryables",
		"type":                 "object",
		"title":                "Queryables for the freva STAC API",
		"properties":           properties,
		"additionalProperties": true,
	}
}

// Pagination token directions.
const (
	directionNext = "next"
	directionPrev = "prev"
)

// encodeToken packs direction, collection and the boundary item id into an
// opaque base64url token.
func encodeToken(direction, collection, itemID string) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(direction + ":" + collection + ":" + itemID))
}

func decodeToken(token string) (direction, collection, itemID string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: malformed pagination token", models.ErrInvalidInput)
	}
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 || (parts[0] != directionNext && parts[0] != directionPrev) {
		return "", "", "", fmt.Errorf("%w: malformed pagination token", models.ErrInvalidInput)
	}
	return parts[0], parts[1], parts[2], nil
}
