package stac

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/freva-org/freva-rest/internal/models"
)

// Asset is one downloadable representation of an item.
type Asset struct {
	Href  string   `json:"href"`
	Type  string   `json:"type,omitempty"`
	Title string   `json:"title,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Item is a GeoJSON Feature describing one indexed file.
type Item struct {
	Type        string                 `json:"type"`
	StacVersion string                 `json:"stac_version"`
	ID          string                 `json:"id"`
	Collection  string                 `json:"collection,omitempty"`
	Geometry    map[string]interface{} `json:"geometry"`
	Bbox        []float64              `json:"bbox"`
	Properties  map[string]interface{} `json:"properties"`
	Links       []Link                 `json:"links"`
	Assets      map[string]Asset       `json:"assets"`
}

// ItemCollection is a page of features plus pagination links.
type ItemCollection struct {
	Type           string `json:"type"`
	Features       []Item `json:"features"`
	Links          []Link `json:"links"`
	NumberMatched  int64  `json:"numberMatched"`
	NumberReturned int    `json:"numberReturned"`
}

// SearchRequest carries the cross-collection /search parameters; the GET
// and POST variants both decode into it.
type SearchRequest struct {
	Collections []string  `json:"collections,omitempty"`
	Bbox        []float64 `json:"bbox,omitempty"`
	Datetime    string    `json:"datetime,omitempty"`
	Limit       int       `json:"limit,omitempty"`
	Token       string    `json:"token,omitempty"`
}

func clampLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit < 1 || limit > MaxLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", models.ErrInvalidInput, MaxLimit)
	}
	return limit, nil
}

// parseEnvelope reads the index's spatial value ENVELOPE(minLon, maxLon,
// maxLat, minLat) into a STAC bbox [minLon, minLat, maxLon, maxLat].
func parseEnvelope(value string) ([]float64, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "ENVELOPE(") || !strings.HasSuffix(value, ")") {
		return nil, false
	}
	parts := strings.Split(value[len("ENVELOPE(") : len(value)-1], ",")
	if len(parts) != 4 {
		return nil, false
	}
	coords := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, false
		}
		coords[i] = v
	}
	minLon, maxLon, maxLat, minLat := coords[0], coords[1], coords[2], coords[3]
	return []float64{minLon, minLat, maxLon, maxLat}, true
}

// parseTimeRange reads the index's "[start TO end]" interval value.
func parseTimeRange(value string) (string, string, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "[") || !strings.HasSuffix(value, "]") {
		return "", "", false
	}
	start, end, found := strings.Cut(value[1:len(value)-1], " TO ")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(start), strings.TrimSpace(end), true
}

var globalBbox = []float64{-180, -90, 180, 90}

func geometryFromBbox(bbox []float64) map[string]interface{} {
	minLon, minLat, maxLon, maxLat := bbox[0], bbox[1], bbox[2], bbox[3]
	return map[string]interface{}{
		"type": "Polygon",
		"coordinates": [][][]float64{{
			{minLon, minLat},
			{maxLon, minLat},
			{maxLon, maxLat},
			{minLon, maxLat},
			{minLon, minLat},
		}},
	}
}

// skipProperties are doc fields that map onto dedicated item attributes
// instead of free-form properties.
var skipProperties = map[string]bool{
	"id": true, "file": true, "uri": true, "bbox": true, "time": true,
	"_version_": true, "user": true,
}

// itemFromDoc maps one index document onto a STAC feature. Documents
// without spatial metadata get global coverage.
func (s *Service) itemFromDoc(collection string, doc models.SearchDocument) Item {
	id := doc.FirstString("id")
	if id == "" {
		id = doc.FirstString("file")
	}
	file := doc.FirstString("file")

	bbox := globalBbox
	if parsed, ok := parseEnvelope(doc.FirstString("bbox")); ok {
		bbox = parsed
	}

	properties := map[string]interface{}{"datetime": nil}
	if start, end, ok := parseTimeRange(doc.FirstString("time")); ok {
		properties["start_datetime"] = start
		properties["end_datetime"] = end
	}
	for key, value := range doc {
		if skipProperties[key] || strings.HasPrefix(key, "_") {
			continue
		}
		if list, isList := value.([]interface{}); isList && len(list) == 1 {
			value = list[0]
		}
		properties[key] = value
	}

	zarrToken := uuid.NewSHA1(uuid.NameSpaceURL, []byte(file)).String()
	base := s.baseURL()
	item := Item{
		Type:        "Feature",
		StacVersion: Version,
		ID:          id,
		Collection:  collection,
		Geometry:    geometryFromBbox(bbox),
		Bbox:        bbox,
		Properties:  properties,
		Assets: map[string]Asset{
			"data": {
				Href:  file,
				Type:  "application/netcdf",
				Title: "Source file",
				Roles: []string{"data"},
			},
			"zarr-access": {
				Href: fmt.Sprintf("%s/api/freva-nextgen/data-portal/zarr/%s.zarr",
					strings.TrimRight(s.cfg.Server.Proxy, "/"), zarrToken),
				Type:  "application/vnd+zarr",
				Title: "Zarr streaming access",
				Roles: []string{"data"},
			},
		},
		Links: []Link{
			{Rel: "root", Href: base, Type: "application/json"},
		},
	}
	if collection != "" {
		item.Links = append(item.Links,
			Link{Rel: "collection", Href: base + "/collections/" + collection, Type: "application/json"},
			Link{Rel: "self", Href: base + "/collections/" + collection + "/items/" + url.PathEscape(id), Type: "application/geo+json"},
		)
	}
	return item
}

// page runs one windowed query over the id order. The boundary id from the
// token turns into an exclusive range filter, so concatenated pages cover
// the result set exactly once.
func (s *Service) page(ctx context.Context, collection string, filterQueries []string, limit int, token string) (*ItemCollection, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}

	sort := "id asc"
	fqs := append([]string{"{!ex=userTag}-user:*"}, filterQueries...)
	if collection != "" {
		fqs = append(fqs, "project:"+strings.ToLower(collection))
	}
	if token != "" {
		direction, tokenCollection, boundary, err := decodeToken(token)
		if err != nil {
			return nil, err
		}
		if tokenCollection != collection {
			return nil, fmt.Errorf("%w: token does not belong to this collection", models.ErrInvalidInput)
		}
		if direction == directionNext {
			fqs = append(fqs, fmt.Sprintf("id:{%q TO *]", boundary))
		} else {
			fqs = append(fqs, fmt.Sprintf("id:[* TO %q}", boundary))
			sort = "id desc"
		}
	}

	params := url.Values{}
	params.Set("q", "*:*")
	params.Set("wt", "json")
	params.Set("rows", strconv.Itoa(limit))
	params.Set("sort", sort)
	for _, fq := range fqs {
		params.Add("fq", fq)
	}
	resp, err := s.client.Select(ctx, s.client.LatestCore(), params)
	if err != nil {
		return nil, err
	}

	docs := resp.Response.Docs
	if sort == "id desc" {
		for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
	}

	page := &ItemCollection{
		Type:           "FeatureCollection",
		Features:       make([]Item, 0, len(docs)),
		NumberMatched:  resp.Response.NumFound,
		NumberReturned: len(docs),
	}
	for _, doc := range docs {
		page.Features = append(page.Features, s.itemFromDoc(collection, doc))
	}
	if len(page.Features) > 0 {
		first := page.Features[0].ID
		last := page.Features[len(page.Features)-1].ID
		// Clients follow these hrefs verbatim, so they must be full page
		// URLs, not bare tokens.
		target := s.baseURL() + "/search"
		if collection != "" {
			target = s.baseURL() + "/collections/" + collection + "/items"
		}
		pageHref := func(direction, boundary string) string {
			return fmt.Sprintf("%s?limit=%d&token=%s",
				target, limit, encodeToken(direction, collection, boundary))
		}
		if len(page.Features) == limit {
			page.Links = append(page.Links, Link{
				Rel:  "next",
				Href: pageHref(directionNext, last),
				Type: "application/geo+json",
			})
		}
		if token != "" {
			page.Links = append(page.Links, Link{
				Rel:  "prev",
				Href: pageHref(directionPrev, first),
				Type: "application/geo+json",
			})
		}
	}
	return page, nil
}

// Items lists one collection's features.
func (s *Service) Items(ctx context.Context, collection string, limit int, token string) (*ItemCollection, error) {
	if _, err := s.Collection(ctx, collection); err != nil {
		return nil, err
	}
	return s.page(ctx, strings.ToLower(collection), nil, limit, token)
}

// Item resolves a single feature by document id.
func (s *Service) Item(ctx context.Context, collection, itemID string) (*Item, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("id:%q", itemID))
	params.Set("fq", "project:"+strings.ToLower(collection))
	params.Set("rows", "1")
	params.Set("wt", "json")
	resp, err := s.client.Select(ctx, s.client.LatestCore(), params)
	if err != nil {
		return nil, err
	}
	if len(resp.Response.Docs) == 0 {
		return nil, fmt.Errorf("%w: item %q in collection %q", models.ErrNotFound, itemID, collection)
	}
	item := s.itemFromDoc(strings.ToLower(collection), resp.Response.Docs[0])
	return &item, nil
}

// Search is the cross-collection item search.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*ItemCollection, error) {
	var fqs []string
	if len(req.Collections) > 0 {
		lowered := make([]string, len(req.Collections))
		for i, c := range req.Collections {
			lowered[i] = strings.ToLower(c)
		}
		fqs = append(fqs, "project:("+strings.Join(lowered, " OR ")+")")
	}
	if len(req.Bbox) > 0 {
		if len(req.Bbox) != 4 {
			return nil, fmt.Errorf("%w: bbox wants four values", models.ErrInvalidInput)
		}
		minLon, minLat, maxLon, maxLat := req.Bbox[0], req.Bbox[1], req.Bbox[2], req.Bbox[3]
		fqs = append(fqs, fmt.Sprintf("bbox:\"Intersects(ENVELOPE(%v,%v,%v,%v))\"",
			minLon, maxLon, maxLat, minLat))
	}
	if req.Datetime != "" {
		start, end, err := parseDatetime(req.Datetime)
		if err != nil {
			return nil, err
		}
		fqs = append(fqs, fmt.Sprintf("{!field f=time op=Intersects}[%s TO %s]", start, end))
	}
	return s.page(ctx, "", fqs, req.Limit, req.Token)
}

// parseDatetime reads the STAC datetime parameter: an instant or a
// "start/end" interval where either side may be open ("..").
func parseDatetime(value string) (string, string, error) {
	start, end, isRange := strings.Cut(value, "/")
	if !isRange {
		return start, start, nil
	}
	if start == "" || start == ".." {
		start = "*"
	}
	if end == "" || end == ".." {
		end = "*"
	}
	if start == "*" && end == "*" {
		return "", "", fmt.Errorf("%w: open interval on both sides", models.ErrInvalidInput)
	}
	return start, end, nil
}

// Ping is the health probe body.
func (s *Service) Ping() map[string]string {
	return map[string]string{"message": "PONG"}
}
