package search

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/models"
	"github.com/freva-org/freva-rest/internal/services/flavour"
)

// batchSize is the page size for cursor-based streaming.
const batchSize = 150

// ErrStop lets a stream callback terminate the cursor early without
// surfacing an error to the caller.
var ErrStop = errors.New("stop streaming")

// ZarrPublisher turns one result location into its streaming URL by
// submitting a conversion request for it.
type ZarrPublisher interface {
	PublishPath(ctx context.Context, owner, path string) (string, error)
}

// Options fix the request-independent knobs of one search.
type Options struct {
	UniqKey      string
	Start        int
	MultiVersion bool
	Translate    bool
}

// specialKeys are query keys that are not facets.
var specialKeys = map[string]bool{
	"time_select": true,
	"bbox_select": true,
	"zarr_stream": true,
}

// Search is one translated, validated query against the index. Build it
// with New and run exactly one of the terminal operations.
type Search struct {
	client     *Client
	translator *flavour.Translator
	logger     arbor.ILogger

	uniqKey      string
	multiVersion bool
	start        int
	core         string

	// facets holds the canonicalised query (keys may carry a _not_ tag).
	facets        map[string][]string
	filterQueries []string
}

// New validates the query against the flavour's vocabulary and compiles
// the filter queries. Unknown facet keys are rejected.
func New(client *Client, translator *flavour.Translator, opts Options, query url.Values, logger arbor.ILogger) (*Search, error) {
	uniqKey := opts.UniqKey
	if uniqKey == "" {
		uniqKey = "file"
	}
	valid := uniqKey == "file" || uniqKey == "uri"
	if !valid {
		return nil, fmt.Errorf("%w: uniq_key must be file or uri", models.ErrInvalidInput)
	}

	s := &Search{
		client:       client,
		translator:   translator,
		logger:       logger,
		uniqKey:      uniqKey,
		multiVersion: opts.MultiVersion,
		start:        opts.Start,
		facets:       map[string][]string{},
	}
	if opts.MultiVersion {
		s.core = client.MultiVersionCore()
	} else {
		s.core = client.LatestCore()
	}

	validFacets := map[string]bool{}
	for _, f := range translator.ValidFacets() {
		validFacets[f] = true
	}
	if opts.MultiVersion {
		validFacets["version"] = true
	}
	for _, u := range models.UniqKeys {
		validFacets[u] = true
	}

	timeSpec := query.Get("time")
	timeSelect := query.Get("time_select")
	bboxSpec := query.Get("bbox")
	bboxSelect := query.Get("bbox_select")

	for key, values := range query {
		lowered := strings.ToLower(key)
		if specialKeys[lowered] || lowered == "time" || lowered == "bbox" {
			continue
		}
		bare := strings.ReplaceAll(lowered, "_not_", "")
		if !validFacets[bare] {
			return nil, fmt.Errorf("%w: could not validate facet %q", models.ErrInvalidInput, key)
		}
		// Facet names arrive in the flavour's vocabulary; store them
		// canonically, preserving the negation tag.
		canonical := s.translator.TranslateFacet(bare, true)
		if strings.Contains(lowered, "_not_") {
			canonical += "_not_"
		}
		s.facets[canonical] = append(s.facets[canonical], values...)
	}

	timeFQ, err := timeFilter(timeSpec, timeSelect)
	if err != nil {
		return nil, err
	}
	bboxFQ, err := bboxFilter(bboxSpec, bboxSelect)
	if err != nil {
		return nil, err
	}

	var clauses []string
	for key, values := range s.facets {
		pos, neg := joinFacetQueries(strings.TrimSuffix(key, "_not_"), addNegTag(key, values))
		bare := strings.TrimSuffix(key, "_not_")
		if pos != "" {
			clauses = append(clauses, fmt.Sprintf("%s:(%s)", bare, pos))
		}
		if neg != "" {
			clauses = append(clauses, fmt.Sprintf("-%s:(%s)", bare, neg))
		}
	}

	// User-ingested documents only surface under the user flavour.
	userFQ := "{!ex=userTag}-user:*"
	if translator.Name == "user" {
		userFQ = "user:*"
	}
	joined := strings.Join(clauses, " AND ")
	if joined == "" && timeFQ == "" && bboxFQ == "" {
		joined = "*:*"
	}
	for _, fq := range []string{timeFQ, bboxFQ, userFQ, joined} {
		if fq != "" {
			s.filterQueries = append(s.filterQueries, fq)
		}
	}
	return s, nil
}

// addNegTag re-applies the key's negation onto values when the key itself
// carried the _not_ suffix, so joinFacetQueries sorts them correctly.
func addNegTag(key string, values []string) []string {
	if !strings.HasSuffix(key, "_not_") {
		return values
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = "!" + v
	}
	return out
}

// Translator exposes the flavour translation of this search.
func (s *Search) Translator() *flavour.Translator { return s.translator }

// UniqKey is the identifier field being streamed.
func (s *Search) UniqKey() string { return s.uniqKey }

// Facets returns the canonicalised query for statistics recording.
func (s *Search) Facets() map[string]string {
	out := make(map[string]string, len(s.facets))
	for k, v := range s.facets {
		out[k] = strings.Join(v, "&")
	}
	return out
}

func (s *Search) baseParams() url.Values {
	params := url.Values{}
	params.Set("q", "*:*")
	params.Set("wt", "json")
	for _, fq := range s.filterQueries {
		params.Add("fq", fq)
	}
	return params
}

// TotalCount runs the query with zero rows and returns the hit count.
func (s *Search) TotalCount(ctx context.Context) (int64, error) {
	params := s.baseParams()
	params.Set("rows", "0")
	resp, err := s.client.Select(ctx, s.core, params)
	if err != nil {
		return 0, err
	}
	return resp.Response.NumFound, nil
}

// Count returns the total hit count, optionally with per-facet value
// counts.
func (s *Search) Count(ctx context.Context, facets []string, detail bool) (int64, map[string]map[string]int64, error) {
	params := s.baseParams()
	params.Set("rows", "0")
	if detail {
		params.Set("facet", "true")
		params.Set("facet.sort", "index")
		params.Set("facet.mincount", "1")
		params.Set("facet.limit", "-1")
		for _, f := range s.searchFacets(ctx, facets) {
			params.Add("facet.field", f)
		}
	}
	resp, err := s.client.Select(ctx, s.core, params)
	if err != nil {
		return 0, nil, err
	}
	if !detail {
		return resp.Response.NumFound, nil, nil
	}
	counts := make(map[string]map[string]int64, len(resp.FacetCounts.FacetFields))
	for field, interleaved := range resp.FacetCounts.FacetFields {
		name := s.translator.TranslateFacet(field, false)
		values := make(map[string]int64, len(interleaved)/2)
		for i := 0; i+1 < len(interleaved); i += 2 {
			key, _ := interleaved[i].(string)
			count, _ := interleaved[i+1].(float64)
			values[key] = int64(count)
		}
		counts[name] = values
	}
	return resp.Response.NumFound, counts, nil
}

// searchFacets resolves the requested facet subset, defaulting to every
// index field. "*" and "all" select everything.
func (s *Search) searchFacets(ctx context.Context, requested []string) []string {
	var subset []string
	for _, f := range requested {
		if f == "*" || f == "all" {
			subset = nil
			break
		}
		subset = append(subset, f)
	}
	if len(subset) == 0 {
		subset = s.client.Fields(ctx)
	}
	if s.multiVersion {
		subset = append(subset, "version")
	}
	return s.translator.TranslateFacets(subset, true)
}

// FacetSearch runs the metadata/extended search: facet counts plus up to
// maxResults documents. publisher, when set with zarrStream, rewrites
// each document's location into its streaming URL.
func (s *Search) FacetSearch(ctx context.Context, facets []string, maxResults int, zarrStream bool, publisher ZarrPublisher, owner string) (*models.SearchResult, error) {
	facetFields := s.searchFacets(ctx, facets)

	params := s.baseParams()
	params.Set("rows", strconv.Itoa(maxResults))
	params.Set("start", strconv.Itoa(s.start))
	params.Set("facet", "true")
	params.Set("facet.sort", "index")
	params.Set("facet.mincount", "1")
	params.Set("facet.limit", "-1")
	for _, f := range facetFields {
		params.Add("facet.field", f)
	}
	params.Set("fl", s.uniqKey+",fs_type")

	resp, err := s.client.Select(ctx, s.core, params)
	if err != nil {
		return nil, err
	}

	docs := resp.Response.Docs
	if zarrStream && publisher != nil {
		for _, doc := range docs {
			path, err := publisher.PublishPath(ctx, owner, doc.FirstString(s.uniqKey))
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to publish zarr stream request")
				path = "Internal error, service not able to publish"
			}
			doc[s.uniqKey] = path
			if doc.FirstString("fs_type") == "" {
				doc["fs_type"] = "posix"
			}
		}
	}

	outFacets := make(map[string][]interface{}, len(resp.FacetCounts.FacetFields))
	for field, interleaved := range resp.FacetCounts.FacetFields {
		outFacets[s.translator.TranslateFacet(field, false)] = interleaved
	}
	mapping := map[string]string{}
	for canonical, name := range s.translator.ForwardLookup() {
		for _, f := range facetFields {
			if f == canonical && canonical != name {
				mapping[canonical] = name
			}
		}
	}

	return &models.SearchResult{
		TotalCount:    resp.Response.NumFound,
		Facets:        outFacets,
		Search:        docs,
		FacetMapping:  mapping,
		PrimaryFacets: s.translator.PrimaryKeys(),
	}, nil
}

// pageDocs walks every matching document through the cursor, batch by
// batch, honouring the start offset. fn may return ErrStop.
func (s *Search) pageDocs(ctx context.Context, fields, sort string, fn func(models.SearchDocument) error) error {
	params := s.baseParams()
	params.Set("fl", fields)
	params.Set("sort", sort)
	params.Set("rows", strconv.Itoa(batchSize))
	params.Set("cursorMark", "*")

	skip := s.start
	for {
		resp, err := s.client.Select(ctx, s.core, params)
		if err != nil {
			return err
		}
		for _, doc := range resp.Response.Docs {
			if skip > 0 {
				skip--
				continue
			}
			if err := fn(doc); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}
		if resp.NextCursorMark == "" || resp.NextCursorMark == params.Get("cursorMark") {
			return nil
		}
		params.Set("cursorMark", resp.NextCursorMark)
	}
}

// StreamKeys walks the uniq-key values of every match in stable order.
func (s *Search) StreamKeys(ctx context.Context, fn func(string) error) error {
	return s.pageDocs(ctx, "file,uri", "file desc", func(doc models.SearchDocument) error {
		return fn(doc.FirstString(s.uniqKey))
	})
}

// StreamZarrKeys is StreamKeys with every location replaced by its
// streaming URL.
func (s *Search) StreamZarrKeys(ctx context.Context, publisher ZarrPublisher, owner string, fn func(string) error) error {
	return s.StreamKeys(ctx, func(key string) error {
		path, err := publisher.PublishPath(ctx, owner, key)
		if err != nil {
			s.logger.Error().Err(err).Str("path", key).Msg("Failed to publish zarr stream request")
			path = "Internal error, service not able to publish"
		}
		return fn(path)
	})
}
