package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
)

// backoffSteps are the waits between retries on backend failures.
var backoffSteps = []time.Duration{
	100 * time.Millisecond,
	400 * time.Millisecond,
	1600 * time.Millisecond,
}

// SelectResponse is the subset of a select reply the adapter consumes.
type SelectResponse struct {
	Response struct {
		NumFound int64                   `json:"numFound"`
		Docs     []models.SearchDocument `json:"docs"`
	} `json:"response"`
	FacetCounts struct {
		FacetFields map[string][]interface{} `json:"facet_fields"`
	} `json:"facet_counts"`
	NextCursorMark string `json:"nextCursorMark"`
}

type schemaFieldsResponse struct {
	Fields []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"fields"`
}

// Client talks to the search index over HTTP/JSON. One instance is shared
// across requests; it keeps a cached copy of the index's facet field list.
type Client struct {
	cfg    *common.Config
	httpc  *http.Client
	logger arbor.ILogger
	fields atomic.Pointer[[]string]
}

// NewClient builds the index client with the 30 s backend deadline.
func NewClient(cfg *common.Config, logger arbor.ILogger) *Client {
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// MultiVersionCore is the core holding every dataset version.
func (c *Client) MultiVersionCore() string { return c.cfg.Solr.Core }

// LatestCore is the core holding only the newest versions.
func (c *Client) LatestCore() string { return c.cfg.LatestCore() }

func (c *Client) coreURL(core string) string {
	return c.cfg.SolrURL(core)
}

// withRetry runs fn up to 1+len(backoffSteps) times, backing off between
// attempts. Only transport errors and 5xx replies are retried.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isRetryable(err) {
			return err
		}
		if attempt >= len(backoffSteps) {
			return err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Search backend call failed, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", models.ErrBackendUnavailable, ctx.Err())
		case <-time.After(backoffSteps[attempt]):
		}
	}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return models.ErrBackendUnavailable }

func isRetryable(err error) bool {
	_, ok := err.(*transientError)
	return ok
}

// Select issues a query against a core and decodes the reply.
func (c *Client) Select(ctx context.Context, core string, params url.Values) (*SelectResponse, error) {
	endpoint := c.coreURL(core) + "/select?" + params.Encode()
	var out SelectResponse
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return &transientError{err}
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &transientError{fmt.Errorf("search index replied %d", resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%w: search index replied %d: %s",
				models.ErrInvalidInput, resp.StatusCode, bytes.TrimSpace(body))
		}
		out = SelectResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return &transientError{fmt.Errorf("decode select reply: %w", err)}
		}
		return nil
	})
	if err != nil {
		if isRetryable(err) {
			return nil, fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
		}
		return nil, err
	}
	return &out, nil
}

// Update posts documents to a core's JSON update endpoint with an
// immediate commit. overwrite=false keeps duplicate ids from clobbering
// each other; the adapter deduplicates before ingesting.
func (c *Client) Update(ctx context.Context, core string, payload interface{}) error {
	endpoint := c.coreURL(core) + "/update/json?commit=true&overwrite=false"
	return c.postJSON(ctx, endpoint, payload)
}

// DeleteByQuery removes every document matching the query from a core.
func (c *Client) DeleteByQuery(ctx context.Context, core, query string) error {
	endpoint := c.coreURL(core) + "/update/json?commit=true"
	return c.postJSON(ctx, endpoint, map[string]interface{}{
		"delete": map[string]string{"query": query},
	})
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode update payload: %w", err)
	}
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpc.Do(req)
		if err != nil {
			return &transientError{err}
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &transientError{fmt.Errorf("search index replied %d", resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%w: search index update replied %d: %s",
				models.ErrInvalidInput, resp.StatusCode, bytes.TrimSpace(msg))
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	})
}

// Fields returns the index's facet field list, fetched from the schema of
// the latest core once and cached. When the schema endpoint is not
// reachable the canonical facet list serves as fallback.
func (c *Client) Fields(ctx context.Context) []string {
	if cached := c.fields.Load(); cached != nil {
		return *cached
	}
	fields, err := c.fetchSchemaFields(ctx)
	if err != nil || len(fields) == 0 {
		c.logger.Warn().Err(err).Msg("Falling back to canonical facet fields")
		fields = fallbackFields()
	}
	c.fields.Store(&fields)
	return fields
}

func (c *Client) fetchSchemaFields(ctx context.Context) ([]string, error) {
	endpoint := c.coreURL(c.LatestCore()) + "/schema/fields"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schema endpoint replied %d", resp.StatusCode)
	}
	var schema schemaFieldsResponse
	if err := json.NewDecoder(resp.Body).Decode(&schema); err != nil {
		return nil, err
	}
	var fields []string
	for _, f := range schema.Fields {
		if f.Type != "extra_facet" && f.Type != "text_general" {
			continue
		}
		switch f.Name {
		case "file_name", "file", "file_no_version":
			continue
		}
		fields = append(fields, f.Name)
	}
	sort.Strings(fields)
	return fields, nil
}

func fallbackFields() []string {
	fields := make([]string, 0, len(models.CanonicalFacets))
	for name := range models.CanonicalFacets {
		switch name {
		case "time", "bbox":
			continue
		}
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}
