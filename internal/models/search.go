package models

// SearchDocument is one indexed file record. Facet fields are multi-valued
// in the index; the adapter flattens single-element lists on the way out.
type SearchDocument map[string]interface{}

// FirstString returns the first string value stored under key, flattening
// the index's multi-valued fields.
func (d SearchDocument) FirstString(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				return s
			}
		}
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// SearchResult carries facet counts and the total hit count for a
// metadata search. Facets keep the index's interleaved value/count layout.
type SearchResult struct {
	TotalCount    int64                    `json:"total_count"`
	Facets        map[string][]interface{} `json:"facets"`
	Search        []SearchDocument         `json:"search_results,omitempty"`
	FacetMapping  map[string]string        `json:"facet_mapping,omitempty"`
	PrimaryFacets []string                 `json:"primary_facets,omitempty"`
}

// UserDataRequest is the body of a user-data ingest call. UserMetadata
// holds one entry per file; Facets apply to every entry unless the entry
// overrides them.
type UserDataRequest struct {
	UserMetadata []map[string]interface{} `json:"user_metadata" validate:"required,min=1"`
	Facets       map[string]string        `json:"facets"`
}

// UserDataResult reports the outcome of an ingest.
type UserDataResult struct {
	Ingested int      `json:"ingested"`
	Skipped  int      `json:"skipped"`
	Reasons  []string `json:"reasons,omitempty"`
}
