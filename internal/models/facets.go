package models

// Facet relevance classes in the canonical vocabulary.
const (
	FacetPrimary   = "primary"
	FacetSecondary = "secondary"
)

// CanonicalFacets maps every canonical facet name onto its relevance class.
// The canonical vocabulary is the internal standard every flavour translates
// from and to; the index stores documents with these field names.
var CanonicalFacets = map[string]string{
	"project":          FacetPrimary,
	"product":          FacetPrimary,
	"institute":        FacetPrimary,
	"model":            FacetPrimary,
	"experiment":       FacetPrimary,
	"time_frequency":   FacetPrimary,
	"realm":            FacetPrimary,
	"variable":         FacetPrimary,
	"ensemble":         FacetPrimary,
	"time_aggregation": FacetPrimary,
	"fs_type":          FacetSecondary,
	"grid_label":       FacetSecondary,
	"cmor_table":       FacetSecondary,
	"driving_model":    FacetSecondary,
	"format":           FacetSecondary,
	"grid_id":          FacetSecondary,
	"level_type":       FacetSecondary,
	"rcm_name":         FacetSecondary,
	"rcm_version":      FacetSecondary,
	"dataset":          FacetSecondary,
	"time":             FacetSecondary,
	"bbox":             FacetSecondary,
	"user":             FacetSecondary,
}

// FacetHierarchy is the ordered facet list that identifies a dataset.
// Intake catalogues and STAC collections group documents along it.
var FacetHierarchy = []string{
	"project",
	"product",
	"institute",
	"model",
	"experiment",
	"time_frequency",
	"realm",
	"variable",
	"ensemble",
	"cmor_table",
	"fs_type",
	"grid_label",
	"grid_id",
	"format",
}

// CordexKeys are additional primary facets for regional-model datasets.
var CordexKeys = []string{"rcm_name", "driving_model", "rcm_version"}

// UniqKeys are the identifier fields a search can stream. They are never
// lowercased or translated.
var UniqKeys = []string{"file", "uri"}

// IsCanonicalFacet reports whether name is part of the canonical vocabulary.
func IsCanonicalFacet(name string) bool {
	_, ok := CanonicalFacets[name]
	return ok
}
