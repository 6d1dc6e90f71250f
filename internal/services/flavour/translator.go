package flavour

import (
	"sort"

	"github.com/freva-org/freva-rest/internal/models"
)

// Translator applies one flavour's vocabulary in both directions. It is an
// immutable value; the registry builds one per lookup from the cached
// flavour definition.
type Translator struct {
	Name string
	// Translate false passes facet names through untouched; clients use it
	// when they do the renaming themselves.
	Translate bool
	forward   map[string]string
	backward  map[string]string
}

// NewTranslator builds a translator from a flavour definition.
func NewTranslator(f models.Flavour, translate bool) *Translator {
	t := &Translator{
		Name:      f.Name,
		Translate: translate,
		forward:   make(map[string]string, len(f.Mapping)),
		backward:  make(map[string]string, len(f.Mapping)),
	}
	for canonical, name := range f.Mapping {
		t.forward[canonical] = name
		t.backward[name] = canonical
	}
	return t
}

// ForwardLookup exposes the canonical -> flavour mapping.
func (t *Translator) ForwardLookup() map[string]string {
	out := make(map[string]string, len(t.forward))
	for k, v := range t.forward {
		out[k] = v
	}
	return out
}

// ValidFacets lists every facet name a query in this flavour may use.
func (t *Translator) ValidFacets() []string {
	facets := make([]string, 0, len(t.forward))
	if t.Translate {
		for _, v := range t.forward {
			facets = append(facets, v)
		}
	} else {
		for k := range t.forward {
			facets = append(facets, k)
		}
	}
	sort.Strings(facets)
	return facets
}

// TranslateFacet renames a single facet. Backwards goes flavour ->
// canonical; unmapped names pass through so extended search keeps working.
func (t *Translator) TranslateFacet(facet string, backwards bool) string {
	if !t.Translate {
		return facet
	}
	lookup := t.forward
	if backwards {
		lookup = t.backward
	}
	if translated, ok := lookup[facet]; ok {
		return translated
	}
	return facet
}

// TranslateFacets renames a facet list.
func (t *Translator) TranslateFacets(facets []string, backwards bool) []string {
	out := make([]string, len(facets))
	for i, f := range facets {
		out[i] = t.TranslateFacet(f, backwards)
	}
	return out
}

// TranslateQuery renames the keys of a query, keeping values untouched.
func (t *Translator) TranslateQuery(query map[string][]string, backwards bool) map[string][]string {
	out := make(map[string][]string, len(query))
	for k, v := range query {
		out[t.TranslateFacet(k, backwards)] = v
	}
	return out
}

// TranslateDocument renames the keys of one search document for output.
func (t *Translator) TranslateDocument(doc models.SearchDocument) models.SearchDocument {
	if !t.Translate {
		return doc
	}
	out := make(models.SearchDocument, len(doc))
	for k, v := range doc {
		out[t.TranslateFacet(k, false)] = v
	}
	return out
}

// PrimaryKeys lists the primary facets in this flavour's vocabulary.
// Regional-model flavours add the cordex dataset keys.
func (t *Translator) PrimaryKeys() []string {
	keys := make([]string, 0, len(models.CanonicalFacets))
	for _, canonical := range canonicalOrder() {
		if models.CanonicalFacets[canonical] != models.FacetPrimary {
			continue
		}
		keys = append(keys, t.TranslateFacet(canonical, false))
	}
	if t.Name == "cordex" {
		keys = append(keys, models.CordexKeys...)
	}
	return keys
}

// FacetHierarchy returns the dataset-defining facet order in this
// flavour's vocabulary.
func (t *Translator) FacetHierarchy() []string {
	return t.TranslateFacets(models.FacetHierarchy, false)
}

func canonicalOrder() []string {
	// Stable presentation order: hierarchy facets first, then the rest
	// alphabetically.
	seen := make(map[string]bool, len(models.CanonicalFacets))
	order := make([]string, 0, len(models.CanonicalFacets))
	for _, f := range models.FacetHierarchy {
		if _, ok := models.CanonicalFacets[f]; ok && !seen[f] {
			order = append(order, f)
			seen[f] = true
		}
	}
	rest := make([]string, 0, len(models.CanonicalFacets))
	for f := range models.CanonicalFacets {
		if !seen[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}
