package search

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/freva-org/freva-rest/internal/models"
)

// intakeGroupBy are the canonical keys one dataset aggregates over.
// Files within a group concatenate along the time dimension.
var intakeGroupBy = []string{
	"project", "product", "institute", "model", "experiment",
	"time_frequency", "realm", "variable", "ensemble", "cmor_table",
	"fs_type", "grid_label",
}

type intakeAttribute struct {
	ColumnName string `json:"column_name"`
	Vocabulary string `json:"vocabulary"`
}

type intakeAggregation struct {
	Type          string                 `json:"type"`
	AttributeName string                 `json:"attribute_name"`
	Options       map[string]interface{} `json:"options,omitempty"`
}

type intakeHeader struct {
	EsmcatVersion string            `json:"esmcat_version"`
	ID            string            `json:"id"`
	Description   string            `json:"description"`
	Title         string            `json:"title"`
	LastUpdated   string            `json:"last_updated"`
	Attributes    []intakeAttribute `json:"attributes"`
	Assets        struct {
		ColumnName       string `json:"column_name"`
		FormatColumnName string `json:"format_column_name"`
	} `json:"assets"`
	AggregationControl struct {
		VariableColumnName string              `json:"variable_column_name"`
		GroupByAttrs       []string            `json:"groupby_attrs"`
		Aggregations       []intakeAggregation `json:"aggregations"`
	} `json:"aggregation_control"`
}

// InitIntake runs the facet query backing a catalogue and returns the hit
// count plus the hierarchy facets that actually occur in the result.
func (s *Search) InitIntake(ctx context.Context) (int64, []string, error) {
	params := s.baseParams()
	params.Set("rows", "0")
	params.Set("facet", "true")
	params.Set("facet.mincount", "1")
	params.Set("facet.limit", "-1")
	for _, f := range models.FacetHierarchy {
		params.Add("facet.field", f)
	}
	resp, err := s.client.Select(ctx, s.core, params)
	if err != nil {
		return 0, nil, err
	}
	var present []string
	for _, f := range models.FacetHierarchy {
		if len(resp.FacetCounts.FacetFields[f]) > 0 {
			present = append(present, f)
		}
	}
	return resp.Response.NumFound, present, nil
}

func (s *Search) intakeHeader(attrs []string) *intakeHeader {
	h := &intakeHeader{
		EsmcatVersion: "0.1.0",
		ID:            s.translator.Name,
		Description:   "Catalogue from freva-databrowser",
		Title:         "freva-databrowser catalogue",
		LastUpdated:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, attr := range attrs {
		h.Attributes = append(h.Attributes, intakeAttribute{
			ColumnName: s.translator.TranslateFacet(attr, false),
		})
	}
	h.Assets.ColumnName = s.uniqKey
	h.Assets.FormatColumnName = "format"
	h.AggregationControl.VariableColumnName = s.translator.TranslateFacet("variable", false)
	h.AggregationControl.GroupByAttrs = s.translator.TranslateFacets(intakeGroupBy, false)
	h.AggregationControl.Aggregations = []intakeAggregation{
		{Type: "union", AttributeName: s.translator.TranslateFacet("variable", false)},
		{
			Type:          "join_existing",
			AttributeName: "time",
			Options:       map[string]interface{}{"dim": "time"},
		},
	}
	return h
}

// catalogueEntry flattens one document to the uniq key plus the hierarchy
// facets, collapsing single-element lists.
func (s *Search) catalogueEntry(doc models.SearchDocument) map[string]interface{} {
	entry := map[string]interface{}{}
	for _, key := range append([]string{s.uniqKey}, models.FacetHierarchy...) {
		value, ok := doc[key]
		if !ok || value == nil {
			continue
		}
		if list, isList := value.([]interface{}); isList {
			if len(list) == 0 {
				continue
			}
			if len(list) == 1 {
				value = list[0]
			}
		}
		entry[s.translator.TranslateFacet(key, false)] = value
	}
	return entry
}

// StreamIntake writes the complete catalogue JSON: the esmcat header
// first, then catalog_dict entries streamed page by page so arbitrarily
// large result sets never buffer in memory.
func (s *Search) StreamIntake(ctx context.Context, w io.Writer, attrs []string, maxResults int) error {
	header, err := json.MarshalIndent(s.intakeHeader(attrs), "", "   ")
	if err != nil {
		return err
	}
	// Drop the closing brace; catalog_dict joins the same object.
	if _, err := w.Write(header[:len(header)-2]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, ",\n   \"catalog_dict\": ["); err != nil {
		return err
	}

	first := true
	count := 0
	err = s.pageDocs(ctx, s.uniqKey+","+joinFields(models.FacetHierarchy), "file desc", func(doc models.SearchDocument) error {
		if maxResults > 0 && count >= maxResults {
			return ErrStop
		}
		count++
		sep := ",\n   "
		if first {
			sep = "\n   "
			first = false
		}
		entry, err := json.Marshal(s.catalogueEntry(doc))
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, sep); err != nil {
			return err
		}
		_, err = w.Write(entry)
		return err
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n   ]\n}")
	return err
}

// StreamZarrIntake streams a catalogue whose locations are zarr
// streaming URLs, publishing one conversion request per entry.
func (s *Search) StreamZarrIntake(ctx context.Context, w io.Writer, attrs []string, maxResults int, publisher ZarrPublisher, owner string) error {
	header, err := json.MarshalIndent(s.intakeHeader(attrs), "", "   ")
	if err != nil {
		return err
	}
	if _, err := w.Write(header[:len(header)-2]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, ",\n   \"catalog_dict\": ["); err != nil {
		return err
	}

	first := true
	count := 0
	err = s.pageDocs(ctx, s.uniqKey+","+joinFields(models.FacetHierarchy), "file desc", func(doc models.SearchDocument) error {
		if maxResults > 0 && count >= maxResults {
			return ErrStop
		}
		count++
		path, err := publisher.PublishPath(ctx, owner, doc.FirstString(s.uniqKey))
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to publish zarr stream request")
			path = "Internal error, service not able to publish"
		}
		doc[s.uniqKey] = path
		doc["format"] = "zarr"
		sep := ",\n   "
		if first {
			sep = "\n   "
			first = false
		}
		entry, err := json.Marshal(s.catalogueEntry(doc))
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, sep); err != nil {
			return err
		}
		_, err = w.Write(entry)
		return err
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n   ]\n}")
	return err
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}
