package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/freva-org/freva-rest/internal/models"
)

// escapeChars are the Lucene metacharacters escaped in facet values.
// `*` stays unescaped so glob wildcards pass through to the index.
var escapeChars = []string{
	"+", "-", "&&", "||", "!", "(", ")", "{", "}", "[", "]", "^", "~", ":", "/",
}

func escapeValue(value string) string {
	// Regular expressions are passed through verbatim.
	if len(value) >= 2 && strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/") {
		return value
	}
	for _, char := range escapeChars {
		value = strings.ReplaceAll(value, char, "\\"+char)
	}
	return value
}

// expandBraces turns `{a,b,c}` into its alternatives; other values come
// back unchanged as a single-element list.
func expandBraces(value string) []string {
	if len(value) >= 2 && strings.HasPrefix(value, "{") && strings.HasSuffix(value, "}") {
		parts := strings.Split(value[1:len(value)-1], ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{value}
}

// joinFacetQueries splits the values of one facet into the positive and
// negative disjunctions of a Lucene clause. Values are lowercased except
// for the uniq keys; negation comes from a `not `/`!`/`-` value prefix or
// a `_not_` key suffix.
func joinFacetQueries(key string, values []string) (positive, negative string) {
	var pos, neg []string
	uniq := false
	for _, u := range models.UniqKeys {
		if key == u {
			uniq = true
		}
	}
	for _, raw := range values {
		for _, value := range expandBraces(raw) {
			if !uniq {
				value = strings.ToLower(value)
			}
			switch {
			case strings.HasPrefix(strings.ToLower(value), "not "):
				neg = append(neg, value[4:])
			case value != "" && (value[0] == '!' || value[0] == '-'):
				neg = append(neg, value[1:])
			case strings.Contains(key, "_not_"):
				neg = append(neg, value)
			default:
				pos = append(pos, value)
			}
		}
	}
	escapeJoin := func(parts []string) string {
		escaped := make([]string, len(parts))
		for i, p := range parts {
			escaped[i] = escapeValue(p)
		}
		return strings.Join(escaped, " OR ")
	}
	return escapeJoin(pos), escapeJoin(neg)
}

// selectOps maps the *_select modes onto the index's spatial/interval
// predicates.
var selectOps = map[string]string{
	"flexible": "Intersects",
	"strict":   "Within",
	"file":     "Contains",
}

// timeLayouts accepted for (partial) ISO-8601 timestamps, longest first.
var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parsePartialTime(value string) (time.Time, error) {
	// The range spec is lowercased to find the "to" separator, so the
	// ISO "T" needs restoring before the case-sensitive layouts match.
	value = strings.ToUpper(value)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: could not parse timestamp %q", models.ErrInvalidInput, value)
}

// timeFilter renders the interval filter for the time facet. Partial
// timestamps are completed with their minimum components; an open start
// defaults to year 1 and an open end to the end of year 9999. A single
// timestamp queries the instant [t, t].
func timeFilter(spec, timeSelect string) (string, error) {
	if spec == "" {
		return "", nil
	}
	if timeSelect == "" {
		timeSelect = "flexible"
	}
	op, ok := selectOps[strings.ToLower(timeSelect)]
	if !ok {
		return "", fmt.Errorf("%w: choose time_select from flexible, strict, file", models.ErrInvalidInput)
	}
	spec = strings.Join(strings.Fields(spec), "")
	startStr, endStr, ranged := strings.Cut(strings.ToLower(spec), "to")

	start := time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
	var err error
	if startStr != "" {
		if start, err = parsePartialTime(startStr); err != nil {
			return "", err
		}
	}
	if ranged {
		if endStr != "" {
			if end, err = parsePartialTime(endStr); err != nil {
				return "", err
			}
		}
	} else {
		end = start
	}
	return fmt.Sprintf("{!field f=time op=%s}[%s TO %s]",
		op, start.Format("2006-01-02T15:04:05"), end.Format("2006-01-02T15:04:05")), nil
}

// bboxFilter renders the spatial filter. The box comes in as
// min_lon,max_lon,min_lat,max_lat; envelopes are ENVELOPE(minX, maxX,
// maxY, minY). Antimeridian boxes (min_lon > max_lon) split into two
// envelopes OR-ed in a single filter.
func bboxFilter(spec, bboxSelect string) (string, error) {
	if spec == "" {
		return "", nil
	}
	if bboxSelect == "" {
		bboxSelect = "flexible"
	}
	op, ok := selectOps[strings.ToLower(bboxSelect)]
	if !ok {
		return "", fmt.Errorf("%w: choose bbox_select from flexible, strict, file", models.ErrInvalidInput)
	}
	parts := strings.Split(strings.Join(strings.Fields(spec), ""), ",")
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: bbox wants min_lon,max_lon,min_lat,max_lat", models.ErrInvalidInput)
	}
	coords := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return "", fmt.Errorf("%w: failed to parse bbox value %q", models.ErrInvalidInput, p)
		}
		coords[i] = v
	}
	minLon, maxLon, minLat, maxLat := coords[0], coords[1], coords[2], coords[3]
	if minLon < -180 || minLon > 180 || maxLon < -180 || maxLon > 180 {
		return "", fmt.Errorf("%w: longitude must be between -180 and 180", models.ErrInvalidInput)
	}
	if minLat < -90 || minLat > 90 || maxLat < -90 || maxLat > 90 {
		return "", fmt.Errorf("%w: latitude must be between -90 and 90", models.ErrInvalidInput)
	}
	envelope := func(minX, maxX float64) string {
		return fmt.Sprintf("bbox:\"%s(ENVELOPE(%v,%v,%v,%v))\"", op, minX, maxX, maxLat, minLat)
	}
	if minLon > maxLon {
		return envelope(minLon, 180) + " OR " + envelope(-180, maxLon), nil
	}
	return envelope(minLon, maxLon), nil
}
