package flavour

import "github.com/freva-org/freva-rest/internal/models"

// Built-in flavour names in presentation order.
var builtinOrder = []string{"freva", "cmip6", "cmip5", "cordex", "nextgems", "user"}

// identityMapping maps every canonical facet onto itself.
func identityMapping() map[string]string {
	out := make(map[string]string, len(models.CanonicalFacets))
	for k := range models.CanonicalFacets {
		out[k] = k
	}
	return out
}

// Built-in vocabulary tables, canonical name -> flavour name. Facets that
// keep their canonical names are still listed so the valid-facet set of a
// flavour is the full map.
var builtinTables = map[string]map[string]string{
	"cmip5": {
		"experiment":       "experiment",
		"ensemble":         "member_id",
		"fs_type":          "fs_type",
		"grid_label":       "grid_label",
		"institute":        "institution_id",
		"model":            "model_id",
		"project":          "project",
		"product":          "product",
		"realm":            "realm",
		"variable":         "variable",
		"time":             "time",
		"bbox":             "bbox",
		"time_aggregation": "time_aggregation",
		"time_frequency":   "time_frequency",
		"cmor_table":       "cmor_table",
		"dataset":          "dataset",
		"driving_model":    "driving_model",
		"format":           "format",
		"grid_id":          "grid_id",
		"level_type":       "level_type",
		"rcm_name":         "rcm_name",
		"rcm_version":      "rcm_version",
	},
	"cmip6": {
		"experiment":       "experiment_id",
		"ensemble":         "member_id",
		"fs_type":          "fs_type",
		"grid_label":       "grid_label",
		"institute":        "institution_id",
		"model":            "source_id",
		"project":          "mip_era",
		"product":          "activity_id",
		"realm":            "realm",
		"variable":         "variable_id",
		"time":             "time",
		"bbox":             "bbox",
		"time_aggregation": "time_aggregation",
		"time_frequency":   "frequency",
		"cmor_table":       "table_id",
		"dataset":          "dataset",
		"driving_model":    "driving_model",
		"format":           "format",
		"grid_id":          "grid_id",
		"level_type":       "level_type",
		"rcm_name":         "rcm_name",
		"rcm_version":      "rcm_version",
	},
	"cordex": {
		"experiment":       "experiment",
		"ensemble":         "ensemble",
		"fs_type":          "fs_type",
		"grid_label":       "grid_label",
		"institute":        "institution",
		"model":            "model",
		"project":          "project",
		"product":          "domain",
		"realm":            "realm",
		"variable":         "variable",
		"time":             "time",
		"bbox":             "bbox",
		"time_aggregation": "time_aggregation",
		"time_frequency":   "time_frequency",
		"cmor_table":       "cmor_table",
		"dataset":          "dataset",
		"driving_model":    "driving_model",
		"format":           "format",
		"grid_id":          "grid_id",
		"level_type":       "level_type",
		"rcm_name":         "rcm_name",
		"rcm_version":      "rcm_version",
	},
	"nextgems": {
		"experiment":       "simulation_id",
		"ensemble":         "member_id",
		"fs_type":          "fs_type",
		"grid_label":       "grid_label",
		"institute":        "institution_id",
		"model":            "source_id",
		"project":          "project",
		"product":          "experiment_id",
		"realm":            "realm",
		"variable":         "variable_id",
		"time":             "time",
		"bbox":             "bbox",
		"time_aggregation": "time_reduction",
		"time_frequency":   "time_frequency",
		"cmor_table":       "cmor_table",
		"dataset":          "dataset",
		"driving_model":    "driving_model",
		"format":           "format",
		"grid_id":          "grid_id",
		"level_type":       "level_type",
		"rcm_name":         "rcm_name",
		"rcm_version":      "rcm_version",
	},
}

// builtinMapping returns the table for a built-in flavour, or nil.
func builtinMapping(name string) map[string]string {
	switch name {
	case "freva", "user":
		return identityMapping()
	default:
		if table, ok := builtinTables[name]; ok {
			out := make(map[string]string, len(table))
			for k, v := range table {
				out[k] = v
			}
			return out
		}
	}
	return nil
}

// IsBuiltin reports whether name is one of the immutable built-in flavours.
func IsBuiltin(name string) bool {
	return builtinMapping(name) != nil
}
