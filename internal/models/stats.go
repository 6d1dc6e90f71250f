package models

import "time"

// StatsMetadata describes one terminal request for the usage statistics
// collection. Records are append-only and never read on the hot path.
type StatsMetadata struct {
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	Route       string    `bson:"route" json:"route"`
	APIType     string    `bson:"api_type" json:"api_type"` // databrowser or stacapi
	Principal   string    `bson:"principal,omitempty" json:"principal,omitempty"`
	Flavour     string    `bson:"flavour" json:"flavour"`
	UniqKey     string    `bson:"uniq_key,omitempty" json:"uniq_key,omitempty"`
	ResultCount int64     `bson:"num_results" json:"num_results"`
	DurationMS  int64     `bson:"duration_ms" json:"duration_ms"`
	Status      int       `bson:"status" json:"status"`
}

// StatsRecord is the stored document shape: the request metadata plus the
// facet query that produced it.
type StatsRecord struct {
	Metadata StatsMetadata     `bson:"metadata" json:"metadata"`
	Query    map[string]string `bson:"query" json:"query"`
}
