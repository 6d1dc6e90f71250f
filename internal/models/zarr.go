package models

import "time"

// Zarr job states written by the broker and mutated by the worker.
const (
	ZarrQueued  = 1
	ZarrRunning = 2
	ZarrReady   = 3
	ZarrFailed  = 4
)

// Zarr job TTL bounds in seconds.
const (
	ZarrDefaultTTL = 86400
	ZarrMinTTL     = 60
	ZarrMaxTTL     = 432000
)

// ConvertOptions control how the worker opens and combines the files of a
// conversion request. Zero values mean "no aggregation".
type ConvertOptions struct {
	Aggregate  string `json:"aggregate,omitempty" validate:"omitempty,oneof=auto merge concat"`
	Join       string `json:"join,omitempty" validate:"omitempty,oneof=outer inner left right exact"`
	Compat     string `json:"compat,omitempty" validate:"omitempty,oneof=equals no_conflicts override"`
	DataVars   string `json:"data_vars,omitempty" validate:"omitempty,oneof=minimal different all"`
	Coords     string `json:"coords,omitempty" validate:"omitempty,oneof=minimal different all"`
	Dim        string `json:"dim,omitempty"`
	GroupBy    string `json:"group_by,omitempty"`
	Public     bool   `json:"public,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" validate:"omitempty,min=60,max=432000"`
}

// ConvertRequest is the body of a convert call.
type ConvertRequest struct {
	Path []string `json:"path" validate:"required,min=1,dive,required"`
	ConvertOptions
}

// ZarrJob is the status record stored under zarr:<token>:status.
type ZarrJob struct {
	Token     string         `json:"token"`
	Status    int            `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Owner     string         `json:"owner"`
	Public    bool           `json:"public,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Expiry    time.Time      `json:"expiry"`
	Paths     []string       `json:"paths"`
	Options   ConvertOptions `json:"options"`
}

// Expired reports whether the job lifetime has run out.
func (j *ZarrJob) Expired(now time.Time) bool {
	return !j.Expiry.IsZero() && now.After(j.Expiry)
}

// ZarrStatus is the polling response body.
type ZarrStatus struct {
	Status int    `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ShareRequest asks for a pre-signed share URL for an existing token.
type ShareRequest struct {
	Path       string `json:"path" validate:"required"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" validate:"omitempty,min=60,max=432000"`
}

// ShareGrant is the issued pre-signed URL. Sig is base64url HMAC-SHA256
// over "method|token|expires".
type ShareGrant struct {
	URL     string `json:"url"`
	Sig     string `json:"sig"`
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
	Method  string `json:"method"`
}
