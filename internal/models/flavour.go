package models

import "time"

// GlobalOwner marks a flavour visible to every user. Only admins may
// create or delete global flavours.
const GlobalOwner = "global"

// Flavour is a named facet vocabulary. Mapping goes from canonical facet
// name to the flavour's own name for it; facets absent from the mapping
// keep their canonical names.
type Flavour struct {
	Name      string            `bson:"name" json:"flavour_name" validate:"required,min=1,max=64,excludesall= /"`
	Owner     string            `bson:"owner" json:"owner"`
	Mapping   map[string]string `bson:"mapping" json:"mapping" validate:"required,min=1"`
	Builtin   bool              `bson:"-" json:"builtin,omitempty"`
	CreatedAt time.Time         `bson:"created_at" json:"created_at,omitempty"`
	UpdatedAt time.Time         `bson:"updated_at" json:"updated_at,omitempty"`
}

// IsGlobal reports whether the flavour is visible to all users.
func (f *Flavour) IsGlobal() bool {
	return f.Owner == GlobalOwner
}

// Backward returns the inverse mapping (flavour name -> canonical name).
func (f *Flavour) Backward() map[string]string {
	out := make(map[string]string, len(f.Mapping))
	for k, v := range f.Mapping {
		out[v] = k
	}
	return out
}
