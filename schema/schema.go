// Package schema holds describe metadata for target-system object types and
// a TTL cache in front of the describe call.
package schema

import (
	"context"

	"github.com/samber/lo"
)

// Field is a single attribute the target system reports for an object type.
type Field struct {
	Name       string `json:"name"`
	Createable bool   `json:"createable"`
	Required   bool   `json:"required"`
	Type       string `json:"type"`
}

// Subtype is a record sub-type (record type in CRM parlance) available for
// an object type.
type Subtype struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	InternalName string `json:"internalName"`
	IsDefault    bool   `json:"isDefault"`
}

// Metadata is the describe result for one object type.
type Metadata struct {
	ObjectType string    `json:"objectType"`
	Fields     []Field   `json:"fields"`
	Subtypes   []Subtype `json:"subtypes"`
}

// RequiredFieldNames returns the fields a create call must carry: required
// and createable. Non-createable required fields are system-computed and
// cannot be supplied by us.
func (m *Metadata) RequiredFieldNames() []string {
	return lo.FilterMap(m.Fields, func(f Field, _ int) (string, bool) {
		return f.Name, f.Required && f.Createable
	})
}

// FieldByName returns the field with the given name, or nil.
func (m *Metadata) FieldByName(name string) *Field {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}

// DefaultSubtype returns the sub-type the target system marks as default,
// or nil.
func (m *Metadata) DefaultSubtype() *Subtype {
	for i := range m.Subtypes {
		if m.Subtypes[i].IsDefault {
			return &m.Subtypes[i]
		}
	}
	return nil
}

// ResolveSubtype resolves an operator-supplied sub-type key. Precedence: by
// id, then by display name, then by internal name.
func (m *Metadata) ResolveSubtype(key string) *Subtype {
	for i := range m.Subtypes {
		if m.Subtypes[i].ID == key {
			return &m.Subtypes[i]
		}
	}
	for i := range m.Subtypes {
		if m.Subtypes[i].Name == key {
			return &m.Subtypes[i]
		}
	}
	for i := range m.Subtypes {
		if m.Subtypes[i].InternalName == key {
			return &m.Subtypes[i]
		}
	}
	return nil
}

// Describer fetches describe metadata from the target system.
type Describer interface {
	Describe(ctx context.Context, objectType string) (*Metadata, error)
}
