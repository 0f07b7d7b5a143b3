package models

import (
	"fmt"
	"sort"
)

// FieldSpec declares a known setting and its type
type FieldSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Kind        FieldKind `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Schema is the closed set of settings any layer may define
type Schema struct {
	specs map[string]FieldSpec
}

// NewSchema builds a schema, rejecting duplicate or malformed declarations
func NewSchema(specs ...FieldSpec) (*Schema, error) {
	s := &Schema{specs: make(map[string]FieldSpec, len(specs))}
	for _, spec := range specs {
		if !ValidFieldName(spec.Name) {
			return nil, fmt.Errorf("%w: malformed field name %q", ErrInvalidField, spec.Name)
		}
		if !spec.Kind.IsValid() {
			return nil, fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidField, spec.Name, spec.Kind)
		}
		if _, dup := s.specs[spec.Name]; dup {
			return nil, fmt.Errorf("%w: field %q declared twice", ErrInvalidField, spec.Name)
		}
		s.specs[spec.Name] = spec
	}
	return s, nil
}

// Spec looks up a declared field
func (s *Schema) Spec(name string) (FieldSpec, bool) {
	spec, ok := s.specs[name]
	return spec, ok
}

// Names returns all declared field names, sorted
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.specs))
	for name := range s.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a patch against the schema. Null values are accepted for
// any declared field.
func (s *Schema) Validate(fields Fields) error {
	for _, name := range fields.Names() {
		value := fields[name]
		spec, ok := s.specs[name]
		if !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidField, name)
		}
		if value.IsNull() {
			continue
		}
		if value.Kind() != spec.Kind {
			return fmt.Errorf("%w: field %q expects %s, got %s", ErrInvalidField, name, spec.Kind, value.Kind())
		}
	}
	return nil
}
