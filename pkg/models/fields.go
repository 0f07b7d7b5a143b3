package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// FieldKind is the type tag of a FieldValue
type FieldKind string

const (
	KindString     FieldKind = "string"
	KindInt        FieldKind = "int"
	KindFloat      FieldKind = "float"
	KindBool       FieldKind = "bool"
	KindStringList FieldKind = "string_list"
	// KindNull is only meaningful in writes, where it removes the field from the layer
	KindNull FieldKind = "null"
)

// IsValid checks if the kind is a storable kind
func (k FieldKind) IsValid() bool {
	switch k {
	case KindString, KindInt, KindFloat, KindBool, KindStringList:
		return true
	default:
		return false
	}
}

// FieldValue is a closed tagged union of the value types a setting may hold.
// The zero value is a null.
type FieldValue struct {
	kind FieldKind
	s    string
	i    int64
	f    float64
	b    bool
	list []string
}

// String constructs a string value
func String(v string) FieldValue { return FieldValue{kind: KindString, s: v} }

// Int constructs an integer value
func Int(v int64) FieldValue { return FieldValue{kind: KindInt, i: v} }

// Float constructs a floating point value
func Float(v float64) FieldValue { return FieldValue{kind: KindFloat, f: v} }

// Bool constructs a boolean value
func Bool(v bool) FieldValue { return FieldValue{kind: KindBool, b: v} }

// StringList constructs a list value. The slice is copied.
func StringList(v ...string) FieldValue {
	list := make([]string, len(v))
	copy(list, v)
	return FieldValue{kind: KindStringList, list: list}
}

// Null constructs the removal marker
func Null() FieldValue { return FieldValue{kind: KindNull} }

// Kind returns the type tag
func (v FieldValue) Kind() FieldKind {
	if v.kind == "" {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether the value is the removal marker
func (v FieldValue) IsNull() bool { return v.Kind() == KindNull }

// Str returns the string payload
func (v FieldValue) Str() (string, bool) { return v.s, v.kind == KindString }

// Int64 returns the integer payload
func (v FieldValue) Int64() (int64, bool) { return v.i, v.kind == KindInt }

// Float64 returns the float payload
func (v FieldValue) Float64() (float64, bool) { return v.f, v.kind == KindFloat }

// Boolean returns the bool payload
func (v FieldValue) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// List returns a copy of the list payload
func (v FieldValue) List() ([]string, bool) {
	if v.kind != KindStringList {
		return nil, false
	}
	out := make([]string, len(v.list))
	copy(out, v.list)
	return out, true
}

// Interface returns the payload as a plain Go value
func (v FieldValue) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindStringList:
		out, _ := v.List()
		return out
	default:
		return nil
	}
}

type fieldValueJSON struct {
	Type  FieldKind       `json:"type" yaml:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}
func (v FieldValue) MarshalJSON() ([]byte, error) {
	out := fieldValueJSON{Type: v.Kind()}
	if !v.IsNull() {
		raw, err := json.Marshal(v.Interface())
		if err != nil {
			return nil, err
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged form
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var in fieldValueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	decoded, err := decodeTagged(in.Type, func(target interface{}) error {
		if len(in.Value) == 0 {
			return fmt.Errorf("missing value")
		}
		return json.Unmarshal(in.Value, target)
	})
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// UnmarshalYAML decodes the tagged form from YAML documents
func (v *FieldValue) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var in struct {
		Type  FieldKind   `yaml:"type"`
		Value interface{} `yaml:"value"`
	}
	if err := unmarshal(&in); err != nil {
		return err
	}
	decoded, err := decodeTagged(in.Type, func(target interface{}) error {
		if in.Value == nil {
			return fmt.Errorf("missing value")
		}
		raw, err := json.Marshal(in.Value)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, target)
	})
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func decodeTagged(kind FieldKind, decode func(interface{}) error) (FieldValue, error) {
	wrap := func(err error) error {
		return fmt.Errorf("%w: %s value: %v", ErrInvalidField, kind, err)
	}
	switch kind {
	case KindString:
		var s string
		if err := decode(&s); err != nil {
			return FieldValue{}, wrap(err)
		}
		return String(s), nil
	case KindInt:
		var i int64
		if err := decode(&i); err != nil {
			return FieldValue{}, wrap(err)
		}
		return Int(i), nil
	case KindFloat:
		var f float64
		if err := decode(&f); err != nil {
			return FieldValue{}, wrap(err)
		}
		return Float(f), nil
	case KindBool:
		var b bool
		if err := decode(&b); err != nil {
			return FieldValue{}, wrap(err)
		}
		return Bool(b), nil
	case KindStringList:
		var list []string
		if err := decode(&list); err != nil {
			return FieldValue{}, wrap(err)
		}
		return StringList(list...), nil
	case KindNull, "":
		return Null(), nil
	default:
		return FieldValue{}, fmt.Errorf("%w: unknown type %q", ErrInvalidField, kind)
	}
}

// Fields maps setting names to values
type Fields map[string]FieldValue

// Clone returns a copy of the map
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Names returns the field names in sorted order
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Apply overlays patch onto a copy of f. Null values remove the field.
func (f Fields) Apply(patch Fields) Fields {
	out := f.Clone()
	for name, value := range patch {
		if value.IsNull() {
			delete(out, name)
			continue
		}
		out[name] = value
	}
	return out
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)

// ValidFieldName reports whether name is a dotted identifier such as codeStyle.quoteChar
func ValidFieldName(name string) bool {
	return len(name) <= 128 && fieldNamePattern.MatchString(name)
}

// ValueOf converts a plain decoded value (as produced by a YAML or JSON
// decoder into interface{}) into a FieldValue of the given kind
func ValueOf(kind FieldKind, raw interface{}) (FieldValue, error) {
	return decodeTagged(kind, func(target interface{}) error {
		if raw == nil {
			return fmt.Errorf("missing value")
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, target)
	})
}
