package layers

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"

	"github.com/developer-mesh/context-engine/pkg/models"
)

//go:embed defaults.yaml
var builtinDefaults []byte

// SystemDefaults is the parsed static data file: the closed field schema and
// the default values that make up the system-default record
type SystemDefaults struct {
	Schema *models.Schema
	Fields models.Fields
}

type defaultsFile struct {
	Fields []struct {
		Name        string           `yaml:"name"`
		Type        models.FieldKind `yaml:"type"`
		Description string           `yaml:"description"`
		Default     yaml.Node        `yaml:"default"`
	} `yaml:"fields"`
}

// ParseSystemDefaults reads a defaults document. A field without a default is
// declared in the schema but absent from the system-default record.
func ParseSystemDefaults(r io.Reader) (*SystemDefaults, error) {
	var doc defaultsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse system defaults: %w", err)
	}

	specs := make([]models.FieldSpec, 0, len(doc.Fields))
	fields := models.Fields{}
	for _, f := range doc.Fields {
		specs = append(specs, models.FieldSpec{Name: f.Name, Kind: f.Type, Description: f.Description})
		if f.Default.Kind == 0 {
			continue
		}
		var raw interface{}
		if err := f.Default.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: default for %q: %v", models.ErrInvalidField, f.Name, err)
		}
		if f.Type == models.KindStringList && raw == nil {
			raw = []interface{}{}
		}
		value, err := models.ValueOf(f.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("default for %q: %w", f.Name, err)
		}
		fields[f.Name] = value
	}

	schema, err := models.NewSchema(specs...)
	if err != nil {
		return nil, err
	}
	return &SystemDefaults{Schema: schema, Fields: fields}, nil
}

// LoadSystemDefaults reads the defaults file at path, or the built-in
// document when path is empty
func LoadSystemDefaults(path string) (*SystemDefaults, error) {
	if path == "" {
		return ParseSystemDefaults(bytes.NewReader(builtinDefaults))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open system defaults: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseSystemDefaults(f)
}

// Seed makes the stored system-default record match defaults. Fields that
// were dropped from the file are removed from the record.
func Seed(ctx context.Context, m *Manager, defaults *SystemDefaults) (*models.LayerRecord, error) {
	if m.Kind() != models.LayerSystemDefault {
		return nil, fmt.Errorf("seed requires the system-default manager, got %s", m.Kind())
	}
	system := models.SystemScope()

	current, err := m.Read(ctx, system, models.SystemOwnerID)
	if errors.Is(err, models.ErrNotFound) {
		if len(defaults.Fields) == 0 {
			return nil, nil
		}
		return m.Write(ctx, system, models.SystemOwnerID, defaults.Fields, 0)
	}
	if err != nil {
		return nil, err
	}
	if reflect.DeepEqual(current.Fields, defaults.Fields) {
		return current, nil
	}

	patch := defaults.Fields.Clone()
	for name := range current.Fields {
		if _, keep := defaults.Fields[name]; !keep {
			if _, declared := defaults.Schema.Spec(name); declared {
				patch[name] = models.Null()
			}
		}
	}
	return m.Write(ctx, system, models.SystemOwnerID, patch, current.Version)
}
