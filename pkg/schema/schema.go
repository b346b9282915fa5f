package schema

import (
	"fmt"
	"strings"
)

// Kind classifies a single output field.
type Kind string

const (
	// KindText is a free-text scalar field.
	KindText Kind = "text"
	// KindList is an ordered list of scalar items.
	KindList Kind = "list"
)

// Field describes one named field a stage output must carry.
type Field struct {
	Name     string `yaml:"name" json:"name"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Required bool   `yaml:"required" json:"required"`
}

// Schema describes the typed shape a stage's model output is parsed into.
type Schema struct {
	Name   string  `yaml:"name" json:"name"`
	Fields []Field `yaml:"fields" json:"fields"`
}

// Text returns a schema with a single required text field, the shape used
// by stages that produce one block of prose.
func Text(name string) Schema {
	return Schema{
		Name: name,
		Fields: []Field{
			{Name: name, Kind: KindText, Required: true},
		},
	}
}

func (s Schema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schema name required")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q: at least one field required", s.Name)
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		name := strings.ToLower(strings.TrimSpace(f.Name))
		if name == "" {
			return fmt.Errorf("schema %q: fields[%d]: name required", s.Name, i)
		}
		if seen[name] {
			return fmt.Errorf("schema %q: duplicate field %q", s.Name, f.Name)
		}
		seen[name] = true
		if !isKindAllowed(f.Kind) {
			return fmt.Errorf("schema %q: field %q: kind %q not allowed", s.Name, f.Name, f.Kind)
		}
	}
	return nil
}

// Field looks up a field by name, case-insensitively.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// TextOnly reports whether the schema is exactly one required text field.
// Such schemas accept the whole model response as the field value.
func (s Schema) TextOnly() bool {
	return len(s.Fields) == 1 && s.Fields[0].Kind == KindText && s.Fields[0].Required
}

func isKindAllowed(kind Kind) bool {
	switch kind {
	case KindText, KindList:
		return true
	default:
		return false
	}
}
