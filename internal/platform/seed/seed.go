// Package seed loads the laboratory catalog from YAML into a store.
//
// Row ids are derived from names, so applying the same file twice updates
// rows in place instead of duplicating them.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/labdesk/labdesk/internal/platform/store"
)

// Namespace is the uuid namespace of seeded ids.
var Namespace = uuid.MustParse("6f1c2b0e-8d3a-4f57-9a2e-3c4b5d6e7f80")

type File struct {
	Categories []Category `yaml:"categories"`
	Doctors    []string   `yaml:"doctors"`
	Patients   []string   `yaml:"patients"`
}

type Category struct {
	Name  string     `yaml:"name"`
	Tests []TestType `yaml:"tests"`
}

type TestType struct {
	Name       string      `yaml:"name"`
	Parameters []Parameter `yaml:"parameters"`
}

type Parameter struct {
	Name           string `yaml:"name"`
	Unit           string `yaml:"unit,omitempty"`
	ReferenceRange string `yaml:"reference_range,omitempty"`
	Description    string `yaml:"description,omitempty"`
}

// Counts reports how many rows of each kind were written.
type Counts struct {
	Categories int
	TestTypes  int
	Parameters int
	Doctors    int
	Patients   int
}

// LoadFile reads and validates a catalog file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a catalog document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate rejects blank names and duplicate test or parameter names.
func (f *File) Validate() error {
	tests := make(map[string]string)
	for _, c := range f.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("category without a name")
		}
		for _, t := range c.Tests {
			if strings.TrimSpace(t.Name) == "" {
				return fmt.Errorf("category %q: test without a name", c.Name)
			}
			if prev, ok := tests[t.Name]; ok {
				return fmt.Errorf("duplicate test %q (first in %s, again in %s)", t.Name, prev, c.Name)
			}
			tests[t.Name] = c.Name
			params := make(map[string]bool)
			for _, p := range t.Parameters {
				if strings.TrimSpace(p.Name) == "" {
					return fmt.Errorf("test %q: parameter without a name", t.Name)
				}
				if params[p.Name] {
					return fmt.Errorf("test %q: duplicate parameter %q", t.Name, p.Name)
				}
				params[p.Name] = true
			}
		}
	}
	return nil
}

// ID returns the seeded id of a catalog entity, addressed by kind and name
// path, e.g. ID("test_parameter", "Hemogram", "WBC").
func ID(kind string, names ...string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(kind+"/"+strings.Join(names, "/")))
}

// Apply upserts the catalog into st. Parent tables are written first.
func Apply(ctx context.Context, st store.Store, f *File, log zerolog.Logger) (Counts, error) {
	var (
		n          Counts
		categories []store.Row
		types      []store.Row
		params     []store.Row
	)
	for _, c := range f.Categories {
		catID := ID("category", c.Name)
		categories = append(categories, store.Row{"id": catID, "name": c.Name})
		for _, t := range c.Tests {
			typeID := ID("test_type", t.Name)
			types = append(types, store.Row{"id": typeID, "name": t.Name, "category_id": catID})
			for i, p := range t.Parameters {
				params = append(params, store.Row{
					"id":              ID("test_parameter", t.Name, p.Name),
					"test_type_id":    typeID,
					"name":            p.Name,
					"unit":            optional(p.Unit),
					"reference_range": optional(p.ReferenceRange),
					"description":     optional(p.Description),
					"position":        i + 1,
				})
			}
		}
	}

	steps := []struct {
		table string
		rows  []store.Row
		count *int
	}{
		{"category", categories, &n.Categories},
		{"test_type", types, &n.TestTypes},
		{"test_parameter", params, &n.Parameters},
		{"doctor", parties("doctor", f.Doctors), &n.Doctors},
		{"patient", parties("patient", f.Patients), &n.Patients},
	}
	for _, s := range steps {
		if len(s.rows) == 0 {
			continue
		}
		out, err := st.Upsert(ctx, s.table, s.rows, "id")
		if err != nil {
			return n, fmt.Errorf("seed %s: %w", s.table, err)
		}
		*s.count = len(out)
		log.Debug().Str("table", s.table).Int("rows", len(out)).Msg("seeded")
	}
	return n, nil
}

func parties(kind string, names []string) []store.Row {
	rows := make([]store.Row, 0, len(names))
	for _, name := range names {
		rows = append(rows, store.Row{"id": ID(kind, name), "name": name})
	}
	return rows
}

func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
