// Package schema describes the node and relation types a store accepts.
// A store's schema is fixed per log file; its checksum is recorded in every
// state snapshot, so any change invalidates snapshots taken under the old one.
package schema

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownType     = errors.New("unknown node type")
	ErrUnknownRelation = errors.New("unknown relation type")
	ErrInvalidSchema   = errors.New("invalid schema")
)

// NodeType declares a node type and which of its properties are indexed.
// Unique properties are always indexed.
type NodeType struct {
	Name    string   `yaml:"name" json:"name"`
	Unique  []string `yaml:"unique,omitempty" json:"unique,omitempty"`
	Indexed []string `yaml:"indexed,omitempty" json:"indexed,omitempty"`
}

// IndexedProperties returns the unique and indexed properties, sorted and
// deduplicated.
func (t NodeType) IndexedProperties() []string {
	props := append(slices.Clone(t.Unique), t.Indexed...)
	sort.Strings(props)
	return slices.Compact(props)
}

// IsUnique reports whether prop carries a unique constraint.
func (t NodeType) IsUnique(prop string) bool {
	return slices.Contains(t.Unique, prop)
}

// RelationType declares a relation. IDs are what the log records.
type RelationType struct {
	ID   uint32 `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Schema is the full set of node and relation types.
type Schema struct {
	Types     []NodeType     `yaml:"types" json:"types"`
	Relations []RelationType `yaml:"relations" json:"relations"`
}

// Load reads a YAML schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML schema.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks names are present and unique and relation ids are
// non-zero and unique.
func (s *Schema) Validate() error {
	types := make(map[string]bool, len(s.Types))
	for _, t := range s.Types {
		if t.Name == "" {
			return fmt.Errorf("%w: node type without name", ErrInvalidSchema)
		}
		if types[t.Name] {
			return fmt.Errorf("%w: duplicate node type %q", ErrInvalidSchema, t.Name)
		}
		types[t.Name] = true
		for _, p := range t.IndexedProperties() {
			if p == "" {
				return fmt.Errorf("%w: empty property name on %q", ErrInvalidSchema, t.Name)
			}
		}
	}

	ids := make(map[uint32]bool, len(s.Relations))
	names := make(map[string]bool, len(s.Relations))
	for _, r := range s.Relations {
		if r.ID == 0 {
			return fmt.Errorf("%w: relation %q has id 0", ErrInvalidSchema, r.Name)
		}
		if ids[r.ID] || names[r.Name] {
			return fmt.Errorf("%w: duplicate relation %d/%q", ErrInvalidSchema, r.ID, r.Name)
		}
		ids[r.ID] = true
		names[r.Name] = true
	}
	return nil
}

// Type looks up a node type by name.
func (s *Schema) Type(name string) (NodeType, bool) {
	if s == nil {
		return NodeType{}, false
	}
	for _, t := range s.Types {
		if t.Name == name {
			return t, true
		}
	}
	return NodeType{}, false
}

// Relation looks up a relation type by id.
func (s *Schema) Relation(id uint32) (RelationType, bool) {
	if s == nil {
		return RelationType{}, false
	}
	for _, r := range s.Relations {
		if r.ID == id {
			return r, true
		}
	}
	return RelationType{}, false
}

// RelationByName looks up a relation type by name.
func (s *Schema) RelationByName(name string) (RelationType, bool) {
	if s == nil {
		return RelationType{}, false
	}
	for _, r := range s.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return RelationType{}, false
}

// Open reports whether the schema declares nothing. An open schema accepts
// any node type and relation id.
func (s *Schema) Open() bool {
	return s == nil || (len(s.Types) == 0 && len(s.Relations) == 0)
}

// canonical returns a copy with every list sorted.
func (s *Schema) canonical() Schema {
	if s == nil {
		return Schema{}
	}
	c := Schema{
		Types:     make([]NodeType, len(s.Types)),
		Relations: slices.Clone(s.Relations),
	}
	for i, t := range s.Types {
		c.Types[i] = NodeType{
			Name:    t.Name,
			Unique:  slices.Compact(slices.Sorted(slices.Values(t.Unique))),
			Indexed: slices.Compact(slices.Sorted(slices.Values(t.Indexed))),
		}
	}
	sort.Slice(c.Types, func(i, j int) bool { return c.Types[i].Name < c.Types[j].Name })
	sort.Slice(c.Relations, func(i, j int) bool { return c.Relations[i].ID < c.Relations[j].ID })
	return c
}
