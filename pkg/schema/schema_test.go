package schema

import (
	"errors"
	"testing"
)

const testSchema = `
types:
  - name: person
    unique: [email]
    indexed: [name, email]
  - name: company
relations:
  - id: 1
    name: works_at
  - id: 2
    name: knows
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(testSchema))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	person, ok := s.Type("person")
	if !ok {
		t.Fatal("Expected person type")
	}
	if !person.IsUnique("email") || person.IsUnique("name") {
		t.Errorf("Unexpected unique set %v", person.Unique)
	}
	props := person.IndexedProperties()
	if len(props) != 2 || props[0] != "email" || props[1] != "name" {
		t.Errorf("Expected [email name], got %v", props)
	}

	if r, ok := s.RelationByName("knows"); !ok || r.ID != 2 {
		t.Errorf("Expected knows=2, got %+v %v", r, ok)
	}
	if _, ok := s.Relation(9); ok {
		t.Error("Expected relation 9 to be unknown")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate type", "types: [{name: a}, {name: a}]"},
		{"unnamed type", "types: [{unique: [x]}]"},
		{"zero relation id", "relations: [{id: 0, name: r}]"},
		{"duplicate relation", "relations: [{id: 1, name: r}, {id: 1, name: s}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); !errors.Is(err, ErrInvalidSchema) {
				t.Errorf("Expected ErrInvalidSchema, got %v", err)
			}
		})
	}
}

func TestChecksum(t *testing.T) {
	s, err := Parse([]byte(testSchema))
	if err != nil {
		t.Fatal(err)
	}
	settings := Settings{ValueIndexEngine: "memory", FilePrefix: "graph"}

	a, err := ComputeChecksum(s, settings)
	if err != nil {
		t.Fatal(err)
	}

	// Declaration order does not matter.
	reordered := &Schema{
		Types:     []NodeType{s.Types[1], {Name: "person", Unique: []string{"email"}, Indexed: []string{"email", "name"}}},
		Relations: []RelationType{s.Relations[1], s.Relations[0]},
	}
	b, err := ComputeChecksum(reordered, settings)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("Expected equal checksums for reordered schema: %s vs %s", a, b)
	}

	settings.Compression = true
	c, _ := ComputeChecksum(s, settings)
	if a == c {
		t.Error("Expected settings change to change the checksum")
	}

	s.Types[0].Unique = nil
	d, _ := ComputeChecksum(s, Settings{ValueIndexEngine: "memory", FilePrefix: "graph"})
	if a == d {
		t.Error("Expected schema change to change the checksum")
	}
}
