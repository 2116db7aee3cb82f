package index

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/schema"
)

type edge struct {
	rel   uint32
	other uint64
}

// Relation is one (relation, source, target) triple.
type Relation struct {
	Relation uint32 `msgpack:"r"`
	Source   uint64 `msgpack:"s"`
	Target   uint64 `msgpack:"t"`
}

// RelationIndex stores relations in both directions.
type RelationIndex struct {
	out    map[uint64]map[edge]struct{}
	in     map[uint64]map[edge]struct{}
	count  int
	schema *schema.Schema
}

// NewRelationIndex creates an empty index. With a non-open schema, only the
// declared relation ids are accepted.
func NewRelationIndex(s *schema.Schema) *RelationIndex {
	return &RelationIndex{
		out:    make(map[uint64]map[edge]struct{}),
		in:     make(map[uint64]map[edge]struct{}),
		schema: s,
	}
}

// Has reports whether the triple exists.
func (ri *RelationIndex) Has(rel uint32, source, target uint64) bool {
	_, ok := ri.out[source][edge{rel, target}]
	return ok
}

// RegisterAction applies a relation add or remove, rejecting duplicates,
// missing relations and undeclared relation ids.
func (ri *RelationIndex) RegisterAction(a action.Action) error {
	if a.Kind != action.KindRelation || !a.Resolved() {
		return fmt.Errorf("relation index: cannot register %v", a)
	}
	if !ri.schema.Open() {
		if _, ok := ri.schema.Relation(a.Relation); !ok {
			return fmt.Errorf("%w: %d", ErrUnknownRelation, a.Relation)
		}
	}
	exists := ri.Has(a.Relation, a.Source, a.Target)
	switch a.Op {
	case action.OpAdd:
		if exists {
			return fmt.Errorf("%w: %d -[%d]-> %d", ErrRelationExists, a.Source, a.Relation, a.Target)
		}
		ri.add(a.Relation, a.Source, a.Target)
	case action.OpRemove:
		if !exists {
			return fmt.Errorf("%w: %d -[%d]-> %d", ErrRelationNotFound, a.Source, a.Relation, a.Target)
		}
		ri.remove(a.Relation, a.Source, a.Target)
	}
	return nil
}

// RegisterActionRelaxed applies a relation action without validation. Replay
// uses it: the log only holds actions that were valid when committed.
func (ri *RelationIndex) RegisterActionRelaxed(a action.Action) {
	switch a.Op {
	case action.OpAdd:
		if !ri.Has(a.Relation, a.Source, a.Target) {
			ri.add(a.Relation, a.Source, a.Target)
		}
	case action.OpRemove:
		if ri.Has(a.Relation, a.Source, a.Target) {
			ri.remove(a.Relation, a.Source, a.Target)
		}
	}
}

func (ri *RelationIndex) add(rel uint32, source, target uint64) {
	link(ri.out, source, edge{rel, target})
	link(ri.in, target, edge{rel, source})
	ri.count++
}

func (ri *RelationIndex) remove(rel uint32, source, target uint64) {
	unlink(ri.out, source, edge{rel, target})
	unlink(ri.in, target, edge{rel, source})
	ri.count--
}

func link(m map[uint64]map[edge]struct{}, node uint64, e edge) {
	edges, ok := m[node]
	if !ok {
		edges = make(map[edge]struct{})
		m[node] = edges
	}
	edges[e] = struct{}{}
}

func unlink(m map[uint64]map[edge]struct{}, node uint64, e edge) {
	edges := m[node]
	delete(edges, e)
	if len(edges) == 0 {
		delete(m, node)
	}
}

// Resolve turns a Set or Clear request into explicit removes and adds
// against the current contents. Adds and removes are returned unchanged.
func (ri *RelationIndex) Resolve(a action.Action) []action.Action {
	switch a.Op {
	case action.OpSet:
		var out []action.Action
		for _, t := range ri.GetRelated(a.Relation, a.Source) {
			if t != a.Target {
				out = append(out, action.RemoveRelation(a.Relation, a.Source, t))
			}
		}
		if !ri.Has(a.Relation, a.Source, a.Target) {
			out = append(out, action.AddRelation(a.Relation, a.Source, a.Target))
		}
		return out
	case action.OpClear:
		if a.Target != 0 {
			if ri.Has(a.Relation, a.Source, a.Target) {
				return []action.Action{action.RemoveRelation(a.Relation, a.Source, a.Target)}
			}
			return nil
		}
		var out []action.Action
		for _, t := range ri.GetRelated(a.Relation, a.Source) {
			out = append(out, action.RemoveRelation(a.Relation, a.Source, t))
		}
		return out
	default:
		return []action.Action{a}
	}
}

// GetRelated returns the targets of source over rel, sorted.
func (ri *RelationIndex) GetRelated(rel uint32, source uint64) []uint64 {
	return collect(ri.out[source], rel)
}

// GetReferrers returns the sources pointing at target over rel, sorted.
func (ri *RelationIndex) GetReferrers(rel uint32, target uint64) []uint64 {
	return collect(ri.in[target], rel)
}

func collect(edges map[edge]struct{}, rel uint32) []uint64 {
	var out []uint64
	for e := range edges {
		if e.rel == rel {
			out = append(out, e.other)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RelationsOf returns every relation the node takes part in, in either
// direction. Deleting a node removes these first.
func (ri *RelationIndex) RelationsOf(node uint64) []Relation {
	var out []Relation
	for e := range ri.out[node] {
		out = append(out, Relation{Relation: e.rel, Source: node, Target: e.other})
	}
	for e := range ri.in[node] {
		if e.other == node {
			continue // self-loop, already listed
		}
		out = append(out, Relation{Relation: e.rel, Source: e.other, Target: node})
	}
	sortRelations(out)
	return out
}

// Snapshot returns every relation as an add action, in a stable order.
func (ri *RelationIndex) Snapshot() []action.Action {
	rels := ri.relations()
	out := make([]action.Action, len(rels))
	for i, r := range rels {
		out[i] = action.AddRelation(r.Relation, r.Source, r.Target)
	}
	return out
}

func (ri *RelationIndex) relations() []Relation {
	out := make([]Relation, 0, ri.count)
	for src, edges := range ri.out {
		for e := range edges {
			out = append(out, Relation{Relation: e.rel, Source: src, Target: e.other})
		}
	}
	sortRelations(out)
	return out
}

func sortRelations(rs []Relation) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Relation != b.Relation {
			return a.Relation < b.Relation
		}
		return a.Target < b.Target
	})
}

// Count returns the number of relations.
func (ri *RelationIndex) Count() int {
	return ri.count
}

// Truncate drops every relation.
func (ri *RelationIndex) Truncate() {
	ri.out = make(map[uint64]map[edge]struct{})
	ri.in = make(map[uint64]map[edge]struct{})
	ri.count = 0
}

type relationIndexState struct {
	Version   int        `msgpack:"v"`
	Relations []Relation `msgpack:"r"`
}

const relationIndexStateVersion = 1

// MarshalState serializes every relation.
func (ri *RelationIndex) MarshalState() ([]byte, error) {
	return msgpack.Marshal(relationIndexState{Version: relationIndexStateVersion, Relations: ri.relations()})
}

// UnmarshalState replaces the index contents with a saved state.
func (ri *RelationIndex) UnmarshalState(data []byte) error {
	var st relationIndexState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode relation index: %w", err)
	}
	if st.Version != relationIndexStateVersion {
		return fmt.Errorf("%w: relation index %d", ErrUnsupportedStateBlob, st.Version)
	}
	ri.Truncate()
	for _, r := range st.Relations {
		if !ri.Has(r.Relation, r.Source, r.Target) {
			ri.add(r.Relation, r.Source, r.Target)
		}
	}
	return nil
}
