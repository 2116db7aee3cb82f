package index

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dd0wney/graphstore/pkg/schema"
)

// EngineMemory is the only value index engine: hash maps held in memory and
// persisted in the state snapshot.
const EngineMemory = "memory"

type propertyKey struct {
	typ  string
	prop string
}

// ValueIndex maps (type, property, value) to node ids for the properties a
// schema declares indexed or unique, and enforces unique constraints.
type ValueIndex struct {
	schema  *schema.Schema
	indexes map[propertyKey]map[string]map[uint64]struct{}
}

// NewValueIndex creates the indexes the schema declares.
func NewValueIndex(s *schema.Schema) *ValueIndex {
	vi := &ValueIndex{schema: s}
	vi.Truncate()
	return vi
}

// Truncate empties every index, keeping the declared set.
func (vi *ValueIndex) Truncate() {
	vi.indexes = make(map[propertyKey]map[string]map[uint64]struct{})
	if vi.schema == nil {
		return
	}
	for _, t := range vi.schema.Types {
		for _, p := range t.IndexedProperties() {
			vi.indexes[propertyKey{t.Name, p}] = make(map[string]map[uint64]struct{})
		}
	}
}

// WillUniqueConstraintsBeViolated reports the first unique property of n
// whose value another node already holds.
func (vi *ValueIndex) WillUniqueConstraintsBeViolated(n *Node) (string, bool) {
	t, ok := vi.schema.Type(n.Type)
	if !ok {
		return "", false
	}
	for _, prop := range t.Unique {
		v, ok := n.Properties[prop]
		if !ok {
			continue
		}
		for id := range vi.indexes[propertyKey{n.Type, prop}][v.Key()] {
			if id != n.ID {
				return prop, true
			}
		}
	}
	return "", false
}

// Add indexes the node's indexed properties.
func (vi *ValueIndex) Add(n *Node) {
	for prop, v := range n.Properties {
		idx, ok := vi.indexes[propertyKey{n.Type, prop}]
		if !ok {
			continue
		}
		ids, ok := idx[v.Key()]
		if !ok {
			ids = make(map[uint64]struct{})
			idx[v.Key()] = ids
		}
		ids[n.ID] = struct{}{}
	}
}

// Remove drops the node's indexed properties.
func (vi *ValueIndex) Remove(n *Node) {
	for prop, v := range n.Properties {
		idx, ok := vi.indexes[propertyKey{n.Type, prop}]
		if !ok {
			continue
		}
		ids := idx[v.Key()]
		delete(ids, n.ID)
		if len(ids) == 0 {
			delete(idx, v.Key())
		}
	}
}

// Indexed reports whether (typ, prop) has an index.
func (vi *ValueIndex) Indexed(typ, prop string) bool {
	_, ok := vi.indexes[propertyKey{typ, prop}]
	return ok
}

// Lookup returns the ids of typ nodes whose prop equals v, sorted.
func (vi *ValueIndex) Lookup(typ, prop string, v Value) ([]uint64, error) {
	idx, ok := vi.indexes[propertyKey{typ, prop}]
	if !ok {
		return nil, fmt.Errorf("no index on %s.%s", typ, prop)
	}
	ids := idx[v.Key()]
	out := make([]uint64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Entries returns the number of (value, id) pairs across all indexes.
func (vi *ValueIndex) Entries() int {
	n := 0
	for _, idx := range vi.indexes {
		for _, ids := range idx {
			n += len(ids)
		}
	}
	return n
}

type valueIndexState struct {
	Version int                `msgpack:"v"`
	Indexes []valueIndexBucket `msgpack:"i"`
}

type valueIndexBucket struct {
	Type   string              `msgpack:"t"`
	Prop   string              `msgpack:"p"`
	Values map[string][]uint64 `msgpack:"v"`
}

const valueIndexStateVersion = 1

// SaveState serializes every index.
func (vi *ValueIndex) SaveState() ([]byte, error) {
	st := valueIndexState{Version: valueIndexStateVersion}
	for k, idx := range vi.indexes {
		b := valueIndexBucket{Type: k.typ, Prop: k.prop, Values: make(map[string][]uint64, len(idx))}
		for v, ids := range idx {
			list := make([]uint64, 0, len(ids))
			for id := range ids {
				list = append(list, id)
			}
			sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
			b.Values[v] = list
		}
		st.Indexes = append(st.Indexes, b)
	}
	sort.Slice(st.Indexes, func(i, j int) bool {
		if st.Indexes[i].Type != st.Indexes[j].Type {
			return st.Indexes[i].Type < st.Indexes[j].Type
		}
		return st.Indexes[i].Prop < st.Indexes[j].Prop
	})
	return msgpack.Marshal(st)
}

// ReadState replaces the contents with a saved state. Every index the
// schema declares must be present, otherwise ErrMissingIndex is returned and
// the caller rebuilds from the log.
func (vi *ValueIndex) ReadState(data []byte) error {
	var st valueIndexState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode value index: %w", err)
	}
	if st.Version != valueIndexStateVersion {
		return fmt.Errorf("%w: value index %d", ErrUnsupportedStateBlob, st.Version)
	}

	saved := make(map[propertyKey]valueIndexBucket, len(st.Indexes))
	for _, b := range st.Indexes {
		saved[propertyKey{b.Type, b.Prop}] = b
	}

	vi.Truncate()
	for k, idx := range vi.indexes {
		b, ok := saved[k]
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrMissingIndex, k.typ, k.prop)
		}
		for v, list := range b.Values {
			ids := make(map[uint64]struct{}, len(list))
			for _, id := range list {
				ids[id] = struct{}{}
			}
			idx[v] = ids
		}
	}
	return nil
}
