package index

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/wal"
)

// NodeEntry locates one node's payload in the current log file.
type NodeEntry struct {
	ID      uint64         `msgpack:"i"`
	Type    string         `msgpack:"t"`
	Segment action.Segment `msgpack:"s"`
}

type pendingNode struct {
	node    *Node
	payload []byte
}

// NodeIndex maps node ids to payload segments. Nodes added by a transaction
// that has not reached the log yet are held as pending until their segment
// is known.
type NodeIndex struct {
	entries map[uint64]*NodeEntry
	pending map[uint64]*pendingNode
	byType  map[string]map[uint64]struct{}

	cache  *NodeCache
	reader wal.SegmentReader
}

// NewNodeIndex creates an empty node index with an LRU cache of cacheSize
// decoded nodes.
func NewNodeIndex(reader wal.SegmentReader, cacheSize int) *NodeIndex {
	return &NodeIndex{
		entries: make(map[uint64]*NodeEntry),
		pending: make(map[uint64]*pendingNode),
		byType:  make(map[string]map[uint64]struct{}),
		cache:   NewNodeCache(cacheSize),
		reader:  reader,
	}
}

// SetReader points segment reads at another log, after a hot-swap.
func (ni *NodeIndex) SetReader(r wal.SegmentReader) {
	ni.reader = r
}

// Cache returns the node cache.
func (ni *NodeIndex) Cache() *NodeCache {
	return ni.cache
}

// Add registers a node. A zero segment marks it pending; its payload is kept
// in memory until UpdateNodeSegmentPosition supplies the segment.
func (ni *NodeIndex) Add(n *Node, payload []byte, seg action.Segment) error {
	if ni.Contains(n.ID) {
		return fmt.Errorf("%w: %d", ErrNodeExists, n.ID)
	}
	if seg.IsZero() {
		ni.pending[n.ID] = &pendingNode{node: n, payload: payload}
	} else {
		ni.entries[n.ID] = &NodeEntry{ID: n.ID, Type: n.Type, Segment: seg}
		ni.cache.Put(n)
	}
	ids, ok := ni.byType[n.Type]
	if !ok {
		ids = make(map[uint64]struct{})
		ni.byType[n.Type] = ids
	}
	ids[n.ID] = struct{}{}
	return nil
}

// Remove unregisters a node and returns its segment, which is zero for a
// pending node.
func (ni *NodeIndex) Remove(id uint64) (action.Segment, error) {
	var typ string
	var seg action.Segment
	if p, ok := ni.pending[id]; ok {
		typ = p.node.Type
		delete(ni.pending, id)
	} else if e, ok := ni.entries[id]; ok {
		typ = e.Type
		seg = e.Segment
		delete(ni.entries, id)
	} else {
		return action.Segment{}, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	ni.cache.Delete(id)
	if ids, ok := ni.byType[typ]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(ni.byType, typ)
		}
	}
	return seg, nil
}

// Contains reports whether the node exists.
func (ni *NodeIndex) Contains(id uint64) bool {
	if _, ok := ni.entries[id]; ok {
		return true
	}
	_, ok := ni.pending[id]
	return ok
}

// Segment returns the node's segment; zero if pending or unknown.
func (ni *NodeIndex) Segment(id uint64) (action.Segment, bool) {
	if e, ok := ni.entries[id]; ok {
		return e.Segment, true
	}
	_, ok := ni.pending[id]
	return action.Segment{}, ok
}

// Get returns the decoded node. Callers must not modify it; Clone first.
func (ni *NodeIndex) Get(id uint64) (*Node, error) {
	if n, ok := ni.cache.Get(id); ok {
		return n, nil
	}
	if p, ok := ni.pending[id]; ok {
		return p.node, nil
	}
	e, ok := ni.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	payload, err := ni.read(e.Segment)
	if err != nil {
		return nil, fmt.Errorf("read node %d: %w", id, err)
	}
	n, err := DecodeNode(payload)
	if err != nil {
		return nil, err
	}
	ni.cache.Put(n)
	return n, nil
}

// Payload returns the node's encoded payload and segment. Removing a node
// captures these so the removal can be undone.
func (ni *NodeIndex) Payload(id uint64) ([]byte, action.Segment, error) {
	if p, ok := ni.pending[id]; ok {
		return p.payload, action.Segment{}, nil
	}
	e, ok := ni.entries[id]
	if !ok {
		return nil, action.Segment{}, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	payload, err := ni.read(e.Segment)
	if err != nil {
		return nil, action.Segment{}, fmt.Errorf("read node %d: %w", id, err)
	}
	return payload, e.Segment, nil
}

func (ni *NodeIndex) read(seg action.Segment) ([]byte, error) {
	if ni.reader == nil {
		return nil, ErrNoReader
	}
	out, _, err := ni.reader.ReadNodeSegments([]action.Segment{seg})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// UpdateNodeSegmentPosition records where a node's payload now lives. It is
// the only way a segment changes: after a commit queues a pending node, and
// after compaction moves a payload to a new file.
func (ni *NodeIndex) UpdateNodeSegmentPosition(id uint64, seg action.Segment) error {
	if p, ok := ni.pending[id]; ok {
		delete(ni.pending, id)
		ni.entries[id] = &NodeEntry{ID: id, Type: p.node.Type, Segment: seg}
		ni.cache.Put(p.node)
		return nil
	}
	e, ok := ni.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	e.Segment = seg
	return nil
}

// Snapshot returns every committed node ordered by segment position, which
// is the order compaction copies them in.
func (ni *NodeIndex) Snapshot() []NodeEntry {
	out := make([]NodeEntry, 0, len(ni.entries))
	for _, e := range ni.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Segment.Position < out[j].Segment.Position })
	return out
}

// IDs returns all node ids, sorted.
func (ni *NodeIndex) IDs() []uint64 {
	out := make([]uint64, 0, ni.Count())
	for id := range ni.entries {
		out = append(out, id)
	}
	for id := range ni.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IDsOfType returns the ids of nodes of one type, sorted.
func (ni *NodeIndex) IDsOfType(typ string) []uint64 {
	ids := ni.byType[typ]
	out := make([]uint64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of nodes, pending included.
func (ni *NodeIndex) Count() int {
	return len(ni.entries) + len(ni.pending)
}

// Pending returns the number of nodes waiting for a segment.
func (ni *NodeIndex) Pending() int {
	return len(ni.pending)
}

// Truncate drops every node and clears the cache.
func (ni *NodeIndex) Truncate() {
	ni.entries = make(map[uint64]*NodeEntry)
	ni.pending = make(map[uint64]*pendingNode)
	ni.byType = make(map[string]map[uint64]struct{})
	ni.cache.Clear()
}

type nodeIndexState struct {
	Version int         `msgpack:"v"`
	Entries []NodeEntry `msgpack:"e"`
}

const nodeIndexStateVersion = 1

// MarshalState serializes the committed entries. Pending nodes cannot be
// persisted.
func (ni *NodeIndex) MarshalState() ([]byte, error) {
	if len(ni.pending) > 0 {
		return nil, fmt.Errorf("%w: %d pending nodes", ErrPendingState, len(ni.pending))
	}
	return msgpack.Marshal(nodeIndexState{Version: nodeIndexStateVersion, Entries: ni.Snapshot()})
}

// UnmarshalState replaces the index contents with a saved state.
func (ni *NodeIndex) UnmarshalState(data []byte) error {
	var st nodeIndexState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode node index: %w", err)
	}
	if st.Version != nodeIndexStateVersion {
		return fmt.Errorf("%w: node index %d", ErrUnsupportedStateBlob, st.Version)
	}
	ni.Truncate()
	for i := range st.Entries {
		e := st.Entries[i]
		ni.entries[e.ID] = &e
		ids, ok := ni.byType[e.Type]
		if !ok {
			ids = make(map[uint64]struct{})
			ni.byType[e.Type] = ids
		}
		ids[e.ID] = struct{}{}
	}
	return nil
}
