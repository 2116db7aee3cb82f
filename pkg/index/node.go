package index

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Node is the decoded form of a node payload.
type Node struct {
	ID         uint64           `msgpack:"id"`
	Type       string           `msgpack:"type"`
	Properties map[string]Value `msgpack:"props,omitempty"`
	CreatedAt  int64            `msgpack:"created"`
	UpdatedAt  int64            `msgpack:"updated,omitempty"`
}

// Clone creates a deep copy of a node
func (n *Node) Clone() *Node {
	clone := &Node{
		ID:         n.ID,
		Type:       n.Type,
		Properties: make(map[string]Value, len(n.Properties)),
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}
	for k, v := range n.Properties {
		clone.Properties[k] = v
	}
	return clone
}

// GetProperty gets a property value
func (n *Node) GetProperty(key string) (Value, bool) {
	val, ok := n.Properties[key]
	return val, ok
}

// EncodeNode serializes a node into a log payload.
func EncodeNode(n *Node) ([]byte, error) {
	data, err := msgpack.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode node %d: %w", n.ID, err)
	}
	return data, nil
}

// DecodeNode parses a log payload.
func DecodeNode(payload []byte) (*Node, error) {
	var n Node
	if err := msgpack.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("decode node payload: %w", err)
	}
	return &n, nil
}
