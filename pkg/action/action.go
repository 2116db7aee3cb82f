// Package action defines the primitive actions the storage engine logs and
// applies. A primitive action is the smallest unit of change: a node add or
// remove, or a relation add/remove between two nodes.
//
// Every resolved action has a structurally derived Opposite, which is what
// rollback applies in reverse order when a transaction fails mid-apply.
package action

import (
	"errors"
	"fmt"
)

// Kind tags an action as a node action or a relation action.
type Kind uint8

const (
	KindNode Kind = iota + 1
	KindRelation
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// Op is the operation an action performs.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpRemove
	// OpSet replaces every target of (relation, source) with a single target.
	OpSet
	// OpClear removes the (relation, source, target) pair, or every target
	// of the source when Target is zero.
	OpClear
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpSet:
		return "set"
	case OpClear:
		return "clear"
	default:
		return "unknown"
	}
}

// ErrUnresolved is returned by Opposite for Set and Clear requests, which
// must be resolved into explicit adds and removes before they are applied.
var ErrUnresolved = errors.New("relation set/clear must be resolved before it has an opposite")

// Segment locates a node payload inside the current WAL file.
// The zero Segment means the payload has not been queued yet.
type Segment struct {
	Position int64 `msgpack:"p"`
	Length   int32 `msgpack:"l"`
}

// IsZero reports whether the segment is unset.
func (s Segment) IsZero() bool {
	return s.Position == 0 && s.Length == 0
}

// End returns the position just past the segment.
func (s Segment) End() int64 {
	return s.Position + int64(s.Length)
}

func (s Segment) String() string {
	return fmt.Sprintf("[%d+%d]", s.Position, s.Length)
}

// Action is a primitive action. Which fields are meaningful depends on Kind:
// node actions use NodeID, Payload and Segment; relation actions use
// Relation, Source and Target.
type Action struct {
	Kind Kind
	Op   Op

	NodeID  uint64
	Payload []byte
	Segment Segment

	Relation uint32
	Source   uint64
	Target   uint64
}

// AddNode returns an action adding a node with the encoded payload.
func AddNode(id uint64, payload []byte) Action {
	return Action{Kind: KindNode, Op: OpAdd, NodeID: id, Payload: payload}
}

// RemoveNode returns an action removing a node. The executor fills in the
// payload and segment it captured before removal.
func RemoveNode(id uint64) Action {
	return Action{Kind: KindNode, Op: OpRemove, NodeID: id}
}

// AddRelation returns an action relating source to target.
func AddRelation(relation uint32, source, target uint64) Action {
	return Action{Kind: KindRelation, Op: OpAdd, Relation: relation, Source: source, Target: target}
}

// RemoveRelation returns an action removing the (relation, source, target) pair.
func RemoveRelation(relation uint32, source, target uint64) Action {
	return Action{Kind: KindRelation, Op: OpRemove, Relation: relation, Source: source, Target: target}
}

// SetRelation returns a request making target the only target of source.
func SetRelation(relation uint32, source, target uint64) Action {
	return Action{Kind: KindRelation, Op: OpSet, Relation: relation, Source: source, Target: target}
}

// ClearRelation returns a request removing targets of source. A zero target
// clears all of them.
func ClearRelation(relation uint32, source, target uint64) Action {
	return Action{Kind: KindRelation, Op: OpClear, Relation: relation, Source: source, Target: target}
}

// IsNode reports whether a is a node action.
func (a Action) IsNode() bool { return a.Kind == KindNode }

// IsRelation reports whether a is a relation action.
func (a Action) IsRelation() bool { return a.Kind == KindRelation }

// IsRemove reports whether a removes something. Removes make their paired
// earlier add truncatable by compaction.
func (a Action) IsRemove() bool { return a.Op == OpRemove }

// Resolved reports whether a is an explicit add or remove.
func (a Action) Resolved() bool {
	return a.Op == OpAdd || a.Op == OpRemove
}

// Opposite returns the action that undoes a. An add's opposite is a remove
// carrying the same payload and segment, and vice versa.
func (a Action) Opposite() (Action, error) {
	if !a.Resolved() {
		return Action{}, ErrUnresolved
	}
	o := a
	if a.Op == OpAdd {
		o.Op = OpRemove
	} else {
		o.Op = OpAdd
	}
	return o, nil
}

// Nodes returns the node ids the action touches, for lock checks.
func (a Action) Nodes() []uint64 {
	if a.Kind == KindNode {
		return []uint64{a.NodeID}
	}
	if a.Target == 0 {
		return []uint64{a.Source}
	}
	return []uint64{a.Source, a.Target}
}

func (a Action) String() string {
	switch a.Kind {
	case KindNode:
		return fmt.Sprintf("node %s id=%d payload=%dB seg=%s", a.Op, a.NodeID, len(a.Payload), a.Segment)
	case KindRelation:
		return fmt.Sprintf("relation %s rel=%d %d->%d", a.Op, a.Relation, a.Source, a.Target)
	default:
		return "invalid action"
	}
}

// Transaction is an executed transaction: an ordered list of resolved
// primitive actions plus its timestamp. It is the unit the WAL appends and
// the unit replay reconstructs.
type Transaction struct {
	Timestamp int64
	Actions   []Action
}

// Removes counts the remove actions in the transaction.
func (t Transaction) Removes() int {
	n := 0
	for _, a := range t.Actions {
		if a.IsRemove() {
			n++
		}
	}
	return n
}
