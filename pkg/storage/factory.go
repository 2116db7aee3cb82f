package storage

import (
	"fmt"
	"maps"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/index"
	"github.com/dd0wney/graphstore/pkg/parallel"
	"github.com/dd0wney/graphstore/pkg/schema"
)

// LogicalKind identifies a caller-level action.
type LogicalKind int

const (
	KindInsert LogicalKind = iota + 1
	KindUpdate
	KindUpsert
	KindDelete
	KindRelate
	KindUnrelate
	KindSetRelation
	KindClearRelation
	KindForce
)

func (k LogicalKind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindUpsert:
		return "upsert"
	case KindDelete:
		return "delete"
	case KindRelate:
		return "relate"
	case KindUnrelate:
		return "unrelate"
	case KindSetRelation:
		return "set_relation"
	case KindClearRelation:
		return "clear_relation"
	case KindForce:
		return "force"
	default:
		return fmt.Sprintf("logical(%d)", int(k))
	}
}

// LogicalAction is one caller-level change. An ActionFactory turns it into
// primitive actions.
type LogicalAction struct {
	Kind LogicalKind

	// Node actions. NodeID 0 on insert allocates a new id.
	NodeID     uint64
	Type       string
	Properties map[string]index.Value
	Unset      []string

	// Relation actions.
	Relation uint32
	Source   uint64
	Target   uint64

	// Primitive is logged as-is by KindForce.
	Primitive action.Action

	// Task, when set, runs on the worker pool after the transaction commits.
	TaskName string
	Task     parallel.Task
}

// InsertNode creates a node with a new id.
func InsertNode(typ string, props map[string]index.Value) LogicalAction {
	return LogicalAction{Kind: KindInsert, Type: typ, Properties: props}
}

// InsertNodeWithID creates a node with a caller-chosen id.
func InsertNodeWithID(id uint64, typ string, props map[string]index.Value) LogicalAction {
	return LogicalAction{Kind: KindInsert, NodeID: id, Type: typ, Properties: props}
}

// UpdateNode sets props on an existing node and deletes the unset ones.
func UpdateNode(id uint64, props map[string]index.Value, unset ...string) LogicalAction {
	return LogicalAction{Kind: KindUpdate, NodeID: id, Properties: props, Unset: unset}
}

// UpsertNode updates the node if it exists and inserts it otherwise.
func UpsertNode(id uint64, typ string, props map[string]index.Value) LogicalAction {
	return LogicalAction{Kind: KindUpsert, NodeID: id, Type: typ, Properties: props}
}

// DeleteNode removes a node and every relation it takes part in.
func DeleteNode(id uint64) LogicalAction {
	return LogicalAction{Kind: KindDelete, NodeID: id}
}

// Relate adds source -[rel]-> target.
func Relate(rel uint32, source, target uint64) LogicalAction {
	return LogicalAction{Kind: KindRelate, Relation: rel, Source: source, Target: target}
}

// Unrelate removes source -[rel]-> target.
func Unrelate(rel uint32, source, target uint64) LogicalAction {
	return LogicalAction{Kind: KindUnrelate, Relation: rel, Source: source, Target: target}
}

// SetRelation makes target the only target of source's rel relations.
func SetRelation(rel uint32, source, target uint64) LogicalAction {
	return LogicalAction{Kind: KindSetRelation, Relation: rel, Source: source, Target: target}
}

// ClearRelation removes source's rel relation to target, or all of them when
// target is 0.
func ClearRelation(rel uint32, source, target uint64) LogicalAction {
	return LogicalAction{Kind: KindClearRelation, Relation: rel, Source: source, Target: target}
}

// Force logs a primitive action without conversion.
func Force(a action.Action) LogicalAction {
	return LogicalAction{Kind: KindForce, Primitive: a}
}

// WithTask attaches a task that runs after commit.
func (la LogicalAction) WithTask(name string, task parallel.Task) LogicalAction {
	la.TaskName = name
	la.Task = task
	return la
}

// Outcome is what a logical action turned out to do.
type Outcome int

const (
	OutcomeNoChange Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeDeleted
	OutcomeRelated
	OutcomeUnrelated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChange:
		return "no_change"
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeRelated:
		return "related"
	case OutcomeUnrelated:
		return "unrelated"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// NamedTask is a background task spawned by a conversion.
type NamedTask struct {
	Name string
	Run  parallel.Task
}

// Conversion is the result of converting one logical action.
type Conversion struct {
	Actions []action.Action
	Outcome Outcome
	NodeID  uint64
	Tasks   []NamedTask
}

// View is the transaction's view of the store during conversion. It
// reflects every action already applied by the same transaction.
type View interface {
	Timestamp() int64
	Schema() *schema.Schema
	// ReserveID allocates a node id that is released if the transaction
	// rolls back.
	ReserveID() uint64
	GetNode(id uint64) (*index.Node, error)
	ContainsNode(id uint64) bool
	HasRelation(rel uint32, source, target uint64) bool
	GetRelated(rel uint32, source uint64) []uint64
	RelationsOf(id uint64) []index.Relation
	Lookup(typ, prop string, v index.Value) ([]uint64, error)
}

// ActionFactory converts logical actions into primitive actions.
type ActionFactory interface {
	Convert(v View, la LogicalAction) (Conversion, error)
}

// ActionFactoryFunc adapts a function to ActionFactory.
type ActionFactoryFunc func(v View, la LogicalAction) (Conversion, error)

func (f ActionFactoryFunc) Convert(v View, la LogicalAction) (Conversion, error) {
	return f(v, la)
}

// DefaultActionFactory implements the node and relation logical actions.
type DefaultActionFactory struct{}

func (DefaultActionFactory) Convert(v View, la LogicalAction) (Conversion, error) {
	var (
		conv Conversion
		err  error
	)
	switch la.Kind {
	case KindInsert:
		conv, err = convertInsert(v, la)
	case KindUpdate:
		conv, err = convertUpdate(v, la)
	case KindUpsert:
		if la.NodeID != 0 && v.ContainsNode(la.NodeID) {
			conv, err = convertUpdate(v, la)
		} else {
			conv, err = convertInsert(v, la)
		}
	case KindDelete:
		conv, err = convertDelete(v, la)
	case KindRelate:
		conv = Conversion{NodeID: la.Source}
		if !v.HasRelation(la.Relation, la.Source, la.Target) {
			conv.Actions = []action.Action{action.AddRelation(la.Relation, la.Source, la.Target)}
			conv.Outcome = OutcomeRelated
		}
	case KindUnrelate:
		conv = Conversion{NodeID: la.Source}
		if v.HasRelation(la.Relation, la.Source, la.Target) {
			conv.Actions = []action.Action{action.RemoveRelation(la.Relation, la.Source, la.Target)}
			conv.Outcome = OutcomeUnrelated
		}
	case KindSetRelation:
		conv = Conversion{
			NodeID:  la.Source,
			Actions: []action.Action{action.SetRelation(la.Relation, la.Source, la.Target)},
			Outcome: OutcomeRelated,
		}
	case KindClearRelation:
		conv = Conversion{
			NodeID:  la.Source,
			Actions: []action.Action{action.ClearRelation(la.Relation, la.Source, la.Target)},
			Outcome: OutcomeUnrelated,
		}
	case KindForce:
		conv, err = convertForce(la.Primitive)
	default:
		err = fmt.Errorf("%w: logical kind %v", ErrInvalidAction, la.Kind)
	}
	if err != nil {
		return Conversion{}, err
	}
	if la.Task != nil {
		conv.Tasks = append(conv.Tasks, NamedTask{Name: la.TaskName, Run: la.Task})
	}
	return conv, nil
}

func convertInsert(v View, la LogicalAction) (Conversion, error) {
	if la.Type == "" {
		return Conversion{}, fmt.Errorf("%w: insert without a node type", ErrInvalidAction)
	}
	id := la.NodeID
	if id == 0 {
		id = v.ReserveID()
	}
	n := &index.Node{
		ID:         id,
		Type:       la.Type,
		Properties: maps.Clone(la.Properties),
		CreatedAt:  v.Timestamp(),
	}
	if n.Properties == nil {
		n.Properties = make(map[string]index.Value)
	}
	payload, err := index.EncodeNode(n)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{
		Actions: []action.Action{action.AddNode(id, payload)},
		Outcome: OutcomeInserted,
		NodeID:  id,
	}, nil
}

func convertUpdate(v View, la LogicalAction) (Conversion, error) {
	old, err := v.GetNode(la.NodeID)
	if err != nil {
		return Conversion{}, err
	}
	if la.Type != "" && la.Type != old.Type {
		return Conversion{}, fmt.Errorf("%w: node %d is a %s, not a %s", ErrInvalidAction, old.ID, old.Type, la.Type)
	}

	n := old.Clone()
	changed := false
	for k, val := range la.Properties {
		if cur, ok := n.Properties[k]; ok && cur.Equal(val) {
			continue
		}
		n.Properties[k] = val
		changed = true
	}
	for _, k := range la.Unset {
		if _, ok := n.Properties[k]; ok {
			delete(n.Properties, k)
			changed = true
		}
	}
	if !changed {
		return Conversion{NodeID: old.ID, Outcome: OutcomeNoChange}, nil
	}

	n.UpdatedAt = v.Timestamp()
	payload, err := index.EncodeNode(n)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{
		Actions: []action.Action{action.RemoveNode(n.ID), action.AddNode(n.ID, payload)},
		Outcome: OutcomeUpdated,
		NodeID:  n.ID,
	}, nil
}

func convertDelete(v View, la LogicalAction) (Conversion, error) {
	if !v.ContainsNode(la.NodeID) {
		return Conversion{}, fmt.Errorf("%w: %d", ErrNodeNotFound, la.NodeID)
	}
	rels := v.RelationsOf(la.NodeID)
	actions := make([]action.Action, 0, len(rels)+1)
	for _, r := range rels {
		actions = append(actions, action.RemoveRelation(r.Relation, r.Source, r.Target))
	}
	actions = append(actions, action.RemoveNode(la.NodeID))
	return Conversion{Actions: actions, Outcome: OutcomeDeleted, NodeID: la.NodeID}, nil
}

func convertForce(a action.Action) (Conversion, error) {
	conv := Conversion{Actions: []action.Action{a}}
	switch {
	case a.IsNode() && a.Op == action.OpAdd:
		conv.Outcome = OutcomeInserted
		conv.NodeID = a.NodeID
	case a.IsNode() && a.Op == action.OpRemove:
		conv.Outcome = OutcomeDeleted
		conv.NodeID = a.NodeID
	case a.IsRelation() && (a.Op == action.OpRemove || a.Op == action.OpClear):
		conv.Outcome = OutcomeUnrelated
		conv.NodeID = a.Source
	case a.IsRelation():
		conv.Outcome = OutcomeRelated
		conv.NodeID = a.Source
	default:
		return Conversion{}, fmt.Errorf("%w: %v", ErrInvalidAction, a)
	}
	return conv, nil
}
