package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/index"
	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/metrics"
	"github.com/dd0wney/graphstore/pkg/schema"
	"github.com/dd0wney/graphstore/pkg/wal"
)

// maxLoggedActions caps the action list logged with a fatal error.
const maxLoggedActions = 100

// Transaction is a list of logical actions applied atomically.
type Transaction struct {
	// Timestamp is assigned by the store when zero. A caller-supplied
	// timestamp must be greater than every earlier one.
	Timestamp int64
	Actions   []LogicalAction

	// LockExemptions are lock ids the caller holds. Every one must still be
	// active, and the nodes they lock may be changed by this transaction.
	LockExemptions []string

	// FlushImmediately flushes the log before Execute returns.
	FlushImmediately bool
}

// Result describes a committed transaction. Outcomes and NodeIDs have one
// entry per logical action.
type Result struct {
	Timestamp int64
	Outcomes  []Outcome
	NodeIDs   []uint64
}

// executorState holds the executor counters. It is only mutated with the
// gate write-held; readers get a published Counters copy.
type executorState struct {
	transactions           int64
	actions                int64
	rolledBack             int64
	actionsSinceSave       int64
	actionsSinceCacheClear int64
	truncatable            int64
	lastTimestamp          int64
	dirty                  bool
	lastSave               time.Time
}

// Counters is a read-only copy of the executor counters.
type Counters struct {
	Transactions           int64     `json:"transactions"`
	Actions                int64     `json:"actions"`
	RolledBack             int64     `json:"rolled_back"`
	ActionsSinceSave       int64     `json:"actions_since_save"`
	ActionsSinceCacheClear int64     `json:"actions_since_cache_clear"`
	TruncatableActions     int64     `json:"truncatable_actions"`
	LastTimestamp          int64     `json:"last_timestamp"`
	Dirty                  bool      `json:"dirty"`
	LastSave               time.Time `json:"last_save"`
	Nodes                  int       `json:"nodes"`
	Relations              int       `json:"relations"`
}

// Counters returns the counters as of the last commit or maintenance step.
func (s *Store) Counters() Counters {
	if c := s.counters.Load(); c != nil {
		return *c
	}
	return Counters{}
}

// publish copies the executor state for lock-free readers. Gate write-held.
func (s *Store) publish() {
	e := &s.exec
	c := &Counters{
		Transactions:           e.transactions,
		Actions:                e.actions,
		RolledBack:             e.rolledBack,
		ActionsSinceSave:       e.actionsSinceSave,
		ActionsSinceCacheClear: e.actionsSinceCacheClear,
		TruncatableActions:     e.truncatable,
		LastTimestamp:          e.lastTimestamp,
		Dirty:                  e.dirty,
		LastSave:               e.lastSave,
		Nodes:                  s.nodes.Count(),
		Relations:              s.relations.Count(),
	}
	s.counters.Store(c)

	l := s.log.Load()
	s.metrics.UpdateStorageMetrics(metrics.StorageSample{
		Nodes:        c.Nodes,
		Relations:    c.Relations,
		CacheEntries: s.nodes.Cache().Size(),
		Truncatable:  c.TruncatableActions,
		WALSize:      l.Size(),
		QueuedBytes:  int64(l.QueuedBytes()),
		ActiveLocks:  s.locks.Count(),
		State:        int(s.State()),
	})
}

// Execute converts, validates and applies tx atomically. A validation
// failure rolls every change back and returns an *IntegrityError; any other
// failure puts the store into the error state and returns a *FatalError.
func (s *Store) Execute(ctx context.Context, tx Transaction) (Result, error) {
	if len(tx.Actions) == 0 {
		s.metrics.RecordTransaction(metrics.StatusNoop, 0, 0, 0)
		return Result{Timestamp: tx.Timestamp}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := s.usable(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	s.gate.Lock()
	res, run, err := s.execute(tx)
	s.gate.Unlock()
	elapsed := time.Since(start)

	if err != nil {
		switch {
		case IsFatal(err):
			s.metrics.RecordTransaction(metrics.StatusFatal, 0, 0, elapsed)
		case IsIntegrityError(err):
			s.metrics.RecordTransaction(metrics.StatusRolledBack, 0, 0, elapsed)
		}
		return Result{}, err
	}

	nodes, rels := countKinds(run.executed)
	s.metrics.RecordTransaction(metrics.StatusCommitted, nodes, rels, elapsed)

	for _, t := range run.tasks {
		name := t.Name
		if name == "" {
			name = "transaction task"
		}
		if !s.pool.Submit(name, t.Run) {
			s.logger.Warn("dropped task after commit; store is closing", logging.String("task", name))
		}
	}
	s.scheduleAutomaticWork()
	return res, nil
}

func (s *Store) execute(tx Transaction) (res Result, run *txnRun, err error) {
	if err := s.usable(); err != nil {
		return Result{}, nil, err
	}

	ts, err := assignTimestamp(s.log.Load(), tx.Timestamp)
	if err != nil {
		return Result{}, nil, &IntegrityError{Action: -1, Cause: err}
	}
	for _, id := range tx.LockExemptions {
		if !s.locks.IsActive(id) {
			return Result{}, nil, &IntegrityError{Action: -1, Cause: fmt.Errorf("%w: %s", ErrLockExpired, id)}
		}
	}

	run = &txnRun{
		s:          s,
		ts:         ts,
		exemptions: tx.LockExemptions,
		mine:       make(map[uint64]struct{}),
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = s.fail("execute", fmt.Errorf("panic: %v", r), run.executed)
		}
	}()

	res = Result{
		Timestamp: ts,
		Outcomes:  make([]Outcome, 0, len(tx.Actions)),
		NodeIDs:   make([]uint64, 0, len(tx.Actions)),
	}
	for i, la := range tx.Actions {
		conv, err := s.factory.Convert(run, la)
		if err == nil {
			err = run.applyAll(conv.Actions)
		}
		if err != nil {
			return Result{}, run, s.abort(run, i, err)
		}
		res.Outcomes = append(res.Outcomes, conv.Outcome)
		res.NodeIDs = append(res.NodeIDs, conv.NodeID)
		run.tasks = append(run.tasks, conv.Tasks...)
	}

	if err := s.commit(run, tx.FlushImmediately); err != nil {
		return Result{}, run, err
	}
	return res, run, nil
}

// assignTimestamp applies the timestamp rule: zero or negative gets a fresh
// timestamp, a positive one must not have been used. A caller-supplied
// timestamp only raises the floor once the transaction commits.
func assignTimestamp(l *wal.WAL, ts int64) (int64, error) {
	if ts <= 0 {
		return l.NewTimestamp(), nil
	}
	if ts == math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", ErrTimestampRange, ts)
	}
	if last := l.LastTimestamp(); ts <= last {
		return 0, fmt.Errorf("%w: %d (last %d)", ErrDuplicateTimestamp, ts, last)
	}
	return ts, nil
}

// abort rolls back after the action at index i failed.
func (s *Store) abort(run *txnRun, i int, cause error) error {
	if !IsIntegrityError(cause) {
		return s.fail("execute", cause, run.executed)
	}
	undone := len(run.executed)
	if err := run.rollback(); err != nil {
		return s.fail("rollback", fmt.Errorf("%w (rolling back after: %v)", err, cause), run.executed)
	}
	s.exec.rolledBack++
	s.publish()

	var ie *IntegrityError
	if errors.As(cause, &ie) {
		cause = ie.Cause
	}
	s.logger.Debug("transaction rolled back",
		logging.Timestamp(run.ts),
		logging.Int("action", i),
		logging.Actions(undone),
		logging.Error(cause))
	return &IntegrityError{Action: i, Cause: cause}
}

// commit queues the executed actions as one log record and makes the
// transaction visible to counters and listeners.
func (s *Store) commit(run *txnRun, flush bool) error {
	s.gate.AssertWriteHeld()
	e := &s.exec
	if len(run.executed) == 0 {
		s.ids.Commit(run.reserved)
		s.log.Load().ObserveTimestamp(run.ts)
		e.lastTimestamp = run.ts
		s.publish()
		return nil
	}

	l := s.log.Load()
	txn := action.Transaction{Timestamp: run.ts, Actions: run.executed}
	segs, err := l.QueueWrite(txn)
	if err != nil {
		return s.fail("commit", err, run.executed)
	}

	// Only the last action on a node decides where its payload lives.
	last := make(map[uint64]int)
	for i := range run.executed {
		a := &run.executed[i]
		if !a.IsNode() {
			continue
		}
		last[a.NodeID] = i
		if a.Op == action.OpAdd {
			a.Segment = segs[i]
		}
	}
	for id, i := range last {
		if run.executed[i].Op != action.OpAdd {
			continue
		}
		if err := s.nodes.UpdateNodeSegmentPosition(id, segs[i]); err != nil {
			return s.fail("commit", err, run.executed)
		}
	}
	s.ids.Commit(run.reserved)

	n := int64(len(run.executed))
	e.transactions++
	e.actions += n
	e.actionsSinceSave += n
	e.actionsSinceCacheClear += n
	e.truncatable += int64(txn.Removes())
	e.lastTimestamp = run.ts
	e.dirty = true

	for _, fn := range s.listeners {
		fn(txn)
	}

	if flush {
		start := time.Now()
		res, err := l.FlushToDisk()
		s.metrics.RecordFlush(res.Bytes, time.Since(start), err)
		if err != nil {
			return s.fail("flush", err, run.executed)
		}
	}
	s.publish()
	return nil
}

// fail moves the store into the error state. Only the first failure is
// logged; later calls just wrap their cause.
func (s *Store) fail(op string, cause error, actions []action.Action) error {
	var fe *FatalError
	if errors.As(cause, &fe) {
		return fe
	}
	if s.failure.CompareAndSwap(nil, &cause) {
		s.setState(StateError)
		fields := []logging.Field{
			logging.String("op", op),
			logging.Error(cause),
			logging.Actions(len(actions)),
			logging.String("stack", string(debug.Stack())),
		}
		if len(actions) > 0 {
			shown := actions[:min(len(actions), maxLoggedActions)]
			desc := make([]string, len(shown))
			for i, a := range shown {
				desc[i] = a.String()
			}
			fields = append(fields, logging.Any("actions", desc))
		}
		s.logger.Error("store failed; restart required", fields...)
	}
	return &FatalError{Op: op, Cause: cause}
}

func countKinds(actions []action.Action) (nodes, relations int) {
	for _, a := range actions {
		if a.IsNode() {
			nodes++
		} else {
			relations++
		}
	}
	return nodes, relations
}

// txnRun is one transaction in flight. It is the View handed to the action
// factory, so conversion sees every action applied before it.
type txnRun struct {
	s          *Store
	ts         int64
	exemptions []string
	executed   []action.Action
	reserved   []uint64
	mine       map[uint64]struct{}
	tasks      []NamedTask
}

func (r *txnRun) Timestamp() int64        { return r.ts }
func (r *txnRun) Schema() *schema.Schema { return r.s.schema }

func (r *txnRun) ReserveID() uint64 {
	id := r.s.ids.Reserve()
	r.reserved = append(r.reserved, id)
	r.mine[id] = struct{}{}
	return id
}

func (r *txnRun) GetNode(id uint64) (*index.Node, error) { return r.s.nodes.Get(id) }
func (r *txnRun) ContainsNode(id uint64) bool            { return r.s.nodes.Contains(id) }

func (r *txnRun) HasRelation(rel uint32, source, target uint64) bool {
	return r.s.relations.Has(rel, source, target)
}

func (r *txnRun) GetRelated(rel uint32, source uint64) []uint64 {
	return r.s.relations.GetRelated(rel, source)
}

func (r *txnRun) RelationsOf(id uint64) []index.Relation {
	return r.s.relations.RelationsOf(id)
}

func (r *txnRun) Lookup(typ, prop string, v index.Value) ([]uint64, error) {
	return r.s.values.Lookup(typ, prop, v)
}

func (r *txnRun) applyAll(actions []action.Action) error {
	for _, a := range actions {
		if err := r.apply(a); err != nil {
			return err
		}
	}
	return nil
}

// apply validates and applies one primitive action. Executed actions are
// recorded only after they fully succeed, so rollback never undoes a
// half-applied action.
func (r *txnRun) apply(a action.Action) error {
	s := r.s
	s.gate.AssertWriteHeld()
	if s.locks.AnyLocks() {
		for _, id := range a.Nodes() {
			if s.locks.IsLocked(id, r.exemptions) {
				return fmt.Errorf("%w: %d", ErrNodeLocked, id)
			}
		}
	}
	switch a.Kind {
	case action.KindNode:
		return r.applyNode(a)
	case action.KindRelation:
		return r.applyRelation(a)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidAction, a)
	}
}

func (r *txnRun) applyNode(a action.Action) error {
	s := r.s
	switch a.Op {
	case action.OpAdd:
		n, err := index.DecodeNode(a.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		if a.NodeID == 0 || n.ID != a.NodeID {
			return fmt.Errorf("%w: payload for node %d names node %d", ErrInvalidAction, a.NodeID, n.ID)
		}
		if !s.schema.Open() {
			if _, ok := s.schema.Type(n.Type); !ok {
				return fmt.Errorf("%w: %q", schema.ErrUnknownType, n.Type)
			}
		}
		if s.nodes.Contains(n.ID) {
			return fmt.Errorf("%w: %d", ErrNodeExists, n.ID)
		}
		if prop, violated := s.values.WillUniqueConstraintsBeViolated(n); violated {
			return NewError("add").Node(n.ID).Field(prop).Cause(ErrConstraintViolation).Err()
		}
		a.Segment = action.Segment{}
		if err := s.nodes.Add(n, a.Payload, a.Segment); err != nil {
			return err
		}
		s.values.Add(n)
		if _, ok := r.mine[n.ID]; !ok {
			s.ids.Observe(n.ID)
		}

	case action.OpRemove:
		payload, seg, err := s.nodes.Payload(a.NodeID)
		if err != nil {
			return err
		}
		n, err := index.DecodeNode(payload)
		if err != nil {
			return err
		}
		s.values.Remove(n)
		if _, err := s.nodes.Remove(a.NodeID); err != nil {
			return err
		}
		// The opposite re-adds the node exactly where it was.
		a.Payload = payload
		a.Segment = seg

	default:
		return fmt.Errorf("%w: %v", ErrInvalidAction, a)
	}
	r.executed = append(r.executed, a)
	return nil
}

func (r *txnRun) applyRelation(a action.Action) error {
	s := r.s
	for _, p := range s.relations.Resolve(a) {
		if p.Op == action.OpAdd {
			for _, id := range [2]uint64{p.Source, p.Target} {
				if !s.nodes.Contains(id) {
					return NewError("relate").Relation(p.Relation, p.Source, p.Target).
						Cause(fmt.Errorf("%w: %d", ErrNodeNotFound, id)).Err()
				}
			}
		}
		if err := s.relations.RegisterAction(p); err != nil {
			return err
		}
		r.executed = append(r.executed, p)
	}
	return nil
}

// rollback applies the opposite of every executed action in reverse order
// without validation, then releases the reserved ids.
func (r *txnRun) rollback() error {
	for i := len(r.executed) - 1; i >= 0; i-- {
		opp, err := r.executed[i].Opposite()
		if err != nil {
			return err
		}
		if err := r.s.applyUnchecked(opp); err != nil {
			return fmt.Errorf("undo %v: %w", r.executed[i], err)
		}
	}
	r.executed = nil
	r.s.ids.Cancel(r.reserved)
	return nil
}

// applyUnchecked applies a resolved action with no validation. Rollback uses
// it; the action's payload and segment are trusted.
func (s *Store) applyUnchecked(a action.Action) error {
	s.gate.AssertWriteHeld()
	switch {
	case a.IsNode() && a.Op == action.OpAdd:
		n, err := index.DecodeNode(a.Payload)
		if err != nil {
			return err
		}
		if err := s.nodes.Add(n, a.Payload, a.Segment); err != nil {
			return err
		}
		s.values.Add(n)
	case a.IsNode():
		n, err := index.DecodeNode(a.Payload)
		if err != nil {
			return err
		}
		s.values.Remove(n)
		if _, err := s.nodes.Remove(a.NodeID); err != nil {
			return err
		}
	default:
		s.relations.RegisterActionRelaxed(a)
	}
	return nil
}
