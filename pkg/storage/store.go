// Package storage is the transactional engine: it owns the write-ahead log,
// the derived indexes, recovery, compaction and maintenance, all coordinated
// by a single gate.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/activity"
	"github.com/dd0wney/graphstore/pkg/config"
	"github.com/dd0wney/graphstore/pkg/gate"
	"github.com/dd0wney/graphstore/pkg/index"
	"github.com/dd0wney/graphstore/pkg/locks"
	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/metrics"
	"github.com/dd0wney/graphstore/pkg/parallel"
	"github.com/dd0wney/graphstore/pkg/schema"
	"github.com/dd0wney/graphstore/pkg/wal"
)

// State is the engine lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AICache is an external cache cleared by the ClearAICache maintenance step.
type AICache interface {
	Clear() error
}

// CommitListener observes every committed transaction, as it was logged,
// while the write lock is held. It must not call back into the store.
type CommitListener func(txn action.Transaction)

// Option configures Open.
type Option func(*options)

type options struct {
	logger  logging.Logger
	metrics *metrics.Registry
	factory ActionFactory
	schema  *schema.Schema
	aiCache AICache
	clock   func() time.Time
}

// WithLogger sets the store logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics registry. Without it a private registry is
// created so stores in one process do not share gauges.
func WithMetrics(r *metrics.Registry) Option {
	return func(o *options) { o.metrics = r }
}

// WithActionFactory replaces the default logical action conversion.
func WithActionFactory(f ActionFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithSchema uses s instead of loading Config.SchemaFile.
func WithSchema(s *schema.Schema) Option {
	return func(o *options) { o.schema = s }
}

// WithAICache registers the cache cleared by MaintenanceClearAICache.
func WithAICache(c AICache) Option {
	return func(o *options) { o.aiCache = c }
}

// WithClock sets the clock used by the lock table.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Store is an open graph store.
type Store struct {
	cfg      config.Config
	schema   *schema.Schema
	checksum schema.Checksum
	logger   logging.Logger
	metrics  *metrics.Registry
	factory  ActionFactory
	aiCache  AICache

	gate       *gate.Gate
	locks      *locks.Table
	activities *activity.Registry
	pool       *parallel.WorkerPool
	cron       *cron.Cron

	// Guarded by gate. log is atomic so status reads need no lock.
	log          atomic.Pointer[wal.WAL]
	seq          int
	nodes        *index.NodeIndex
	relations    *index.RelationIndex
	values       *index.ValueIndex
	ids          *index.IDRegistry
	exec         executorState
	listeners    map[int]CommitListener
	nextListener int

	state     atomic.Int32
	failure   atomic.Pointer[error]
	counters  atomic.Pointer[Counters]
	rewriting atomic.Bool
	closeOnce sync.Once

	// Set while an automatic save or compaction is queued on the pool.
	saveQueued    atomic.Bool
	compactQueued atomic.Bool
}

// Open opens or creates the store in cfg.DataDir and recovers its indexes.
func Open(cfg config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.DefaultLogger()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRegistry()
	}
	if o.factory == nil {
		o.factory = DefaultActionFactory{}
	}

	sch := o.schema
	if sch == nil && cfg.SchemaFile != "" {
		loaded, err := schema.Load(cfg.SchemaFile)
		if err != nil {
			return nil, err
		}
		sch = loaded
	}
	if sch == nil {
		sch = &schema.Schema{}
	}
	checksum, err := schema.ComputeChecksum(sch, cfg.Settings())
	if err != nil {
		return nil, err
	}

	logger := o.logger.With(logging.Component("storage"), logging.Path(cfg.DataDir))
	s := &Store{
		cfg:        cfg,
		schema:     sch,
		checksum:   checksum,
		logger:     logger,
		metrics:    o.metrics,
		factory:    o.factory,
		aiCache:    o.aiCache,
		gate:       gate.New(),
		activities: activity.NewRegistry(),
		listeners:  make(map[int]CommitListener),
	}
	s.gate.OnWait = s.metrics.RecordGateWait

	lockOpts := []locks.Option{
		locks.WithLogger(o.logger),
		locks.WithWaitObserver(s.metrics.RecordLockWait),
	}
	if o.clock != nil {
		lockOpts = append(lockOpts, locks.WithClock(o.clock))
	}
	s.locks = locks.NewTable(lockOpts...)

	s.nodes = index.NewNodeIndex(nil, cfg.CacheSize)
	s.relations = index.NewRelationIndex(sch)
	s.values = index.NewValueIndex(sch)
	s.ids = index.NewIDRegistry()

	s.setState(StateOpening)
	if err := s.open(); err != nil {
		if l := s.log.Load(); l != nil {
			l.Abandon()
		}
		s.setState(StateClosed)
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	timer := logging.StartTimer(s.logger, "open store")

	if err := wal.EnsureDir(s.cfg.DataDir); err != nil {
		return NewError("open").WAL().Context(s.cfg.DataDir).Cause(err).Err()
	}
	if err := s.cleanupRewriteMarker(); err != nil {
		return err
	}
	if err := s.openCurrentLog(); err != nil {
		return err
	}

	s.gate.Lock()
	replayed, rebuilt, err := s.recover()
	if err == nil {
		s.publish()
	}
	s.gate.Unlock()
	if err != nil {
		timer.EndError(err)
		return err
	}
	s.metrics.RecordRecovery(timer.Elapsed(), replayed, rebuilt)

	pool, err := parallel.NewWorkerPool(s.cfg.Workers, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool

	s.startFlusher(s.log.Load())
	if err := s.startScheduler(); err != nil {
		s.pool.Close()
		return err
	}

	s.setState(StateOpen)
	timer.End(logging.Int64("replayed_actions", replayed), logging.Bool("rebuilt", rebuilt))
	return nil
}

// openCurrentLog opens the highest numbered log file, creating the first one
// in an empty directory.
func (s *Store) openCurrentLog() error {
	files, err := wal.ListLogFiles(s.cfg.DataDir, s.cfg.FilePrefix)
	if err != nil {
		return NewError("open").WAL().Cause(err).Err()
	}

	var l *wal.WAL
	if len(files) == 0 {
		s.seq = 1
		l, err = wal.Create(s.logPath(s.seq), s.cfg.WALOptions(s.logger))
	} else {
		cur := files[len(files)-1]
		s.seq = cur.Seq
		l, err = wal.Open(cur.Path, s.cfg.WALOptions(s.logger))
	}
	if err != nil {
		return NewError("open").WAL().Context(s.logPath(s.seq)).Cause(err).Err()
	}
	s.log.Store(l)
	s.nodes.SetReader(l)
	return nil
}

func (s *Store) logPath(seq int) string {
	return filepath.Join(s.cfg.DataDir, wal.LogFileName(s.cfg.FilePrefix, seq))
}

func (s *Store) startFlusher(l *wal.WAL) {
	l.StartFlusher(func(res wal.FlushResult, d time.Duration, err error) {
		s.metrics.RecordFlush(res.Bytes, d, err)
		if err != nil {
			s.fail("background flush", err, nil)
		}
	})
}

// Close stops background work, flushes the log and saves index state when it
// changed. A store in the error state is closed without writing anything.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.pool != nil {
			s.pool.Close()
		}

		s.gate.Lock()
		defer s.gate.Unlock()

		l := s.log.Load()
		if s.State() != StateOpen {
			err = l.Abandon()
			s.setState(StateClosed)
			return
		}
		if _, saveErr := s.saveIndexStatesLocked(false); saveErr != nil {
			s.logger.Warn("saving index state on close failed", logging.Error(saveErr))
		}
		err = l.Close()
		s.setState(StateClosed)
		s.logger.Info("store closed")
	})
	return err
}

// State returns the lifecycle state without taking the gate.
func (s *Store) State() State {
	return State(s.state.Load())
}

func (s *Store) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.StoreState.Set(float64(st))
}

// Err returns the failure that put the store into the error state.
func (s *Store) Err() error {
	if p := s.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// usable returns nil when the store accepts operations.
func (s *Store) usable() error {
	switch s.State() {
	case StateOpen:
		return nil
	case StateError:
		return &FatalError{Op: "store", Cause: s.Err()}
	default:
		return ErrStoreClosed
	}
}

// Schema returns the schema the store was opened with.
func (s *Store) Schema() *schema.Schema {
	return s.schema
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() config.Config {
	return s.cfg
}

// Metrics returns the store's metrics registry.
func (s *Store) Metrics() *metrics.Registry {
	return s.metrics
}

// GetNode returns a node by id.
func (s *Store) GetNode(id uint64) (*index.Node, error) {
	var n *index.Node
	err := s.read(func() error {
		var err error
		n, err = s.nodes.Get(id)
		return err
	})
	return n, err
}

// NodeIDs returns the ids of every node of the given type, or of every node
// when typ is empty.
func (s *Store) NodeIDs(typ string) ([]uint64, error) {
	var ids []uint64
	err := s.read(func() error {
		if typ == "" {
			ids = s.nodes.IDs()
		} else {
			ids = s.nodes.IDsOfType(typ)
		}
		return nil
	})
	return ids, err
}

// GetRelated returns the targets of source's relations of type rel.
func (s *Store) GetRelated(rel uint32, source uint64) ([]uint64, error) {
	var ids []uint64
	err := s.read(func() error {
		ids = s.relations.GetRelated(rel, source)
		return nil
	})
	return ids, err
}

// GetReferrers returns the sources of relations of type rel into target.
func (s *Store) GetReferrers(rel uint32, target uint64) ([]uint64, error) {
	var ids []uint64
	err := s.read(func() error {
		ids = s.relations.GetReferrers(rel, target)
		return nil
	})
	return ids, err
}

// RelationsOf returns every relation the node takes part in.
func (s *Store) RelationsOf(id uint64) ([]index.Relation, error) {
	var rels []index.Relation
	err := s.read(func() error {
		rels = s.relations.RelationsOf(id)
		return nil
	})
	return rels, err
}

// FindByValue looks up nodes through a value index.
func (s *Store) FindByValue(typ, prop string, v index.Value) ([]uint64, error) {
	var ids []uint64
	err := s.read(func() error {
		var err error
		ids, err = s.values.Lookup(typ, prop, v)
		return err
	})
	return ids, err
}

func (s *Store) read(fn func() error) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.gate.Read(fn)
}

// RequestLock takes an advisory lock on a node; id 0 is the global lock.
func (s *Store) RequestLock(ctx context.Context, nodeID uint64, duration, maxWait time.Duration, exemptions ...string) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	return s.locks.RequestLock(ctx, nodeID, duration, maxWait, exemptions...)
}

// RefreshLock extends a lock's validity from now.
func (s *Store) RefreshLock(id string) error {
	return s.locks.RefreshLock(id)
}

// ReleaseLock releases a lock. Releasing an unknown lock is not an error.
func (s *Store) ReleaseLock(id string) {
	s.locks.Unlock(id)
}

// AddCommitListener registers fn for every later commit and returns a
// function that removes it.
func (s *Store) AddCommitListener(fn CommitListener) (remove func()) {
	s.gate.Lock()
	id := s.addListenerLocked(fn)
	s.gate.Unlock()

	return func() {
		s.gate.Lock()
		s.removeListenerLocked(id)
		s.gate.Unlock()
	}
}

func (s *Store) addListenerLocked(fn CommitListener) int {
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return id
}

func (s *Store) removeListenerLocked(id int) {
	delete(s.listeners, id)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
