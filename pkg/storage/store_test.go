package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/config"
	"github.com/dd0wney/graphstore/pkg/index"
	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/schema"
	"github.com/dd0wney/graphstore/pkg/wal"
)

const (
	relWorksAt uint32 = 1
	relKnows   uint32 = 2
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Types: []schema.NodeType{
			{Name: "person", Unique: []string{"email"}, Indexed: []string{"name"}},
			{Name: "company"},
			{Name: "item"},
		},
		Relations: []schema.RelationType{
			{ID: relWorksAt, Name: "works_at"},
			{ID: relKnows, Name: "knows"},
		},
	}
}

// testConfig returns a config with background work switched off, so tests
// decide when the log is flushed and the snapshot saved.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.FlushInterval = 0
	cfg.AutoSaveThreshold = 0
	cfg.AutoCompactThreshold = 0
	cfg.Workers = 2
	return cfg
}

func openStore(t *testing.T, cfg config.Config, opts ...Option) *Store {
	t.Helper()
	base := []Option{WithLogger(logging.NewNopLogger()), WithSchema(testSchema())}
	s, err := Open(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// crash drops the store without flushing or saving anything, the way a
// killed process would.
func crash(s *Store) {
	s.closeOnce.Do(func() {
		if s.cron != nil {
			s.cron.Stop()
		}
		s.pool.Close()
		if l := s.log.Load(); l != nil {
			l.Abandon()
		}
		s.setState(StateClosed)
	})
}

func person(name, email string) map[string]index.Value {
	return map[string]index.Value{
		"name":  index.StringValue(name),
		"email": index.StringValue(email),
	}
}

func mustExecute(t *testing.T, s *Store, actions ...LogicalAction) Result {
	t.Helper()
	res, err := s.Execute(context.Background(), Transaction{Actions: actions})
	require.NoError(t, err)
	return res
}

func insertPerson(t *testing.T, s *Store, name, email string) uint64 {
	t.Helper()
	return mustExecute(t, s, InsertNode("person", person(name, email))).NodeIDs[0]
}

func fileHash(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return sha256.Sum256(data)
}

func TestOpenCreatesFirstLog(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)

	assert.Equal(t, StateOpen, s.State())
	st := s.GetStatus()
	assert.Equal(t, 1, st.WAL.Sequence)
	assert.Equal(t, filepath.Join(cfg.DataDir, "graph-000001.wal"), st.WAL.Path)
	assert.Zero(t, st.NodeCount)
}

func TestRestartRecoversFlushedTransaction(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)

	res := mustExecute(t, s, InsertNode("item", map[string]index.Value{"A": index.IntValue(1)}))
	id := res.NodeIDs[0]
	require.NoError(t, s.FlushToDisk())
	crash(s)

	s2 := openStore(t, cfg)
	n, err := s2.GetNode(id)
	require.NoError(t, err)
	assert.Equal(t, "item", n.Type)
	assert.True(t, n.Properties["A"].Equal(index.IntValue(1)))
}

func TestUnflushedTransactionIsLostOnCrash(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)

	kept := insertPerson(t, s, "kept", "kept@example.com")
	require.NoError(t, s.FlushToDisk())
	lost := insertPerson(t, s, "lost", "lost@example.com")
	crash(s)

	s2 := openStore(t, cfg)
	_, err := s2.GetNode(kept)
	require.NoError(t, err)
	_, err = s2.GetNode(lost)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestUniqueViolationRollsBackWholeTransaction(t *testing.T) {
	s := openStore(t, testConfig(t))
	insertPerson(t, s, "ann", "ann@example.com")
	before := s.Counters()

	_, err := s.Execute(context.Background(), Transaction{Actions: []LogicalAction{
		InsertNode("person", person("bob", "bob@example.com")),
		InsertNode("person", person("cid", "cid@example.com")),
		InsertNode("person", person("dup", "ann@example.com")),
	}})
	require.Error(t, err)
	assert.True(t, IsIntegrityError(err))
	assert.True(t, errors.Is(err, ErrConstraintViolation))

	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 2, ie.Action)

	assert.Equal(t, StateOpen, s.State())
	after := s.Counters()
	assert.Equal(t, before.Nodes, after.Nodes)
	assert.Equal(t, before.Transactions, after.Transactions)
	assert.Equal(t, before.RolledBack+1, after.RolledBack)

	ids, err := s.FindByValue("person", "email", index.StringValue("bob@example.com"))
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Ids reserved by the failed transaction are handed out again.
	next := insertPerson(t, s, "eve", "eve@example.com")
	assert.Equal(t, uint64(2), next)
}

func TestLockBlocksUntilExempted(t *testing.T) {
	s := openStore(t, testConfig(t))
	id := insertPerson(t, s, "ann", "ann@example.com")
	ctx := context.Background()

	lockID, err := s.RequestLock(ctx, id, 500*time.Millisecond, 0)
	require.NoError(t, err)

	update := UpdateNode(id, map[string]index.Value{"name": index.StringValue("anna")})
	_, err = s.Execute(ctx, Transaction{Actions: []LogicalAction{update}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNodeLocked))
	assert.True(t, IsIntegrityError(err))

	res, err := s.Execute(ctx, Transaction{Actions: []LogicalAction{update}, LockExemptions: []string{lockID}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcomes[0])

	n, err := s.GetNode(id)
	require.NoError(t, err)
	assert.True(t, n.Properties["name"].Equal(index.StringValue("anna")))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestExpiredExemptionIsRejected(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := openStore(t, testConfig(t), WithClock(clock.Now))
	id := insertPerson(t, s, "ann", "ann@example.com")
	ctx := context.Background()

	lockID, err := s.RequestLock(ctx, id, 500*time.Millisecond, 0)
	require.NoError(t, err)
	clock.Advance(time.Second)

	_, err = s.Execute(ctx, Transaction{
		Actions:        []LogicalAction{DeleteNode(id)},
		LockExemptions: []string{lockID},
	})
	assert.True(t, errors.Is(err, ErrLockExpired), "got %v", err)
	assert.True(t, IsIntegrityError(err))

	// The expired lock no longer blocks anyone.
	mustExecute(t, s, DeleteNode(id))
}

func TestSecondSaveWithoutChangesIsSkipped(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	insertPerson(t, s, "ann", "ann@example.com")

	saved, err := s.SaveIndexStates(false)
	require.NoError(t, err)
	require.True(t, saved)
	first := fileHash(t, cfg.SnapshotPath())

	saved, err = s.SaveIndexStates(false)
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Equal(t, first, fileHash(t, cfg.SnapshotPath()))

	saved, err = s.SaveIndexStates(true)
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestReadsOnClosedStore(t *testing.T) {
	s := openStore(t, testConfig(t))
	id := insertPerson(t, s, "ann", "ann@example.com")
	require.NoError(t, s.Close())

	_, err := s.GetNode(id)
	assert.True(t, IsClosed(err), "got %v", err)
	_, err = s.Execute(context.Background(), Transaction{Actions: []LogicalAction{DeleteNode(id)}})
	assert.True(t, IsClosed(err), "got %v", err)
	assert.Equal(t, StateClosed, s.State())
}

func TestCloseSavesSnapshot(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	insertPerson(t, s, "ann", "ann@example.com")
	require.NoError(t, s.Close())

	_, err := os.Stat(cfg.SnapshotPath())
	require.NoError(t, err)

	s2 := openStore(t, cfg)
	assert.Equal(t, 1, s2.Counters().Nodes)
	assert.False(t, s2.Counters().Dirty)
}

func TestGetStatusDoesNotWaitForGate(t *testing.T) {
	s := openStore(t, testConfig(t))
	insertPerson(t, s, "ann", "ann@example.com")

	s.gate.Lock()
	done := make(chan Status, 1)
	go func() { done <- s.GetStatus() }()

	select {
	case st := <-done:
		assert.Equal(t, "open", st.State)
		assert.Equal(t, 1, st.NodeCount)
		assert.Equal(t, "write-held", st.Gate)
	case <-time.After(2 * time.Second):
		t.Fatal("GetStatus blocked on the gate")
	}
	s.gate.Unlock()
}

func TestCommitListenerSeesPrimitiveActions(t *testing.T) {
	s := openStore(t, testConfig(t))

	var mu sync.Mutex
	var seen []int
	remove := s.AddCommitListener(func(txn action.Transaction) {
		mu.Lock()
		seen = append(seen, len(txn.Actions))
		mu.Unlock()
	})

	a := insertPerson(t, s, "ann", "ann@example.com")
	b := insertPerson(t, s, "bob", "bob@example.com")
	mustExecute(t, s, Relate(relKnows, a, b), Relate(relKnows, b, a))
	remove()
	insertPerson(t, s, "cid", "cid@example.com")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 1, 2}, seen)
}

type failingFlusher struct{ err error }

func (f failingFlusher) FlushToDisk() (wal.FlushResult, error) { return wal.FlushResult{}, f.err }

func TestFailedFlushIsFatal(t *testing.T) {
	s := openStore(t, testConfig(t))
	cause := fmt.Errorf("%w: disk full", wal.ErrIO)

	err := s.flushLog(failingFlusher{err: cause})
	assert.True(t, IsFatal(err), "got %v", err)
	assert.ErrorIs(t, err, wal.ErrIO)
	assert.Equal(t, StateError, s.State())

	_, err = s.Execute(context.Background(), Transaction{Actions: []LogicalAction{
		InsertNode("person", person("ann", "ann@example.com")),
	}})
	assert.True(t, IsFatal(err), "got %v", err)
}
