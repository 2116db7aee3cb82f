// Package locks implements long-duration advisory node locks.
//
// A lock is active while now - LastRefresh <= Duration. Node id 0 is the
// global lock: while it is active, every other lock request and every
// mutation is blocked unless the caller presents the global lock's id as an
// exemption. The table has its own mutex so lock queries never wait on the
// store's gate.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/graphstore/pkg/logging"
)

// GlobalNodeID is the node id of the global lock.
const GlobalNodeID uint64 = 0

// MaxDuration caps how long a lock stays valid without a refresh.
const MaxDuration = 60 * time.Second

const (
	initialBackoff = 10 * time.Millisecond
	slowBackoff    = 200 * time.Millisecond
	slowAfter      = 100 * time.Millisecond
)

var (
	ErrLockTimeout     = errors.New("timed out waiting for lock")
	ErrLockNotFound    = errors.New("lock not found or expired")
	ErrInvalidDuration = errors.New("invalid lock duration")
)

// Lock is one held lock.
type Lock struct {
	NodeID      uint64        `json:"node_id"`
	ID          string        `json:"id"`
	LastRefresh time.Time     `json:"last_refresh"`
	Duration    time.Duration `json:"duration"`
}

// Global reports whether this is the global lock.
func (l Lock) Global() bool { return l.NodeID == GlobalNodeID }

// ExpiresAt returns when the lock lapses without a refresh.
func (l Lock) ExpiresAt() time.Time { return l.LastRefresh.Add(l.Duration) }

func (l *Lock) active(now time.Time) bool {
	return now.Sub(l.LastRefresh) <= l.Duration
}

// Table holds every active lock.
type Table struct {
	mu     sync.Mutex
	byID   map[string]*Lock
	byNode map[uint64]map[string]*Lock

	// release is closed and replaced whenever a lock goes away, waking
	// every waiter.
	release chan struct{}

	now    func() time.Time
	logger logging.Logger
	onWait func(time.Duration, error)
}

// Option configures a Table.
type Option func(*Table)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// WithWaitObserver is called after every RequestLock that had to wait.
func WithWaitObserver(fn func(wait time.Duration, err error)) Option {
	return func(t *Table) { t.onWait = fn }
}

// NewTable creates an empty lock table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		byID:    make(map[string]*Lock),
		byNode:  make(map[uint64]map[string]*Lock),
		release: make(chan struct{}),
		now:     time.Now,
		logger:  logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(logging.Component("locks"))
	return t
}

// RequestLock takes a lock on nodeID valid for duration. If a conflicting
// lock is held it waits, polling with backoff and waking early on every
// release, until maxWait has passed. exemptions are lock ids the caller
// holds; locks with those ids do not conflict.
func (t *Table) RequestLock(ctx context.Context, nodeID uint64, duration, maxWait time.Duration, exemptions ...string) (string, error) {
	if duration <= 0 || duration > MaxDuration {
		return "", fmt.Errorf("%w: %s (max %s)", ErrInvalidDuration, duration, MaxDuration)
	}

	start := time.Now()
	waited := false
	for {
		t.mu.Lock()
		now := t.now()
		t.sweepLocked(now)
		if !t.conflictsLocked(nodeID, now, exemptions) {
			l := &Lock{NodeID: nodeID, ID: uuid.NewString(), LastRefresh: now, Duration: duration}
			t.addLocked(l)
			t.mu.Unlock()
			if waited && t.onWait != nil {
				t.onWait(time.Since(start), nil)
			}
			t.logger.Debug("lock acquired", logging.NodeID(nodeID), logging.LockID(l.ID))
			return l.ID, nil
		}
		release := t.release
		t.mu.Unlock()

		elapsed := time.Since(start)
		if elapsed >= maxWait {
			err := fmt.Errorf("%w: node %d after %s", ErrLockTimeout, nodeID, elapsed.Round(time.Millisecond))
			if t.onWait != nil {
				t.onWait(elapsed, err)
			}
			return "", err
		}
		waited = true

		delay := initialBackoff
		if elapsed > slowAfter {
			delay = slowBackoff
		}
		delay = min(delay, maxWait-elapsed)

		timer := time.NewTimer(delay)
		select {
		case <-release:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
		timer.Stop()
	}
}

// RefreshLock extends a lock's validity from now.
func (t *Table) RefreshLock(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.sweepLocked(now)

	l, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockNotFound, id)
	}
	l.LastRefresh = now
	return nil
}

// Unlock releases a lock. Unknown ids are ignored.
func (t *Table) Unlock(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())

	if l, ok := t.byID[id]; ok {
		t.removeLocked(l)
		t.wakeLocked()
	}
}

// IsLocked reports whether a mutation of nodeID is blocked by a lock on the
// node or by the global lock, ignoring locks whose ids are in exemptions.
func (t *Table) IsLocked(nodeID uint64, exemptions []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.sweepLocked(now)
	return t.blockedLocked(nodeID, now, exemptions)
}

// AnyLocks reports whether any lock is active. The executor skips per-action
// lock checks when none are.
func (t *Table) AnyLocks() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	return len(t.byID) > 0
}

// IsActive reports whether the lock id is currently valid.
func (t *Table) IsActive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.sweepLocked(now)
	_, ok := t.byID[id]
	return ok
}

// List returns every active lock, ordered by node id.
func (t *Table) List() []Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())

	out := make([]Lock, 0, len(t.byID))
	for _, l := range t.byID {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of active locks.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	return len(t.byID)
}

func exempt(id string, exemptions []string) bool {
	for _, e := range exemptions {
		if e == id {
			return true
		}
	}
	return false
}

// blockedLocked: a lock on the node itself or the global lock.
func (t *Table) blockedLocked(nodeID uint64, now time.Time, exemptions []string) bool {
	for _, n := range []uint64{nodeID, GlobalNodeID} {
		for id, l := range t.byNode[n] {
			if l.active(now) && !exempt(id, exemptions) {
				return true
			}
		}
		if nodeID == GlobalNodeID {
			break
		}
	}
	return false
}

// conflictsLocked: a global request conflicts with every lock; a node
// request with locks on that node and the global lock.
func (t *Table) conflictsLocked(nodeID uint64, now time.Time, exemptions []string) bool {
	if nodeID != GlobalNodeID {
		return t.blockedLocked(nodeID, now, exemptions)
	}
	for id, l := range t.byID {
		if l.active(now) && !exempt(id, exemptions) {
			return true
		}
	}
	return false
}

func (t *Table) addLocked(l *Lock) {
	t.byID[l.ID] = l
	m, ok := t.byNode[l.NodeID]
	if !ok {
		m = make(map[string]*Lock)
		t.byNode[l.NodeID] = m
	}
	m[l.ID] = l
}

func (t *Table) removeLocked(l *Lock) {
	delete(t.byID, l.ID)
	if m := t.byNode[l.NodeID]; m != nil {
		delete(m, l.ID)
		if len(m) == 0 {
			delete(t.byNode, l.NodeID)
		}
	}
}

func (t *Table) wakeLocked() {
	close(t.release)
	t.release = make(chan struct{})
}

// sweepLocked drops expired locks: all at once when every lock has
// expired, one by one otherwise.
func (t *Table) sweepLocked(now time.Time) {
	if len(t.byID) == 0 {
		return
	}
	var expired []*Lock
	for _, l := range t.byID {
		if !l.active(now) {
			expired = append(expired, l)
		}
	}
	if len(expired) == 0 {
		return
	}
	if len(expired) == len(t.byID) {
		t.byID = make(map[string]*Lock)
		t.byNode = make(map[uint64]map[string]*Lock)
	} else {
		for _, l := range expired {
			t.removeLocked(l)
		}
	}
	t.logger.Debug("expired locks swept", logging.Int("count", len(expired)))
	t.wakeLocked()
}
