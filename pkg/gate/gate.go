// Package gate provides the store's single reader/writer gate. Queries hold
// it shared; transactions, maintenance and the compaction hot-swap hold it
// exclusively.
//
// Unlike a bare sync.RWMutex the gate tracks its state, so code that must
// run under the write lock can assert it, and tests can inspect it.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrGateNotHeld is the panic value of AssertWriteHeld.
var ErrGateNotHeld = errors.New("gate: write lock not held")

// ErrTimeout is returned by TryLock.
var ErrTimeout = errors.New("gate: timed out acquiring write lock")

// Kind is the gate's mode.
type Kind int

const (
	Idle Kind = iota
	ReadHeld
	WriteHeld
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case ReadHeld:
		return "read-held"
	case WriteHeld:
		return "write-held"
	default:
		return "unknown"
	}
}

// State is a point-in-time view of the gate. Readers is set for ReadHeld.
type State struct {
	Kind    Kind
	Readers int
}

func (s State) String() string {
	if s.Kind == ReadHeld {
		return fmt.Sprintf("read-held(%d)", s.Readers)
	}
	return s.Kind.String()
}

// Gate is a reader/writer lock with observable state. It is not reentrant:
// a goroutine holding the read lock must not request the write lock.
type Gate struct {
	mu      sync.RWMutex
	readers atomic.Int32
	writer  atomic.Bool

	// OnWait, when set, receives how long each acquisition waited.
	OnWait func(write bool, wait time.Duration)
}

// New returns an idle gate.
func New() *Gate {
	return &Gate{}
}

// RLock acquires the gate shared.
func (g *Gate) RLock() {
	start := time.Now()
	g.mu.RLock()
	g.readers.Add(1)
	g.observe(false, start)
}

// RUnlock releases a shared hold.
func (g *Gate) RUnlock() {
	g.readers.Add(-1)
	g.mu.RUnlock()
}

// Lock acquires the gate exclusively.
func (g *Gate) Lock() {
	start := time.Now()
	g.mu.Lock()
	g.writer.Store(true)
	g.observe(true, start)
}

// TryLock acquires the gate exclusively, giving up after timeout. Paths that
// must not hang behind a stuck reader use it.
func (g *Gate) TryLock(timeout time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)
	delay := time.Millisecond
	for {
		if g.mu.TryLock() {
			g.writer.Store(true)
			g.observe(true, start)
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		time.Sleep(min(delay, time.Until(deadline)))
		delay = min(delay*2, 50*time.Millisecond)
	}
}

// Unlock releases an exclusive hold.
func (g *Gate) Unlock() {
	g.writer.Store(false)
	g.mu.Unlock()
}

// Read runs fn holding the gate shared.
func (g *Gate) Read(fn func() error) error {
	g.RLock()
	defer g.RUnlock()
	return fn()
}

// Write runs fn holding the gate exclusively.
func (g *Gate) Write(fn func() error) error {
	g.Lock()
	defer g.Unlock()
	return fn()
}

// State reports the current mode.
func (g *Gate) State() State {
	if g.writer.Load() {
		return State{Kind: WriteHeld}
	}
	if n := g.readers.Load(); n > 0 {
		return State{Kind: ReadHeld, Readers: int(n)}
	}
	return State{Kind: Idle}
}

// AssertWriteHeld panics with ErrGateNotHeld unless the write lock is held.
// Index-mutating paths call it.
func (g *Gate) AssertWriteHeld() {
	if !g.writer.Load() {
		panic(ErrGateNotHeld)
	}
}

func (g *Gate) observe(write bool, start time.Time) {
	if g.OnWait != nil {
		g.OnWait(write, time.Since(start))
	}
}
