package gate

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGateState(t *testing.T) {
	g := New()
	if s := g.State(); s.Kind != Idle {
		t.Fatalf("Expected idle, got %s", s)
	}

	g.RLock()
	g.RLock()
	if s := g.State(); s.Kind != ReadHeld || s.Readers != 2 {
		t.Errorf("Expected read-held(2), got %s", s)
	}
	g.RUnlock()
	g.RUnlock()

	err := g.Write(func() error {
		if s := g.State(); s.Kind != WriteHeld {
			t.Errorf("Expected write-held, got %s", s)
		}
		g.AssertWriteHeld()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if s := g.State(); s.Kind != Idle {
		t.Errorf("Expected idle after Write, got %s", s)
	}
}

func TestAssertWriteHeldPanics(t *testing.T) {
	g := New()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrGateNotHeld) {
			t.Errorf("Expected ErrGateNotHeld panic, got %v", r)
		}
	}()
	g.Read(func() error {
		g.AssertWriteHeld()
		return nil
	})
}

func TestTryLock(t *testing.T) {
	g := New()
	g.RLock()

	start := time.Now()
	if err := g.TryLock(30 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout while read-held, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("TryLock returned before its timeout")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.RUnlock()
	}()
	if err := g.TryLock(time.Second); err != nil {
		t.Fatalf("TryLock failed after reader left: %v", err)
	}
	g.Unlock()
}

func TestGateExcludesWriters(t *testing.T) {
	g := New()
	var waits int
	var mu sync.Mutex
	g.OnWait = func(write bool, _ time.Duration) {
		if write {
			mu.Lock()
			waits++
			mu.Unlock()
		}
	}

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Write(func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	if counter != 50 || waits != 50 {
		t.Errorf("Expected 50 increments and 50 observations, got %d and %d", counter, waits)
	}
}
