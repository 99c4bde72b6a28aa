package sync

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRWSpinlockExclusion(t *testing.T) {
	var l RWSpinlock

	l.RLock()
	l.RLock()
	if l.TryLock() {
		t.Fatal("expected TryLock to fail while the shared side is held")
	}
	l.RUnlock()
	if l.TryLock() {
		t.Fatal("expected TryLock to fail while one shared holder remains")
	}
	l.RUnlock()

	if !l.TryLock() {
		t.Fatal("expected TryLock to succeed on a free lock")
	}
	if l.TryRLock() {
		t.Fatal("expected TryRLock to fail while the lock is held exclusively")
	}
	if l.TryLock() {
		t.Fatal("expected TryLock to fail while the lock is held exclusively")
	}
	l.Unlock()

	if !l.TryRLock() {
		t.Fatal("expected TryRLock to succeed after Unlock")
	}
	l.RUnlock()
}

func TestRWSpinlockConcurrent(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		l          RWSpinlock
		wg         sync.WaitGroup
		readers    int32
		writers    int32
		violations int32
		counter    int
		numWorkers = 8
		numIters   = 500
	)

	wg.Add(2 * numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < numIters; j++ {
				l.Lock()
				if atomic.AddInt32(&writers, 1) != 1 || atomic.LoadInt32(&readers) != 0 {
					atomic.AddInt32(&violations, 1)
				}
				counter++
				atomic.AddInt32(&writers, -1)
				l.Unlock()
			}
		}()

		go func() {
			defer wg.Done()
			for j := 0; j < numIters; j++ {
				l.RLock()
				atomic.AddInt32(&readers, 1)
				if atomic.LoadInt32(&writers) != 0 {
					atomic.AddInt32(&violations, 1)
				}
				atomic.AddInt32(&readers, -1)
				l.RUnlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for workers")
	}

	if violations != 0 {
		t.Fatalf("observed %d mutual exclusion violations", violations)
	}

	if exp := numWorkers * numIters; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}
}
