// Package sync provides synchronization primitive implementations for
// spinlocks and reader/writer spinlocks.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinAttemptsBeforeYield is the number of failed acquisition attempts after
// which a spinning task hands the CPU back via yieldFn.
const spinAttemptsBeforeYield = 64

var (
	// yieldFn is the CPU-yield hint used by busy-waiting lock acquisitions.
	// It is mocked by tests.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, spinAttemptsBeforeYield)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// acquireSpinlock spins on state until it can flip it from 0 to 1. After
// attemptsBeforeYielding consecutive failures the caller yields the CPU.
func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			yieldFn()
			attempts = 0
		}
	}
}
