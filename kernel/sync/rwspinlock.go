package sync

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// rwWriterBit marks the lock as held exclusively. The remaining bits count
// the active shared holders.
const rwWriterBit = uint32(1) << 31

// RWSpinlock is a reader/writer spinlock. Any number of tasks may hold the
// shared side at once while the exclusive side is held by at most one task
// and never concurrently with a shared holder. Waiting writers do not block
// new readers; callers are expected to keep exclusive sections rare and
// short.
type RWSpinlock struct {
	_     cpu.CacheLinePad
	state uint32
	_     cpu.CacheLinePad
}

// Lock acquires the lock exclusively.
func (l *RWSpinlock) Lock() {
	for attempts := uint32(0); !l.TryLock(); attempts++ {
		if attempts == spinAttemptsBeforeYield {
			yieldFn()
			attempts = 0
		}
	}
}

// TryLock attempts to acquire the lock exclusively and reports whether it
// succeeded.
func (l *RWSpinlock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, rwWriterBit)
}

// Unlock releases an exclusively held lock.
func (l *RWSpinlock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}

// RLock acquires the shared side of the lock.
func (l *RWSpinlock) RLock() {
	for attempts := uint32(0); !l.TryRLock(); attempts++ {
		if attempts == spinAttemptsBeforeYield {
			yieldFn()
			attempts = 0
		}
	}
}

// TryRLock attempts to acquire the shared side of the lock and reports
// whether it succeeded.
func (l *RWSpinlock) TryRLock() bool {
	cur := atomic.LoadUint32(&l.state)
	if cur&rwWriterBit != 0 {
		return false
	}
	return atomic.CompareAndSwapUint32(&l.state, cur, cur+1)
}

// RUnlock releases the shared side of the lock.
func (l *RWSpinlock) RUnlock() {
	atomic.AddUint32(&l.state, ^uint32(0))
}
