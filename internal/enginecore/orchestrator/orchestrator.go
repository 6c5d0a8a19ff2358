// Package orchestrator enforces the "at most one instance per key"
// rule the job model requires: one ingest run per (pharmacy, filename)
// and one evaluator run per pharmacy, while letting unrelated keys run
// concurrently. It holds no queue; a caller that loses the race is
// told to skip or retry.
package orchestrator

import (
	"fmt"
	"sync"
)

// Locker hands out one advisory lock per key. Unlike a plain mutex
// map, TryAcquire never blocks — a caller that can't get the lock
// immediately is running concurrently with another instance for the
// same key and should back off rather than queue behind it.
type Locker struct {
	locks sync.Map // string -> *sync.Mutex
}

// New constructs an empty Locker.
func New() *Locker {
	return &Locker{}
}

// TryAcquire attempts to lock key, returning a release function and
// true on success, or a no-op release and false if another caller
// currently holds it.
func (l *Locker) TryAcquire(key string) (release func(), ok bool) {
	muIface, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	if !mu.TryLock() {
		return func() {}, false
	}
	return mu.Unlock, true
}

// IngestKey identifies an ingest run's serialization scope: one
// instance per (pharmacy, filename) at a time.
func IngestKey(pharmacyID int64, fileName string) string {
	return fmt.Sprintf("ingest|%d|%s", pharmacyID, fileName)
}

// EvaluatorKey identifies an evaluator run's serialization scope: one
// instance per pharmacy at a time.
func EvaluatorKey(pharmacyID int64) string {
	return fmt.Sprintf("evaluator|%d", pharmacyID)
}

// ErrBusy is returned by the With* helpers when the lock for a key is
// already held.
var ErrBusy = fmt.Errorf("orchestrator: another instance is already running for this key")

// WithIngestLock runs fn while holding the ingest lock for
// (pharmacyID, fileName), returning ErrBusy without calling fn if
// another ingest run for the same key is in flight.
func (l *Locker) WithIngestLock(pharmacyID int64, fileName string, fn func() error) error {
	release, ok := l.TryAcquire(IngestKey(pharmacyID, fileName))
	if !ok {
		return ErrBusy
	}
	defer release()
	return fn()
}

// WithEvaluatorLock runs fn while holding the evaluator lock for
// pharmacyID, returning ErrBusy without calling fn if another
// evaluator run for the same pharmacy is in flight.
func (l *Locker) WithEvaluatorLock(pharmacyID int64, fn func() error) error {
	release, ok := l.TryAcquire(EvaluatorKey(pharmacyID))
	if !ok {
		return ErrBusy
	}
	defer release()
	return fn()
}
