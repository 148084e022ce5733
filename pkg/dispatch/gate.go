package dispatch

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the number of generations allowed in flight.
const DefaultMaxConcurrent = 4

// Gate bounds in-flight generations. It never queues: a full gate rejects
// immediately.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
}

// NewGate creates a gate with the given capacity.
func NewGate(capacity int64) *Gate {
	if capacity <= 0 {
		capacity = DefaultMaxConcurrent
	}
	return &Gate{sem: semaphore.NewWeighted(capacity), capacity: capacity}
}

// TryAcquire takes a slot and returns its release func, or
// ErrTooManyGenerations. Release is idempotent.
func (g *Gate) TryAcquire() (func(), error) {
	if !g.sem.TryAcquire(1) {
		return nil, ErrTooManyGenerations
	}
	g.inFlight.Add(1)
	inFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			inFlight.Dec()
			g.sem.Release(1)
		})
	}, nil
}

// InFlight returns the number of held slots.
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

// Capacity returns the maximum number of slots.
func (g *Gate) Capacity() int64 {
	return g.capacity
}
