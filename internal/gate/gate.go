// Package gate provides the weighted admission gate that bounds how many
// builds and engine runs execute simultaneously. Callers block, polling at a
// short interval, until capacity is available; every exit path must pair an
// Acquire with a Release.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultPollInterval is how often a blocked caller re-checks capacity.
const DefaultPollInterval = 250 * time.Millisecond

// Gate admits work up to a fixed total weight.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	poll     time.Duration
}

// New builds a gate with the given capacity. capacity < 1 is treated as 1.
// poll <= 0 uses DefaultPollInterval.
func New(capacity int, poll time.Duration) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Gate{capacity: capacity, poll: poll}
}

// Capacity returns the configured total weight.
func (g *Gate) Capacity() int {
	return g.capacity
}

// InUse returns the currently admitted weight.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// TryAcquire admits the weight immediately or reports false.
func (g *Gate) TryAcquire(weight int) bool {
	if weight < 1 {
		weight = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if weight > g.capacity {
		return false
	}
	if g.inUse+weight > g.capacity {
		return false
	}
	g.inUse += weight
	return true
}

// Acquire blocks until the weight is admitted or the context is done.
// Weights above capacity fail fast; they could never be admitted.
func (g *Gate) Acquire(ctx context.Context, weight int) error {
	if weight < 1 {
		weight = 1
	}
	if weight > g.capacity {
		return fmt.Errorf("gate: weight %d exceeds capacity %d", weight, g.capacity)
	}
	for {
		if g.TryAcquire(weight) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.poll):
		}
	}
}

// Release returns admitted weight. Releasing more than is in use clamps to
// zero rather than corrupting the counter.
func (g *Gate) Release(weight int) {
	if weight < 1 {
		weight = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUse -= weight
	if g.inUse < 0 {
		g.inUse = 0
	}
}
