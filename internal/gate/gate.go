// Package gate bounds the number of concurrently running fetch and verify tasks.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultLimit is the number of tasks admitted at once when no limit is configured
const DefaultLimit = 8

// ErrAdmission is returned when a permit cannot be acquired from the gate.
var ErrAdmission = errors.New("concurrency admission failed")

// Gate is a counting admission gate
type Gate struct {
	sem   *semaphore.Weighted
	limit int

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a gate admitting at most limit tasks; limit < 1 uses DefaultLimit
func New(limit int) *Gate {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Gate{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
}

// Limit returns the maximum number of permits
func (g *Gate) Limit() int {
	return g.limit
}

// Acquire blocks until a permit is available or ctx is done
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrAdmission, err)
	}

	n := g.inFlight.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

// Release returns a permit acquired with Acquire
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// InFlight returns the number of permits currently held
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Peak returns the highest number of permits held at the same time
func (g *Gate) Peak() int {
	return int(g.peak.Load())
}

// ForEach runs fn for every item, admitting items in order through the gate.
// Each task's result is stored at the item's index. A task never cancels its
// siblings; the returned error is only set when admission itself failed, in which
// case the items that were never admitted keep their zero result. ForEach always
// waits for every admitted task before returning.
func ForEach[T, R any](ctx context.Context, g *Gate, items []T, fn func(context.Context, T) R) ([]R, error) {
	results := make([]R, len(items))

	var group errgroup.Group
	var admitErr error
	for i, item := range items {
		if err := g.Acquire(ctx); err != nil {
			admitErr = err
			break
		}

		group.Go(func() error {
			defer g.Release()
			results[i] = fn(ctx, item)
			return nil
		})
	}

	_ = group.Wait()
	return results, admitErr
}
