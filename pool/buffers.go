// Package pool provides a byte buffer pool that trades off the cost of
// allocation versus retention. It is meant to avoid the pessimal behaviour
// (see [issue 23199]) seen when using a regular sync.Pool with buffers of
// dynamic sizes; buffers that are too large are kept alive by repeat usages
// that don't need such sizes.
//
// [issue 23199]: https://github.com/golang/go/issues/23199
package pool

import (
	"math"
	"sync"
	"sync/atomic"
)

// Buffers is like a sync.Pool for byte slices of varying sizes.
//
// It prevents the indefinite retention of (too) large buffers by keeping a
// history of the number of bytes actually used (utility) and comparing it to
// the buffer capacity (cost) before accepting a buffer back.
//
// The zero value is ready to use.
type Buffers struct {
	// The utility below which the cost of allocating a buffer is more
	// expensive than just keeping it. Set this to the expected buffer size
	// (or perhaps a bit larger to reduce allocations more).
	MinUtility int

	pool       sync.Pool
	avgUtility uint64 // Actually a float64, but that type does not have atomic ops.
}

// Get returns a buffer of length n. Its contents are undefined.
func (p *Buffers) Get(n int) []byte {
	if bp, ok := p.pool.Get().(*[]byte); ok && cap(*bp) >= n {
		return (*bp)[:n]
	}
	capacity := n
	if capacity < p.MinUtility {
		capacity = p.MinUtility // Allocating much smaller buffers could lead to quick re-allocations.
	}
	return make([]byte, n, capacity)
}

// Put returns b to the pool. used is the number of bytes of b that were
// actually needed and must not exceed cap(b). Put reports whether b was
// retained.
func (p *Buffers) Put(b []byte, used int) bool {
	// Update the average utility. Uses atomic load/store, which means that
	// values can get lost if Put is called concurrently. That's fine, we're
	// just looking for an approximate (weighted) moving average.
	avgUtility := math.Float64frombits(atomic.LoadUint64(&p.avgUtility))
	avgUtility = decay(avgUtility, float64(used), float64(p.MinUtility))
	atomic.StoreUint64(&p.avgUtility, math.Float64bits(avgUtility))

	if float64(cap(b)) > 10*avgUtility {
		return false // If the cost is 10x larger than the average utility, drop it.
	}
	b = b[:0]
	p.pool.Put(&b)
	return true
}

// decay returns `val` if `val > prev`, otherwise it returns an exponentially
// moving average of `prev` and `val` (with factor 0.5). This is meant to
// provide a slower downramp if `val` drops ever lower. The minimum value is
// `min`.
func decay(prev, val, min float64) float64 {
	if val < min {
		val = min
	}
	if prev == 0 || val > prev {
		return val
	}
	const factor = 0.5
	return (prev * factor) + (val * (1 - factor))
}
