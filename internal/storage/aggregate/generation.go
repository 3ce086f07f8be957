package aggregate

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/tally/internal/storage/types"
)

// generation is one flush interval's worth of buckets.
//
// Writers register in writers before merging and re-check that the
// generation is still live. Once a generation has been swapped out and its
// writer count reaches zero no further merge can reach it.
type generation struct {
	buckets sync.Map // types.BucketKey -> *types.BucketValue
	size    atomic.Int64
	writers atomic.Int64
}

func newGeneration() *generation {
	return &generation{}
}

func (g *generation) merge(key types.BucketKey, x float64) {
	v, ok := g.buckets.Load(key)
	if !ok {
		var loaded bool
		v, loaded = g.buckets.LoadOrStore(key, &types.BucketValue{})
		if !loaded {
			g.size.Add(1)
		}
	}
	v.(*types.BucketValue).Merge(x)
}

// quiesce waits for writers that registered before the swap.
// Writers hold their registration only for a map lookup and two atomic
// updates, so the wait is short.
func (g *generation) quiesce() {
	for g.writers.Load() != 0 {
		runtime.Gosched()
	}
}

// snapshot returns the non-empty buckets ordered by key.
// Only call after quiesce.
func (g *generation) snapshot() []types.Aggregate {
	rows := make([]types.Aggregate, 0, g.size.Load())
	g.buckets.Range(func(k, v any) bool {
		bv := v.(*types.BucketValue)
		if n := bv.Count(); n > 0 {
			rows = append(rows, types.Aggregate{
				Key:   k.(types.BucketKey),
				Sum:   bv.Sum(),
				Count: n,
			})
		}
		return true
	})
	slices.SortFunc(rows, func(a, b types.Aggregate) int {
		return a.Key.Compare(b.Key)
	})
	return rows
}
