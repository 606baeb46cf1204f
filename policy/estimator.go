package policy

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Estimator tracks, per table, a running average of bytes per row so the
// range-selection policy can size the next block of rows to roughly
// targetBlockSize bytes without re-deriving the average from scratch at
// every step (spec.md §4.2 step 2). It is shared by every worker
// processing that side's tables, so it must be safe for concurrent use;
// the underlying LRU cache provides its own locking.
type Estimator struct {
	cache *lru.Cache
}

type sample struct {
	bytesPerRow float64
}

// NewEstimator returns an Estimator that remembers byte-size samples for
// up to maxTables distinct tables, evicting the least-recently-used entry
// once full (an evicted table just falls back to RowsForBudget's
// no-sample result, so this is a soft limit rather than a hard one).
func NewEstimator(maxTables int) (*Estimator, error) {
	c, err := lru.New(maxTables)
	if err != nil {
		return nil, errors.Wrap(err, "creating estimator cache")
	}
	return &Estimator{cache: c}, nil
}

// Observe records that a scanned range of rowCount rows occupied
// byteSize serialized bytes, updating table's running bytes/row average.
func (e *Estimator) Observe(table string, rowCount int64, byteSize int64) {
	if rowCount <= 0 || byteSize <= 0 {
		return
	}
	next := float64(byteSize) / float64(rowCount)
	if v, ok := e.cache.Get(table); ok {
		prev := v.(sample).bytesPerRow
		// Exponential moving average: recent ranges matter more than the
		// first one, but a single outlier block (e.g. a table with a few
		// huge TEXT rows) shouldn't swing the estimate wildly.
		next = prev*0.5 + next*0.5
	}
	e.cache.Add(table, sample{bytesPerRow: next})
}

// RowsForBudget returns how many rows of table are estimated to fit in
// targetBlockSize bytes, or 0 if table has no recorded samples yet (the
// caller should fall back to a row-count-based default in that case).
func (e *Estimator) RowsForBudget(table string, targetBlockSize int64) int64 {
	v, ok := e.cache.Get(table)
	if !ok {
		return 0
	}
	bpr := v.(sample).bytesPerRow
	if bpr <= 0 {
		return 0
	}
	n := float64(targetBlockSize) / bpr
	if n < 1 {
		return 1
	}
	return int64(n)
}
