// Package policy implements the destination-side range-selection
// algorithm: given a hash the peer reported for some key range, decide
// whether the destination already agrees, needs the actual rows, or
// should retry with a smaller range (spec.md §4.2).
//
// The package is deliberately database-agnostic: callers supply small
// callbacks (RangeHasher, KeyAtOffset) backed by a dbsync.DBClient, which
// keeps Policy trivially testable against fakes.
package policy

import (
	"github.com/bobg/dbsync"
)

// MinSubdivisionRows is the smallest range the policy will still try to
// halve; at or below it, a mismatch goes straight to a rows request
// instead of one more round of hashing (spec.md §4.2: "minimum
// subdivision threshold of one row").
const MinSubdivisionRows = 1

// RangeHasher computes the destination's own hash over (prev, last] plus
// the approximate serialized byte size of the rows hashed (used to keep
// the Estimator's bytes-per-row average current).
type RangeHasher func(prev, last dbsync.Key) (digest dbsync.Digest, byteSize int64, err error)

// KeyAtOffset returns the key of the row offset positions (0-based)
// strictly after prev, scanning up to but not past limit (an empty limit
// means no upper bound, i.e. scan to end of table). It returns an empty
// Key if the range has fewer than offset+1 rows, meaning the scan ran
// off the end of limit (or of the table).
type KeyAtOffset func(prev, limit dbsync.Key, offset int64) (dbsync.Key, error)

// Outcome classifies what the destination should request next.
type Outcome int

const (
	// Advance means the peer's hash matched; the destination should move
	// its cursor to Last and request a hash for a new, larger range.
	Advance Outcome = iota
	// Subdivide means the hashes disagreed but the range is still large
	// enough to be worth halving; request a hash over the smaller range.
	Subdivide
	// SendRows means the hashes disagreed over a minimal range; request
	// the actual rows instead of hashing again.
	SendRows
)

func (o Outcome) String() string {
	switch o {
	case Advance:
		return "advance"
	case Subdivide:
		return "subdivide"
	case SendRows:
		return "send-rows"
	default:
		return "unknown"
	}
}

// Decision describes the next command the destination should issue.
type Decision struct {
	Outcome Outcome

	// Prev and Last bound the range of the next command.
	Prev, Last dbsync.Key

	// FailedLast, when non-empty, is the upper bound of the range that
	// originally mismatched; it rides along on HASH and ROWS requests that
	// are retries within that range so the responder can echo it back on
	// HASH_FAIL / ROWS_AND_HASH_FAIL replies without tracking any state of
	// its own (spec.md §4.2: "the last_key stays the responder's
	// outstanding failed upper bound").
	FailedLast dbsync.Key

	// RowLimit bounds how many rows the next HASH (or, on SendRows, ROWS)
	// request may scan before the responder must answer with what it has.
	RowLimit int64
}

// Policy holds the per-run shared state (currently just the byte-size
// estimator) that CheckHashAndChooseNext consults.
type Policy struct {
	Estimator *Estimator
}

// New returns a Policy backed by estimator.
func New(estimator *Estimator) *Policy {
	return &Policy{Estimator: estimator}
}

// CheckHashAndChooseNext implements spec.md §4.2: compare the
// destination's own hash of (prevKey, lastKey] against theirHash (the
// hash the peer reported for the same range) and decide what to do next.
//
// failedLastKey is the FailedLast carried by the request that produced
// theirHash; pass an empty Key when this is a fresh range, not a retry.
func (p *Policy) CheckHashAndChooseNext(
	table *dbsync.Table,
	prevKey, lastKey dbsync.Key,
	failedLastKey dbsync.Key,
	theirHash dbsync.Digest,
	targetBlockSize int64,
	hashRange RangeHasher,
	keyAtOffset KeyAtOffset,
) (Decision, error) {
	ourHash, byteSize, err := hashRange(prevKey, lastKey)
	if err != nil {
		return Decision{}, err
	}

	if ourHash.Equal(theirHash) {
		p.Estimator.Observe(table.Name, ourHash.RowCount, byteSize)
		return p.chooseNextRange(table, lastKey, targetBlockSize, ourHash.RowCount, keyAtOffset)
	}

	if ourHash.RowCount <= MinSubdivisionRows {
		return Decision{
			Outcome:    SendRows,
			Prev:       prevKey,
			Last:       lastKey,
			FailedLast: outstandingFailure(failedLastKey, lastKey),
		}, nil
	}

	half := ourHash.RowCount / 2
	mid, err := keyAtOffset(prevKey, lastKey, half-1)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Outcome:    Subdivide,
		Prev:       prevKey,
		Last:       mid,
		FailedLast: outstandingFailure(failedLastKey, lastKey),
		RowLimit:   half,
	}, nil
}

// outstandingFailure keeps the original failing upper bound stable across
// repeated halvings instead of shrinking it to the latest midpoint.
func outstandingFailure(current, lastKey dbsync.Key) dbsync.Key {
	if !current.IsEmpty() {
		return current
	}
	return lastKey
}

// chooseNextRange picks the next block to probe once a range has been
// confirmed to match: double the row count that just succeeded (so a
// sync against a mostly-identical table converges in O(log n) rounds),
// clamped to whatever the byte-size estimator thinks will fit in
// targetBlockSize.
func (p *Policy) chooseNextRange(table *dbsync.Table, lastKey dbsync.Key, targetBlockSize, lastCount int64, keyAtOffset KeyAtOffset) (Decision, error) {
	if lastKey.IsEmpty() {
		// lastKey is the end-of-table sentinel, not "no lower bound": the
		// range that just matched already ran to the end of the table, so
		// there is nothing left to probe. Asking keyAtOffset for a key past
		// this "end" would have it scan from the start of the table again
		// (an empty Key means both bounds), which never converges.
		return Decision{Outcome: Advance, Prev: lastKey, Last: dbsync.Key{}}, nil
	}

	next := lastCount * 2
	if next <= 0 {
		next = 1
	}
	if est := p.Estimator.RowsForBudget(table.Name, targetBlockSize); est > 0 && est < next {
		next = est
	}

	nextLast, err := keyAtOffset(lastKey, dbsync.Key{}, next-1)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Outcome:  Advance,
		Prev:     lastKey,
		Last:     nextLast,
		RowLimit: next,
	}, nil
}
