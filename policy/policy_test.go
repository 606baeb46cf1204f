package policy

import (
	"testing"

	"github.com/bobg/dbsync"
)

// fakeTable is a tiny in-memory sorted key space used to back the
// RangeHasher/KeyAtOffset callbacks without a real database.
type fakeTable struct {
	keys []dbsync.Key // sorted ascending
}

func keyRangeRows(keys []dbsync.Key, prev, last dbsync.Key) []dbsync.Key {
	var out []dbsync.Key
	for _, k := range keys {
		if !prev.IsEmpty() && !prev.Less(k) {
			continue
		}
		if !last.IsEmpty() && last.Less(k) {
			break
		}
		out = append(out, k)
	}
	return out
}

func (f fakeTable) hashRange(prev, last dbsync.Key) (dbsync.Digest, int64, error) {
	rows := keyRangeRows(f.keys, prev, last)
	return dbsync.Digest{Bytes: []byte{byte(len(rows))}, RowCount: int64(len(rows))}, int64(len(rows) * 10), nil
}

func (f fakeTable) keyAtOffset(prev, limit dbsync.Key, offset int64) (dbsync.Key, error) {
	rows := keyRangeRows(f.keys, prev, limit)
	if offset < 0 || offset >= int64(len(rows)) {
		return dbsync.Key{}, nil
	}
	return rows[offset], nil
}

func intKeys(n int) []dbsync.Key {
	var out []dbsync.Key
	for i := 0; i < n; i++ {
		out = append(out, dbsync.Key{int64(i)})
	}
	return out
}

func newEstimator(t *testing.T) *Estimator {
	t.Helper()
	e, err := NewEstimator(16)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestCheckHashAndChooseNext_Advance(t *testing.T) {
	ft := fakeTable{keys: intKeys(100)}
	table := &dbsync.Table{Name: "t", UniqueKey: true}
	p := New(newEstimator(t))

	last := ft.keys[9] // first 10 rows, matches
	theirs, _, _ := ft.hashRange(dbsync.Key{}, last)

	dec, err := p.CheckHashAndChooseNext(table, dbsync.Key{}, last, dbsync.Key{}, theirs, 1<<20, ft.hashRange, ft.keyAtOffset)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Outcome != Advance {
		t.Fatalf("outcome = %s, want advance", dec.Outcome)
	}
	if !dec.Prev.Equal(last) {
		t.Errorf("next prev = %v, want %v", dec.Prev, last)
	}
	// Row count doubled: 10 -> 20 rows ahead of `last`.
	wantLast := ft.keys[9+20]
	if !dec.Last.Equal(wantLast) {
		t.Errorf("next last = %v, want %v", dec.Last, wantLast)
	}
}

func TestCheckHashAndChooseNext_Subdivide(t *testing.T) {
	ft := fakeTable{keys: intKeys(100)}
	table := &dbsync.Table{Name: "t", UniqueKey: true}
	p := New(newEstimator(t))

	last := ft.keys[19] // 20 rows in range
	bogus := dbsync.Digest{Bytes: []byte{0xff}, RowCount: 20}

	dec, err := p.CheckHashAndChooseNext(table, dbsync.Key{}, last, dbsync.Key{}, bogus, 1<<20, ft.hashRange, ft.keyAtOffset)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Outcome != Subdivide {
		t.Fatalf("outcome = %s, want subdivide", dec.Outcome)
	}
	if dec.FailedLast.IsEmpty() || !dec.FailedLast.Equal(last) {
		t.Errorf("failed last = %v, want %v", dec.FailedLast, last)
	}
	wantMid := ft.keys[9] // half of 20 rows is 10, offset 9 (0-based) within range
	if !dec.Last.Equal(wantMid) {
		t.Errorf("midpoint = %v, want %v", dec.Last, wantMid)
	}
}

func TestCheckHashAndChooseNext_SendRows(t *testing.T) {
	ft := fakeTable{keys: intKeys(100)}
	table := &dbsync.Table{Name: "t", UniqueKey: true}
	p := New(newEstimator(t))

	last := ft.keys[0] // 1 row, at MinSubdivisionRows
	bogus := dbsync.Digest{Bytes: []byte{0xff}, RowCount: 1}

	dec, err := p.CheckHashAndChooseNext(table, dbsync.Key{}, last, dbsync.Key{}, bogus, 1<<20, ft.hashRange, ft.keyAtOffset)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Outcome != SendRows {
		t.Fatalf("outcome = %s, want send-rows", dec.Outcome)
	}
	if !dec.FailedLast.Equal(last) {
		t.Errorf("failed last = %v, want %v", dec.FailedLast, last)
	}
}

func TestCheckHashAndChooseNext_PreservesOutstandingFailure(t *testing.T) {
	ft := fakeTable{keys: intKeys(100)}
	table := &dbsync.Table{Name: "t", UniqueKey: true}
	p := New(newEstimator(t))

	originalFailed := ft.keys[19]
	last := ft.keys[9] // first halving already happened upstream
	bogus := dbsync.Digest{Bytes: []byte{0xff}, RowCount: 10}

	dec, err := p.CheckHashAndChooseNext(table, dbsync.Key{}, last, originalFailed, bogus, 1<<20, ft.hashRange, ft.keyAtOffset)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.FailedLast.Equal(originalFailed) {
		t.Errorf("failed last = %v, want original %v preserved", dec.FailedLast, originalFailed)
	}
}

func TestCheckHashAndChooseNext_AdvanceAtEndOfTableTerminates(t *testing.T) {
	ft := fakeTable{keys: intKeys(10)}
	table := &dbsync.Table{Name: "t", UniqueKey: true}
	p := New(newEstimator(t))

	// A range that already runs to the end of the table: prev is the last
	// real key, last is the empty end-of-table sentinel, and it matches.
	prev := ft.keys[9]
	last := dbsync.Key{}
	theirs, _, _ := ft.hashRange(prev, last)

	dec, err := p.CheckHashAndChooseNext(table, prev, last, dbsync.Key{}, theirs, 1<<20, ft.hashRange, ft.keyAtOffset)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Outcome != Advance {
		t.Fatalf("outcome = %s, want advance", dec.Outcome)
	}
	if !dec.Last.IsEmpty() {
		t.Fatalf("next last = %v, want empty (end of table, sync should terminate)", dec.Last)
	}
}

func TestEstimatorClampsBlockSize(t *testing.T) {
	ft := fakeTable{keys: intKeys(1000)}
	table := &dbsync.Table{Name: "t", UniqueKey: true}
	e := newEstimator(t)
	p := New(e)

	// Seed the estimator with a large bytes/row so the budget clamp kicks
	// in below the doubled row count.
	e.Observe("t", 10, 10*1000) // 1000 bytes/row

	last := ft.keys[9]
	theirs, _, _ := ft.hashRange(dbsync.Key{}, last)

	dec, err := p.CheckHashAndChooseNext(table, dbsync.Key{}, last, dbsync.Key{}, theirs, 2000, ft.hashRange, ft.keyAtOffset)
	if err != nil {
		t.Fatal(err)
	}
	// The match itself observes 10 rows at 10 bytes/row, moving the
	// average to (1000+10)/2 = 505 bytes/row; the budget then allows
	// 2000/505 = 3 rows, far less than the doubled 20.
	wantLast := ft.keys[9+3]
	if !dec.Last.Equal(wantLast) {
		t.Errorf("next last = %v, want %v (budget-clamped)", dec.Last, wantLast)
	}
}
