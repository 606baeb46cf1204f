package applier

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/dbsync"
)

type fakeClient struct {
	upserts     []dbsync.Key
	deleteRange dbsync.KeyRange
	deleteExcept []dbsync.Key
	deleteCalled bool
}

func (f *fakeClient) PopulateSchema(ctx context.Context) ([]dbsync.Table, error) { return nil, nil }
func (f *fakeClient) BeginTransaction(ctx context.Context) error                 { return nil }
func (f *fakeClient) CommitTransaction(ctx context.Context) error                { return nil }
func (f *fakeClient) RollbackTransaction(ctx context.Context) error              { return nil }
func (f *fakeClient) DisableReferentialIntegrity(ctx context.Context) error      { return nil }
func (f *fakeClient) EnableReferentialIntegrity(ctx context.Context) error       { return nil }
func (f *fakeClient) ExportSnapshot(ctx context.Context) (string, error)         { return "", nil }
func (f *fakeClient) ImportSnapshot(ctx context.Context, token string) error     { return nil }
func (f *fakeClient) UnholdSnapshot(ctx context.Context) error                   { return nil }

func (f *fakeClient) ScanRange(ctx context.Context, table *dbsync.Table, r dbsync.KeyRange, limit int64) (dbsync.RowIterator, error) {
	return nil, nil
}

func (f *fakeClient) Upsert(ctx context.Context, table *dbsync.Table, key dbsync.Key, row dbsync.Row) error {
	f.upserts = append(f.upserts, key)
	return nil
}

func (f *fakeClient) DeleteRange(ctx context.Context, table *dbsync.Table, r dbsync.KeyRange, except []dbsync.Key) error {
	f.deleteCalled = true
	f.deleteRange = r
	f.deleteExcept = except
	return nil
}

func TestApplyRowsUpsertsThenDeletesExcept(t *testing.T) {
	c := &fakeClient{}
	a := New(c)
	table := &dbsync.Table{Name: "widgets"}
	r := dbsync.KeyRange{Prev: dbsync.Key{}, Last: dbsync.Key{int64(10)}}
	keys := []dbsync.Key{{int64(3)}, {int64(7)}}
	rows := []dbsync.Row{{"a"}, {"b"}}

	if err := a.ApplyRows(context.Background(), table, r, keys, rows); err != nil {
		t.Fatal(err)
	}
	if len(c.upserts) != 2 {
		t.Fatalf("upserts = %d, want 2", len(c.upserts))
	}
	if !c.deleteCalled {
		t.Fatal("expected DeleteRange to be called")
	}
	if diff := cmp.Diff(keys, c.deleteExcept); diff != "" {
		t.Errorf("delete except mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyRowsRejectsKeyOutsideRange(t *testing.T) {
	c := &fakeClient{}
	a := New(c)
	table := &dbsync.Table{Name: "widgets"}
	r := dbsync.KeyRange{Prev: dbsync.Key{}, Last: dbsync.Key{int64(5)}}
	keys := []dbsync.Key{{int64(9)}}
	rows := []dbsync.Row{{"a"}}

	err := a.ApplyRows(context.Background(), table, r, keys, rows)
	if err == nil {
		t.Fatal("expected an error for a row key outside the declared range")
	}
	if _, ok := err.(*dbsync.ProtocolError); !ok {
		t.Errorf("error type = %T, want *dbsync.ProtocolError", err)
	}
	if c.deleteCalled {
		t.Error("DeleteRange should not be called after a protocol violation")
	}
}

func TestApplyRowsRejectsMismatchedLengths(t *testing.T) {
	c := &fakeClient{}
	a := New(c)
	table := &dbsync.Table{Name: "widgets"}
	r := dbsync.KeyRange{}
	keys := []dbsync.Key{{int64(1)}, {int64(2)}}
	rows := []dbsync.Row{{"a"}}

	if err := a.ApplyRows(context.Background(), table, r, keys, rows); err == nil {
		t.Fatal("expected an error for mismatched key/row counts")
	}
}
