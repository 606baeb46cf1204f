package mem

import (
	"context"
	"io"
	"testing"

	"github.com/bobg/dbsync"
	"github.com/bobg/dbsync/driver"
)

func tableDef() dbsync.Table {
	return dbsync.Table{
		Name:        "widgets",
		KeyColumns:  []string{"id"},
		DataColumns: []string{"name"},
		UniqueKey:   true,
	}
}

func TestScanRangeAndUpsert(t *testing.T) {
	ctx := context.Background()
	store := New()
	def := tableDef()
	store.DefineTable(def)

	c := NewClient(store)

	for i := int64(1); i <= 5; i++ {
		if err := c.Upsert(ctx, &def, dbsync.Key{i}, dbsync.Row{"widget"}); err != nil {
			t.Fatalf("Upsert(%d): %v", i, err)
		}
	}

	it, err := c.ScanRange(ctx, &def, dbsync.KeyRange{Prev: dbsync.Key{int64(1)}, Last: dbsync.Key{int64(4)}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var got []int64
	for {
		k, _, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, k[0].(int64))
	}
	if len(got) != 3 {
		t.Fatalf("got %d keys in (1,4], want 3: %v", len(got), got)
	}
	for i, want := range []int64{2, 3, 4} {
		if got[i] != want {
			t.Errorf("key %d: got %d, want %d", i, got[i], want)
		}
	}
}

func TestDeleteRangeExcept(t *testing.T) {
	ctx := context.Background()
	store := New()
	def := tableDef()
	store.DefineTable(def)
	c := NewClient(store)

	for i := int64(1); i <= 3; i++ {
		if err := c.Upsert(ctx, &def, dbsync.Key{i}, dbsync.Row{"w"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.DeleteRange(ctx, &def, dbsync.KeyRange{}, []dbsync.Key{{int64(2)}}); err != nil {
		t.Fatal(err)
	}

	it, err := c.ScanRange(ctx, &def, dbsync.KeyRange{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var remaining []int64
	for {
		k, _, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		remaining = append(remaining, k[0].(int64))
	}
	if len(remaining) != 1 || remaining[0] != 2 {
		t.Fatalf("got remaining keys %v, want [2]", remaining)
	}
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	store := New()
	def := tableDef()
	store.DefineTable(def)
	c := NewClient(store)

	if err := c.Upsert(ctx, &def, dbsync.Key{int64(1)}, dbsync.Row{"before"}); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTransaction(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, &def, dbsync.Key{int64(1)}, dbsync.Row{"after"}); err != nil {
		t.Fatal(err)
	}
	if err := c.RollbackTransaction(ctx); err != nil {
		t.Fatal(err)
	}

	it, err := c.ScanRange(ctx, &def, dbsync.KeyRange{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	_, row, err := it.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if row[0] != "before" {
		t.Errorf("after rollback, got row %v, want [before]", row)
	}
}

func TestSharedStoreByDSN(t *testing.T) {
	ctx := context.Background()
	a, err := driver.Open(ctx, "mem", "dsn-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := driver.Open(ctx, "mem", "dsn-a")
	if err != nil {
		t.Fatal(err)
	}
	def := tableDef()
	aClient := a.(*Client)
	aClient.store.DefineTable(def)
	if err := aClient.Upsert(ctx, &def, dbsync.Key{int64(1)}, dbsync.Row{"shared"}); err != nil {
		t.Fatal(err)
	}

	bClient := b.(*Client)
	it, err := bClient.ScanRange(ctx, &def, dbsync.KeyRange{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	_, row, err := it.Next(ctx)
	if err != nil {
		t.Fatalf("expected row visible from second client sharing the dsn, got error: %v", err)
	}
	if row[0] != "shared" {
		t.Errorf("got row %v, want [shared]", row)
	}
}
