package sqlite3

import (
	"context"
	"database/sql"
	"io"
	"io/ioutil"
	"os"
	"testing"

	"github.com/bobg/dbsync"
)

func withClient(t *testing.T, f func(context.Context, *Client)) {
	tmp, err := ioutil.TempFile("", "dbsynctest")
	if err != nil {
		t.Fatal(err)
	}
	name := tmp.Name()
	tmp.Close()
	defer os.Remove(name)

	db, err := sql.Open("sqlite3", name)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE events (stream TEXT, seq INTEGER, payload TEXT, PRIMARY KEY (stream, seq))`); err != nil {
		t.Fatal(err)
	}

	f(ctx, New(db))
}

func TestPopulateSchema(t *testing.T) {
	withClient(t, func(ctx context.Context, c *Client) {
		tables, err := c.PopulateSchema(ctx)
		if err != nil {
			t.Fatal(err)
		}
		byName := make(map[string]dbsync.Table, len(tables))
		for _, tbl := range tables {
			byName[tbl.Name] = tbl
		}

		widgets, ok := byName["widgets"]
		if !ok {
			t.Fatal("widgets table missing from PopulateSchema result")
		}
		if len(widgets.KeyColumns) != 1 || widgets.KeyColumns[0] != "id" {
			t.Errorf("widgets key columns: got %v, want [id]", widgets.KeyColumns)
		}

		events, ok := byName["events"]
		if !ok {
			t.Fatal("events table missing from PopulateSchema result")
		}
		if len(events.KeyColumns) != 2 || events.KeyColumns[0] != "stream" || events.KeyColumns[1] != "seq" {
			t.Errorf("events composite key columns: got %v, want [stream seq]", events.KeyColumns)
		}
	})
}

func TestUpsertScanDelete(t *testing.T) {
	withClient(t, func(ctx context.Context, c *Client) {
		table := dbsync.Table{Name: "widgets", KeyColumns: []string{"id"}, DataColumns: []string{"name"}, UniqueKey: true}

		for i := int64(1); i <= 3; i++ {
			if err := c.Upsert(ctx, &table, dbsync.Key{i}, dbsync.Row{"widget"}); err != nil {
				t.Fatalf("Upsert(%d): %v", i, err)
			}
		}
		if err := c.Upsert(ctx, &table, dbsync.Key{int64(2)}, dbsync.Row{"replaced"}); err != nil {
			t.Fatalf("Upsert(2) replace: %v", err)
		}

		it, err := c.ScanRange(ctx, &table, dbsync.KeyRange{Prev: dbsync.Key{int64(1)}}, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer it.Close()

		var rows []dbsync.Row
		for {
			_, row, err := it.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			rows = append(rows, row)
		}
		if len(rows) != 2 {
			t.Fatalf("got %d rows in (1,], want 2", len(rows))
		}
		if rows[0][0] != "replaced" {
			t.Errorf("row for key 2 got %v, want [replaced]", rows[0])
		}

		if err := c.DeleteRange(ctx, &table, dbsync.KeyRange{}, []dbsync.Key{{int64(2)}}); err != nil {
			t.Fatal(err)
		}
		it2, err := c.ScanRange(ctx, &table, dbsync.KeyRange{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer it2.Close()
		k, _, err := it2.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if k[0].(int64) != 2 {
			t.Errorf("surviving key got %v, want [2]", k)
		}
	})
}

func TestExportSnapshotUnsupported(t *testing.T) {
	withClient(t, func(ctx context.Context, c *Client) {
		token, err := c.ExportSnapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if token != "" {
			t.Errorf("ExportSnapshot: got token %q, want empty (sqlite3 has no snapshot capability)", token)
		}
		if err := c.ImportSnapshot(ctx, "anything"); err == nil {
			t.Error("ImportSnapshot: expected an error on an engine with no snapshot support")
		}
	})
}
