package responder

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"github.com/bobg/dbsync"
	"github.com/bobg/dbsync/wire"
)

// memClient is a minimal read-only dbsync.DBClient fixture backed by a
// sorted slice, just enough to exercise the responder's scan/hash paths.
type memClient struct {
	table *dbsync.Table
	keys  []dbsync.Key
	rows  []dbsync.Row
}

func (m *memClient) PopulateSchema(ctx context.Context) ([]dbsync.Table, error) { return nil, nil }
func (m *memClient) BeginTransaction(ctx context.Context) error                 { return nil }
func (m *memClient) CommitTransaction(ctx context.Context) error                { return nil }
func (m *memClient) RollbackTransaction(ctx context.Context) error              { return nil }
func (m *memClient) DisableReferentialIntegrity(ctx context.Context) error      { return nil }
func (m *memClient) EnableReferentialIntegrity(ctx context.Context) error       { return nil }
func (m *memClient) ExportSnapshot(ctx context.Context) (string, error)         { return "", nil }
func (m *memClient) ImportSnapshot(ctx context.Context, token string) error     { return nil }
func (m *memClient) UnholdSnapshot(ctx context.Context) error                   { return nil }

func (m *memClient) Upsert(ctx context.Context, table *dbsync.Table, key dbsync.Key, row dbsync.Row) error {
	return nil
}

func (m *memClient) DeleteRange(ctx context.Context, table *dbsync.Table, r dbsync.KeyRange, except []dbsync.Key) error {
	return nil
}

func (m *memClient) ScanRange(ctx context.Context, table *dbsync.Table, r dbsync.KeyRange, limit int64) (dbsync.RowIterator, error) {
	lo := sort.Search(len(m.keys), func(i int) bool {
		return r.Prev.IsEmpty() || r.Prev.Less(m.keys[i])
	})
	return &memIter{m: m, idx: lo, r: r, limit: limit}, nil
}

type memIter struct {
	m     *memClient
	idx   int
	r     dbsync.KeyRange
	limit int64
	n     int64
}

func (it *memIter) Next(ctx context.Context) (dbsync.Key, dbsync.Row, error) {
	if it.idx >= len(it.m.keys) {
		return nil, nil, io.EOF
	}
	if it.limit > 0 && it.n >= it.limit {
		return nil, nil, io.EOF
	}
	k := it.m.keys[it.idx]
	if !it.r.Last.IsEmpty() && it.r.Last.Less(k) {
		return nil, nil, io.EOF
	}
	row := it.m.rows[it.idx]
	it.idx++
	it.n++
	return k, row, nil
}

func (it *memIter) Close() error { return nil }

func newFixture(n int) (*memClient, *dbsync.Table) {
	table := &dbsync.Table{Name: "widgets", KeyColumns: []string{"id"}, DataColumns: []string{"name"}, UniqueKey: true}
	c := &memClient{table: table}
	for i := 0; i < n; i++ {
		c.keys = append(c.keys, dbsync.Key{int64(i)})
		c.rows = append(c.rows, dbsync.Row{"row"})
	}
	return c, table
}

func newResponder(c *memClient, table *dbsync.Table) *Responder {
	h, _ := dbsync.NewHasher("xxh64")
	return &Responder{
		Client:          c,
		Hasher:          h,
		Tables:          map[string]*dbsync.Table{table.Name: table},
		TargetBlockSize: 1 << 20,
	}
}

func TestHandleOpenSendsInitialHash(t *testing.T) {
	c, table := newFixture(50)
	r := newResponder(c, table)

	var buf bytes.Buffer
	if err := wire.Send(&buf, wire.OPEN, table.Name); err != nil {
		t.Fatal(err)
	}
	if err := r.dispatch(context.Background(), &buf, mustRecv(t, &buf)); err != nil {
		t.Fatal(err)
	}

	msg, err := wire.Recv(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Verb != wire.HASH_NEXT {
		t.Fatalf("verb = %s, want HASH_NEXT", msg.Verb)
	}
	if name, _ := msg.Arg(0).(string); name != table.Name {
		t.Errorf("table = %q, want %q", name, table.Name)
	}
}

func TestHandleRowsStreamsAndPipelines(t *testing.T) {
	c, table := newFixture(10)
	r := newResponder(c, table)

	var buf bytes.Buffer
	last := c.keys[4]
	if err := wire.Send(&buf, wire.ROWS, table.Name, dbsync.Key{}.Interfaces(), last.Interfaces(), []interface{}(nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.dispatch(context.Background(), &buf, mustRecv(t, &buf)); err != nil {
		t.Fatal(err)
	}

	msg, err := wire.Recv(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Verb != wire.ROWS_AND_HASH_NEXT {
		t.Fatalf("verb = %s, want ROWS_AND_HASH_NEXT (range doesn't reach table end)", msg.Verb)
	}

	n, err := wire.ReadRowHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("row count = %d, want 5", n)
	}
}

func TestHandleRowsAtTableEndIsPlain(t *testing.T) {
	c, table := newFixture(5)
	r := newResponder(c, table)

	var buf bytes.Buffer
	if err := wire.Send(&buf, wire.ROWS, table.Name, dbsync.Key{}.Interfaces(), dbsync.Key{}.Interfaces(), []interface{}(nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.dispatch(context.Background(), &buf, mustRecv(t, &buf)); err != nil {
		t.Fatal(err)
	}

	msg, err := wire.Recv(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Verb != wire.ROWS {
		t.Fatalf("verb = %s, want plain ROWS at table end", msg.Verb)
	}
}

func mustRecv(t *testing.T, buf *bytes.Buffer) wire.Message {
	t.Helper()
	msg, err := wire.Recv(buf)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}
