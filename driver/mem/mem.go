// Package mem implements an in-memory dbsync.DBClient, grounded on the
// teacher's store/mem package: a mutex-guarded map plus a kept-sorted
// key slice, searched with sort.Search rather than a tree or index.
//
// It has no snapshot-export capability (ExportSnapshot always returns
// ""), so a sync against it always takes the lock-based barrier
// fallback of spec.md §4.7. It's meant for tests and local
// experimentation, not production use.
package mem

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/bobg/dbsync"
	"github.com/bobg/dbsync/driver"
)

// Store is the shared backing data for any number of Clients opened
// against it. Tests typically create one Store per side, seed each with
// DefineTable and Seed, then open a Client on each to stand in for a
// destination and a source.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
}

type table struct {
	def  dbsync.Table
	keys []dbsync.Key // kept sorted
	rows map[string]dbsync.Row
}

// New returns an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// DefineTable registers a table's schema with the store. It must be
// called before Seed or any Client operation references the table.
func (s *Store) DefineTable(def dbsync.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[def.Name] = &table{def: def, rows: make(map[string]dbsync.Row)}
}

// Seed inserts a row directly, bypassing Upsert's transactional
// bookkeeping; it's for populating fixtures before a sync begins.
func (s *Store) Seed(tableName string, key dbsync.Key, row dbsync.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableName]
	if !ok {
		return fmt.Errorf("mem: unknown table %q", tableName)
	}
	t.put(key, row)
	return nil
}

func (t *table) put(key dbsync.Key, row dbsync.Row) {
	id := keyID(key)
	if _, exists := t.rows[id]; !exists {
		i := sort.Search(len(t.keys), func(n int) bool { return !t.keys[n].Less(key) })
		t.keys = append(t.keys, nil)
		copy(t.keys[i+1:], t.keys[i:])
		t.keys[i] = key
	}
	t.rows[id] = row
}

func (t *table) delete(key dbsync.Key) {
	id := keyID(key)
	if _, exists := t.rows[id]; !exists {
		return
	}
	delete(t.rows, id)
	i := sort.Search(len(t.keys), func(n int) bool { return !t.keys[n].Less(key) })
	if i < len(t.keys) && t.keys[i].Equal(key) {
		t.keys = append(t.keys[:i], t.keys[i+1:]...)
	}
}

func (t *table) clone() *table {
	cp := &table{def: t.def, keys: make([]dbsync.Key, len(t.keys)), rows: make(map[string]dbsync.Row, len(t.rows))}
	copy(cp.keys, t.keys)
	for k, v := range t.rows {
		cp.rows[k] = v
	}
	return cp
}

func keyID(k dbsync.Key) string { return fmt.Sprintf("%#v", []dbsync.Value(k)) }

// Client is one connection to a Store. It stages a shadow copy of every
// table it touches when a transaction begins, so RollbackTransaction can
// restore the store to its pre-transaction state; there is no isolation
// between concurrent Clients beyond the Store's single mutex.
type Client struct {
	store *Store

	mu     sync.Mutex
	inTxn  bool
	shadow map[string]*table
}

// NewClient returns a Client bound to store.
func NewClient(store *Store) *Client { return &Client{store: store} }

var sharedStores = struct {
	mu sync.Mutex
	m  map[string]*Store
}{m: make(map[string]*Store)}

func init() {
	driver.Register("mem", func(ctx context.Context, dsn string) (dbsync.DBClient, error) {
		sharedStores.mu.Lock()
		defer sharedStores.mu.Unlock()
		s, ok := sharedStores.m[dsn]
		if !ok {
			s = New()
			sharedStores.m[dsn] = s
		}
		return NewClient(s), nil
	})
}

func (c *Client) PopulateSchema(ctx context.Context) ([]dbsync.Table, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	out := make([]dbsync.Table, 0, len(c.store.tables))
	for _, t := range c.store.tables {
		out = append(out, t.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Client) BeginTransaction(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.inTxn = true
	c.shadow = make(map[string]*table, len(c.store.tables))
	for name, t := range c.store.tables {
		c.shadow[name] = t.clone()
	}
	return nil
}

func (c *Client) CommitTransaction(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTxn = false
	c.shadow = nil
	return nil
}

func (c *Client) RollbackTransaction(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTxn {
		return nil
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for name, t := range c.shadow {
		c.store.tables[name] = t
	}
	c.inTxn = false
	c.shadow = nil
	return nil
}

// DisableReferentialIntegrity and EnableReferentialIntegrity are no-ops:
// the mem store enforces no foreign keys to begin with.
func (c *Client) DisableReferentialIntegrity(ctx context.Context) error { return nil }
func (c *Client) EnableReferentialIntegrity(ctx context.Context) error  { return nil }

// ExportSnapshot always reports no snapshot capability, forcing callers
// onto the lock-based barrier path (spec.md §4.7).
func (c *Client) ExportSnapshot(ctx context.Context) (string, error) { return "", nil }

func (c *Client) ImportSnapshot(ctx context.Context, token string) error { return nil }

func (c *Client) UnholdSnapshot(ctx context.Context) error { return nil }

func (c *Client) getTable(name string) (*table, error) {
	t, ok := c.store.tables[name]
	if !ok {
		return nil, fmt.Errorf("mem: unknown table %q", name)
	}
	return t, nil
}

func (c *Client) ScanRange(ctx context.Context, tbl *dbsync.Table, r dbsync.KeyRange, limit int64) (dbsync.RowIterator, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	t, err := c.getTable(tbl.Name)
	if err != nil {
		return nil, err
	}

	lo := sort.Search(len(t.keys), func(n int) bool { return r.Prev.IsEmpty() || r.Prev.Less(t.keys[n]) })
	var out []dbsync.Key
	for i := lo; i < len(t.keys); i++ {
		k := t.keys[i]
		if !r.Last.IsEmpty() && r.Last.Less(k) {
			break
		}
		out = append(out, k)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	rows := make([]dbsync.Row, len(out))
	for i, k := range out {
		rows[i] = t.rows[keyID(k)]
	}
	return &iterator{keys: out, rows: rows}, nil
}

func (c *Client) Upsert(ctx context.Context, tbl *dbsync.Table, key dbsync.Key, row dbsync.Row) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	t, err := c.getTable(tbl.Name)
	if err != nil {
		return err
	}
	t.put(key, row)
	return nil
}

func (c *Client) DeleteRange(ctx context.Context, tbl *dbsync.Table, r dbsync.KeyRange, except []dbsync.Key) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	t, err := c.getTable(tbl.Name)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(except))
	for _, k := range except {
		keep[keyID(k)] = true
	}

	lo := sort.Search(len(t.keys), func(n int) bool { return r.Prev.IsEmpty() || r.Prev.Less(t.keys[n]) })
	var toDelete []dbsync.Key
	for i := lo; i < len(t.keys); i++ {
		k := t.keys[i]
		if !r.Last.IsEmpty() && r.Last.Less(k) {
			break
		}
		if !keep[keyID(k)] {
			toDelete = append(toDelete, k)
		}
	}
	for _, k := range toDelete {
		t.delete(k)
	}
	return nil
}

type iterator struct {
	keys []dbsync.Key
	rows []dbsync.Row
	pos  int
}

func (it *iterator) Next(ctx context.Context) (dbsync.Key, dbsync.Row, error) {
	if it.pos >= len(it.keys) {
		return nil, nil, io.EOF
	}
	k, row := it.keys[it.pos], it.rows[it.pos]
	it.pos++
	return k, row, nil
}

func (it *iterator) Close() error { return nil }

var _ dbsync.DBClient = (*Client)(nil)
