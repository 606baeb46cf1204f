// Package sqlite3 implements a dbsync.DBClient backed by SQLite,
// grounded on the teacher's store/sqlite3 package: database/sql plus
// mattn/go-sqlite3, wrapped errors via github.com/pkg/errors. Unlike the
// teacher's store, this package sticks to plain sql.Rows.Scan loops
// rather than github.com/bobg/sqlutil's row-callback helper, since the
// column set here is dynamic (discovered per table, not a handful of
// fixed struct fields sqlutil's reflection-based scanning was built
// for).
//
// SQLite has no cross-connection MVCC snapshot primitive, so
// ExportSnapshot always reports none available and a sync against it
// always takes the lock-based barrier fallback of spec.md §4.7.
package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/bobg/dbsync"
	"github.com/bobg/dbsync/driver"
)

// Client is a single SQLite connection driving one side of a sync.
type Client struct {
	db *sql.DB
	tx *sql.Tx
}

// New wraps an already-open database handle.
func New(db *sql.DB) *Client { return &Client{db: db} }

func init() {
	driver.Register("sqlite3", func(ctx context.Context, dsn string) (dbsync.DBClient, error) {
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "opening sqlite3 database")
		}
		return New(db), nil
	})
}

func (c *Client) conn() queryer {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PopulateSchema lists every user table via sqlite_master and describes
// each one with PRAGMA table_info, which reports each column's position
// within the primary key (0 if it isn't one).
func (c *Client) PopulateSchema(ctx context.Context) ([]dbsync.Table, error) {
	const q = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`
	rows, err := c.conn().QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "listing tables")
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scanning table name")
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating tables")
	}

	out := make([]dbsync.Table, 0, len(names))
	for _, name := range names {
		t, err := c.describeTable(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

type columnInfo struct {
	name    string
	pkOrder int // 0 means not part of the primary key
}

func (c *Client) describeTable(ctx context.Context, name string) (dbsync.Table, error) {
	rows, err := c.conn().QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
	if err != nil {
		return dbsync.Table{}, errors.Wrapf(err, "describing table %s", name)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var (
			cid       int
			colName   string
			colType   string
			notNull   int
			dfltValue interface{}
			pk        int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return dbsync.Table{}, errors.Wrap(err, "scanning table_info row")
		}
		cols = append(cols, columnInfo{name: colName, pkOrder: pk})
	}
	if err := rows.Err(); err != nil {
		return dbsync.Table{}, errors.Wrap(err, "iterating table_info rows")
	}

	var keyCols, dataCols []string
	pkCols := make(map[int]string)
	var maxOrder int
	for _, c := range cols {
		if c.pkOrder > 0 {
			pkCols[c.pkOrder] = c.name
			if c.pkOrder > maxOrder {
				maxOrder = c.pkOrder
			}
		} else {
			dataCols = append(dataCols, c.name)
		}
	}
	for i := 1; i <= maxOrder; i++ {
		keyCols = append(keyCols, pkCols[i])
	}

	if len(keyCols) == 0 {
		return dbsync.Table{Name: name, KeyColumns: dataCols, DataColumns: nil, UniqueKey: false}, nil
	}
	return dbsync.Table{Name: name, KeyColumns: keyCols, DataColumns: dataCols, UniqueKey: true}, nil
}

func (c *Client) BeginTransaction(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	c.tx = tx
	return nil
}

func (c *Client) CommitTransaction(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	return errors.Wrap(err, "committing transaction")
}

func (c *Client) RollbackTransaction(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	return errors.Wrap(err, "rolling back transaction")
}

// DisableReferentialIntegrity turns off SQLite's foreign_keys pragma for
// the connection, since SQLite (unlike Postgres) has no per-transaction
// deferred-constraint mode; it must be toggled around the whole load.
func (c *Client) DisableReferentialIntegrity(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "PRAGMA foreign_keys = OFF")
	return errors.Wrap(err, "disabling foreign key checks")
}

func (c *Client) EnableReferentialIntegrity(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	return errors.Wrap(err, "enabling foreign key checks")
}

// ExportSnapshot always reports no snapshot capability: SQLite has no
// mechanism for one connection to hand another its exact MVCC view,
// forcing callers onto the lock-based barrier path (spec.md §4.7).
func (c *Client) ExportSnapshot(ctx context.Context) (string, error) { return "", nil }

func (c *Client) ImportSnapshot(ctx context.Context, token string) error {
	return errors.New("sqlite3: snapshot import is not supported")
}

func (c *Client) UnholdSnapshot(ctx context.Context) error { return nil }

func (c *Client) ScanRange(ctx context.Context, table *dbsync.Table, r dbsync.KeyRange, limit int64) (dbsync.RowIterator, error) {
	keyExpr := rowExpr(table.KeyColumns)
	var (
		where []string
		args  []interface{}
	)
	if !r.Prev.IsEmpty() {
		where = append(where, fmt.Sprintf("%s > %s", keyExpr, placeholders(len(r.Prev))))
		args = append(args, valuesOf(r.Prev)...)
	}
	if !r.Last.IsEmpty() {
		where = append(where, fmt.Sprintf("%s <= %s", keyExpr, placeholders(len(r.Last))))
		args = append(args, valuesOf(r.Last)...)
	}

	cols := append(append([]string{}, table.KeyColumns...), table.DataColumns...)
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoteAll(cols), ", "), quoteIdent(table.Name))
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + strings.Join(quoteAll(table.KeyColumns), ", ")
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := c.conn().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "scanning range of %s", table.Name)
	}
	return &rowIterator{rows: rows, keyLen: len(table.KeyColumns)}, nil
}

type rowIterator struct {
	rows   *sql.Rows
	keyLen int
}

func (it *rowIterator) Next(ctx context.Context) (dbsync.Key, dbsync.Row, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, nil, errors.Wrap(err, "iterating rows")
		}
		return nil, nil, io.EOF
	}
	cols, err := it.rows.Columns()
	if err != nil {
		return nil, nil, errors.Wrap(err, "getting column names")
	}
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		return nil, nil, errors.Wrap(err, "scanning row")
	}

	key := make(dbsync.Key, it.keyLen)
	for i, v := range vals[:it.keyLen] {
		key[i] = v
	}
	row := make(dbsync.Row, len(vals)-it.keyLen)
	for i, v := range vals[it.keyLen:] {
		row[i] = v
	}
	return key, row, nil
}

func (it *rowIterator) Close() error { return it.rows.Close() }

func (c *Client) Upsert(ctx context.Context, table *dbsync.Table, key dbsync.Key, row dbsync.Row) error {
	allCols := append(append([]string{}, table.KeyColumns...), table.DataColumns...)
	allVals := append(append([]dbsync.Value{}, key...), row...)

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table.Name), strings.Join(quoteAll(allCols), ", "), strings.TrimSuffix(strings.Repeat("?, ", len(allVals)), ", "))

	if table.UniqueKey && len(table.DataColumns) > 0 {
		var sets []string
		for _, col := range table.DataColumns {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(col), quoteIdent(col)))
		}
		q += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(quoteAll(table.KeyColumns), ", "), strings.Join(sets, ", "))
	} else if table.UniqueKey {
		q += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quoteAll(table.KeyColumns), ", "))
	}

	_, err := c.conn().ExecContext(ctx, q, valuesOf(allVals)...)
	return errors.Wrapf(err, "upserting row of %s", table.Name)
}

func (c *Client) DeleteRange(ctx context.Context, table *dbsync.Table, r dbsync.KeyRange, except []dbsync.Key) error {
	keyExpr := rowExpr(table.KeyColumns)
	var (
		where []string
		args  []interface{}
	)
	if !r.Prev.IsEmpty() {
		where = append(where, fmt.Sprintf("%s > %s", keyExpr, placeholders(len(r.Prev))))
		args = append(args, valuesOf(r.Prev)...)
	}
	if !r.Last.IsEmpty() {
		where = append(where, fmt.Sprintf("%s <= %s", keyExpr, placeholders(len(r.Last))))
		args = append(args, valuesOf(r.Last)...)
	}
	if len(except) > 0 {
		var tuples []string
		for _, k := range except {
			tuples = append(tuples, placeholders(len(k)))
			args = append(args, valuesOf(k)...)
		}
		where = append(where, fmt.Sprintf("%s NOT IN (%s)", keyExpr, strings.Join(tuples, ", ")))
	}

	q := "DELETE FROM " + quoteIdent(table.Name)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	_, err := c.conn().ExecContext(ctx, q, args...)
	return errors.Wrapf(err, "deleting stale rows of %s", table.Name)
}

func rowExpr(cols []string) string {
	if len(cols) == 1 {
		return quoteIdent(cols[0])
	}
	return "(" + strings.Join(quoteAll(cols), ", ") + ")"
}

func placeholders(n int) string {
	if n == 1 {
		return "?"
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func valuesOf(k []dbsync.Value) []interface{} {
	out := make([]interface{}, len(k))
	for i, v := range k {
		out[i] = v
	}
	return out
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = quoteIdent(s)
	}
	return out
}

var _ dbsync.DBClient = (*Client)(nil)
