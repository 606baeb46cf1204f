// Package pg implements a dbsync.DBClient backed by PostgreSQL, grounded
// on the teacher's store/pg package: database/sql plus lib/pq, wrapped
// errors via github.com/pkg/errors, and an init-time registration with
// package driver in place of the teacher's own store registry.
//
// Schema is discovered from information_schema rather than declared up
// front, since a sync's table set isn't known until PopulateSchema is
// compared between the two endpoints (spec.md §4.6). Snapshot sharing
// uses Postgres's native pg_export_snapshot()/SET TRANSACTION SNAPSHOT
// pair (spec.md §4.7's MVCC path).
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/bobg/dbsync"
	"github.com/bobg/dbsync/driver"
)

// Client is a single PostgreSQL connection driving one side of a sync.
type Client struct {
	db *sql.DB
	tx *sql.Tx

	tables map[string]dbsync.Table
}

// New wraps an already-open database handle.
func New(db *sql.DB) *Client {
	return &Client{db: db}
}

func init() {
	driver.Register("pg", func(ctx context.Context, dsn string) (dbsync.DBClient, error) {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres connection")
		}
		return New(db), nil
	})
}

// conn returns the transaction if one is open, else the raw pool
// handle; every query goes through this so callers work identically
// inside and outside a transaction.
func (c *Client) conn() queryer {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PopulateSchema introspects information_schema for every base table in
// the public schema, its primary key (if any), and its remaining
// columns.
func (c *Client) PopulateSchema(ctx context.Context) ([]dbsync.Table, error) {
	const tablesQ = `
SELECT table_name FROM information_schema.tables
WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
ORDER BY table_name`

	rows, err := c.conn().QueryContext(ctx, tablesQ)
	if err != nil {
		return nil, errors.Wrap(err, "listing tables")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scanning table name")
		}
		names = append(names, name)
	}
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
	c.tables = make(map[string]dbsync.Table, len(out))
	for _, t := range out {
		c.tables[t.Name] = t
	}
	return out, nil
}

func (c *Client) describeTable(ctx context.Context, name string) (dbsync.Table, error) {
	const pkQ = `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.table_schema = 'public' AND tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kcu.ordinal_position`

	rows, err := c.conn().QueryContext(ctx, pkQ, name)
	if err != nil {
		return dbsync.Table{}, errors.Wrapf(err, "listing primary key of %s", name)
	}
	var keyCols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			rows.Close()
			return dbsync.Table{}, errors.Wrap(err, "scanning primary key column")
		}
		keyCols = append(keyCols, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dbsync.Table{}, errors.Wrap(err, "iterating primary key columns")
	}

	const colsQ = `
SELECT column_name FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`

	rows, err = c.conn().QueryContext(ctx, colsQ, name)
	if err != nil {
		return dbsync.Table{}, errors.Wrapf(err, "listing columns of %s", name)
	}
	defer rows.Close()

	keySet := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		keySet[k] = true
	}

	var dataCols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return dbsync.Table{}, errors.Wrap(err, "scanning column name")
		}
		if !keySet[col] {
			dataCols = append(dataCols, col)
		}
	}
	if err := rows.Err(); err != nil {
		return dbsync.Table{}, errors.Wrap(err, "iterating columns")
	}

	if len(keyCols) == 0 {
		// No declared primary key: fall back to ordering by every column,
		// and mark the key non-unique so the policy and responder fold row
		// counts into their comparisons (see dbsync.Table.UniqueKey).
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

// DisableReferentialIntegrity defers all foreign key constraint checks
// to commit time for the current transaction, so tables can be loaded
// out of dependency order (spec.md §4.6).
func (c *Client) DisableReferentialIntegrity(ctx context.Context) error {
	_, err := c.conn().ExecContext(ctx, "SET CONSTRAINTS ALL DEFERRED")
	return errors.Wrap(err, "deferring constraints")
}

// EnableReferentialIntegrity is a no-op: deferred constraints are
// checked automatically at commit.
func (c *Client) EnableReferentialIntegrity(ctx context.Context) error { return nil }

// ExportSnapshot publishes the current transaction's MVCC snapshot so
// another connection can adopt an identical consistent view.
func (c *Client) ExportSnapshot(ctx context.Context) (string, error) {
	if c.tx == nil {
		return "", errors.New("pg: ExportSnapshot called outside a transaction")
	}
	var token string
	err := c.tx.QueryRowContext(ctx, "SELECT pg_export_snapshot()").Scan(&token)
	return token, errors.Wrap(err, "exporting snapshot")
}

// ImportSnapshot must be called immediately after BeginTransaction, on a
// transaction that hasn't yet issued any query, per Postgres's own
// restriction on SET TRANSACTION SNAPSHOT.
func (c *Client) ImportSnapshot(ctx context.Context, token string) error {
	if c.tx == nil {
		return errors.New("pg: ImportSnapshot called outside a transaction")
	}
	_, err := c.tx.ExecContext(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", token))
	return errors.Wrap(err, "importing snapshot")
}

// UnholdSnapshot is a no-op: pg_export_snapshot's hold is released when
// the exporting transaction ends, and the destination workers'
// BeginTransaction/CommitTransaction lifecycle already governs that.
func (c *Client) UnholdSnapshot(ctx context.Context) error { return nil }

func (c *Client) ScanRange(ctx context.Context, table *dbsync.Table, r dbsync.KeyRange, limit int64) (dbsync.RowIterator, error) {
	keyExpr := rowExpr(table.KeyColumns)
	var (
		where []string
		args  []interface{}
	)
	if !r.Prev.IsEmpty() {
		where = append(where, fmt.Sprintf("%s > %s", keyExpr, placeholders(len(args)+1, len(r.Prev))))
		args = append(args, valuesOf(r.Prev)...)
	}
	if !r.Last.IsEmpty() {
		where = append(where, fmt.Sprintf("%s <= %s", keyExpr, placeholders(len(args)+1, len(r.Last))))
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

	placeholderList := make([]string, len(allVals))
	for i := range placeholderList {
		placeholderList[i] = fmt.Sprintf("$%d", i+1)
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table.Name), strings.Join(quoteAll(allCols), ", "), strings.Join(placeholderList, ", "))

	if table.UniqueKey && len(table.DataColumns) > 0 {
		var sets []string
		for _, col := range table.DataColumns {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
		}
		q += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(quoteAll(table.KeyColumns), ", "), strings.Join(sets, ", "))
	} else if table.UniqueKey {
		q += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quoteAll(table.KeyColumns), ", "))
	}
	// Non-unique keys have no conflict target to upsert against; each
	// sync'd row is simply appended, and DeleteRange reconciles the rest.

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
		where = append(where, fmt.Sprintf("%s > %s", keyExpr, placeholders(len(args)+1, len(r.Prev))))
		args = append(args, valuesOf(r.Prev)...)
	}
	if !r.Last.IsEmpty() {
		where = append(where, fmt.Sprintf("%s <= %s", keyExpr, placeholders(len(args)+1, len(r.Last))))
		args = append(args, valuesOf(r.Last)...)
	}
	if len(except) > 0 {
		var tuples []string
		for _, k := range except {
			tuples = append(tuples, placeholders(len(args)+1, len(k)))
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

// rowExpr renders a Postgres row-value constructor over cols, e.g.
// "(a, b)" for a composite key or plain "a" for a single column, so the
// same range comparisons work whether the key is one column or several.
func rowExpr(cols []string) string {
	if len(cols) == 1 {
		return quoteIdent(cols[0])
	}
	return "(" + strings.Join(quoteAll(cols), ", ") + ")"
}

func placeholders(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", start+i)
	}
	if n == 1 {
		return ph[0]
	}
	return "(" + strings.Join(ph, ", ") + ")"
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
