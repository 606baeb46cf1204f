package dbsync

import "context"

// DBClient is the database-client capability the core is parameterized
// over (spec.md §9: "the source/destination responders are parameterized
// over a database-client capability"). The core names no driver; each
// engine (see package driver/pg, driver/sqlite3, driver/mem) implements
// this interface.
type DBClient interface {
	// PopulateSchema enumerates the tables available to sync, including
	// their key and data columns and key uniqueness.
	PopulateSchema(ctx context.Context) ([]Table, error)

	BeginTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error

	DisableReferentialIntegrity(ctx context.Context) error
	EnableReferentialIntegrity(ctx context.Context) error

	// ExportSnapshot returns an opaque token usable by ImportSnapshot to
	// adopt the same consistent view from another connection. Engines
	// without snapshot export return ("", nil); callers fall back to the
	// lock-based choreography of spec.md §4.7.
	ExportSnapshot(ctx context.Context) (string, error)

	// ImportSnapshot adopts the view published by ExportSnapshot. Called
	// only when the token is non-empty.
	ImportSnapshot(ctx context.Context, token string) error

	// UnholdSnapshot releases any source-side hold taken by
	// ExportSnapshot. A no-op for engines that don't need one.
	UnholdSnapshot(ctx context.Context) error

	// ScanRange reads rows from table in key order within r, stopping
	// after limit rows (0 means unbounded).
	ScanRange(ctx context.Context, table *Table, r KeyRange, limit int64) (RowIterator, error)

	// Upsert inserts or updates a single row identified by key.
	Upsert(ctx context.Context, table *Table, key Key, row Row) error

	// DeleteRange deletes every row of table within r whose key is not
	// one of except.
	DeleteRange(ctx context.Context, table *Table, r KeyRange, except []Key) error
}

// RowIterator walks rows in key order. Next returns io.EOF (from the
// standard io package) once exhausted.
type RowIterator interface {
	Next(ctx context.Context) (Key, Row, error)
	Close() error
}
