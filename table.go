package dbsync

// Table describes one table to be synchronized. The key columns come from
// the descriptor in the order the engine sorts by; that order is
// independent of the table's physical column order, and of the order data
// columns are declared in.
type Table struct {
	// Name is the table's (possibly schema-qualified) name.
	Name string

	// KeyColumns are the columns, in sort order, that the engine uses to
	// walk the table. They are typically the primary key or a unique
	// index; see UniqueKey.
	KeyColumns []string

	// DataColumns are the non-key columns exchanged for each row, in the
	// order rows are encoded on the wire. Auto-generated columns are
	// excluded.
	DataColumns []string

	// UniqueKey reports whether KeyColumns is guaranteed unique. When
	// false, the policy and responder must use row counts (not just key
	// values) to disambiguate otherwise-identical ranges; see
	// policy.CheckHashAndChooseNext and the HASH row-count rule in the
	// protocol.
	UniqueKey bool
}

// Row is one row's data-column values, in Table.DataColumns order.
type Row []Value

// CombinedRow concatenates key and row into the single tuple that is
// both hashed and streamed on the wire for one row: key columns first
// (in KeyColumns order), then data columns. Combining them keeps the
// content hash sensitive to a row's key, not just its data, so two
// ranges with identical data attached to different keys don't collide.
func CombinedRow(key Key, row Row) []Value {
	out := make([]Value, 0, len(key)+len(row))
	out = append(out, key...)
	out = append(out, row...)
	return out
}

// SplitCombinedRow is the inverse of CombinedRow: given table (for
// KeyColumns' length) and a combined tuple, it splits off the key.
func SplitCombinedRow(table *Table, full []Value) (Key, Row) {
	n := len(table.KeyColumns)
	key := make(Key, n)
	copy(key, full[:n])
	row := make(Row, len(full)-n)
	copy(row, full[n:])
	return key, row
}
