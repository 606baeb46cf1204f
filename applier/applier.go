// Package applier implements the destination side of row application:
// given a declared key range and the rows the source streamed for it,
// bring the destination table in line with that range (spec.md §4.3).
package applier

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/dbsync"
)

// Applier writes rows into a dbsync.DBClient.
type Applier struct {
	Client dbsync.DBClient
}

// New returns an Applier backed by client.
func New(client dbsync.DBClient) *Applier {
	return &Applier{Client: client}
}

// ApplyRows reconciles table's declared range r against rows: every row
// whose key falls outside r is a protocol violation (the responder
// promised only rows within r); every row in r is upserted, and then any
// row the destination still holds in r that wasn't among rows is
// deleted, since the source's rows list is now authoritative for that
// range (spec.md §4.3).
func (a *Applier) ApplyRows(ctx context.Context, table *dbsync.Table, r dbsync.KeyRange, keys []dbsync.Key, rows []dbsync.Row) error {
	if len(keys) != len(rows) {
		return dbsync.NewProtocolError("applier: key count does not match row count")
	}

	for i, k := range keys {
		if !r.Contains(k) {
			return dbsync.NewProtocolError(fmt.Sprintf("applier: row key %v falls outside the declared range for table %s", []dbsync.Value(k), table.Name))
		}
		if err := a.Client.Upsert(ctx, table, k, rows[i]); err != nil {
			return errors.Wrapf(dbsync.NewDatabaseError(err), "upserting row %d of %s", i, table.Name)
		}
	}

	if err := a.Client.DeleteRange(ctx, table, r, keys); err != nil {
		return errors.Wrapf(dbsync.NewDatabaseError(err), "deleting stale rows of %s outside incoming set", table.Name)
	}
	return nil
}
