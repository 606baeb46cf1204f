// Package responder implements the source side of a table sync: it
// answers OPEN/HASH/ROWS requests from a destination worker over the
// wire protocol (spec.md §4.4), backed by a dbsync.DBClient.
//
// The responder keeps no per-table state of its own between messages.
// Every request carries everything needed to answer it, including an
// optional "failed last key" that the destination is retrying within;
// the responder only echoes that value back, it never derives or
// remembers it (spec.md §4.2: "the last_key stays the responder's
// outstanding failed upper bound").
package responder

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/bobg/dbsync"
	"github.com/bobg/dbsync/wire"
)

// Responder answers protocol requests for a fixed set of tables.
type Responder struct {
	Client dbsync.DBClient
	Hasher dbsync.Hasher
	Tables map[string]*dbsync.Table

	// TargetBlockSize bounds the initial range sent in reply to OPEN, and
	// the pipelined next-range hash sent alongside ROWS replies.
	TargetBlockSize int64
}

// Serve reads requests from rw and writes replies to it until the peer
// sends QUIT or closes the stream (io.EOF), or ctx is canceled.
func (r *Responder) Serve(ctx context.Context, rw io.ReadWriter) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := wire.Recv(rw)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "receiving request")
		}
		if err := r.dispatch(ctx, rw, msg); err != nil {
			return err
		}
		if msg.Verb == wire.QUIT {
			return nil
		}
	}
}

func (r *Responder) dispatch(ctx context.Context, w io.Writer, msg wire.Message) error {
	switch msg.Verb {
	case wire.QUIT:
		return nil
	case wire.PROTOCOL:
		return r.handleProtocol(w, msg)
	case wire.TARGET_BLOCK_SIZE:
		return r.handleTargetBlockSize(w, msg)
	case wire.SCHEMA:
		return r.handleSchema(ctx, w)
	case wire.EXPORT_SNAPSHOT:
		return r.handleExportSnapshot(ctx, w)
	case wire.IMPORT_SNAPSHOT:
		return r.handleImportSnapshot(ctx, w, msg)
	case wire.UNHOLD_SNAPSHOT:
		return r.handleUnholdSnapshot(ctx, w)
	case wire.WITHOUT_SNAPSHOT:
		return wire.Send(w, wire.WITHOUT_SNAPSHOT, nil)
	case wire.OPEN:
		name, _ := msg.Arg(0).(string)
		return r.handleOpen(ctx, w, name)
	case wire.HASH:
		return r.handleHash(ctx, w, msg)
	case wire.ROWS:
		return r.handleRows(ctx, w, msg)
	default:
		return dbsync.NewProtocolError(fmt.Sprintf("responder: unexpected verb %s", msg.Verb))
	}
}

// handleProtocol replies to PROTOCOL with the lower of the two endpoints'
// supported versions, since both sides must speak whatever the worker
// actually negotiated (spec.md §6: "reply with server's chosen version").
func (r *Responder) handleProtocol(w io.Writer, msg wire.Message) error {
	requested, _ := toInt64(msg.Arg(0))
	chosen := requested
	if chosen > ProtocolVersion {
		chosen = ProtocolVersion
	}
	return wire.Send(w, wire.PROTOCOL, uint64(chosen))
}

// handleTargetBlockSize echoes back the value the destination proposed;
// the responder has no independent opinion on block sizing (spec.md
// §6: "src echoes accepted value").
func (r *Responder) handleTargetBlockSize(w io.Writer, msg wire.Message) error {
	accepted, _ := toInt64(msg.Arg(0))
	return wire.Send(w, wire.TARGET_BLOCK_SIZE, uint64(accepted))
}

// handleSchema replies with the source's table list so the destination's
// leader worker can compare it against its own (spec.md §4.6
// "COMPARE_SCHEMA").
func (r *Responder) handleSchema(ctx context.Context, w io.Writer) error {
	tables, err := r.Client.PopulateSchema(ctx)
	if err != nil {
		return dbsync.NewDatabaseError(err)
	}
	return wire.Send(w, wire.SCHEMA, dbsync.EncodeSchema(tables))
}

func (r *Responder) handleExportSnapshot(ctx context.Context, w io.Writer) error {
	token, err := r.Client.ExportSnapshot(ctx)
	if err != nil {
		return dbsync.NewDatabaseError(err)
	}
	return wire.Send(w, wire.EXPORT_SNAPSHOT, token)
}

func (r *Responder) handleImportSnapshot(ctx context.Context, w io.Writer, msg wire.Message) error {
	token, _ := msg.Arg(0).(string)
	if err := r.Client.ImportSnapshot(ctx, token); err != nil {
		return dbsync.NewDatabaseError(err)
	}
	return wire.Send(w, wire.IMPORT_SNAPSHOT, nil)
}

func (r *Responder) handleUnholdSnapshot(ctx context.Context, w io.Writer) error {
	if err := r.Client.UnholdSnapshot(ctx); err != nil {
		return dbsync.NewDatabaseError(err)
	}
	return wire.Send(w, wire.UNHOLD_SNAPSHOT, nil)
}

// ProtocolVersion is the highest protocol version this responder speaks.
const ProtocolVersion = 1

func (r *Responder) table(name string) (*dbsync.Table, error) {
	t, ok := r.Tables[name]
	if !ok {
		return nil, dbsync.NewProtocolError(fmt.Sprintf("responder: unknown table %q", name))
	}
	return t, nil
}

// handleOpen replies to OPEN(table) with the first hash, over an initial
// range sized to TargetBlockSize, as a HASH_NEXT message (spec.md §4.4:
// "On OPEN(table): ... the source immediately sends the first hash over
// an initial range sized to target block size").
func (r *Responder) handleOpen(ctx context.Context, w io.Writer, name string) error {
	table, err := r.table(name)
	if err != nil {
		return err
	}

	initRows := r.TargetBlockSize / estimatedBytesPerRow
	if initRows < 1 {
		initRows = 1
	}

	actualLast, digest, err := r.scanAndHash(ctx, table, dbsync.Key{}, dbsync.Key{}, initRows)
	if err != nil {
		return err
	}
	return wire.Send(w, wire.HASH_NEXT, name, dbsync.Key{}.Interfaces(), actualLast.Interfaces(), uint64(digest.RowCount), digest.Bytes)
}

// handleHash replies to a HASH request with HASH_NEXT (fresh range) or
// HASH_FAIL (a retry within a previously-failed range, echoing the
// caller's failedLastKey).
//
// Args: table, prevKey, lastKey, rowLimit, [failedLastKey].
func (r *Responder) handleHash(ctx context.Context, w io.Writer, msg wire.Message) error {
	name, _ := msg.Arg(0).(string)
	table, err := r.table(name)
	if err != nil {
		return err
	}
	prev := keyFromArg(msg.Arg(1))
	last := keyFromArg(msg.Arg(2))
	limit, _ := toInt64(msg.Arg(3))
	failed := keyFromArg(msg.Arg(4))

	actualLast, digest, err := r.scanAndHash(ctx, table, prev, last, limit)
	if err != nil {
		return err
	}

	if !failed.IsEmpty() {
		return wire.Send(w, wire.HASH_FAIL, name, prev.Interfaces(), actualLast.Interfaces(), failed.Interfaces(), uint64(digest.RowCount), digest.Bytes)
	}
	return wire.Send(w, wire.HASH_NEXT, name, prev.Interfaces(), actualLast.Interfaces(), uint64(digest.RowCount), digest.Bytes)
}

// scanAndHash hashes (prev, last] bounded by limit rows. If that range is
// empty but last isn't the end-of-table sentinel, it extends the scan to
// the first limit rows past prev with no upper bound, per the zero-row
// extension rule (spec.md §4.2): a requested boundary that has decayed
// into a gap (e.g. rows deleted after the destination estimated it)
// shouldn't stall the sync at an empty reply.
func (r *Responder) scanAndHash(ctx context.Context, table *dbsync.Table, prev, last dbsync.Key, limit int64) (dbsync.Key, dbsync.Digest, error) {
	rows, actualLast, err := r.scanRows(ctx, table, prev, last, limit)
	if err != nil {
		return dbsync.Key{}, dbsync.Digest{}, err
	}
	if len(rows) == 0 && !last.IsEmpty() {
		rows, actualLast, err = r.scanRows(ctx, table, prev, dbsync.Key{}, limit)
		if err != nil {
			return dbsync.Key{}, dbsync.Digest{}, err
		}
	}
	digest, err := r.Hasher.Hash(rows)
	if err != nil {
		return dbsync.Key{}, dbsync.Digest{}, dbsync.NewDatabaseError(err)
	}
	return actualLast, digest, nil
}

// scanRows returns the rows in (prev,last], each as the combined
// key+data tuple that gets hashed and streamed (dbsync.CombinedRow).
func (r *Responder) scanRows(ctx context.Context, table *dbsync.Table, prev, last dbsync.Key, limit int64) ([]dbsync.Row, dbsync.Key, error) {
	it, err := r.Client.ScanRange(ctx, table, dbsync.KeyRange{Prev: prev, Last: last}, limit)
	if err != nil {
		return nil, dbsync.Key{}, dbsync.NewDatabaseError(err)
	}
	defer it.Close()

	var rows []dbsync.Row
	actualLast := prev
	for {
		k, row, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, dbsync.Key{}, dbsync.NewDatabaseError(err)
		}
		rows = append(rows, dbsync.CombinedRow(k, row))
		actualLast = k
	}
	if len(rows) == 0 {
		// Nothing in (prev,last]: report the requested upper bound itself
		// rather than prev, unless the caller meant "to end of table".
		if !last.IsEmpty() {
			actualLast = last
		} else {
			actualLast = dbsync.Key{}
		}
	}
	return rows, actualLast, nil
}

// hasMoreAfter reports whether table has any row strictly after `after`,
// used to decide whether a bounded ROWS reply has, in fact, reached the
// true end of the table (last_key == [] on the wire terminates a table).
func (r *Responder) hasMoreAfter(ctx context.Context, table *dbsync.Table, after dbsync.Key) (bool, error) {
	it, err := r.Client.ScanRange(ctx, table, dbsync.KeyRange{Prev: after}, 1)
	if err != nil {
		return false, dbsync.NewDatabaseError(err)
	}
	defer it.Close()
	_, _, err = it.Next(ctx)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, dbsync.NewDatabaseError(err)
	}
	return true, nil
}

// handleRows replies to a ROWS request by streaming the requested rows.
// When the range doesn't reach the end of the table, the reply pipelines
// a hash for the following block (doubled row count, capped by
// TargetBlockSize) as ROWS_AND_HASH_NEXT or, when retrying within a
// previously-failed range, ROWS_AND_HASH_FAIL.
//
// Args: table, prevKey, lastKey, [failedLastKey].
func (r *Responder) handleRows(ctx context.Context, w io.Writer, msg wire.Message) error {
	name, _ := msg.Arg(0).(string)
	table, err := r.table(name)
	if err != nil {
		return err
	}
	prev := keyFromArg(msg.Arg(1))
	last := keyFromArg(msg.Arg(2))
	failed := keyFromArg(msg.Arg(3))

	rows, actualLast, err := r.scanRows(ctx, table, prev, last, 0)
	if err != nil {
		return err
	}

	atTableEnd := last.IsEmpty()
	if !atTableEnd {
		more, err := r.hasMoreAfter(ctx, table, actualLast)
		if err != nil {
			return err
		}
		atTableEnd = !more
	}

	if atTableEnd {
		if err := wire.Send(w, wire.ROWS, name, prev.Interfaces(), dbsync.Key{}.Interfaces()); err != nil {
			return errors.Wrap(err, "sending ROWS reply")
		}
		return r.streamRows(w, rows)
	}

	nextCount := int64(len(rows)) * 2
	if nextCount <= 0 {
		nextCount = 1
	}
	if maxRows := r.TargetBlockSize / estimatedBytesPerRow; maxRows > 0 && nextCount > maxRows {
		nextCount = maxRows
	}
	nextLast, nextDigest, err := r.scanAndHash(ctx, table, actualLast, dbsync.Key{}, nextCount)
	if err != nil {
		return err
	}

	if !failed.IsEmpty() {
		err = wire.Send(w, wire.ROWS_AND_HASH_FAIL, name, prev.Interfaces(), actualLast.Interfaces(), nextLast.Interfaces(), failed.Interfaces(), uint64(nextDigest.RowCount), nextDigest.Bytes)
	} else {
		err = wire.Send(w, wire.ROWS_AND_HASH_NEXT, name, prev.Interfaces(), actualLast.Interfaces(), nextLast.Interfaces(), uint64(nextDigest.RowCount), nextDigest.Bytes)
	}
	if err != nil {
		return errors.Wrap(err, "sending rows-and-hash reply")
	}
	return r.streamRows(w, rows)
}

func (r *Responder) streamRows(w io.Writer, rows []dbsync.Row) error {
	if err := wire.WriteRowHeader(w, uint64(len(rows))); err != nil {
		return errors.Wrap(err, "writing row header")
	}
	for i, row := range rows {
		vals := make([]interface{}, len(row))
		for j, v := range row {
			vals[j] = v
		}
		if err := wire.WriteRow(w, vals); err != nil {
			return errors.Wrapf(err, "writing row %d", i)
		}
	}
	return nil
}

// estimatedBytesPerRow seeds the very first OPEN reply, before the
// estimator (package policy) has observed any real samples for this
// table.
const estimatedBytesPerRow = 64

func keyFromArg(v interface{}) dbsync.Key {
	arr, ok := v.([]interface{})
	if !ok {
		return dbsync.Key{}
	}
	out := make(dbsync.Key, len(arr))
	for i, a := range arr {
		out[i] = a
	}
	return out
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
