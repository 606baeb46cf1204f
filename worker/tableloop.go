package worker

import (
	"context"
	"io"

	"github.com/bobg/dbsync"
	"github.com/bobg/dbsync/applier"
	"github.com/bobg/dbsync/policy"
	"github.com/bobg/dbsync/wire"
)

// tableLoop repeatedly claims a table from the shared queue and syncs
// it until the queue is drained or the worker observes an abort (spec.md
// §4.6: "TABLE_LOOP { pop → OPEN → exchange → close }").
func (w *Worker) tableLoop(ctx context.Context) error {
	a := applier.New(w.Client)
	for {
		if w.Abort.Aborted() {
			return dbsync.AbortedError
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		table, ok := w.Queue.Next()
		if !ok {
			return nil
		}
		w.Logger.Logf(1, "syncing table %s", table.Name)
		if err := w.syncTable(ctx, table, a); err != nil {
			return err
		}
		w.Logger.Logf(1, "finished table %s", table.Name)
	}
}

// syncTable drives one table's OPEN/HASH/ROWS dialogue to completion.
func (w *Worker) syncTable(ctx context.Context, table *dbsync.Table, a *applier.Applier) error {
	if err := wire.Send(w.Stream, wire.OPEN, table.Name); err != nil {
		return dbsync.NewIoError(err)
	}

	var failedLast dbsync.Key
	for {
		if w.Abort.Aborted() {
			return dbsync.AbortedError
		}
		msg, err := wire.Recv(w.Stream)
		if err != nil {
			return dbsync.NewIoError(err)
		}

		switch msg.Verb {
		case wire.HASH_NEXT, wire.HASH_FAIL:
			done, err := w.handleHashReply(ctx, table, msg, &failedLast)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case wire.ROWS, wire.ROWS_AND_HASH_NEXT, wire.ROWS_AND_HASH_FAIL:
			done, err := w.handleRowsReply(ctx, table, msg, &failedLast, a)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		default:
			return dbsync.NewProtocolError("worker: unexpected verb " + msg.Verb.String() + " during table sync")
		}
	}
}

// handleHashReply processes a HASH_NEXT or HASH_FAIL message: compare
// against the destination's own hash via package policy, and issue
// whatever request that decides on. It reports done=true when the
// comparison itself determined there is nothing left to sync (the
// doubled next range ran off the end of the table with nothing new to
// hash, a rarer path than the usual ROWS-terminated case).
func (w *Worker) handleHashReply(ctx context.Context, table *dbsync.Table, msg wire.Message, failedLast *dbsync.Key) (bool, error) {
	prev := keyFromArg(msg.Arg(1))
	last := keyFromArg(msg.Arg(2))

	var rowCountArg, hashArg interface{}
	if msg.Verb == wire.HASH_FAIL {
		rowCountArg, hashArg = msg.Arg(4), msg.Arg(5)
	} else {
		rowCountArg, hashArg = msg.Arg(3), msg.Arg(4)
	}
	rowCount, _ := toInt64(rowCountArg)
	// The codec sends []byte as a string value and decodes it as string.
	var hashBytes []byte
	switch h := hashArg.(type) {
	case []byte:
		hashBytes = h
	case string:
		hashBytes = []byte(h)
	}
	theirHash := dbsync.Digest{Bytes: hashBytes, RowCount: rowCount}

	dec, err := w.Policy.CheckHashAndChooseNext(
		table, prev, last, *failedLast, theirHash, w.Config.TargetBlockSize,
		w.rangeHasher(ctx, table), w.keyAtOffsetFn(ctx, table),
	)
	if err != nil {
		return false, dbsync.NewDatabaseError(err)
	}

	switch dec.Outcome {
	case policy.Advance:
		*failedLast = dbsync.Key{}
		if dec.Last.IsEmpty() && last.IsEmpty() {
			// Nothing more exists past a range that already reached the
			// table's end: the table has no rows left to reconcile.
			return true, nil
		}
		if err := wire.Send(w.Stream, wire.HASH, table.Name, dec.Prev.Interfaces(), dec.Last.Interfaces(), uint64(dec.RowLimit), dec.FailedLast.Interfaces()); err != nil {
			return false, dbsync.NewIoError(err)
		}
	case policy.Subdivide:
		*failedLast = dec.FailedLast
		if err := wire.Send(w.Stream, wire.HASH, table.Name, dec.Prev.Interfaces(), dec.Last.Interfaces(), uint64(dec.RowLimit), dec.FailedLast.Interfaces()); err != nil {
			return false, dbsync.NewIoError(err)
		}
	case policy.SendRows:
		*failedLast = dec.FailedLast
		if err := wire.Send(w.Stream, wire.ROWS, table.Name, dec.Prev.Interfaces(), dec.Last.Interfaces(), dec.FailedLast.Interfaces()); err != nil {
			return false, dbsync.NewIoError(err)
		}
	}
	return false, nil
}

// handleRowsReply processes a ROWS, ROWS_AND_HASH_NEXT, or
// ROWS_AND_HASH_FAIL message: read and apply the streamed rows, then,
// for the combined shapes, issue the pipelined next HASH request before
// this method returns (spec.md §4.2: "the destination sends the next
// command BEFORE applying the streamed rows"). It reports done=true
// once a plain ROWS reply with last_key == [] confirms table completion.
func (w *Worker) handleRowsReply(ctx context.Context, table *dbsync.Table, msg wire.Message, failedLast *dbsync.Key, a *applier.Applier) (bool, error) {
	prev := keyFromArg(msg.Arg(1))
	last := keyFromArg(msg.Arg(2))

	var pipeline bool
	var nextLast dbsync.Key
	var nextFailed dbsync.Key
	var rowCount int64
	var hashBytes []byte

	switch msg.Verb {
	case wire.ROWS:
	case wire.ROWS_AND_HASH_NEXT:
		pipeline = true
		nextLast = keyFromArg(msg.Arg(3))
		rowCount, _ = toInt64(msg.Arg(4))
		hashBytes, _ = msg.Arg(5).([]byte)
	case wire.ROWS_AND_HASH_FAIL:
		pipeline = true
		nextLast = keyFromArg(msg.Arg(3))
		nextFailed = keyFromArg(msg.Arg(4))
		rowCount, _ = toInt64(msg.Arg(5))
		hashBytes, _ = msg.Arg(6).([]byte)
	}

	// Pipelining: send the next command before decoding/applying rows, so
	// the round-trip overlaps with local disk writes (spec.md §4.2).
	if pipeline {
		*failedLast = nextFailed
		if err := wire.Send(w.Stream, wire.HASH, table.Name, last.Interfaces(), nextLast.Interfaces(), uint64(rowCount), nextFailed.Interfaces()); err != nil {
			return false, dbsync.NewIoError(err)
		}
	}

	keys, rows, err := w.readRows(table)
	if err != nil {
		return false, err
	}
	if err := a.ApplyRows(ctx, table, dbsync.KeyRange{Prev: prev, Last: last}, keys, rows); err != nil {
		return false, err
	}

	if !pipeline && last.IsEmpty() {
		return true, nil
	}
	_ = hashBytes // the pipelined hash is re-verified when its HASH_NEXT/FAIL reply arrives
	return false, nil
}

func (w *Worker) readRows(table *dbsync.Table) ([]dbsync.Key, []dbsync.Row, error) {
	n, err := wire.ReadRowHeader(w.Stream)
	if err != nil {
		return nil, nil, dbsync.NewIoError(err)
	}
	keys := make([]dbsync.Key, n)
	rows := make([]dbsync.Row, n)
	for i := uint64(0); i < n; i++ {
		arr, err := wire.ReadRow(w.Stream)
		if err != nil {
			return nil, nil, dbsync.NewIoError(err)
		}
		full := make([]dbsync.Value, len(arr))
		for j, v := range arr {
			full[j] = v
		}
		k, row := dbsync.SplitCombinedRow(table, full)
		keys[i] = k
		rows[i] = row
	}
	return keys, rows, nil
}

// rangeHasher adapts the destination's DBClient into a policy.RangeHasher.
func (w *Worker) rangeHasher(ctx context.Context, table *dbsync.Table) policy.RangeHasher {
	return func(prev, last dbsync.Key) (dbsync.Digest, int64, error) {
		it, err := w.Client.ScanRange(ctx, table, dbsync.KeyRange{Prev: prev, Last: last}, 0)
		if err != nil {
			return dbsync.Digest{}, 0, err
		}
		defer it.Close()

		var rows []dbsync.Row
		var byteSize int64
		for {
			k, row, err := it.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return dbsync.Digest{}, 0, err
			}
			combined := dbsync.CombinedRow(k, row)
			rows = append(rows, combined)
			n, szErr := dbsync.RowByteSize(combined)
			if szErr == nil {
				byteSize += n
			}
		}
		digest, err := w.Hasher.Hash(rows)
		return digest, byteSize, err
	}
}

// keyAtOffsetFn adapts the destination's DBClient into a
// policy.KeyAtOffset.
func (w *Worker) keyAtOffsetFn(ctx context.Context, table *dbsync.Table) policy.KeyAtOffset {
	return func(prev, limit dbsync.Key, offset int64) (dbsync.Key, error) {
		it, err := w.Client.ScanRange(ctx, table, dbsync.KeyRange{Prev: prev, Last: limit}, offset+1)
		if err != nil {
			return dbsync.Key{}, err
		}
		defer it.Close()

		var last dbsync.Key
		var n int64
		for {
			k, _, err := it.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return dbsync.Key{}, err
			}
			last = k
			n++
		}
		if n <= offset {
			return dbsync.Key{}, nil
		}
		return last, nil
	}
}

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
