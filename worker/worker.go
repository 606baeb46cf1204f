// Package worker implements the destination-side sync worker state
// machine of spec.md §4.6: protocol negotiation, schema population and
// comparison (leader only), snapshot sharing, the per-table loop driving
// packages policy and applier, and commit/rollback on completion or
// abort.
package worker

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/dbsync"
	"github.com/bobg/dbsync/policy"
	"github.com/bobg/dbsync/queue"
	"github.com/bobg/dbsync/wire"
)

// Role distinguishes the one worker per run that performs shared setup
// (schema population, table enumeration, snapshot export) from the rest,
// which wait at a barrier for it to finish (spec.md §4.6, §4.7).
type Role int

const (
	NonLeader Role = iota
	Leader
)

// Config holds the negotiated and operator-supplied settings for a run.
type Config struct {
	ProtocolVersion uint64
	TargetBlockSize int64
	HashAlgorithm   string

	// Partial, when true, makes a worker attempt to commit its
	// transaction even after an error (spec.md §7), instead of always
	// rolling back.
	Partial bool

	// RollbackAfter forces a rollback at the very end regardless of
	// success, for dry-run validation (SPEC_FULL.md §4, mirroring
	// sync_to.h's rollback_after test hook).
	RollbackAfter bool
}

// SnapshotBox carries the leader's exported snapshot token to the rest
// of the pool, once, after the pre-table barrier (spec.md §4.7).
type SnapshotBox struct {
	mu    sync.Mutex
	token string
	set   bool
}

// Set records token as the shared snapshot. Only the leader calls this.
func (b *SnapshotBox) Set(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token, b.set = token, true
}

// Get returns the token set by the leader, if any.
func (b *SnapshotBox) Get() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token, b.set
}

// Worker runs one destination-side worker against its paired stream.
type Worker struct {
	Role   Role
	Stream io.ReadWriter
	Client dbsync.DBClient
	Hasher dbsync.Hasher
	Policy *policy.Policy
	Config Config

	// IgnoreTables and OnlyTables, when set on the leader, filter which of
	// the compared tables are enqueued (ignore/only sets; SPEC_FULL.md §4).
	IgnoreTables map[string]bool
	OnlyTables   map[string]bool

	Queue       *queue.TableQueue // shared across the pool; leader populates it
	PreBarrier  *queue.Barrier
	PostBarrier *queue.Barrier
	Abort       *queue.AbortFlag
	Logger      *queue.Logger
	Snapshot    *SnapshotBox

	// tables is filled in by the leader's populateAndEnqueue with the
	// same list it enqueues; non-leaders leave it empty.
	tables []*dbsync.Table
}

// Run executes the full state machine and returns the run's outcome for
// this worker. A nil error means full success; any other error means
// this worker aborted (possibly after a partial commit, see Config).
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if sendErr := wire.Send(w.Stream, wire.QUIT); sendErr != nil && err == nil {
			err = dbsync.NewIoError(sendErr)
		}
	}()

	if err = w.negotiateProtocol(); err != nil {
		return w.abort(err)
	}
	if err = w.negotiateBlockSize(); err != nil {
		return w.abort(err)
	}
	if err = w.shareSnapshot(ctx); err != nil {
		return w.abort(err)
	}

	if w.Role == Leader {
		if err = w.populateAndEnqueue(ctx); err != nil {
			return w.abort(err)
		}
	}

	if err = w.PreBarrier.Wait(ctx, w.Abort); err != nil {
		return w.abort(err)
	}

	if err = w.Client.BeginTransaction(ctx); err != nil {
		return w.abort(dbsync.NewDatabaseError(err))
	}
	if err = w.Client.DisableReferentialIntegrity(ctx); err != nil {
		return w.abort(dbsync.NewDatabaseError(err))
	}

	loopErr := w.tableLoop(ctx)
	if loopErr != nil {
		w.Abort.Abort(loopErr)
	}

	if err = w.Client.EnableReferentialIntegrity(ctx); err != nil && loopErr == nil {
		loopErr = dbsync.NewDatabaseError(err)
	}

	if err = w.PostBarrier.Wait(ctx, w.Abort); err != nil && loopErr == nil {
		loopErr = err
	}

	commitErr := w.commitOrRollback(ctx, loopErr)
	if loopErr != nil {
		return loopErr
	}
	return commitErr
}

func (w *Worker) abort(cause error) error {
	w.Abort.Abort(cause)
	w.Logger.Logf(0, "worker aborted: %s", cause)
	return cause
}

// commitOrRollback implements spec.md §7's partial-mode contract: a
// clean run always commits; a failed run rolls back unless Partial asks
// for a best-effort commit-on-error (swallowing any secondary failure).
// RollbackAfter overrides everything for dry-run validation.
func (w *Worker) commitOrRollback(ctx context.Context, runErr error) error {
	if w.Config.RollbackAfter {
		return w.Client.RollbackTransaction(ctx)
	}
	if runErr == nil {
		if err := w.Client.CommitTransaction(ctx); err != nil {
			return dbsync.NewDatabaseError(err)
		}
		return nil
	}
	if w.Config.Partial {
		if err := w.Client.CommitTransaction(ctx); err != nil {
			w.Logger.Logf(1, "partial-mode commit-on-error also failed: %s", err)
		}
		return nil
	}
	if err := w.Client.RollbackTransaction(ctx); err != nil {
		w.Logger.Logf(1, "rollback after error also failed: %s", err)
	}
	return nil
}

func (w *Worker) negotiateProtocol() error {
	if err := wire.Send(w.Stream, wire.PROTOCOL, w.Config.ProtocolVersion); err != nil {
		return dbsync.NewIoError(errors.Wrap(err, "sending PROTOCOL"))
	}
	msg, err := wire.Recv(w.Stream)
	if err != nil {
		return dbsync.NewIoError(errors.Wrap(err, "receiving PROTOCOL reply"))
	}
	chosen, ok := toUint64(msg.Arg(0))
	if !ok || chosen > w.Config.ProtocolVersion {
		return dbsync.NewProtocolError("worker: peer chose an unsupported protocol version")
	}
	w.Config.ProtocolVersion = chosen
	return nil
}

func (w *Worker) negotiateBlockSize() error {
	if err := wire.Send(w.Stream, wire.TARGET_BLOCK_SIZE, uint64(w.Config.TargetBlockSize)); err != nil {
		return dbsync.NewIoError(errors.Wrap(err, "sending TARGET_BLOCK_SIZE"))
	}
	msg, err := wire.Recv(w.Stream)
	if err != nil {
		return dbsync.NewIoError(errors.Wrap(err, "receiving TARGET_BLOCK_SIZE reply"))
	}
	accepted, ok := toUint64(msg.Arg(0))
	if !ok {
		return dbsync.NewProtocolError("worker: malformed TARGET_BLOCK_SIZE reply")
	}
	w.Config.TargetBlockSize = int64(accepted)
	return nil
}

// shareSnapshot implements spec.md §4.7. The leader either exports a
// real snapshot (MVCC engines) or, when the engine reports none
// available, drives the lock-based barrier choreography; non-leaders
// import whichever the leader published.
func (w *Worker) shareSnapshot(ctx context.Context) error {
	if w.Role != Leader {
		if err := w.PreBarrier.Wait(ctx, w.Abort); err != nil {
			return err
		}
		token, _ := w.Snapshot.Get()
		if token == "" {
			if err := wire.Send(w.Stream, wire.WITHOUT_SNAPSHOT); err != nil {
				return dbsync.NewIoError(err)
			}
			return recvNil(w.Stream, "WITHOUT_SNAPSHOT")
		}
		if err := wire.Send(w.Stream, wire.IMPORT_SNAPSHOT, token); err != nil {
			return dbsync.NewIoError(err)
		}
		if err := recvNil(w.Stream, "IMPORT_SNAPSHOT"); err != nil {
			return err
		}
		return w.Client.ImportSnapshot(ctx, token)
	}

	token, err := w.Client.ExportSnapshot(ctx)
	if err != nil {
		return dbsync.NewDatabaseError(err)
	}
	if token == "" {
		if err := wire.Send(w.Stream, wire.WITHOUT_SNAPSHOT); err != nil {
			return dbsync.NewIoError(err)
		}
		if err := recvNil(w.Stream, "WITHOUT_SNAPSHOT"); err != nil {
			return err
		}
		w.Snapshot.Set("")
		return w.PreBarrier.Wait(ctx, w.Abort)
	}

	if err := wire.Send(w.Stream, wire.EXPORT_SNAPSHOT); err != nil {
		return dbsync.NewIoError(err)
	}
	msg, err := wire.Recv(w.Stream)
	if err != nil {
		return dbsync.NewIoError(err)
	}
	peerToken, _ := msg.Arg(0).(string)
	w.Snapshot.Set(peerToken)
	if err := w.PreBarrier.Wait(ctx, w.Abort); err != nil {
		return err
	}
	if err := wire.Send(w.Stream, wire.UNHOLD_SNAPSHOT); err != nil {
		return dbsync.NewIoError(err)
	}
	return recvNil(w.Stream, "UNHOLD_SNAPSHOT")
}

func recvNil(stream io.ReadWriter, what string) error {
	msg, err := wire.Recv(stream)
	if err != nil {
		return dbsync.NewIoError(errors.Wrapf(err, "receiving %s reply", what))
	}
	if msg.Arg(0) != nil {
		return dbsync.NewProtocolError("worker: expected NIL reply to " + what)
	}
	return nil
}

// populateAndEnqueue fetches this side's schema, requests the peer's
// (via SCHEMA), compares them, applies any ignore/only filters, and
// fills the shared table queue (spec.md §4.6: "POPULATE_SCHEMA (leader
// only) ... COMPARE_SCHEMA (leader) ... ENQUEUE_TABLES (leader)").
func (w *Worker) populateAndEnqueue(ctx context.Context) error {
	local, err := w.Client.PopulateSchema(ctx)
	if err != nil {
		return dbsync.NewDatabaseError(err)
	}

	if err := wire.Send(w.Stream, wire.SCHEMA); err != nil {
		return dbsync.NewIoError(err)
	}
	msg, err := wire.Recv(w.Stream)
	if err != nil {
		return dbsync.NewIoError(err)
	}
	remote, err := dbsync.DecodeSchema(msg.Arg(0))
	if err != nil {
		return err
	}

	tables, err := compareSchema(local, remote, w.IgnoreTables, w.OnlyTables)
	if err != nil {
		return err
	}

	w.tables = tables
	w.Queue.Enqueue(tables)
	return nil
}

// compareSchema reconciles the destination's and source's table lists,
// filters them by ignore/only, and fails with SchemaMismatch if a kept
// table's columns or key disagree between the two sides.
func compareSchema(local, remote []dbsync.Table, ignore, only map[string]bool) ([]*dbsync.Table, error) {
	remoteByName := make(map[string]dbsync.Table, len(remote))
	for _, t := range remote {
		remoteByName[t.Name] = t
	}

	var out []*dbsync.Table
	for i := range local {
		t := local[i]
		if ignore[t.Name] {
			continue
		}
		if len(only) > 0 && !only[t.Name] {
			continue
		}
		rt, ok := remoteByName[t.Name]
		if !ok {
			return nil, dbsync.NewSchemaMismatch("worker: table " + t.Name + " present on destination but not source")
		}
		if !columnsEqual(t.KeyColumns, rt.KeyColumns) || !columnsEqual(t.DataColumns, rt.DataColumns) || t.UniqueKey != rt.UniqueKey {
			return nil, dbsync.NewSchemaMismatch("worker: table " + t.Name + " disagrees between source and destination")
		}
		tCopy := t
		out = append(out, &tCopy)
	}
	return out, nil
}

func columnsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	default:
		return 0, false
	}
}
