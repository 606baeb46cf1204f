// Package queue provides the coordination primitives shared by a pool of
// sync workers: a work queue of tables to claim, a reusable barrier for
// phases that must complete across every worker before any of them moves
// on (snapshot export/import, see spec.md §4.7), and a first-failure
// abort flag so one worker's error stops the rest promptly (spec.md
// §4.6, §7).
package queue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobg/dbsync"
)

// TableQueue hands out tables to a pool of workers, one at a time. It is
// safe for concurrent use.
type TableQueue struct {
	mu     sync.Mutex
	tables []*dbsync.Table
	next   int
}

// NewTableQueue returns a TableQueue that will hand out tables in order.
func NewTableQueue(tables []*dbsync.Table) *TableQueue {
	return &TableQueue{tables: tables}
}

// Enqueue fills the queue with tables, for the leader to call exactly
// once per run before the pre-table barrier (spec.md §4.5: "enqueue
// ... leader only, idempotent per run"). Calling it again is a no-op if
// the queue already has tables, so a leader that retries the populate
// step harmlessly re-enqueues nothing.
func (q *TableQueue) Enqueue(tables []*dbsync.Table) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tables) > 0 {
		return
	}
	q.tables = tables
}

// Next claims the next unclaimed table, or returns (nil, false) once the
// queue is drained.
func (q *TableQueue) Next() (*dbsync.Table, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.tables) {
		return nil, false
	}
	t := q.tables[q.next]
	q.next++
	return t, true
}

// Len reports the total number of tables the queue started with.
func (q *TableQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tables)
}

// AbortFlag is a CAS-guarded first-failure latch: exactly one call to
// Abort "wins" and records the error that tripped it; every worker
// checks Aborted at protocol boundaries (between tables, between
// commands within a table) and stops cooperatively rather than being
// killed.
type AbortFlag struct {
	tripped int32
	err     atomic.Value
}

// Abort records err as the abort cause if nothing has tripped the flag
// yet, and reports whether this call was the one that tripped it.
func (a *AbortFlag) Abort(err error) bool {
	if !atomic.CompareAndSwapInt32(&a.tripped, 0, 1) {
		return false
	}
	a.err.Store(wrappedErr{err})
	return true
}

// Aborted reports whether any worker has called Abort.
func (a *AbortFlag) Aborted() bool {
	return atomic.LoadInt32(&a.tripped) != 0
}

// Err returns the error passed to the winning Abort call, or nil if
// Abort hasn't been called.
func (a *AbortFlag) Err() error {
	v := a.err.Load()
	if v == nil {
		return nil
	}
	return v.(wrappedErr).err
}

type wrappedErr struct{ err error }

// Barrier is a reusable (cyclic) barrier for n parties: each call to
// Wait blocks until all n parties have called it for the current
// generation, then releases everyone and advances to the next
// generation so the same Barrier can be used again for the next phase
// (spec.md §4.7 needs this twice per table set: once around snapshot
// export/import, and implicitly at the end of each worker's table
// queue). Wait also returns early if ctx is canceled or abort is
// tripped, so a stuck peer can't wedge the whole pool.
type Barrier struct {
	mu    sync.Mutex
	n     int
	count int
	ch    chan struct{} // closed when the current generation completes
}

// NewBarrier returns a Barrier for n parties.
func NewBarrier(n int) *Barrier {
	return &Barrier{n: n, ch: make(chan struct{})}
}

// abortPollInterval bounds how long Wait can take to notice an abort
// after it trips, since AbortFlag has no way to wake a blocked Wait
// directly.
const abortPollInterval = 20 * time.Millisecond

// Wait blocks until every party has called Wait for the current
// generation, then returns nil for all of them and advances the
// generation. It returns early with ctx.Err() if ctx is done, or with
// dbsync.AbortedError if abort trips first; abort may be nil.
func (b *Barrier) Wait(ctx context.Context, abort *AbortFlag) error {
	b.mu.Lock()
	ch := b.ch
	b.count++
	if b.count == b.n {
		b.count = 0
		b.ch = make(chan struct{})
		close(ch)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if abort == nil {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(abortPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if abort.Aborted() {
				return dbsync.AbortedError
			}
		}
	}
}

// Logger serializes verbose progress output across concurrent workers,
// mirroring how the teacher's worker pool guards the shared stdlib
// logger with a mutex rather than pulling in a structured logging
// dependency for what is, here, pure human-readable progress chatter.
type Logger struct {
	mu      sync.Mutex
	verbose int
}

// NewLogger returns a Logger at the given verbosity tier (at 0 only
// level-0 messages, such as abort reports, are printed; see spec.md's
// -v/-vv flags).
func NewLogger(verbose int) *Logger { return &Logger{verbose: verbose} }

// Logf prints a message if the logger's verbosity is at least level.
func (l *Logger) Logf(level int, format string, args ...interface{}) {
	if l == nil || level > l.verbose {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Printf(format, args...)
}
