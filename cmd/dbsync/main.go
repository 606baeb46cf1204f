// Command dbsync synchronizes a set of tables from a source database to
// a destination database, by running a pool of workers that each walk
// the key space of one table at a time and exchange only the ranges
// that differ (see the top-level dbsync package doc).
//
// It is invoked twice, once per side of the connection, typically with
// each side's file descriptors already wired to the other (e.g. over an
// SSH pipe): "dbsync dest ..." drives the comparison and writes rows;
// "dbsync source ..." answers its requests by reading from its own
// database.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/dbsync"
	"github.com/bobg/dbsync/driver"
	_ "github.com/bobg/dbsync/driver/mem"
	_ "github.com/bobg/dbsync/driver/pg"
	_ "github.com/bobg/dbsync/driver/sqlite3"
	"github.com/bobg/dbsync/policy"
	"github.com/bobg/dbsync/queue"
	"github.com/bobg/dbsync/responder"
	"github.com/bobg/dbsync/worker"
)

type maincmd struct{}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := subcmd.Run(ctx, maincmd{}, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func (maincmd) Subcmds() subcmd.Map {
	return subcmd.Map{
		"dest":   subcmd.Subcmd{F: runDest},
		"source": subcmd.Subcmd{F: runSource},
	}
}

// commonFlags are shared between both subcommands: how to reach this
// side's database, how many workers to run, and which file descriptors
// each worker's stream is already bound to (spec.md §6: "descriptors
// are conventionally assigned at a base offset + worker index").
type commonFlags struct {
	driverName  string
	dsn         string
	workers     int
	baseReadFD  int
	baseWriteFD int
	verbose     int

	v, vv bool
}

// registerCommonFlags declares the flags shared by both subcommands.
// Callers that need additional flags must register them on the same fs
// before calling fs.Parse.
func registerCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.driverName, "driver", "mem", "database driver (mem, pg, sqlite3)")
	fs.StringVar(&c.dsn, "dsn", "", "driver-specific connection string")
	fs.IntVar(&c.workers, "workers", 1, "number of worker streams")
	fs.IntVar(&c.baseReadFD, "read-fd-base", 3, "file descriptor of worker 0's read stream; worker i uses base+i")
	fs.IntVar(&c.baseWriteFD, "write-fd-base", 4, "file descriptor of worker 0's write stream; worker i uses base+i")
	fs.BoolVar(&c.v, "v", false, "verbose logging")
	fs.BoolVar(&c.vv, "vv", false, "very verbose logging")
	return c
}

func parseCommonFlags(fs *flag.FlagSet, args []string) (commonFlags, []string, error) {
	c := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return *c, nil, errors.Wrap(err, "parsing flags")
	}
	switch {
	case c.vv:
		c.verbose = 2
	case c.v:
		c.verbose = 1
	}
	return *c, fs.Args(), nil
}

type fdStream struct {
	*os.File // read side
	w        *os.File
}

func (s fdStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func openStream(workerIndex int, c commonFlags) (fdStream, error) {
	r := os.NewFile(uintptr(c.baseReadFD+workerIndex), "dbsync-read-"+strconv.Itoa(workerIndex))
	w := os.NewFile(uintptr(c.baseWriteFD+workerIndex), "dbsync-write-"+strconv.Itoa(workerIndex))
	if r == nil || w == nil {
		return fdStream{}, errors.Errorf("worker %d: file descriptors %d/%d are not open", workerIndex, c.baseReadFD+workerIndex, c.baseWriteFD+workerIndex)
	}
	return fdStream{File: r, w: w}, nil
}

func parseTableSet(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out[name] = true
		}
	}
	return out
}

// runSource runs the source-side responder pool: one Responder per
// worker stream, each answering OPEN/HASH/ROWS/SCHEMA/snapshot requests
// from its paired destination worker (spec.md §4.4).
func runSource(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("source", flag.ContinueOnError)
	c, _, err := parseCommonFlags(fs, args)
	if err != nil {
		return err
	}

	hasher, err := dbsync.NewHasher(defaultHashAlgorithm)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		i := i
		g.Go(func() error {
			client, err := driver.Open(ctx, c.driverName, c.dsn)
			if err != nil {
				return errors.Wrapf(err, "worker %d: opening database", i)
			}
			tables, err := client.PopulateSchema(ctx)
			if err != nil {
				return errors.Wrapf(err, "worker %d: populating schema", i)
			}
			tableMap := make(map[string]*dbsync.Table, len(tables))
			for j := range tables {
				tableMap[tables[j].Name] = &tables[j]
			}

			stream, err := openStream(i, c)
			if err != nil {
				return err
			}

			r := &responder.Responder{
				Client:          client,
				Hasher:          hasher,
				Tables:          tableMap,
				TargetBlockSize: defaultTargetBlockSize,
			}
			return r.Serve(ctx, stream)
		})
	}
	return g.Wait()
}

// runDest runs the destination-side worker pool: worker 0 leads schema
// comparison, table enumeration, and snapshot export; every worker then
// drains the shared table queue (spec.md §4.6).
func runDest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dest", flag.ContinueOnError)
	c := registerCommonFlags(fs)
	var (
		ignoreTables    = fs.String("ignore-tables", "", "comma-separated tables to skip")
		onlyTables      = fs.String("only-tables", "", "comma-separated tables to sync exclusively (default: all)")
		partial         = fs.Bool("partial", false, "commit each worker's progress even after another worker fails")
		rollbackAfter   = fs.Bool("rollback-after", false, "roll back every transaction at the end regardless of outcome, for dry runs")
		targetBlockSize = fs.Int64("target-block-size", defaultTargetBlockSize, "approximate bytes to hash per round-trip")
		hashName        = fs.String("hash", defaultHashAlgorithm, "content hash algorithm (md5, xxh64)")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing flags")
	}
	switch {
	case c.vv:
		c.verbose = 2
	case c.v:
		c.verbose = 1
	}

	cfg := worker.Config{
		ProtocolVersion: protocolVersion,
		TargetBlockSize: *targetBlockSize,
		HashAlgorithm:   *hashName,
		Partial:         *partial,
		RollbackAfter:   *rollbackAfter,
	}
	ignore := parseTableSet(*ignoreTables)
	only := parseTableSet(*onlyTables)

	hasher, err := dbsync.NewHasher(cfg.HashAlgorithm)
	if err != nil {
		return err
	}
	estimator, err := policy.NewEstimator(defaultEstimatorTables)
	if err != nil {
		return err
	}
	pol := policy.New(estimator)

	q := queue.NewTableQueue(nil)
	preBarrier := queue.NewBarrier(c.workers)
	postBarrier := queue.NewBarrier(c.workers)
	abort := &queue.AbortFlag{}
	logger := queue.NewLogger(c.verbose)
	snapshot := &worker.SnapshotBox{}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		i := i
		g.Go(func() error {
			client, err := driver.Open(ctx, c.driverName, c.dsn)
			if err != nil {
				return errors.Wrapf(err, "worker %d: opening database", i)
			}
			stream, err := openStream(i, *c)
			if err != nil {
				return err
			}

			role := worker.NonLeader
			if i == 0 {
				role = worker.Leader
			}

			w := &worker.Worker{
				Role:         role,
				Stream:       stream,
				Client:       client,
				Hasher:       hasher,
				Policy:       pol,
				Config:       cfg,
				IgnoreTables: ignore,
				OnlyTables:   only,
				Queue:        q,
				PreBarrier:   preBarrier,
				PostBarrier:  postBarrier,
				Abort:        abort,
				Logger:       logger,
				Snapshot:     snapshot,
			}
			return w.Run(ctx)
		})
	}
	return g.Wait()
}

const (
	protocolVersion        = 1
	defaultTargetBlockSize = 1 << 20 // 1 MiB
	defaultHashAlgorithm   = "xxh64"
	defaultEstimatorTables = 256
)
