// Package driver is a registry of named dbsync.DBClient factories, one
// per supported database engine, mirroring the teacher's store registry
// so cmd/dbsync can select an engine by name from the command line
// without importing every driver subpackage directly into its switch
// statement.
package driver

import (
	"context"
	"fmt"

	"github.com/bobg/dbsync"
)

// Factory opens a dbsync.DBClient given a driver-specific connection
// string (a DSN for pg, a file path for sqlite3, and for mem a name that
// selects a Store shared by every client opened with the same name).
type Factory func(ctx context.Context, dsn string) (dbsync.DBClient, error)

var registry = make(map[string]Factory)

// Register adds a named factory to the registry. Driver subpackages call
// this from an init func so importing them for side effect (in
// cmd/dbsync's main, via a blank import) is enough to make them
// available by name.
func Register(name string, f Factory) {
	registry[name] = f
}

// Open looks up name in the registry and invokes its factory with dsn.
func Open(ctx context.Context, name, dsn string) (dbsync.DBClient, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("dbsync: no driver registered with name %q", name)
	}
	return f(ctx, dsn)
}
