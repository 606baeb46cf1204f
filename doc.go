// Package dbsync implements a differential table-synchronization engine.
//
// Two endpoints - a destination driver and a source responder - walk a
// table's key space together, exchanging hashes over successively smaller
// key ranges until they agree (and skip the range) or the range is small
// enough to send rows directly. See the subpackages: wire (the command
// codec), policy (the range-selection algorithm), responder (the source
// side), applier (the destination-side row writer), queue (table queue and
// worker barrier), worker (the per-side state machine), and driver/* (the
// per-engine database clients).
package dbsync
