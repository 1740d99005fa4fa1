// Package store provides the field-addressable replicated key space that
// every other component is built on.
//
// One session is a small tree of nodes:
//
//	sessions/{id}                    root node (status, difficulty, ...)
//	sessions/{id}/players/{playerId} one node per player
//	sessions/{id}/pieces/{pieceId}   one node per piece
//
// Each node is a flat map of fields. Writers patch individual fields, so
// concurrent writers touching different fields (or different nodes) never
// conflict. Writers on the same field are resolved by last-writer-wins at
// the store, which is the serialization point.
//
// # Critical Patterns
//
// Logical time: every accepted write is stamped with a seq from the store's
// Clock and published as exactly one Change. Ordering never depends on wall
// time.
//
// Non-blocking fan-out: subscriptions buffer changes in an unbounded mailbox,
// so a slow subscriber never stalls a writer.
//
// Snapshot before deltas: a reader seeds from Read and then discards changes
// with seq <= Snapshot.Seq. Buffered deltas are never used for
// initialization.
//
// # Backends
//
//   - Memory: in-process, used by tests, the scenario harness and simulate
//   - SQLite: durable, WAL mode, single writer (github.com/mattn/go-sqlite3)
//   - Redis: shared across processes, Lua scripts + pub/sub
//     (github.com/redis/go-redis/v9)
//
// All backends pass the same contract suite in package storetest.
package store
