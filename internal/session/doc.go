// Package session is the client engine: it creates and joins puzzle
// sessions and keeps a live local replica of each joined session.
//
// An Engine is one client process acting as one player. Joining a session
// yields a Handle that runs three goroutines:
//
//   - inbound: store subscription -> replica. Changes at or below the
//     snapshot seq are discarded; a dropped subscription is resubscribed
//     with exponential backoff and the replica re-seeded from a full
//     snapshot (EventResynced).
//   - publisher: a FIFO outbox of store writes, so local input never waits
//     for a round trip. For one move the order is score, then piece, then
//     the completion compare-and-set.
//   - ticker: presence heartbeat and the convergent timer write.
//
// There is no coordinator. Host authority is recomputed by every client
// from the roster (earliest joinedAt); the derived host rewrites its own
// isHost flag. Start, pause, resume and reset are host-only, enforced on
// the client.
package session
