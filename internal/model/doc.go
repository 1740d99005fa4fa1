// Package model defines the shared puzzle-session data model.
//
// The types here mirror the replicated key space one-to-one:
//
//	sessions/{id}                    -> Session
//	sessions/{id}/players/{playerId} -> Player
//	sessions/{id}/pieces/{pieceId}   -> Piece
//
// Every type round-trips through the generic field maps the store speaks
// (ToFields / DecodeX), so store backends never need to know about puzzles.
//
// # Time and identity
//
// Timestamps are Unix milliseconds read from an injected Clock. Session and
// player IDs come from an injected IDGenerator. Neither is ever read from an
// ambient global, which keeps every test deterministic.
package model
