// Package completion detects a solved board and performs the one-way
// playing -> completed transition.
//
// Every client evaluates the predicate on its own replica, so several
// clients usually notice completion at the same moment. The transition is a
// compare-and-set on the session status: exactly one client wins it, and
// only the winner computes the winner and emits the completion record.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/jigsync/internal/ledger"
	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/registry"
	"github.com/roach88/jigsync/internal/store"
)

// Solved reports whether every piece is placed. An empty board is never
// solved.
func Solved(placed, total int) bool {
	return total > 0 && placed == total
}

// Detector fires at most once per round.
//
// Not safe for concurrent use; the session handle serializes access.
type Detector struct {
	fired bool
}

// Check returns true the first time the board is observed solved.
func (d *Detector) Check(placed, total int) bool {
	if d.fired || !Solved(placed, total) {
		return false
	}
	d.fired = true
	return true
}

// Fired reports whether the detector has fired this round.
func (d *Detector) Fired() bool { return d.fired }

// Rearm starts a new round. Called on reset.
func (d *Detector) Rearm() { d.fired = false }

// Winner picks the player with the highest score; ties go to the earliest
// joinedAt, then the lowest ID.
func Winner(roster []model.Player) (model.Player, bool) {
	if len(roster) == 0 {
		return model.Player{}, false
	}
	sorted := make([]model.Player, len(roster))
	copy(sorted, roster)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.JoinedAt != b.JoinedAt {
			return a.JoinedAt < b.JoinedAt
		}
		return a.ID < b.ID
	})
	return sorted[0], true
}

// Elapsed returns whole seconds between startTime (Unix ms) and now, never
// negative.
func Elapsed(startTime int64, now time.Time) int64 {
	d := model.Millis(now) - startTime
	if startTime <= 0 || d < 0 {
		return 0
	}
	return d / 1000
}

// Option configures Transition.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Transition moves the session from playing to completed.
//
// The store's own pieces decide: when any piece there is unplaced, for
// example because a later move from another client superseded the one that
// solved the local replica, nothing is written and applied is false.
// applied is also false when another client already completed the session,
// or when it is not playing. The CAS winner writes the final timerSeconds,
// computes the winner from a fresh snapshot and hands the record to rec. A
// recorder failure is returned but does not undo the completion.
func Transition(ctx context.Context, st store.Store, rec ledger.Recorder, sessionID string, now time.Time, opts ...Option) (ledger.Record, bool, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("session", sessionID)

	pre, err := st.Read(ctx, sessionID)
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("complete %s: read: %w", sessionID, err)
	}
	placed, total, err := storedProgress(pre)
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("complete %s: %w", sessionID, err)
	}
	if !Solved(placed, total) {
		logger.Debug("completion withdrawn, store not solved", "placed", placed, "total", total)
		return ledger.Record{}, false, nil
	}

	applied, err := st.CompareAndSet(ctx, sessionID, store.Root, "status", model.StatusPlaying, model.StatusCompleted)
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("complete %s: %w", sessionID, err)
	}
	if !applied {
		logger.Debug("completion already taken")
		return ledger.Record{}, false, nil
	}

	snap, err := st.Read(ctx, sessionID)
	if err != nil {
		return ledger.Record{}, true, fmt.Errorf("complete %s: read: %w", sessionID, err)
	}
	sess, err := model.DecodeSession(sessionID, snap.Root)
	if err != nil {
		return ledger.Record{}, true, fmt.Errorf("complete %s: %w", sessionID, err)
	}
	roster, err := registry.Roster(snap)
	if err != nil {
		return ledger.Record{}, true, fmt.Errorf("complete %s: %w", sessionID, err)
	}

	r := ledger.Record{
		SessionID:      sessionID,
		ElapsedSeconds: Elapsed(sess.StartTime, now),
		Difficulty:     sess.Difficulty,
		CompletedAt:    model.Millis(now),
	}
	if w, ok := Winner(roster); ok {
		r.WinnerID = w.ID
		r.WinnerName = w.DisplayName
		r.WinnerScore = w.Score
	}

	if err := st.Patch(ctx, sessionID, store.Root, store.Fields{"timerSeconds": r.ElapsedSeconds}); err != nil {
		logger.Warn("final timer write failed", "error", err)
	}

	logger.Info("session completed",
		"winner", r.WinnerID,
		"elapsed", r.ElapsedSeconds,
	)

	if rec != nil {
		if err := rec.Record(ctx, r); err != nil {
			return r, true, fmt.Errorf("complete %s: %w", sessionID, err)
		}
	}
	return r, true, nil
}

// storedProgress counts placed pieces as the store holds them.
func storedProgress(snap store.Snapshot) (placed, total int, err error) {
	for id, fields := range snap.Pieces {
		p, err := model.DecodePiece(id, fields)
		if err != nil {
			return 0, 0, err
		}
		total++
		if p.Placed {
			placed++
		}
	}
	return placed, total, nil
}
