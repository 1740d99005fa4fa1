package harness

import (
	"fmt"

	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/registry"
)

// checkInvariants validates the settled store state after a step. prev is
// the state after the previous step, nil before the first.
func checkInvariants(prev, cur *snapshotView) []string {
	if cur.deleted {
		return nil
	}
	var errs []string
	sess := cur.session

	if !sess.Status.Valid() {
		errs = append(errs, fmt.Sprintf("invariant: unknown status %q", sess.Status))
	}
	if want := sess.Difficulty.PieceCount(); len(cur.pieces) != want {
		errs = append(errs, fmt.Sprintf("invariant: %d pieces, want %d", len(cur.pieces), want))
	}
	for _, p := range cur.pieces {
		if model.PieceID(p.Target) != p.ID {
			errs = append(errs, fmt.Sprintf("invariant: piece %s targets %v", p.ID, p.Target))
		}
	}
	if sess.Status == model.StatusCompleted && cur.placed() != len(cur.pieces) {
		errs = append(errs, fmt.Sprintf("invariant: completed with %d of %d placed", cur.placed(), len(cur.pieces)))
	}

	if host, ok := registry.Host(cur.roster); ok {
		if sess.HostPlayerID != host.ID {
			errs = append(errs, fmt.Sprintf("invariant: hostPlayerId %q, derived host %q", sess.HostPlayerID, host.ID))
		}
		for _, p := range cur.roster {
			if p.IsHost != (p.ID == host.ID) {
				errs = append(errs, fmt.Sprintf("invariant: %s has isHost=%v", p.ID, p.IsHost))
			}
		}
	}

	if prev == nil || prev.deleted {
		return errs
	}
	// Within a round, completion is only left through reset.
	if prev.session.Status == model.StatusCompleted && sess.Status != model.StatusCompleted &&
		sess.Round == prev.session.Round {
		errs = append(errs, fmt.Sprintf("invariant: left completed as %s without reset", sess.Status))
	}
	if sess.Round < prev.session.Round {
		errs = append(errs, fmt.Sprintf("invariant: round went back from %d to %d", prev.session.Round, sess.Round))
	}
	return errs
}
