// Package pieces owns the puzzle board: generation, placement evaluation
// and the local replica that applies local and remote moves under
// last-writer-wins.
package pieces

import (
	"context"
	"fmt"

	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/store"
	"github.com/roach88/jigsync/internal/tiers"
)

// Rand is the randomness Generate draws from. *math/rand/v2.Rand satisfies
// it; tests pass a seeded source so scrambles are reproducible.
type Rand interface {
	IntN(n int) int
}

// Rotations are the discrete starting rotations.
var Rotations = [4]float64{0, 90, 180, 270}

// Generate creates one piece per grid cell. Starting positions are a
// Fisher-Yates permutation of the cells' canonical positions, so pieces
// and starting positions are in bijection. Rotations are drawn from
// Rotations when the tier enables rotation.
//
// Placement is evaluated with the same rule every replica applies, so a
// piece that happens to start on its own cell with no rotation is placed
// from the start and earns nobody a point.
func Generate(d model.Difficulty, tier tiers.Tier, geo model.Geometry, rng Rand) ([]model.Piece, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	cells := make([]model.Cell, 0, d.PieceCount())
	for row := 0; row < d.Rows; row++ {
		for col := 0; col < d.Cols; col++ {
			cells = append(cells, model.Cell{Col: col, Row: row})
		}
	}

	slots := make([]model.Point, len(cells))
	for i, c := range cells {
		slots[i] = geo.Canonical(c)
	}
	for i := len(slots) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		slots[i], slots[j] = slots[j], slots[i]
	}

	rules := Rules{Tier: tier, Geometry: geo}
	out := make([]model.Piece, len(cells))
	for i, c := range cells {
		var rot float64
		if tier.Rotation {
			rot = Rotations[rng.IntN(len(Rotations))]
		}
		out[i] = model.Piece{
			ID:       model.PieceID(c),
			Target:   c,
			Position: slots[i],
			Rotation: rot,
		}
		out[i].Placed = rules.Placed(out[i])
	}
	return out, nil
}

// Fields returns the full store node of a piece.
func Fields(p model.Piece) store.Fields {
	f := MoveFields(p)
	f["target"] = map[string]any{"col": p.Target.Col, "row": p.Target.Row}
	return f
}

// MoveFields returns the mutable fields a move patches. target is never
// part of a move.
func MoveFields(p model.Piece) store.Fields {
	return store.Fields{
		"position":          map[string]any{"x": p.Position.X, "y": p.Position.Y},
		"rotation":          p.Rotation,
		"placed":            p.Placed,
		"lastMovedBy":       p.LastMovedBy,
		"lastMoveTimestamp": p.LastMoveTimestamp,
	}
}

// StampField is the LWW stamp of a piece node.
const StampField = "lastMoveTimestamp"

// Write stores every piece with its full fields, replacing previous poses.
func Write(ctx context.Context, st store.Store, sessionID string, ps []model.Piece) error {
	for _, p := range ps {
		if err := st.Patch(ctx, sessionID, store.PiecePath(p.ID), Fields(p)); err != nil {
			return fmt.Errorf("write pieces: %w", err)
		}
	}
	return nil
}

// Decode reads all pieces of a snapshot.
func Decode(snap store.Snapshot) ([]model.Piece, error) {
	out := make([]model.Piece, 0, len(snap.Pieces))
	for id, fields := range snap.Pieces {
		p, err := model.DecodePiece(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
