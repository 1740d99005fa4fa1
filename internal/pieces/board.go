package pieces

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/jigsync/internal/model"
)

var (
	// ErrValidation marks a malformed move. Rejected moves are never
	// published.
	ErrValidation = errors.New("invalid move")
	// ErrUnknownPiece is returned for a move on a piece the board does not
	// hold.
	ErrUnknownPiece = errors.New("unknown piece")
)

// Outcome describes what applying a move did to the replica.
type Outcome struct {
	Piece model.Piece

	// Changed is false when the replica was left untouched.
	Changed bool

	// Scored is set on a local unplaced->placed transition; the mover
	// earns one point.
	Scored bool

	// Conflict is set when a remote update was older than the replica and
	// was discarded under last-writer-wins.
	Conflict bool
}

// Board is one client's replica of the pieces of a session.
//
// Not safe for concurrent use; the session handle serializes access.
type Board struct {
	self      string
	rules     Rules
	pieces    map[string]model.Piece
	conflicts int
}

// NewBoard seeds a replica from a full piece set.
func NewBoard(self string, rules Rules, ps []model.Piece) *Board {
	b := &Board{self: self, rules: rules}
	b.Reset(ps)
	return b
}

// Reset replaces the whole replica. Used after a snapshot pull and after a
// round reset.
func (b *Board) Reset(ps []model.Piece) {
	b.pieces = make(map[string]model.Piece, len(ps))
	for _, p := range ps {
		b.pieces[p.ID] = p
	}
}

// Rules returns the placement rules in effect.
func (b *Board) Rules() Rules { return b.rules }

// Piece returns one piece.
func (b *Board) Piece(id string) (model.Piece, bool) {
	p, ok := b.pieces[id]
	return p, ok
}

// Pieces returns every piece ordered by ID.
func (b *Board) Pieces() []model.Piece {
	out := make([]model.Piece, 0, len(b.pieces))
	for _, p := range b.pieces {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Total returns the number of pieces.
func (b *Board) Total() int { return len(b.pieces) }

// PlacedCount returns the number of placed pieces.
func (b *Board) PlacedCount() int {
	n := 0
	for _, p := range b.pieces {
		if p.Placed {
			n++
		}
	}
	return n
}

// Conflicts returns how many remote updates lost to the replica.
func (b *Board) Conflicts() int { return b.conflicts }

// ValidateMove checks a move before it touches the replica.
func (b *Board) ValidateMove(m model.Move) error {
	if _, ok := b.pieces[m.PieceID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPiece, m.PieceID)
	}
	if !m.Position.Finite() {
		return fmt.Errorf("%w: non-finite position for %s", ErrValidation, m.PieceID)
	}
	if !b.rules.ValidRotation(m.Rotation) {
		return fmt.Errorf("%w: rotation %v not allowed for %s", ErrValidation, m.Rotation, m.PieceID)
	}
	return nil
}

// ApplyLocal applies a move made on this client.
//
// The move's timestamp becomes max(ClientTimestamp, previous+1) so a local
// move always supersedes what the replica holds. If the move lands the
// piece, position and rotation snap to the exact canonical values so every
// replica converges bit for bit; an unplaced->placed transition scores.
func (b *Board) ApplyLocal(m model.Move) (Outcome, error) {
	if err := b.ValidateMove(m); err != nil {
		return Outcome{}, err
	}
	cur := b.pieces[m.PieceID]

	mover := m.PlayerID
	if mover == "" {
		mover = b.self
	}
	stamp := m.ClientTimestamp
	if stamp <= cur.LastMoveTimestamp {
		stamp = cur.LastMoveTimestamp + 1
	}

	next := cur
	next.Position = m.Position
	next.Rotation = NormalizeRotation(m.Rotation)
	next.LastMovedBy = mover
	next.LastMoveTimestamp = stamp
	next.Placed = b.rules.Placed(next)
	if next.Placed {
		next.Position = b.rules.Canonical(next)
		next.Rotation = 0
	}

	b.pieces[next.ID] = next
	return Outcome{
		Piece:   next,
		Changed: true,
		Scored:  next.Placed && !cur.Placed,
	}, nil
}

// ApplyRemote applies a piece state received from the store.
//
// Updates older than the replica are discarded and counted as conflicts.
// An update carrying exactly what the replica holds is a no-op, which makes
// redelivery idempotent and skips the echo of our own writes. Remote apply
// re-evaluates placement but never snaps and never scores. The target is
// never taken from the update.
func (b *Board) ApplyRemote(in model.Piece) Outcome {
	cur, ok := b.pieces[in.ID]
	if !ok {
		return Outcome{}
	}

	if in.LastMoveTimestamp < cur.LastMoveTimestamp {
		if in.LastMovedBy != b.self {
			b.conflicts++
		}
		return Outcome{Piece: cur, Conflict: in.LastMovedBy != b.self}
	}

	next := cur
	next.Position = in.Position
	next.Rotation = NormalizeRotation(in.Rotation)
	next.LastMovedBy = in.LastMovedBy
	next.LastMoveTimestamp = in.LastMoveTimestamp
	next.Placed = b.rules.Placed(next)

	if next == cur {
		return Outcome{Piece: cur}
	}
	b.pieces[next.ID] = next
	return Outcome{Piece: next, Changed: true}
}
