package pieces

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/store"
	"github.com/roach88/jigsync/internal/testutil"
	"github.com/roach88/jigsync/internal/tiers"
)

var gridTier = tiers.Tier{
	Name:              "test",
	Cols:              3,
	Rows:              2,
	Rotation:          true,
	RotationMode:      tiers.RotationGrid,
	PositionTolerance: 0.25,
	RotationTolerance: 1,
}

var rules = Rules{Tier: gridTier, Geometry: model.UnitGeometry}

func generate(t *testing.T, seed uint64) []model.Piece {
	t.Helper()
	ps, err := Generate(model.Difficulty{Cols: 3, Rows: 2}, gridTier, model.UnitGeometry, testutil.NewRand(seed))
	require.NoError(t, err)
	return ps
}

// offBoard returns a generated set with every piece moved clear of the grid,
// so no piece starts placed whatever the seed.
func offBoard(t *testing.T, seed uint64) []model.Piece {
	t.Helper()
	ps := generate(t, seed)
	for i := range ps {
		ps[i].Position.X += 100
		ps[i].Position.Y += 100
		ps[i].Placed = false
	}
	return ps
}

func pointKey(p model.Point) [2]float64 { return [2]float64{p.X, p.Y} }

// A 3x2 session yields six pieces whose starting positions
// are a permutation of the target cells.
func TestGenerate_Permutation(t *testing.T) {
	ps := generate(t, 7)
	require.Len(t, ps, 6)

	targets := make(map[model.Cell]bool)
	var want, got [][2]float64
	for _, p := range ps {
		assert.False(t, targets[p.Target], "duplicate target %v", p.Target)
		targets[p.Target] = true
		assert.Equal(t, model.PieceID(p.Target), p.ID)
		assert.Equal(t, rules.Placed(p), p.Placed)
		assert.Contains(t, Rotations, p.Rotation)

		want = append(want, pointKey(model.UnitGeometry.Canonical(p.Target)))
		got = append(got, pointKey(p.Position))
	}
	for col := 0; col < 3; col++ {
		for row := 0; row < 2; row++ {
			assert.True(t, targets[model.Cell{Col: col, Row: row}])
		}
	}

	less := func(s [][2]float64) func(i, j int) bool {
		return func(i, j int) bool {
			if s[i][0] != s[j][0] {
				return s[i][0] < s[j][0]
			}
			return s[i][1] < s[j][1]
		}
	}
	sort.Slice(want, less(want))
	sort.Slice(got, less(got))
	assert.Equal(t, want, got)
}

func TestGenerate_Deterministic(t *testing.T) {
	assert.Equal(t, generate(t, 42), generate(t, 42))
}

func TestGenerate_PieceCountInvariant(t *testing.T) {
	for _, d := range []model.Difficulty{{Cols: 1, Rows: 1}, {Cols: 5, Rows: 4}, {Cols: 12, Rows: 10}} {
		ps, err := Generate(d, gridTier, model.UnitGeometry, testutil.NewRand(1))
		require.NoError(t, err)
		assert.Len(t, ps, d.PieceCount())
	}
	_, err := Generate(model.Difficulty{Cols: 0, Rows: 3}, gridTier, model.UnitGeometry, testutil.NewRand(1))
	assert.Error(t, err)
}

func TestGenerate_NoRotationTier(t *testing.T) {
	flat := gridTier
	flat.Rotation = false
	ps, err := Generate(model.Difficulty{Cols: 4, Rows: 4}, flat, model.UnitGeometry, testutil.NewRand(3))
	require.NoError(t, err)
	for _, p := range ps {
		assert.Equal(t, 0.0, p.Rotation)
	}
}

func TestRotationDelta(t *testing.T) {
	assert.Equal(t, 0.0, RotationDelta(360))
	assert.Equal(t, 90.0, RotationDelta(270))
	assert.Equal(t, 90.0, RotationDelta(-270))
	assert.Equal(t, 180.0, RotationDelta(180))
	assert.InDelta(t, 2.0, RotationDelta(358), 1e-9)
	assert.Equal(t, 270.0, NormalizeRotation(-90))
}

func TestRules_Placed(t *testing.T) {
	base := model.Piece{ID: "p_1_1", Target: model.Cell{Col: 1, Row: 1}}
	tests := []struct {
		name string
		pos  model.Point
		rot  float64
		want bool
	}{
		{"exact", model.Point{X: 1, Y: 1}, 0, true},
		{"within tolerance", model.Point{X: 1.2, Y: 1}, 360, true},
		{"at tolerance edge", model.Point{X: 1.25, Y: 1}, 0, false},
		{"rotated", model.Point{X: 1, Y: 1}, 90, false},
		{"grid mode off-grid angle", model.Point{X: 1, Y: 1}, 0.5, false},
		{"far", model.Point{X: 3, Y: 0}, 0, false},
		{"nan", model.Point{X: math.NaN(), Y: 1}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.Position, p.Rotation = tt.pos, tt.rot
			assert.Equal(t, tt.want, rules.Placed(p))
		})
	}

	continuous := rules
	continuous.Tier.RotationMode = tiers.RotationContinuous
	continuous.Tier.RotationTolerance = 5
	p := base
	p.Position, p.Rotation = model.Point{X: 1, Y: 1}, 357
	assert.True(t, continuous.Placed(p))
}

func TestRules_ToleranceScalesWithCell(t *testing.T) {
	r := Rules{Tier: gridTier, Geometry: model.Geometry{CellWidth: 100, CellHeight: 80}}
	p := model.Piece{Target: model.Cell{Col: 1, Row: 0}, Position: model.Point{X: 119, Y: 0}}
	assert.True(t, r.Placed(p), "19 < 0.25*80")
	p.Position.X = 121
	assert.False(t, r.Placed(p))
}

func newBoard(t *testing.T, self string) *Board {
	t.Helper()
	return NewBoard(self, rules, offBoard(t, 11))
}

func TestValidateMove(t *testing.T) {
	b := newBoard(t, "alice")

	err := b.ValidateMove(model.Move{PieceID: "p_9_9"})
	assert.ErrorIs(t, err, ErrUnknownPiece)

	err = b.ValidateMove(model.Move{PieceID: "p_0_0", Position: model.Point{X: math.Inf(1)}})
	assert.ErrorIs(t, err, ErrValidation)

	err = b.ValidateMove(model.Move{PieceID: "p_0_0", Rotation: 45})
	assert.ErrorIs(t, err, ErrValidation)

	flat := NewBoard("alice", Rules{Tier: tiers.Tier{PositionTolerance: 0.2, RotationTolerance: 1}, Geometry: model.UnitGeometry}, generate(t, 11))
	assert.ErrorIs(t, flat.ValidateMove(model.Move{PieceID: "p_0_0", Rotation: 90}), ErrValidation)
	assert.NoError(t, flat.ValidateMove(model.Move{PieceID: "p_0_0", Rotation: 360}))

	// A rejected move leaves the replica untouched.
	before, _ := b.Piece("p_0_0")
	_, err = b.ApplyLocal(model.Move{PieceID: "p_0_0", Rotation: 45, ClientTimestamp: 10})
	require.True(t, errors.Is(err, ErrValidation))
	after, _ := b.Piece("p_0_0")
	assert.Equal(t, before, after)
}

func TestApplyLocal_SnapsAndScoresOnce(t *testing.T) {
	b := newBoard(t, "alice")

	out, err := b.ApplyLocal(model.Move{PieceID: "p_2_1", Position: model.Point{X: 2.1, Y: 0.95}, Rotation: 360, ClientTimestamp: 100})
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.True(t, out.Scored)
	assert.True(t, out.Piece.Placed)
	assert.Equal(t, model.Point{X: 2, Y: 1}, out.Piece.Position, "snapped")
	assert.Equal(t, 0.0, out.Piece.Rotation)
	assert.Equal(t, "alice", out.Piece.LastMovedBy)
	assert.Equal(t, int64(100), out.Piece.LastMoveTimestamp)

	// Nudging a placed piece keeps it placed without scoring again.
	out, err = b.ApplyLocal(model.Move{PieceID: "p_2_1", Position: model.Point{X: 2.05, Y: 1}, ClientTimestamp: 101})
	require.NoError(t, err)
	assert.True(t, out.Piece.Placed)
	assert.False(t, out.Scored)

	// Dragging it away unplaces it.
	out, err = b.ApplyLocal(model.Move{PieceID: "p_2_1", Position: model.Point{X: 0, Y: 0}, ClientTimestamp: 102})
	require.NoError(t, err)
	assert.False(t, out.Piece.Placed)
	assert.Equal(t, 0, b.PlacedCount())
}

func TestApplyLocal_TimestampAlwaysAdvances(t *testing.T) {
	b := newBoard(t, "alice")
	out, err := b.ApplyLocal(model.Move{PieceID: "p_0_0", ClientTimestamp: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(500), out.Piece.LastMoveTimestamp)

	// A skewed clock behind the replica still produces a newer stamp.
	out, err = b.ApplyLocal(model.Move{PieceID: "p_0_0", ClientTimestamp: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(501), out.Piece.LastMoveTimestamp)
}

func TestApplyRemote_IdempotentAndNoScore(t *testing.T) {
	b := newBoard(t, "alice")
	p, _ := b.Piece("p_1_0")
	p.Position = model.Point{X: 1, Y: 0}
	p.Rotation = 0
	p.LastMovedBy = "bob"
	p.LastMoveTimestamp = 50

	first := b.ApplyRemote(p)
	assert.True(t, first.Changed)
	assert.True(t, first.Piece.Placed, "placement re-evaluated on remote apply")
	assert.False(t, first.Scored)
	state := b.Pieces()

	second := b.ApplyRemote(p)
	assert.False(t, second.Changed)
	assert.Equal(t, state, b.Pieces())
	assert.Equal(t, 0, b.Conflicts())
}

func TestApplyRemote_TargetImmutable(t *testing.T) {
	b := newBoard(t, "alice")
	p, _ := b.Piece("p_1_0")
	forged := p
	forged.Target = model.Cell{Col: 2, Row: 1}
	forged.LastMovedBy = "mallory"
	forged.LastMoveTimestamp = 99

	out := b.ApplyRemote(forged)
	assert.Equal(t, model.Cell{Col: 1, Row: 0}, out.Piece.Target)
	got, _ := b.Piece("p_1_0")
	assert.Equal(t, model.Cell{Col: 1, Row: 0}, got.Target)
}

func TestApplyRemote_OlderIsConflict(t *testing.T) {
	b := newBoard(t, "alice")
	_, err := b.ApplyLocal(model.Move{PieceID: "p_0_1", Position: model.Point{X: 5, Y: 5}, ClientTimestamp: 200})
	require.NoError(t, err)

	stale, _ := b.Piece("p_0_1")
	stale.Position = model.Point{X: 9, Y: 9}
	stale.LastMovedBy = "bob"
	stale.LastMoveTimestamp = 150

	out := b.ApplyRemote(stale)
	assert.True(t, out.Conflict)
	assert.False(t, out.Changed)
	assert.Equal(t, 1, b.Conflicts())
	got, _ := b.Piece("p_0_1")
	assert.Equal(t, model.Point{X: 5, Y: 5}, got.Position)

	// Our own stale echo is not a conflict.
	stale.LastMovedBy = "alice"
	assert.False(t, b.ApplyRemote(stale).Conflict)
	assert.Equal(t, 1, b.Conflicts())
}

func TestApplyRemote_UnknownPieceIgnored(t *testing.T) {
	b := newBoard(t, "alice")
	out := b.ApplyRemote(model.Piece{ID: "p_7_7", LastMoveTimestamp: 1})
	assert.False(t, out.Changed)
	assert.Equal(t, 6, b.Total())
}

// replica pairs a board with the raw node state it is derived from, the way
// a session handle keeps them.
type replica struct {
	board *Board
	snap  store.Snapshot
	sub   *store.Subscription
}

func newReplica(t *testing.T, st store.Store, self string) *replica {
	t.Helper()
	ctx := context.Background()
	sub, err := st.Subscribe(ctx, "s1")
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	snap, err := st.Read(ctx, "s1")
	require.NoError(t, err)
	ps, err := Decode(snap)
	require.NoError(t, err)
	return &replica{board: NewBoard(self, rules, ps), snap: snap, sub: sub}
}

func (r *replica) drain(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ch := <-r.sub.C()
		if !r.snap.Apply(ch) || ch.Path.Kind != store.KindPiece {
			continue
		}
		p, err := model.DecodePiece(ch.Path.ID, r.snap.Pieces[ch.Path.ID])
		require.NoError(t, err)
		r.board.ApplyRemote(p)
	}
}

func publish(t *testing.T, st store.Store, out Outcome) bool {
	t.Helper()
	applied, err := st.PatchIfNewer(context.Background(), "s1", store.PiecePath(out.Piece.ID), MoveFields(out.Piece), StampField)
	require.NoError(t, err)
	return applied
}

// Two clients move p_0_0 with t1 < t2. Whatever order the
// writes reach the store in, every replica ends at the t2 move.
func TestConcurrentMoves_LaterTimestampWins(t *testing.T) {
	for _, laterFirst := range []bool{false, true} {
		name := "earlier write first"
		if laterFirst {
			name = "later write first"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemory()
			defer st.Close()
			require.NoError(t, st.Create(ctx, "s1", nil))
			require.NoError(t, Write(ctx, st, "s1", offBoard(t, 5)))

			a := newReplica(t, st, "alice")
			b := newReplica(t, st, "bob")

			moveA, err := a.board.ApplyLocal(model.Move{PieceID: "p_0_0", Position: model.Point{X: 4, Y: 4}, ClientTimestamp: 1000})
			require.NoError(t, err)
			moveB, err := b.board.ApplyLocal(model.Move{PieceID: "p_0_0", Position: model.Point{X: 7, Y: 7}, ClientTimestamp: 2000})
			require.NoError(t, err)

			accepted := 0
			if laterFirst {
				assert.True(t, publish(t, st, moveB))
				assert.False(t, publish(t, st, moveA), "older write rejected by the store")
				accepted = 1
			} else {
				assert.True(t, publish(t, st, moveA))
				assert.True(t, publish(t, st, moveB))
				accepted = 2
			}
			a.drain(t, accepted)
			b.drain(t, accepted)

			snap, err := st.Read(ctx, "s1")
			require.NoError(t, err)
			stored, err := model.DecodePiece("p_0_0", snap.Pieces["p_0_0"])
			require.NoError(t, err)

			for _, r := range []*replica{a, b} {
				got, _ := r.board.Piece("p_0_0")
				assert.Equal(t, model.Point{X: 7, Y: 7}, got.Position)
				assert.Equal(t, int64(2000), got.LastMoveTimestamp)
				assert.Equal(t, "bob", got.LastMovedBy)
				assert.Equal(t, stored, got)
			}
		})
	}
}

// Two players land the same piece within one round trip. Both replicas
// score locally; the later write wins the pose and the earlier point is
// not retracted.
func TestRaceHazard_DoubleScoreAccepted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	defer st.Close()
	require.NoError(t, st.Create(ctx, "s1", nil))
	require.NoError(t, Write(ctx, st, "s1", offBoard(t, 5)))

	a := newReplica(t, st, "alice")
	b := newReplica(t, st, "bob")

	outA, err := a.board.ApplyLocal(model.Move{PieceID: "p_1_1", Position: model.Point{X: 1, Y: 1}, ClientTimestamp: 300})
	require.NoError(t, err)
	outB, err := b.board.ApplyLocal(model.Move{PieceID: "p_1_1", Position: model.Point{X: 1.1, Y: 1}, ClientTimestamp: 301})
	require.NoError(t, err)
	assert.True(t, outA.Scored)
	assert.True(t, outB.Scored)

	publish(t, st, outA)
	publish(t, st, outB)
	a.drain(t, 2)
	b.drain(t, 2)

	pa, _ := a.board.Piece("p_1_1")
	pb, _ := b.board.Piece("p_1_1")
	assert.Equal(t, pa, pb)
	assert.Equal(t, "bob", pa.LastMovedBy)
	assert.True(t, pa.Placed)
}

func TestWriteAndDecode(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	defer st.Close()
	require.NoError(t, st.Create(ctx, "s1", nil))

	ps := generate(t, 9)
	require.NoError(t, Write(ctx, st, "s1", ps))
	snap, err := st.Read(ctx, "s1")
	require.NoError(t, err)
	got, err := Decode(snap)
	require.NoError(t, err)

	sort.Slice(got, func(i, j int) bool { return got[i].ID < got[j].ID })
	want := append([]model.Piece(nil), ps...)
	sort.Slice(want, func(i, j int) bool { return want[i].ID < want[j].ID })
	assert.Equal(t, want, got)
}
