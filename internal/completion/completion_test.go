package completion

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/ledger"
	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/pieces"
	"github.com/roach88/jigsync/internal/registry"
	"github.com/roach88/jigsync/internal/store"
	"github.com/roach88/jigsync/internal/testutil"
	"github.com/roach88/jigsync/internal/tiers"
)

var easy = tiers.Tier{
	Name:              "easy",
	Cols:              3,
	Rows:              2,
	RotationMode:      tiers.RotationGrid,
	PositionTolerance: 0.4,
	RotationTolerance: 1,
}

func TestSolved(t *testing.T) {
	assert.True(t, Solved(6, 6))
	assert.False(t, Solved(5, 6))
	assert.False(t, Solved(0, 0))
}

func TestDetector_FiresOncePerRound(t *testing.T) {
	var d Detector
	assert.False(t, d.Check(5, 6))
	assert.True(t, d.Check(6, 6))
	assert.False(t, d.Check(6, 6))
	assert.True(t, d.Fired())

	d.Rearm()
	assert.False(t, d.Fired())
	assert.True(t, d.Check(6, 6))
}

func TestWinner(t *testing.T) {
	tests := []struct {
		name   string
		roster []model.Player
		want   string
	}{
		{
			name: "highest score",
			roster: []model.Player{
				{ID: "a", Score: 1, JoinedAt: 1},
				{ID: "b", Score: 3, JoinedAt: 2},
			},
			want: "b",
		},
		{
			name: "tie goes to earliest join",
			roster: []model.Player{
				{ID: "a", Score: 2, JoinedAt: 5},
				{ID: "b", Score: 2, JoinedAt: 3},
			},
			want: "b",
		},
		{
			name: "full tie goes to lowest id",
			roster: []model.Player{
				{ID: "z", Score: 2, JoinedAt: 3},
				{ID: "m", Score: 2, JoinedAt: 3},
			},
			want: "m",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ok := Winner(tt.roster)
			require.True(t, ok)
			assert.Equal(t, tt.want, w.ID)
		})
	}

	_, ok := Winner(nil)
	assert.False(t, ok)
}

func TestElapsed(t *testing.T) {
	start := model.Millis(testutil.Epoch)
	assert.Equal(t, int64(95), Elapsed(start, testutil.Epoch.Add(95*time.Second+900*time.Millisecond)))
	assert.Equal(t, int64(0), Elapsed(start, testutil.Epoch.Add(-time.Second)))
	assert.Equal(t, int64(0), Elapsed(0, testutil.Epoch))
}

type fixture struct {
	st    *store.Memory
	reg   *registry.Registry
	board *pieces.Board
	last  model.Piece
}

// newAlmostSolved builds a playing 3x2 session where five pieces are
// already placed. alice has 4 points, bob has 1.
func newAlmostSolved(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	d := model.Difficulty{Cols: 3, Rows: 2}
	require.NoError(t, st.Create(ctx, "s1", store.Fields{
		"status":       model.StatusPlaying,
		"difficulty":   map[string]any{"cols": 3, "rows": 2},
		"imageRef":     "img://cat",
		"startTime":    model.Millis(testutil.Epoch),
		"timerSeconds": 0,
	}))

	reg := registry.New(st, testutil.NewStepClock(testutil.Epoch, time.Second))
	_, err := reg.Join(ctx, "s1", "alice", "Alice")
	require.NoError(t, err)
	_, err = reg.Join(ctx, "s1", "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, reg.SetScore(ctx, "s1", "alice", 4))
	require.NoError(t, reg.SetScore(ctx, "s1", "bob", 1))

	rules := pieces.Rules{Tier: easy, Geometry: model.UnitGeometry}
	ps, err := pieces.Generate(d, easy, model.UnitGeometry, testutil.NewRand(7))
	require.NoError(t, err)
	for i := range ps[:5] {
		ps[i].Position = rules.Canonical(ps[i])
		ps[i].Rotation = 0
		ps[i].Placed = true
	}
	ps[5].Position = model.Point{X: 10, Y: 10}
	require.NoError(t, pieces.Write(ctx, st, "s1", ps))

	return &fixture{
		st:    st,
		reg:   reg,
		board: pieces.NewBoard("bob", rules, ps),
		last:  ps[5],
	}
}

// placeLast moves the sixth piece onto its target on bob's replica and
// writes it to the store the way a client publishes a move.
func (f *fixture) placeLast(t *testing.T) model.Piece {
	t.Helper()
	out, err := f.board.ApplyLocal(model.Move{
		PieceID:  f.last.ID,
		PlayerID: "bob",
		Position: f.board.Rules().Canonical(f.last),
		Rotation: 360,
	})
	require.NoError(t, err)
	require.True(t, out.Scored)
	applied, err := f.st.PatchIfNewer(context.Background(), "s1", store.PiecePath(out.Piece.ID), pieces.MoveFields(out.Piece), pieces.StampField)
	require.NoError(t, err)
	require.True(t, applied)
	return out.Piece
}

func TestLastPlacementCompletesOnce(t *testing.T) {
	ctx := context.Background()
	f := newAlmostSolved(t)
	rec := ledger.NewMemory()

	var d Detector
	require.False(t, d.Check(f.board.PlacedCount(), f.board.Total()))

	f.placeLast(t)
	require.NoError(t, f.reg.SetScore(ctx, "s1", "bob", 2))

	require.True(t, d.Check(f.board.PlacedCount(), f.board.Total()))
	assert.False(t, d.Check(f.board.PlacedCount(), f.board.Total()))

	now := testutil.Epoch.Add(95 * time.Second)
	r, applied, err := Transition(ctx, f.st, rec, "s1", now)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, ledger.Record{
		SessionID:      "s1",
		WinnerID:       "alice",
		WinnerName:     "Alice",
		WinnerScore:    4,
		ElapsedSeconds: 95,
		Difficulty:     model.Difficulty{Cols: 3, Rows: 2},
		CompletedAt:    model.Millis(now),
	}, r)

	_, applied, err = Transition(ctx, f.st, rec, "s1", now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, applied)

	snap, err := f.st.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Root["status"])
	assert.Equal(t, float64(95), snap.Root["timerSeconds"])
	assert.Len(t, rec.Records(), 1)
}

// The local replica is solved, but a later move from another client has
// already moved the last piece off its target in the store.
func TestTransition_WithdrawnWhenStoreUnsolved(t *testing.T) {
	ctx := context.Background()
	f := newAlmostSolved(t)
	rec := ledger.NewMemory()

	placing, err := f.board.ApplyLocal(model.Move{
		PieceID:  f.last.ID,
		PlayerID: "bob",
		Position: f.board.Rules().Canonical(f.last),
	})
	require.NoError(t, err)
	var d Detector
	require.True(t, d.Check(f.board.PlacedCount(), f.board.Total()))

	later := placing.Piece
	later.Position = model.Point{X: 9, Y: 9}
	later.Placed = false
	later.LastMovedBy = "alice"
	later.LastMoveTimestamp = placing.Piece.LastMoveTimestamp + 1000
	applied, err := f.st.PatchIfNewer(ctx, "s1", store.PiecePath(later.ID), pieces.MoveFields(later), pieces.StampField)
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = f.st.PatchIfNewer(ctx, "s1", store.PiecePath(placing.Piece.ID), pieces.MoveFields(placing.Piece), pieces.StampField)
	require.NoError(t, err)
	require.False(t, applied, "the placing move lost")

	_, applied, err = Transition(ctx, f.st, rec, "s1", testutil.Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	snap, err := f.st.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "playing", snap.Root["status"])
	assert.Empty(t, rec.Records())
}

func TestTransition_ConcurrentClientsSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newAlmostSolved(t)
	f.placeLast(t)
	rec := ledger.NewMemory()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := Transition(ctx, f.st, rec, "s1", testutil.Epoch.Add(time.Minute))
			assert.NoError(t, err)
			if applied {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, rec.Records(), 1)
}

func TestTransition_OnlyFromPlaying(t *testing.T) {
	ctx := context.Background()
	f := newAlmostSolved(t)
	f.placeLast(t)
	require.NoError(t, f.st.Patch(ctx, "s1", store.Root, store.Fields{"status": model.StatusPaused}))

	_, applied, err := Transition(ctx, f.st, ledger.Discard{}, "s1", testutil.Epoch)
	require.NoError(t, err)
	assert.False(t, applied)

	snap, err := f.st.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "paused", snap.Root["status"])
}

func TestTransition_CompletedIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newAlmostSolved(t)
	f.placeLast(t)

	_, applied, err := Transition(ctx, f.st, nil, "s1", testutil.Epoch)
	require.NoError(t, err)
	require.True(t, applied)

	// Later remote moves unplace a piece and place it again; the detector of
	// a fresh client fires, but the session stays completed.
	var d Detector
	require.True(t, d.Check(6, 6))
	_, applied, err = Transition(ctx, f.st, nil, "s1", testutil.Epoch)
	require.NoError(t, err)
	assert.False(t, applied)

	snap, err := f.st.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Root["status"])
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, ledger.Record) error { return assert.AnError }

func TestTransition_RecorderFailureKeepsCompletion(t *testing.T) {
	ctx := context.Background()
	f := newAlmostSolved(t)
	f.placeLast(t)

	r, applied, err := Transition(ctx, f.st, failingRecorder{}, "s1", testutil.Epoch)
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, applied)
	assert.Equal(t, "alice", r.WinnerID)

	snap, err := f.st.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Root["status"])
}

func TestTransition_MissingSession(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	_, applied, err := Transition(context.Background(), st, nil, "nope", testutil.Epoch)
	assert.True(t, store.IsNotFound(err))
	assert.False(t, applied)
}

func TestTransition_WithLogger(t *testing.T) {
	f := newAlmostSolved(t)
	f.placeLast(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	_, applied, err := Transition(context.Background(), f.st, nil, "s1", testutil.Epoch, WithLogger(logger))
	require.NoError(t, err)
	require.True(t, applied)
	assert.Contains(t, buf.String(), "session completed")
	assert.Contains(t, buf.String(), "session=s1")
}
