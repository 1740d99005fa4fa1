package registry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/store"
	"github.com/roach88/jigsync/internal/testutil"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Memory, *testutil.StepClock) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Create(context.Background(), "s1", store.Fields{"status": "waiting"}))
	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	return New(st, clock), st, clock
}

func roster(t *testing.T, st store.Store) []model.Player {
	t.Helper()
	snap, err := st.Read(context.Background(), "s1")
	require.NoError(t, err)
	players, err := Roster(snap)
	require.NoError(t, err)
	return players
}

func TestJoin_FirstPlayerIsHost(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	alice, err := reg.Join(ctx, "s1", "alice", "  Alice ")
	require.NoError(t, err)
	assert.True(t, alice.IsHost)
	assert.Equal(t, "Alice", alice.DisplayName)
	assert.Equal(t, Palette[0], alice.Color)
	assert.Equal(t, model.Millis(testutil.Epoch), alice.JoinedAt)

	bob, err := reg.Join(ctx, "s1", "bob", "Bob")
	require.NoError(t, err)
	assert.False(t, bob.IsHost)
	assert.Equal(t, Palette[1], bob.Color)
	assert.Greater(t, bob.JoinedAt, alice.JoinedAt)

	snap, err := st.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", snap.Root["hostPlayerId"])
	assert.Len(t, roster(t, st), 2)
}

func TestWithLogger(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Create(context.Background(), "s1", store.Fields{"status": "waiting"}))
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg := New(st, testutil.NewStepClock(testutil.Epoch, time.Second), WithLogger(logger))

	_, err := reg.Join(context.Background(), "s1", "alice", "Alice")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "player joined")
	assert.Contains(t, buf.String(), "player=alice")
}

func TestJoin_RejectsEmptyName(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Join(context.Background(), "s1", "x", "   ")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestJoin_UnknownSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Join(context.Background(), "nope", "x", "X")
	assert.True(t, store.IsNotFound(err))
}

func TestJoin_RejoinKeepsScoreAndOrder(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	first, err := reg.Join(ctx, "s1", "alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, reg.SetScore(ctx, "s1", "alice", 4))

	again, err := reg.Join(ctx, "s1", "alice", "Alice 2")
	require.NoError(t, err)
	assert.Equal(t, 4, again.Score)
	assert.Equal(t, first.JoinedAt, again.JoinedAt)
	assert.Equal(t, "Alice 2", again.DisplayName)
}

func TestNormalizeName(t *testing.T) {
	got, err := NormalizeName("e\u0301clair")
	require.NoError(t, err)
	assert.Equal(t, "\u00e9clair", got)

	long, err := NormalizeName(strings.Repeat("x", 50))
	require.NoError(t, err)
	assert.Len(t, []rune(long), MaxDisplayName)

	_, err = NormalizeName("")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestLeave_ReturnsRemaining(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)
	_, err := reg.Join(ctx, "s1", "alice", "Alice")
	require.NoError(t, err)
	_, err = reg.Join(ctx, "s1", "bob", "Bob")
	require.NoError(t, err)

	remaining, err := reg.Leave(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	// Leaving cancelled alice's intents; a later disconnect is harmless.
	require.NoError(t, st.Disconnect(ctx, "alice"))
	assert.Len(t, roster(t, st), 1)

	require.NoError(t, st.Delete(ctx, "s1"))
	remaining, err = reg.Leave(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestDisconnect_RemovesPlayerAndEmptySession(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)
	_, err := reg.Join(ctx, "s1", "alice", "Alice")
	require.NoError(t, err)
	_, err = reg.Join(ctx, "s1", "bob", "Bob")
	require.NoError(t, err)

	require.NoError(t, st.Disconnect(ctx, "alice"))
	players := roster(t, st)
	require.Len(t, players, 1)
	assert.Equal(t, "bob", players[0].ID)

	require.NoError(t, st.Disconnect(ctx, "bob"))
	_, err = st.Read(ctx, "s1")
	assert.True(t, store.IsNotFound(err), "last disconnect deletes the orphaned session")
}

func TestDisconnect_LateHeartbeatDoesNotPinSession(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)
	_, err := reg.Join(ctx, "s1", "alice", "Alice")
	require.NoError(t, err)
	_, err = reg.Join(ctx, "s1", "bob", "Bob")
	require.NoError(t, err)

	remaining, err := reg.Leave(ctx, "s1", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
	require.NoError(t, reg.Heartbeat(ctx, "s1", "alice"))
	assert.Len(t, roster(t, st), 1, "partial node is not a roster entry")

	require.NoError(t, st.Disconnect(ctx, "bob"))
	_, err = st.Read(ctx, "s1")
	assert.True(t, store.IsNotFound(err))
}

func TestHost_EarliestJoinTieByID(t *testing.T) {
	players := []model.Player{
		{ID: "carol", JoinedAt: 30},
		{ID: "bob", JoinedAt: 10},
		{ID: "alice", JoinedAt: 10},
	}
	host, ok := Host(players)
	require.True(t, ok)
	assert.Equal(t, "alice", host.ID)

	_, ok = Host(nil)
	assert.False(t, ok)
}

func TestHost_SimultaneousJoinsConverge(t *testing.T) {
	// Both joins read an empty roster, so both carry isHost=true.
	players := []model.Player{
		{ID: "p2", JoinedAt: 100, IsHost: true},
		{ID: "p1", JoinedAt: 100, IsHost: true},
	}
	flagged := WithHostFlags(players)
	hosts := 0
	for _, p := range flagged {
		if p.IsHost {
			hosts++
			assert.Equal(t, "p1", p.ID)
		}
	}
	assert.Equal(t, 1, hosts)
	assert.True(t, players[0].IsHost, "input is not modified")
}

func TestHost_PromotionAfterHostLeaves(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)
	for _, id := range []string{"host", "second", "third"} {
		_, err := reg.Join(ctx, "s1", id, id)
		require.NoError(t, err)
	}

	require.NoError(t, st.Disconnect(ctx, "host"))

	// Two clients derive independently from their own reads.
	viewA := roster(t, st)
	viewB := roster(t, st)
	hostA, ok := Host(viewA)
	require.True(t, ok)
	hostB, ok := Host(viewB)
	require.True(t, ok)
	assert.Equal(t, "second", hostA.ID)
	assert.Equal(t, hostA.ID, hostB.ID)
}

func TestSyncHostFlag(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)
	_, err := reg.Join(ctx, "s1", "a", "A")
	require.NoError(t, err)
	_, err = reg.Join(ctx, "s1", "b", "B")
	require.NoError(t, err)
	require.NoError(t, st.Remove(ctx, "s1", store.PlayerPath("a")))

	players := roster(t, st)
	require.Len(t, players, 1)
	self := players[0]
	assert.False(t, self.IsHost)

	wrote, err := reg.SyncHostFlag(ctx, "s1", self, players, "a")
	require.NoError(t, err)
	assert.True(t, wrote)

	snap, err := st.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "b", snap.Root["hostPlayerId"])
	assert.Equal(t, true, snap.Players["b"]["isHost"])

	players = roster(t, st)
	wrote, err = reg.SyncHostFlag(ctx, "s1", players[0], players, "b")
	require.NoError(t, err)
	assert.False(t, wrote, "already consistent")
}

func TestRoster_SkipsPartialNodes(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)
	_, err := reg.Join(ctx, "s1", "a", "A")
	require.NoError(t, err)
	require.NoError(t, st.Patch(ctx, "s1", store.PlayerPath("ghost"), store.Fields{"lastActiveTimestamp": 1}))

	players := roster(t, st)
	require.Len(t, players, 1)
	assert.Equal(t, "a", players[0].ID)
}

func TestHeartbeatAndStale(t *testing.T) {
	ctx := context.Background()
	reg, st, clock := newTestRegistry(t)
	p, err := reg.Join(ctx, "s1", "a", "A")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.True(t, Stale(p, clock.Peek(), DefaultStaleAfter))

	require.NoError(t, reg.Heartbeat(ctx, "s1", "a"))
	refreshed := roster(t, st)[0]
	assert.False(t, Stale(refreshed, clock.Peek(), DefaultStaleAfter))
	assert.Len(t, roster(t, st), 1, "staleness never removes")
}

func TestPickColor_WrapsWhenExhausted(t *testing.T) {
	var players []model.Player
	for _, c := range Palette {
		players = append(players, model.Player{Color: c})
	}
	assert.Equal(t, Palette[0], pickColor(players))

	assert.Equal(t, Palette[1], pickColor([]model.Player{{Color: Palette[0]}, {Color: Palette[2]}}))
}

func TestResetScores(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)
	_, err := reg.Join(ctx, "s1", "a", "A")
	require.NoError(t, err)
	require.NoError(t, reg.SetScore(ctx, "s1", "a", 7))

	require.NoError(t, reg.ResetScores(ctx, "s1", roster(t, st)))
	assert.Equal(t, 0, roster(t, st)[0].Score)
}
