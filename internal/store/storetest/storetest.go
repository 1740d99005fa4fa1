// Package storetest is the behavioral contract every store backend passes.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndRead", testCreateAndRead},
		{"CreateDuplicate", testCreateDuplicate},
		{"PatchMergesFields", testPatchMergesFields},
		{"PatchUnknownSession", testPatchUnknownSession},
		{"PatchIfNewer", testPatchIfNewer},
		{"CompareAndSet", testCompareAndSet},
		{"RemoveIdempotent", testRemoveIdempotent},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"SubscribeOrdered", testSubscribeOrdered},
		{"SnapshotSeqBoundsChanges", testSnapshotSeqBoundsChanges},
		{"DeleteEndsSubscription", testDeleteEndsSubscription},
		{"CancelEndsSubscription", testCancelEndsSubscription},
		{"DisconnectRemovesNode", testDisconnectRemovesNode},
		{"DisconnectDeletesEmptySession", testDisconnectDeletesEmptySession},
		{"DisconnectKeepsOccupiedSession", testDisconnectKeepsOccupiedSession},
		{"DisconnectIgnoresPartialPlayers", testDisconnectIgnoresPartialPlayers},
		{"CancelDisconnect", testCancelDisconnect},
		{"ConcurrentFieldWrites", testConcurrentFieldWrites},
		{"SingleCASWinner", testSingleCASWinner},
		{"Close", testClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

const waitFor = 2 * time.Second

// Collect reads n changes from sub or fails the test.
func Collect(t *testing.T, sub *store.Subscription, n int) []store.Change {
	t.Helper()
	out := make([]store.Change, 0, n)
	deadline := time.After(waitFor)
	for len(out) < n {
		select {
		case ch, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription ended after %d of %d changes: %v", len(out), n, sub.Err())
			}
			out = append(out, ch)
		case <-deadline:
			t.Fatalf("timed out after %d of %d changes", len(out), n)
		}
	}
	return out
}

// WaitEnded waits for sub to close and returns its error.
func WaitEnded(t *testing.T, sub *store.Subscription) error {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return sub.Err()
			}
		case <-deadline:
			t.Fatal("subscription did not end")
			return nil
		}
	}
}

func testCreateAndRead(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", store.Fields{"status": "waiting", "timerSeconds": 0}))

	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, "waiting", snap.Root["status"])
	assert.Equal(t, float64(0), snap.Root["timerSeconds"])
	assert.Empty(t, snap.Players)
	assert.Empty(t, snap.Pieces)
	assert.Positive(t, snap.Seq)

	_, err = s.Read(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	err := s.Create(ctx, "s1", nil)
	assert.ErrorIs(t, err, store.ErrExists)
}

func testPatchMergesFields(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", store.Fields{"status": "waiting"}))

	p := store.PlayerPath("alice")
	require.NoError(t, s.Patch(ctx, "s1", p, store.Fields{"displayName": "Alice", "score": 0}))
	require.NoError(t, s.Patch(ctx, "s1", p, store.Fields{"score": 2}))

	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.Fields{"displayName": "Alice", "score": float64(2)}, snap.Players["alice"])
	assert.Equal(t, "waiting", snap.Root["status"])
}

func testPatchUnknownSession(t *testing.T, s store.Store) {
	err := s.Patch(context.Background(), "nope", store.Root, store.Fields{"status": "playing"})
	assert.True(t, store.IsNotFound(err))

	var se *store.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "patch", se.Op)
}

func testPatchIfNewer(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	p := store.PiecePath("p_0_0")

	applied, err := s.PatchIfNewer(ctx, "s1", p, store.Fields{"x": 1, "ts": 100}, "ts")
	require.NoError(t, err)
	assert.True(t, applied, "absent node accepts any stamp")

	applied, err = s.PatchIfNewer(ctx, "s1", p, store.Fields{"x": 2, "ts": 90}, "ts")
	require.NoError(t, err)
	assert.False(t, applied, "older stamp is rejected")

	applied, err = s.PatchIfNewer(ctx, "s1", p, store.Fields{"x": 3, "ts": 100}, "ts")
	require.NoError(t, err)
	assert.True(t, applied, "equal stamp wins")

	applied, err = s.PatchIfNewer(ctx, "s1", p, store.Fields{"x": 4, "ts": 150}, "ts")
	require.NoError(t, err)
	assert.True(t, applied)

	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, float64(4), snap.Pieces["p_0_0"]["x"])
	assert.Equal(t, float64(150), snap.Pieces["p_0_0"]["ts"])

	_, err = s.PatchIfNewer(ctx, "s1", p, store.Fields{"x": 5}, "ts")
	assert.ErrorIs(t, err, store.ErrInvalid)
}

func testCompareAndSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", store.Fields{"status": "playing"}))

	ok, err := s.CompareAndSet(ctx, "s1", store.Root, "status", "waiting", "playing")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSet(ctx, "s1", store.Root, "status", "playing", "completed")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSet(ctx, "s1", store.Root, "status", "playing", "completed")
	require.NoError(t, err)
	assert.False(t, ok, "second swap from the same expected value loses")

	ok, err = s.CompareAndSet(ctx, "s1", store.Root, "hostPlayerId", nil, "alice")
	require.NoError(t, err)
	assert.True(t, ok, "nil matches an absent field")

	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Root["status"])
	assert.Equal(t, "alice", snap.Root["hostPlayerId"])

	_, err = s.CompareAndSet(ctx, "missing", store.Root, "status", nil, "x")
	assert.True(t, store.IsNotFound(err))
}

func testRemoveIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	p := store.PlayerPath("bob")
	require.NoError(t, s.Patch(ctx, "s1", p, store.Fields{"score": 1}))

	require.NoError(t, s.Remove(ctx, "s1", p))
	require.NoError(t, s.Remove(ctx, "s1", p))
	require.NoError(t, s.Remove(ctx, "missing", p))

	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.NotContains(t, snap.Players, "bob")

	assert.ErrorIs(t, s.Remove(ctx, "s1", store.Root), store.ErrInvalid)
}

func testDeleteIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", store.Fields{"status": "waiting"}))
	require.NoError(t, s.Patch(ctx, "s1", store.PiecePath("p_0_0"), store.Fields{"placed": false}))

	require.NoError(t, s.Delete(ctx, "s1"))
	require.NoError(t, s.Delete(ctx, "s1"))

	_, err := s.Read(ctx, "s1")
	assert.True(t, store.IsNotFound(err))

	// A recreated session starts empty.
	require.NoError(t, s.Create(ctx, "s1", nil))
	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, snap.Pieces)
	assert.Empty(t, snap.Root)
}

func testSubscribeOrdered(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	sub, err := s.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Patch(ctx, "s1", store.Root, store.Fields{"timerSeconds": i}))
	}
	require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath("a"), store.Fields{"score": 1}))
	require.NoError(t, s.Remove(ctx, "s1", store.PlayerPath("a")))

	changes := Collect(t, sub, 7)
	for i := 0; i < 5; i++ {
		assert.Equal(t, store.Root, changes[i].Path)
		assert.Equal(t, float64(i), changes[i].Fields["timerSeconds"])
	}
	assert.Equal(t, store.PlayerPath("a"), changes[5].Path)
	assert.True(t, changes[6].Removed)
	for i := 1; i < len(changes); i++ {
		assert.Greater(t, changes[i].Seq, changes[i-1].Seq)
	}

	_, err = s.Subscribe(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
}

func testSnapshotSeqBoundsChanges(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	sub, err := s.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, s.Patch(ctx, "s1", store.Root, store.Fields{"a": 1}))
	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s.Patch(ctx, "s1", store.Root, store.Fields{"b": 2}))

	changes := Collect(t, sub, 2)
	assert.LessOrEqual(t, changes[0].Seq, snap.Seq, "change already in snapshot")
	assert.Greater(t, changes[1].Seq, snap.Seq, "change after snapshot")
}

func testDeleteEndsSubscription(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	sub, err := s.Subscribe(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "s1"))
	changes := Collect(t, sub, 1)
	assert.True(t, changes[0].Deleted)
	assert.NoError(t, WaitEnded(t, sub))
}

func testCancelEndsSubscription(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	sub, err := s.Subscribe(ctx, "s1")
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()
	assert.NoError(t, WaitEnded(t, sub))

	// Writes after cancel still succeed.
	require.NoError(t, s.Patch(ctx, "s1", store.Root, store.Fields{"a": 1}))
}

func testDisconnectRemovesNode(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath("a"), store.Fields{"score": 0}))
	require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath("b"), store.Fields{"score": 0}))
	require.NoError(t, s.OnDisconnect(ctx, "s1", "conn-a", store.RemoveOnDisconnect(store.PlayerPath("a"))))

	require.NoError(t, s.Disconnect(ctx, "conn-a"))
	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.NotContains(t, snap.Players, "a")
	assert.Contains(t, snap.Players, "b")

	// Intents fire once.
	require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath("a"), store.Fields{"score": 0}))
	require.NoError(t, s.Disconnect(ctx, "conn-a"))
	snap, err = s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, snap.Players, "a")

	err = s.OnDisconnect(ctx, "missing", "conn-a", store.RemoveOnDisconnect(store.PlayerPath("a")))
	assert.True(t, store.IsNotFound(err))
	err = s.OnDisconnect(ctx, "s1", "conn-a", store.Intent{Kind: store.IntentRemove, Path: store.Root})
	assert.ErrorIs(t, err, store.ErrInvalid)
}

func testDisconnectDeletesEmptySession(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath("a"), store.Fields{"score": 0}))
	require.NoError(t, s.OnDisconnect(ctx, "s1", "conn-a",
		store.RemoveOnDisconnect(store.PlayerPath("a")),
		store.DeleteIfEmptyOnDisconnect(),
	))

	require.NoError(t, s.Disconnect(ctx, "conn-a"))
	_, err := s.Read(ctx, "s1")
	assert.True(t, store.IsNotFound(err))
}

func testDisconnectKeepsOccupiedSession(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath("a"), store.Fields{"score": 0, store.MemberField: 1}))
	require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath("b"), store.Fields{"score": 0, store.MemberField: 2}))
	require.NoError(t, s.OnDisconnect(ctx, "s1", "conn-a",
		store.RemoveOnDisconnect(store.PlayerPath("a")),
		store.DeleteIfEmptyOnDisconnect(),
	))

	require.NoError(t, s.Disconnect(ctx, "conn-a"))
	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, snap.Players, 1)
	assert.Contains(t, snap.Players, "b")
}

// A field write racing a removal recreates the player node without its
// member field. That node must not keep the session alive.
func testDisconnectIgnoresPartialPlayers(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	for i, id := range []string{"a", "b"} {
		require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath(id), store.Fields{"score": 0, store.MemberField: i + 1}))
	}
	require.NoError(t, s.OnDisconnect(ctx, "s1", "conn-b",
		store.RemoveOnDisconnect(store.PlayerPath("b")),
		store.DeleteIfEmptyOnDisconnect(),
	))

	require.NoError(t, s.Remove(ctx, "s1", store.PlayerPath("a")))
	require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath("a"), store.Fields{"lastActiveTimestamp": 1704110402000}))

	require.NoError(t, s.Disconnect(ctx, "conn-b"))
	_, err := s.Read(ctx, "s1")
	assert.True(t, store.IsNotFound(err))
}

func testCancelDisconnect(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	require.NoError(t, s.Create(ctx, "s2", nil))
	require.NoError(t, s.Patch(ctx, "s1", store.PlayerPath("a"), store.Fields{"score": 0}))
	require.NoError(t, s.Patch(ctx, "s2", store.PlayerPath("a"), store.Fields{"score": 0}))
	require.NoError(t, s.OnDisconnect(ctx, "s1", "conn-a", store.RemoveOnDisconnect(store.PlayerPath("a"))))
	require.NoError(t, s.OnDisconnect(ctx, "s2", "conn-a", store.RemoveOnDisconnect(store.PlayerPath("a"))))

	require.NoError(t, s.CancelDisconnect(ctx, "s1", "conn-a"))
	require.NoError(t, s.Disconnect(ctx, "conn-a"))

	snap1, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, snap1.Players, "a", "cancelled intent must not fire")

	snap2, err := s.Read(ctx, "s2")
	require.NoError(t, err)
	assert.NotContains(t, snap2.Players, "a")
}

func testConcurrentFieldWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p_%d_0", i)
			assert.NoError(t, s.Patch(ctx, "s1", store.PiecePath(id), store.Fields{"x": i}))
			assert.NoError(t, s.Patch(ctx, "s1", store.PlayerPath(fmt.Sprintf("u%d", i)), store.Fields{"score": i}))
		}(i)
	}
	wg.Wait()

	snap, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, snap.Pieces, writers)
	assert.Len(t, snap.Players, writers)
}

func testSingleCASWinner(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", store.Fields{"status": "playing"}))

	const contenders = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSet(ctx, "s1", store.Root, "status", "playing", "completed")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testClose(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", nil))
	sub, err := s.Subscribe(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, WaitEnded(t, sub), store.ErrClosed)
	assert.ErrorIs(t, s.Patch(ctx, "s1", store.Root, store.Fields{"a": 1}), store.ErrClosed)
	assert.NoError(t, s.Close())
}
