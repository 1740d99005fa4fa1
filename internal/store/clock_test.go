package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_Monotonic(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())
}

func TestClock_ResumesAt(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(42), c.Next())
}

func TestClock_ConcurrentUnique(t *testing.T) {
	c := NewClock()
	const workers, calls = 20, 50

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				v := c.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*calls)
	assert.Equal(t, int64(workers*calls), c.Current())
}

func TestPath_NodeRoundTrip(t *testing.T) {
	for _, p := range []Path{Root, PlayerPath("alice"), PiecePath("p_3_4")} {
		parsed, err := ParseNode(p.Node())
		assert.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	assert.Equal(t, "sessions/s1/pieces/p_0_0", PiecePath("p_0_0").Key("s1"))
	assert.Equal(t, "sessions/s1", Root.Key("s1"))

	for _, bad := range []string{"players", "players/", "boards/x", "pieces/a/b"} {
		_, err := ParseNode(bad)
		assert.ErrorIs(t, err, ErrInvalid, bad)
	}
}

func TestSameValue_JSONEquality(t *testing.T) {
	assert.True(t, sameValue(nil, nil))
	assert.True(t, sameValue(float64(3), 3))
	assert.True(t, sameValue("playing", "playing"))
	assert.False(t, sameValue("playing", "paused"))
	assert.False(t, sameValue(nil, "x"))
}

func TestSnapshot_Apply(t *testing.T) {
	snap := newSnapshot("s1")
	snap.Seq = 5

	assert.False(t, snap.Apply(Change{SessionID: "s1", Seq: 5, Path: Root, Fields: Fields{"a": 1.0}}), "at snapshot seq")
	assert.False(t, snap.Apply(Change{SessionID: "s2", Seq: 9, Path: Root, Fields: Fields{"a": 1.0}}), "other session")

	assert.True(t, snap.Apply(Change{SessionID: "s1", Seq: 6, Path: PiecePath("p_0_0"), Fields: Fields{"x": 1.0}}))
	assert.True(t, snap.Apply(Change{SessionID: "s1", Seq: 7, Path: PiecePath("p_0_0"), Fields: Fields{"y": 2.0}}))
	assert.Equal(t, Fields{"x": 1.0, "y": 2.0}, snap.Pieces["p_0_0"])
	assert.Equal(t, int64(7), snap.Seq)

	assert.True(t, snap.Apply(Change{SessionID: "s1", Seq: 8, Path: Root, Fields: Fields{"status": "playing"}}))
	assert.Equal(t, "playing", snap.Root["status"])

	assert.True(t, snap.Apply(Change{SessionID: "s1", Seq: 9, Path: PiecePath("p_0_0"), Removed: true}))
	assert.NotContains(t, snap.Pieces, "p_0_0")

	assert.True(t, snap.Apply(Change{SessionID: "s1", Seq: 10, Path: Root, Deleted: true}))
	assert.Empty(t, snap.Root)
}
