package tiers

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/model"
)

func TestDefault_LoadsBuiltinTiers(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)

	all := set.All()
	require.Len(t, all, 4)
	names := []string{all[0].Name, all[1].Name, all[2].Name, all[3].Name}
	assert.Equal(t, []string{"easy", "medium", "hard", "expert"}, names)

	easy, ok := set.Lookup("easy")
	require.True(t, ok)
	assert.Equal(t, 3, easy.Cols)
	assert.Equal(t, 2, easy.Rows)
	assert.False(t, easy.Rotation)
	assert.Equal(t, RotationGrid, easy.RotationMode, "schema default")
	assert.InDelta(t, 0.4, easy.PositionTolerance, 1e-9)
	assert.InDelta(t, 1.0, easy.RotationTolerance, 1e-9, "schema default")

	expert, ok := set.Lookup("expert")
	require.True(t, ok)
	assert.Equal(t, RotationContinuous, expert.RotationMode)
	assert.InDelta(t, 5.0, expert.RotationTolerance, 1e-9)
}

func TestLoad_UserFileReplacesDefaults(t *testing.T) {
	src := []byte(`
tiers: party: {
	cols: 4
	rows: 4
	rotation: true
	positionTolerance: 0.3
	rotationTolerance: 10
}
`)
	set, err := Load("party.cue", src)
	require.NoError(t, err)

	all := set.All()
	require.Len(t, all, 1)
	assert.Equal(t, "party", all[0].Name)
	assert.Equal(t, 16, all[0].PieceCount())
	assert.InDelta(t, 10.0, all[0].RotationTolerance, 1e-9)

	_, ok := set.Lookup("easy")
	assert.False(t, ok)
}

func TestLoad_RejectsOutOfRangeTolerance(t *testing.T) {
	src := []byte(`tiers: sloppy: {cols: 2, rows: 2, positionTolerance: 0.9}`)
	_, err := Load("sloppy.cue", src)
	require.Error(t, err)

	var le *LoadError
	assert.True(t, errors.As(err, &le))
}

func TestLoad_RejectsUnknownRotationMode(t *testing.T) {
	src := []byte(`tiers: odd: {cols: 2, rows: 2, positionTolerance: 0.2, rotationMode: "free"}`)
	_, err := Load("odd.cue", src)
	assert.Error(t, err)
}

func TestLoad_RejectsIncompleteTier(t *testing.T) {
	src := []byte(`tiers: partial: {cols: 2, positionTolerance: 0.2}`)
	_, err := Load("partial.cue", src)
	assert.Error(t, err, "rows is required")
}

func TestLoad_RejectsSyntaxError(t *testing.T) {
	_, err := Load("broken.cue", []byte(`tiers: {`))
	assert.Error(t, err)
}

func TestLoad_RejectsEmpty(t *testing.T) {
	_, err := Load("empty.cue", []byte(`tiers: {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tiers defined")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.cue")
	require.NoError(t, os.WriteFile(path, []byte(`tiers: tiny: {cols: 1, rows: 2, positionTolerance: 0.5}`), 0o644))

	set, err := LoadFile(path)
	require.NoError(t, err)
	tiny, ok := set.Lookup("tiny")
	require.True(t, ok)
	assert.Equal(t, 2, tiny.PieceCount())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)

	tests := []struct {
		name     string
		diff     model.Difficulty
		wantTier string
	}{
		{"exact grid", model.Difficulty{Cols: 3, Rows: 2}, "easy"},
		{"nearest count", model.Difficulty{Cols: 4, Rows: 4}, "medium"},
		{"near hard", model.Difficulty{Cols: 7, Rows: 7}, "hard"},
		{"huge", model.Difficulty{Cols: 40, Rows: 40}, "expert"},
		{"named wins", model.Difficulty{Cols: 3, Rows: 2, Tier: "expert"}, "expert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, err := set.Resolve(tt.diff)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTier, tier.Name)
			assert.Equal(t, tt.diff.Cols, tier.Cols, "grid comes from the difficulty")
			assert.Equal(t, tt.diff.Rows, tier.Rows)
		})
	}

	_, err = set.Resolve(model.Difficulty{Cols: 2, Rows: 2, Tier: "nope"})
	assert.Error(t, err)
}

func TestTier_Difficulty(t *testing.T) {
	tier := Tier{Name: "easy", Cols: 3, Rows: 2}
	assert.Equal(t, model.Difficulty{Cols: 3, Rows: 2, Tier: "easy"}, tier.Difficulty())
}
