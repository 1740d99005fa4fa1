// Package tiers loads the named difficulty tiers that carry placement
// tolerances.
//
// Tiers are declared in CUE. The embedded schema.cue defines #Tier; the
// embedded defaults.cue supplies the built-in set. A user file replaces
// the defaults and is unified with the same schema, so bad values are
// rejected with a file position before any session starts.
package tiers

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/jigsync/internal/model"
)

//go:embed schema.cue
var schemaCUE string

//go:embed defaults.cue
var defaultsCUE string

// RotationMode selects how rotations are validated and compared.
type RotationMode string

const (
	// RotationGrid allows multiples of 90 degrees only.
	RotationGrid RotationMode = "grid"
	// RotationContinuous allows any angle.
	RotationContinuous RotationMode = "continuous"
)

// Tier is one named difficulty.
type Tier struct {
	Name              string       `json:"name"`
	Cols              int          `json:"cols"`
	Rows              int          `json:"rows"`
	Rotation          bool         `json:"rotation"`
	RotationMode      RotationMode `json:"rotationMode"`
	PositionTolerance float64      `json:"positionTolerance"`
	RotationTolerance float64      `json:"rotationTolerance"`
}

// Difficulty returns the tier's grid as a session difficulty.
func (t Tier) Difficulty() model.Difficulty {
	return model.Difficulty{Cols: t.Cols, Rows: t.Rows, Tier: t.Name}
}

// PieceCount returns cols*rows.
func (t Tier) PieceCount() int { return t.Cols * t.Rows }

// Set is a loaded, validated collection of tiers ordered by piece count.
type Set struct {
	tiers []Tier
}

// LoadError reports an invalid tier file.
type LoadError struct {
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Default returns the built-in tiers.
func Default() (*Set, error) {
	return load("defaults.cue", []byte(defaultsCUE))
}

// LoadFile reads a user tier file.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers: %w", err)
	}
	return load(path, data)
}

// Load parses tier definitions from src, named filename in errors.
func Load(filename string, src []byte) (*Set, error) {
	return load(filename, src)
}

func load(filename string, src []byte) (*Set, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	data := ctx.CompileBytes(src, cue.Filename(filename))
	if err := data.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := schema.Unify(data)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	iter, err := v.LookupPath(cue.ParsePath("tiers")).Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	set := &Set{}
	for iter.Next() {
		var t Tier
		if err := iter.Value().Decode(&t); err != nil {
			return nil, formatCUEError(err)
		}
		t.Name = iter.Selector().Unquoted()
		set.tiers = append(set.tiers, t)
	}
	if len(set.tiers) == 0 {
		return nil, &LoadError{Message: fmt.Sprintf("%s: no tiers defined", filename)}
	}

	sort.Slice(set.tiers, func(i, j int) bool {
		a, b := set.tiers[i], set.tiers[j]
		if a.PieceCount() != b.PieceCount() {
			return a.PieceCount() < b.PieceCount()
		}
		return a.Name < b.Name
	})
	return set, nil
}

// All returns the tiers ordered by piece count, then name.
func (s *Set) All() []Tier {
	out := make([]Tier, len(s.tiers))
	copy(out, s.tiers)
	return out
}

// Lookup finds a tier by name.
func (s *Set) Lookup(name string) (Tier, bool) {
	for _, t := range s.tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Resolve picks the tolerances for a session difficulty. A named tier wins;
// otherwise the tier with the closest piece count is used. The returned
// tier always carries the difficulty's own grid size.
func (s *Set) Resolve(d model.Difficulty) (Tier, error) {
	if d.Tier != "" {
		t, ok := s.Lookup(d.Tier)
		if !ok {
			return Tier{}, fmt.Errorf("unknown tier %q", d.Tier)
		}
		t.Cols, t.Rows = d.Cols, d.Rows
		return t, nil
	}

	best := s.tiers[0]
	bestGap := gap(best.PieceCount(), d.PieceCount())
	for _, t := range s.tiers[1:] {
		if g := gap(t.PieceCount(), d.PieceCount()); g < bestGap {
			best, bestGap = t, g
		}
	}
	best.Cols, best.Rows = d.Cols, d.Rows
	return best, nil
}

func gap(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &LoadError{Message: first.Error(), Pos: positions[0]}
	}
	return &LoadError{Message: first.Error()}
}
