package pieces

import (
	"math"

	"github.com/roach88/jigsync/internal/model"
	"github.com/roach88/jigsync/internal/tiers"
)

// Rules evaluates placement for one session.
type Rules struct {
	Tier     tiers.Tier
	Geometry model.Geometry
}

// NormalizeRotation maps any angle into [0, 360).
func NormalizeRotation(deg float64) float64 {
	r := math.Mod(deg, 360)
	if r < 0 {
		r += 360
	}
	return r
}

// RotationDelta is the angular distance from upright, in [0, 180].
func RotationDelta(deg float64) float64 {
	r := NormalizeRotation(deg)
	return math.Min(r, 360-r)
}

// Canonical returns the exact target position of p.
func (r Rules) Canonical(p model.Piece) model.Point {
	return r.Geometry.Canonical(p.Target)
}

// Placed reports whether p sits on its target within tolerance. In grid
// mode only multiples of 90 degrees can be placed.
func (r Rules) Placed(p model.Piece) bool {
	if !p.Position.Finite() {
		return false
	}
	if r.Tier.RotationMode != tiers.RotationContinuous && math.Mod(NormalizeRotation(p.Rotation), 90) != 0 {
		return false
	}
	maxDist := r.Tier.PositionTolerance * r.Geometry.CellSize()
	if p.Position.Distance(r.Canonical(p)) >= maxDist {
		return false
	}
	return RotationDelta(p.Rotation) < r.Tier.RotationTolerance
}

// ValidRotation reports whether a move may carry deg.
func (r Rules) ValidRotation(deg float64) bool {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return false
	}
	if !r.Tier.Rotation {
		return NormalizeRotation(deg) == 0
	}
	if r.Tier.RotationMode == tiers.RotationContinuous {
		return true
	}
	return math.Mod(NormalizeRotation(deg), 90) == 0
}
