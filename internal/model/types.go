package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusPlaying   Status = "playing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusPlaying, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Difficulty is the grid size of a puzzle. Tier optionally names the
// tolerance tier; when empty the tier is resolved from the grid size.
type Difficulty struct {
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
	Tier string `json:"tier,omitempty"`
}

// PieceCount returns cols*rows.
func (d Difficulty) PieceCount() int {
	return d.Cols * d.Rows
}

// Validate rejects empty or degenerate grids.
func (d Difficulty) Validate() error {
	if d.Cols < 1 || d.Rows < 1 {
		return fmt.Errorf("difficulty %dx%d: cols and rows must be positive", d.Cols, d.Rows)
	}
	if d.PieceCount() > MaxPieces {
		return fmt.Errorf("difficulty %dx%d: more than %d pieces", d.Cols, d.Rows, MaxPieces)
	}
	return nil
}

// MaxPieces bounds a single session.
const MaxPieces = 2500

// Point is a position on the shared board.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Finite reports whether both coordinates are real numbers.
func (p Point) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Distance returns the euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Cell addresses one grid cell.
type Cell struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Geometry maps grid cells to board coordinates. It is supplied by the
// asset-prep collaborator together with the image reference.
type Geometry struct {
	CellWidth  float64 `json:"cellWidth"`
	CellHeight float64 `json:"cellHeight"`
	OriginX    float64 `json:"originX"`
	OriginY    float64 `json:"originY"`
}

// UnitGeometry places cell (c, r) at (c, r).
var UnitGeometry = Geometry{CellWidth: 1, CellHeight: 1}

// Canonical returns the exact board position of a cell.
func (g Geometry) Canonical(c Cell) Point {
	return Point{
		X: g.OriginX + float64(c.Col)*g.CellWidth,
		Y: g.OriginY + float64(c.Row)*g.CellHeight,
	}
}

// CellSize returns the smaller cell edge, the unit tolerances scale with.
func (g Geometry) CellSize() float64 {
	return math.Min(g.CellWidth, g.CellHeight)
}

// Session is the root record of a puzzle session. Round counts resets; a
// client seeing it change starts a new round locally.
type Session struct {
	ID           string     `json:"-"`
	Difficulty   Difficulty `json:"difficulty"`
	ImageRef     string     `json:"imageRef"`
	Status       Status     `json:"status"`
	StartTime    int64      `json:"startTime"`
	TimerSeconds int64      `json:"timerSeconds"`
	HostPlayerID string     `json:"hostPlayerId"`
	Round        int        `json:"round"`
}

// Player is one roster entry.
type Player struct {
	ID                  string `json:"-"`
	DisplayName         string `json:"displayName"`
	Color               string `json:"color"`
	Score               int    `json:"score"`
	IsHost              bool   `json:"isHost"`
	JoinedAt            int64  `json:"joinedAt"`
	LastActiveTimestamp int64  `json:"lastActiveTimestamp"`
}

// Piece is one jigsaw fragment. Target never changes after generation.
type Piece struct {
	ID                string  `json:"-"`
	Target            Cell    `json:"target"`
	Position          Point   `json:"position"`
	Rotation          float64 `json:"rotation"`
	Placed            bool    `json:"placed"`
	LastMovedBy       string  `json:"lastMovedBy"`
	LastMoveTimestamp int64   `json:"lastMoveTimestamp"`
}

// Move is an ephemeral request to change a piece's pose. It is never
// stored as such; it becomes a piece patch.
type Move struct {
	PieceID         string
	PlayerID        string
	Position        Point
	Rotation        float64
	ClientTimestamp int64
}

// PieceID derives the stable piece ID of a target cell.
func PieceID(c Cell) string {
	return "p_" + strconv.Itoa(c.Col) + "_" + strconv.Itoa(c.Row)
}

// ParsePieceID is the inverse of PieceID.
func ParsePieceID(id string) (Cell, error) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 || parts[0] != "p" {
		return Cell{}, fmt.Errorf("malformed piece id %q", id)
	}
	col, err := strconv.Atoi(parts[1])
	if err != nil {
		return Cell{}, fmt.Errorf("malformed piece id %q: %w", id, err)
	}
	row, err := strconv.Atoi(parts[2])
	if err != nil {
		return Cell{}, fmt.Errorf("malformed piece id %q: %w", id, err)
	}
	return Cell{Col: col, Row: row}, nil
}

// ToFields converts a model record into the generic field map the store
// accepts. Field names follow the json tags.
func ToFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("to fields: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("to fields: %w", err)
	}
	return out, nil
}

func decodeFields(fields map[string]any, v any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// DecodeSession builds a Session from a root node.
func DecodeSession(id string, fields map[string]any) (Session, error) {
	var s Session
	if err := decodeFields(fields, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	s.ID = id
	return s, nil
}

// DecodePlayer builds a Player from a player node.
func DecodePlayer(id string, fields map[string]any) (Player, error) {
	var p Player
	if err := decodeFields(fields, &p); err != nil {
		return Player{}, fmt.Errorf("decode player %s: %w", id, err)
	}
	p.ID = id
	return p, nil
}

// DecodePiece builds a Piece from a piece node.
func DecodePiece(id string, fields map[string]any) (Piece, error) {
	var p Piece
	if err := decodeFields(fields, &p); err != nil {
		return Piece{}, fmt.Errorf("decode piece %s: %w", id, err)
	}
	p.ID = id
	return p, nil
}
