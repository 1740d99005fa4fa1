package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/jigsync/internal/model"
)

// Scenario is one scripted multi-client session.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Grid is the puzzle created by the first create step.
	Grid Grid `yaml:"grid"`

	// Seed selects the scramble. Zero is the fixed cyclic scramble.
	Seed uint64 `yaml:"seed,omitempty"`

	// ResetScores overrides whether reset zeroes scores. Default true.
	ResetScores *bool `yaml:"reset_scores,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Grid is the scenario's difficulty.
type Grid struct {
	Cols int    `yaml:"cols"`
	Rows int    `yaml:"rows"`
	Tier string `yaml:"tier,omitempty"`
}

// Difficulty converts the grid.
func (g Grid) Difficulty() model.Difficulty {
	return model.Difficulty{Cols: g.Cols, Rows: g.Rows, Tier: g.Tier}
}

// Step is one action by one player.
type Step struct {
	Player   string  `yaml:"player,omitempty"`
	Do       string  `yaml:"do"`
	Name     string  `yaml:"name,omitempty"`
	Image    string  `yaml:"image,omitempty"`
	Piece    string  `yaml:"piece,omitempty"`
	X        float64 `yaml:"x,omitempty"`
	Y        float64 `yaml:"y,omitempty"`
	Rotation float64 `yaml:"rotation,omitempty"`
	Count    int     `yaml:"count,omitempty"`
	Seconds  float64 `yaml:"seconds,omitempty"`

	// ExpectError is the error code the step must fail with. Empty means
	// the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step actions.
const (
	DoCreate  = "create"
	DoJoin    = "join"
	DoStart   = "start"
	DoPause   = "pause"
	DoResume  = "resume"
	DoReset   = "reset"
	DoMove    = "move"
	DoPlace   = "place"
	DoSolve   = "solve"
	DoTick    = "tick"
	DoAdvance = "advance"
	DoLeave   = "leave"
	DoClose   = "close"
	DoDrop    = "drop"
)

var playerless = map[string]bool{DoAdvance: true, DoDrop: true}

var knownActions = map[string]bool{
	DoCreate: true, DoJoin: true, DoStart: true, DoPause: true, DoResume: true,
	DoReset: true, DoMove: true, DoPlace: true, DoSolve: true, DoTick: true,
	DoAdvance: true, DoLeave: true, DoClose: true, DoDrop: true,
}

// Assertion checks the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Player  string   `yaml:"player,omitempty"`
	Players []string `yaml:"players,omitempty"`
	Status  string   `yaml:"status,omitempty"`
	Score   int      `yaml:"score,omitempty"`
	Count   int      `yaml:"count,omitempty"`
	Seconds int64    `yaml:"seconds,omitempty"`
	Round   int      `yaml:"round,omitempty"`
}

// Assertion types.
const (
	AssertStatus    = "status"
	AssertHost      = "host"
	AssertScore     = "score"
	AssertPlaced    = "placed"
	AssertConverged = "converged"
	AssertWinner    = "winner"
	AssertRecords   = "records"
	AssertTimer     = "timer"
	AssertRoster    = "roster"
	AssertRound     = "round"
)

// LoadScenario reads a scenario file. Unknown fields are rejected so a
// typo never silently disables a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if err := s.Grid.Difficulty().Validate(); err != nil {
		return fmt.Errorf("grid: %w", err)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, st := range s.Steps {
		if !knownActions[st.Do] {
			return fmt.Errorf("steps[%d]: unknown action %q", i, st.Do)
		}
		if st.Player == "" && !playerless[st.Do] {
			return fmt.Errorf("steps[%d]: player is required for %s", i, st.Do)
		}
		switch st.Do {
		case DoMove, DoPlace:
			if st.Piece == "" {
				return fmt.Errorf("steps[%d]: piece is required for %s", i, st.Do)
			}
		case DoSolve:
			if st.Count < 0 {
				return fmt.Errorf("steps[%d]: count must be non-negative", i)
			}
		case DoAdvance:
			if st.Seconds <= 0 {
				return fmt.Errorf("steps[%d]: seconds must be positive", i)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case AssertStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required", i)
		}
	case AssertHost, AssertScore, AssertWinner:
		if a.Player == "" {
			return fmt.Errorf("assertions[%d]: player is required for %s", i, a.Type)
		}
	case AssertPlaced, AssertConverged, AssertRecords, AssertTimer, AssertRound, AssertRoster:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
