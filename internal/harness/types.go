package harness

import (
	"github.com/roach88/jigsync/internal/ledger"
)

// StatusDeleted is reported in traces and state once the session is gone.
const StatusDeleted = "deleted"

// TraceEvent records one executed step and the store state it left.
type TraceEvent struct {
	Step   int    `json:"step"`
	Player string `json:"player,omitempty"`
	Do     string `json:"do"`
	Piece  string `json:"piece,omitempty"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status"`
	Placed int    `json:"placed"`
}

// PlayerState is one roster entry of the final state.
type PlayerState struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// State is the authoritative store state after the last step.
type State struct {
	SessionID    string          `json:"sessionId"`
	Status       string          `json:"status"`
	Host         string          `json:"host,omitempty"`
	TimerSeconds int64           `json:"timerSeconds"`
	Round        int             `json:"round"`
	Placed       int             `json:"placed"`
	Total        int             `json:"total"`
	Players      []PlayerState   `json:"players"`
	Converged    bool            `json:"converged"`
	Records      []ledger.Record `json:"records"`
}

// Deleted reports whether the session no longer exists.
func (s State) Deleted() bool { return s.Status == StatusDeleted }

// Player finds a roster entry.
func (s State) Player(id string) (PlayerState, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return PlayerState{}, false
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every step matched its expectation, every
	// invariant held and every assertion passed.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	State  State        `json:"state"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
