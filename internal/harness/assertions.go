package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/jigsync/internal/completion"
	"github.com/roach88/jigsync/internal/ledger"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion against the final state and
// returns one message per failure.
func EvaluateAssertions(state State, records []ledger.Record, assertions []Assertion) []string {
	var out []string
	for _, a := range assertions {
		if err := evaluate(state, records, a); err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

func evaluate(s State, records []ledger.Record, a Assertion) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual}
	}

	switch a.Type {
	case AssertStatus:
		if s.Status != a.Status {
			return fail(a.Status, s.Status)
		}
	case AssertHost:
		if s.Host != a.Player {
			return fail(a.Player, orNone(s.Host))
		}
	case AssertScore:
		p, ok := s.Player(a.Player)
		if !ok {
			return fail(fmt.Sprintf("%s with score %d", a.Player, a.Score), "no such player")
		}
		if p.Score != a.Score {
			return fail(fmt.Sprintf("%s with score %d", a.Player, a.Score), fmt.Sprint(p.Score))
		}
	case AssertPlaced:
		want := a.Count
		if want == 0 {
			want = s.Total
		}
		if s.Placed != want {
			return fail(fmt.Sprintf("%d placed", want), fmt.Sprintf("%d of %d", s.Placed, s.Total))
		}
	case AssertConverged:
		if !s.Converged {
			return fail("all replicas equal to the store", "a diverged replica")
		}
	case AssertWinner:
		if len(records) == 0 {
			return fail(a.Player, "no completion record")
		}
		last := records[len(records)-1]
		if last.WinnerID != a.Player {
			return fail(a.Player, last.WinnerID)
		}
	case AssertRecords:
		if len(records) != a.Count {
			return fail(fmt.Sprintf("%d records", a.Count), fmt.Sprint(len(records)))
		}
	case AssertTimer:
		if s.TimerSeconds != a.Seconds {
			return fail(fmt.Sprintf("%ds", a.Seconds), fmt.Sprintf("%ds", s.TimerSeconds))
		}
	case AssertRound:
		if s.Round != a.Round {
			return fail(fmt.Sprint(a.Round), fmt.Sprint(s.Round))
		}
	case AssertRoster:
		got := make([]string, len(s.Players))
		for i, p := range s.Players {
			got[i] = p.ID
		}
		if strings.Join(got, ",") != strings.Join(a.Players, ",") {
			return fail(fmt.Sprint(a.Players), fmt.Sprint(got))
		}
	default:
		return fail("a known assertion type", a.Type)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// Solved reports whether the final state is a finished board.
func (s State) Solved() bool {
	return completion.Solved(s.Placed, s.Total)
}
