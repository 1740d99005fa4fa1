package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir holds golden traces, relative to the test's package.
const GoldenDir = "testdata/golden"

// TraceSnapshot is what a golden file holds.
type TraceSnapshot struct {
	Scenario string       `json:"scenario"`
	Trace    []TraceEvent `json:"trace"`
	State    State        `json:"state"`
}

// MarshalSnapshot renders a result as indented JSON with a trailing
// newline. Field order is fixed by the struct declarations.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	data, err := json.MarshalIndent(TraceSnapshot{
		Scenario: name,
		Trace:    result.Trace,
		State:    result.State,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// AssertGolden compares a result with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	data, err := MarshalSnapshot(name, result)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

// RunWithGolden runs a scenario, fails the test on any scenario error and
// compares the trace with its golden file.
func RunWithGolden(t *testing.T, sc *Scenario, opts ...Option) *Result {
	t.Helper()
	result, err := Run(context.Background(), sc, opts...)
	if err != nil {
		t.Fatalf("run %s: %v", sc.Name, err)
	}
	for _, e := range result.Errors {
		t.Errorf("%s: %s", sc.Name, e)
	}
	AssertGolden(t, sc.Name, result)
	return result
}
