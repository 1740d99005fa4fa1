package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessScenarios = "../harness/testdata/scenarios"

const quickScenario = `name: quick
description: "Host starts and places one piece"
grid: { cols: 3, rows: 2 }
steps:
  - { player: alice, do: create, name: Alice, image: "img://cat" }
  - { player: alice, do: start }
  - { player: alice, do: place, piece: p_0_0 }
assertions:
  - { type: placed, count: 1 }
  - { type: score, player: alice, score: %d }
`

// writeScenario writes root/scenarios/<name>.yaml and returns its path.
func writeScenario(t *testing.T, root, name, body string) string {
	t.Helper()
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runScenarioCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewScenarioCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestScenarioCommandMissingArgs(t *testing.T) {
	_, err := runScenarioCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestScenarioCommandMissingPath(t *testing.T) {
	_, err := runScenarioCmd(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")
}

func TestScenarioCommandEmptyDir(t *testing.T) {
	out, err := runScenarioCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestScenarioCommandHarnessScenarios(t *testing.T) {
	out, err := runScenarioCmd(t, "json", harnessScenarios)
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   ScenarioReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 7, resp.Data.Total)
	assert.Equal(t, 7, resp.Data.Passed)
	for _, s := range resp.Data.Scenarios {
		assert.True(t, s.Pass, "%s: %v", s.Name, s.Errors)
		assert.Equal(t, "match", s.Golden, s.Name)
	}
}

func TestScenarioCommandFilter(t *testing.T) {
	out, err := runScenarioCmd(t, "text", harnessScenarios, "--filter", "host_*")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ host_handover")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenarioCommandInvalidFilter(t *testing.T) {
	_, err := runScenarioCmd(t, "text", harnessScenarios, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioCommandFailure(t *testing.T) {
	root := t.TempDir()
	writeScenario(t, root, "quick", fmtScenario(5))

	out, err := runScenarioCmd(t, "text", filepath.Join(root, "scenarios"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ quick")
	assert.Contains(t, out, "assertion score")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestScenarioCommandFailureJSON(t *testing.T) {
	root := t.TempDir()
	writeScenario(t, root, "quick", fmtScenario(5))

	out, err := runScenarioCmd(t, "json", filepath.Join(root, "scenarios"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_SCENARIO_FAILED", resp.Error.Code)
}

func TestScenarioCommandLoadError(t *testing.T) {
	root := t.TempDir()
	path := writeScenario(t, root, "broken", "name: broken\nsteps: [\n")

	out, err := runScenarioCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "failed to load scenario")
}

func TestScenarioCommandUpdateGolden(t *testing.T) {
	root := t.TempDir()
	path := writeScenario(t, root, "quick", fmtScenario(1))

	out, err := runScenarioCmd(t, "text", path, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ quick (golden updated)")

	golden, err := os.ReadFile(filepath.Join(root, "golden", "quick.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario": "quick"`)

	out, err = runScenarioCmd(t, "json", path)
	require.NoError(t, err)
	var resp struct {
		Data ScenarioReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "match", resp.Data.Scenarios[0].Golden)

	require.NoError(t, os.WriteFile(filepath.Join(root, "golden", "quick.golden"), []byte("{}\n"), 0o644))
	out, err = runScenarioCmd(t, "text", path)
	require.Error(t, err)
	assert.Contains(t, out, "does not match golden file")
}

func TestFindScenarioFiles(t *testing.T) {
	root := t.TempDir()
	writeScenario(t, root, "host_a", "x")
	writeScenario(t, root, "host_b", "x")
	writeScenario(t, root, "reset", "x")
	require.NoError(t, os.WriteFile(filepath.Join(root, "scenarios", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scenarios", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scenarios", "nested", "deep.yml"), []byte("x"), 0o644))

	all, err := findScenarioFiles(filepath.Join(root, "scenarios"), "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	hosts, err := findScenarioFiles(filepath.Join(root, "scenarios"), "host_*")
	require.NoError(t, err)
	assert.Len(t, hosts, 2)

	single, err := findScenarioFiles(filepath.Join(root, "scenarios", "reset.yaml"), "host_*")
	require.NoError(t, err)
	assert.Empty(t, single)
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("testdata", "golden", "reset_round.golden"),
		goldenFilePath(filepath.Join("testdata", "scenarios", "reset_round.yaml")))
}

func fmtScenario(score int) string {
	return fmt.Sprintf(quickScenario, score)
}
