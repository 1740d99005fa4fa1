package cli

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/gateway"
	"github.com/roach88/jigsync/internal/ledger"
	"github.com/roach88/jigsync/internal/store"
)

func decodeSimulation(t *testing.T, out string) SimulateResult {
	t.Helper()
	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func assertCompleted(t *testing.T, res SimulateResult, players, pieces int) {
	t.Helper()
	assert.NotEmpty(t, res.SessionID)
	assert.Len(t, res.Players, players)
	assert.Equal(t, pieces, res.Pieces)
	assert.True(t, res.Converged)
	assert.LessOrEqual(t, res.Moves, 2*pieces)
	assert.Zero(t, res.Moves%2)

	require.NotNil(t, res.Record)
	assert.Equal(t, res.SessionID, res.Record.SessionID)
	assert.Contains(t, res.Players, res.Record.WinnerName)
	assert.Positive(t, res.Record.WinnerScore)
	assert.Positive(t, res.Record.CompletedAt)
}

func TestSimulateInProcess(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")
	out, err := execute(t, "simulate",
		"--players", "3", "--cols", "3", "--rows", "2", "--seed", "7",
		"--ledger-db", db, "--format", "json")
	require.NoError(t, err)

	res := decodeSimulation(t, out)
	assertCompleted(t, res, 3, 6)
	assert.Equal(t, 3, res.Record.Difficulty.Cols)
	assert.Equal(t, 2, res.Record.Difficulty.Rows)

	out, err = execute(t, "ledger", "--db", db, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data []ledger.Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, *res.Record, resp.Data[0])
}

func TestSimulateText(t *testing.T) {
	out, err := execute(t, "simulate", "--players", "2", "--cols", "2", "--rows", "2", "--seed", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "players:   Bot 1, Bot 2")
	assert.Contains(t, out, "converged: true")
}

func TestSimulateOverGateway(t *testing.T) {
	backend := store.NewMemory()
	gw := gateway.NewServer(backend)
	hs := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		hs.Close()
		backend.Close()
	})

	out, err := execute(t, "simulate",
		"--server", hs.URL,
		"--players", "2", "--cols", "3", "--rows", "2", "--seed", "11",
		"--format", "json")
	require.NoError(t, err)
	assertCompleted(t, decodeSimulation(t, out), 2, 6)
}

func TestSimulateRejectsBadFlags(t *testing.T) {
	tests := [][]string{
		{"simulate", "--players", "0"},
		{"simulate", "--cols", "0"},
		{"simulate", "--tier", "impossible"},
		{"simulate", "--tiers", "/nonexistent/tiers.cue"},
	}
	for _, args := range tests {
		_, err := execute(t, args...)
		require.Error(t, err, args)
		assert.Equal(t, ExitCommandError, GetExitCode(err), args)
	}
}

func TestSimulateUnreachableServer(t *testing.T) {
	_, err := execute(t, "simulate", "--server", "http://127.0.0.1:1", "--players", "1", "--timeout", "2s")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
