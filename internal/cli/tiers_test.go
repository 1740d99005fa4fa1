package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/tiers"
)

func TestTiersCommandDefault(t *testing.T) {
	out, err := execute(t, "tiers")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Regexp(t, `easy\s+3x2\s+6\s+off`, out)
	assert.Regexp(t, `expert\s+12x10\s+120\s+continuous`, out)
}

func TestTiersCommandJSON(t *testing.T) {
	out, err := execute(t, "tiers", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   []tiers.Tier `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	var names []string
	for _, tier := range resp.Data {
		names = append(names, tier.Name)
	}
	assert.Equal(t, []string{"easy", "medium", "hard", "expert"}, names)
}

func TestTiersCommandFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "tiers.cue")
	require.NoError(t, os.WriteFile(good, []byte(`tiers: tiny: {
	cols: 2
	rows: 2
	positionTolerance: 0.3
}
`), 0o644))

	out, err := execute(t, "tiers", "--tiers", good)
	require.NoError(t, err)
	assert.Regexp(t, `tiny\s+2x2\s+4\s+off\s+0.3\s+1`, out)
	assert.NotContains(t, out, "easy")

	bad := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(bad, []byte(`tiers: huge: { cols: 99, rows: 2, positionTolerance: 0.3 }`), 0o644))
	_, err = execute(t, "tiers", "--tiers", bad)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load tiers")
}
