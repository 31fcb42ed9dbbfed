package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenarios copies the harness scenarios, catalogs and goldens into a temp
// dir.
func scenarios(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.CopyFS(dir, os.DirFS(filepath.Join("..", "harness", "testdata"))))
	return dir
}

func TestTestCommand_AllPass(t *testing.T) {
	dir := scenarios(t)

	out, err := execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ breaker_trips_and_recovers")
	assert.Contains(t, out, "✓ local_authoritative_push")
	assert.Contains(t, out, "Test Summary: 4 passed, 0 failed, 4 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_Filter(t *testing.T) {
	dir := scenarios(t)

	out, err := execute(t, "--format", "json", "test", dir, "--filter", "*_sync")
	require.NoError(t, err)

	var suite TestOutput
	decode(t, out, &suite)
	assert.Equal(t, 2, suite.Total)
	assert.Equal(t, 2, suite.Passed)
	require.Len(t, suite.Scenarios, 2)
	assert.Equal(t, "hierarchical_sync", suite.Scenarios[0].Name)
}

func TestTestCommand_GoldenMismatchFails(t *testing.T) {
	dir := scenarios(t)
	golden := filepath.Join(dir, "golden", "hierarchical_sync.golden")
	require.NoError(t, os.WriteFile(golden, []byte("{}"), 0o644))

	out, err := execute(t, "test", dir, "--filter", "hierarchical_sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ hierarchical_sync")
	assert.Contains(t, out, "trace does not match golden file")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommand_UpdateRewritesGolden(t *testing.T) {
	dir := scenarios(t)
	golden := filepath.Join(dir, "golden", "hierarchical_sync.golden")
	want, err := os.ReadFile(golden)
	require.NoError(t, err)
	require.NoError(t, os.Remove(golden))

	_, err = execute(t, "test", dir, "--filter", "hierarchical_sync", "--update")
	require.NoError(t, err)

	got, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestTestCommand_NoScenarios(t *testing.T) {
	out, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_MissingDirectory(t *testing.T) {
	out, err := execute(t, "test", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E001]: scenarios directory not found")
}
