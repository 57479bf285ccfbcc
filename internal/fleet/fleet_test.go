package fleet

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symfleet/internal/config"
	"symfleet/internal/interp/treesim"
	"symfleet/internal/master"
)

func writeProgram(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func fleetOptions(t *testing.T, programYAML string) *config.Options {
	t.Helper()
	t.Chdir(t.TempDir())
	opts := config.Default()
	opts.InputFile = writeProgram(t, programYAML)
	opts.OutputDir = filepath.Join(t.TempDir(), "out")
	return opts
}

func readTrace(t *testing.T, opts *config.Options) string {
	t.Helper()
	name := "log_master_" + strings.ReplaceAll(strings.Trim(opts.OutputDir, "/"), "/", "_")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	return string(data)
}

func outputDirs(t *testing.T, opts *config.Options) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(opts.OutputDir))
	require.NoError(t, err)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}

func TestDegenerateFinishEndToEnd(t *testing.T) {
	opts := fleetOptions(t, "max_depth: 5\n")

	outcome, err := RunLocal(context.Background(), opts, treesim.New, 3)
	require.NoError(t, err)
	assert.Equal(t, master.OutcomeAllFinished, outcome)

	// Exactly one worker output directory: the master harvests nothing in
	// degenerate mode.
	assert.Len(t, outputDirs(t, opts), 1)
	assert.Contains(t, readTrace(t, opts), "MASTER_ELAPSED Normal Mode")
}

func TestDegenerateBugEndToEnd(t *testing.T) {
	opts := fleetOptions(t, "max_depth: 5\nbug_path: \"001\"\n")

	outcome, err := RunLocal(context.Background(), opts, treesim.New, 3)
	require.NoError(t, err)
	assert.Equal(t, master.OutcomeBugFound, outcome)
	assert.Contains(t, readTrace(t, opts), "BUG FOUND:2")
}

func TestTwoPhaseEndToEnd(t *testing.T) {
	opts := fleetOptions(t, "max_depth: 8\n")
	opts.Phase1Depth = 2
	opts.Phase2Depth = 6

	outcome, err := RunLocal(context.Background(), opts, treesim.New, 4)
	require.NoError(t, err)
	assert.Equal(t, master.OutcomeAllFinished, outcome)

	trace := readTrace(t, opts)
	// Four harvested prefixes, each dispatched exactly once.
	assert.Equal(t, 4, strings.Count(trace, "START_WORK"))
	assert.Contains(t, trace, "DONE_WITH_ALL_PREFIXES")
	assert.Contains(t, trace, "ALL WORKERS FINISHED")

	// Master harvest directory plus one per worker task.
	assert.Len(t, outputDirs(t, opts), 5)
}

func TestTwoPhaseBugEndToEnd(t *testing.T) {
	opts := fleetOptions(t, "max_depth: 8\nbug_path: \"0110011\"\n")
	opts.Phase1Depth = 2
	opts.Phase2Depth = 6

	outcome, err := RunLocal(context.Background(), opts, treesim.New, 4)
	require.NoError(t, err)
	assert.Equal(t, master.OutcomeBugFound, outcome)
}

func TestSurplusWorkersDismissedEndToEnd(t *testing.T) {
	opts := fleetOptions(t, "max_depth: 8\n")
	opts.Phase1Depth = 1
	opts.Phase2Depth = 7

	// Five ranks but only two harvested prefixes: worker 4 is surplus,
	// gets killed at seeding, and its KILL_COMP reaches the master while
	// the others are still exploring.
	outcome, err := RunLocal(context.Background(), opts, treesim.New, 5)
	require.NoError(t, err)
	assert.Equal(t, master.OutcomeAllFinished, outcome)

	trace := readTrace(t, opts)
	assert.Equal(t, 2, strings.Count(trace, "START_WORK"))
	assert.Contains(t, trace, "KILL ID:4")
	assert.Contains(t, trace, "ALL WORKERS FINISHED")
}

func TestLoadBalancedRunTerminates(t *testing.T) {
	opts := fleetOptions(t, "max_depth: 16\n")
	opts.Phase1Depth = 1
	opts.Phase2Depth = 15
	opts.LoadBalance = true
	opts.NoOutput = true

	// Five ranks: two busy workers, one surplus steal target.
	outcome, err := RunLocal(context.Background(), opts, treesim.New, 5)
	require.NoError(t, err)
	assert.Equal(t, master.OutcomeAllFinished, outcome)

	trace := readTrace(t, opts)
	assert.Contains(t, trace, "OFFLOAD_SENT", "no steal was ever initiated")
	assert.Contains(t, trace, "ALL WORKERS FINISHED")
}

func TestTimeoutPreemptsEndToEnd(t *testing.T) {
	opts := fleetOptions(t, "max_depth: 26\n")
	opts.Phase1Depth = 2
	opts.Phase2Depth = 24
	opts.TimeoutSec = 1
	opts.NoOutput = true

	outcome, err := RunLocal(context.Background(), opts, treesim.New, 4)
	require.NoError(t, err)
	assert.Equal(t, master.OutcomeTimeout, outcome)
	assert.Contains(t, readTrace(t, opts), "MASTER: TIMEOUT")
}

func TestRunLocalRejectsSmallFleet(t *testing.T) {
	opts := fleetOptions(t, "max_depth: 4\n")
	_, err := RunLocal(context.Background(), opts, treesim.New, 2)
	assert.Error(t, err)
}
