package treesim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symfleet/internal/config"
	"symfleet/internal/interp"
)

func writeProgram(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func newEngine(t *testing.T, programYAML string, mutate func(*config.Options)) interp.Interpreter {
	t.Helper()
	opts := config.Default()
	opts.InputFile = writeProgram(t, programYAML)
	opts.OutputDir = filepath.Join(t.TempDir(), "out")
	if mutate != nil {
		mutate(opts)
	}
	handler, err := interp.NewHandler(opts, 2)
	require.NoError(t, err)
	t.Cleanup(handler.Close)

	engine, err := New(opts, handler, 2)
	require.NoError(t, err)
	return engine
}

func TestLoadProgramErrors(t *testing.T) {
	_, err := LoadProgram("/does/not/exist.yaml")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("max_depth: [oops"), 0o644))
	_, err = LoadProgram(bad)
	assert.Error(t, err)

	zero := filepath.Join(t.TempDir(), "zero.yaml")
	require.NoError(t, os.WriteFile(zero, []byte("max_depth: 0"), 0o644))
	_, err = LoadProgram(zero)
	assert.Error(t, err)
}

func TestUnknownEntryPointRejected(t *testing.T) {
	opts := config.Default()
	opts.InputFile = writeProgram(t, "max_depth: 4\nentry_point: budget_main\n")
	opts.OutputDir = filepath.Join(t.TempDir(), "out")
	handler, err := interp.NewHandler(opts, 2)
	require.NoError(t, err)
	defer handler.Close()

	_, err = New(opts, handler, 2)
	assert.Error(t, err)
}

func TestEnumeratePrefixes(t *testing.T) {
	engine := newEngine(t, "max_depth: 6\n", nil)
	engine.SetDepth(3)

	prefixes, err := engine.EnumeratePrefixes(context.Background())
	require.NoError(t, err)
	require.Len(t, prefixes, 8)
	assert.Equal(t, "000", string(prefixes[0]))
	assert.Equal(t, "111", string(prefixes[7]))

	// Each prefix appears exactly once.
	seen := map[string]bool{}
	for _, p := range prefixes {
		assert.Len(t, p, 3)
		assert.False(t, seen[string(p)], "duplicate prefix %q", p)
		seen[string(p)] = true
	}
}

func TestExploreFullTree(t *testing.T) {
	engine := newEngine(t, "max_depth: 4\n", nil)
	res, err := engine.Explore(context.Background(), interp.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 16, res.Paths)
	assert.Equal(t, 16, res.Tests)
	assert.False(t, res.BugFound)
	assert.False(t, res.Halted)
	assert.EqualValues(t, 16, engine.Stats().CompletedPaths)
}

func TestExploreUnderPrefixRespectsBounds(t *testing.T) {
	engine := newEngine(t, "max_depth: 6\n", nil)
	engine.SetPrefix([]byte("01"))
	engine.SetDepth(2)

	res, err := engine.Explore(context.Background(), interp.Hooks{})
	require.NoError(t, err)
	// Bound is prefix depth + suffix depth = 4, so 2^2 leaves.
	assert.Equal(t, 4, res.Paths)
}

func TestExploreFindsPlantedBug(t *testing.T) {
	engine := newEngine(t, "max_depth: 6\nbug_path: \"0011\"\n", nil)
	engine.SetPrefix([]byte("00"))
	engine.SetDepth(4)

	res, err := engine.Explore(context.Background(), interp.Hooks{})
	require.NoError(t, err)
	assert.True(t, res.BugFound)
	assert.Contains(t, res.BugMessage, "0011")
}

func TestBugOutsidePrefixNotFound(t *testing.T) {
	engine := newEngine(t, "max_depth: 6\nbug_path: \"0011\"\n", nil)
	engine.SetPrefix([]byte("01"))
	engine.SetDepth(4)

	res, err := engine.Explore(context.Background(), interp.Hooks{})
	require.NoError(t, err)
	assert.False(t, res.BugFound)
}

func TestBugBelowDepthBoundNotFound(t *testing.T) {
	engine := newEngine(t, "max_depth: 8\nbug_path: \"000001\"\n", nil)
	engine.SetPrefix([]byte("0"))
	engine.SetDepth(3)

	res, err := engine.Explore(context.Background(), interp.Hooks{})
	require.NoError(t, err)
	assert.False(t, res.BugFound)
}

func TestHaltDirectiveStopsExploration(t *testing.T) {
	engine := newEngine(t, "max_depth: 10\n", nil)
	calls := 0
	res, err := engine.Explore(context.Background(), interp.Hooks{
		Pause: func() interp.Directive {
			calls++
			if calls > 5 {
				return interp.Halt
			}
			return interp.Continue
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Halted)
	assert.Less(t, res.Paths, 1024)
}

func TestHarvestDonatesPendingBranch(t *testing.T) {
	engine := newEngine(t, "max_depth: 10\n", nil)
	engine.SetPrefix([]byte("00000"))
	engine.SetDepth(5)

	var donated []byte
	steps := 0
	res, err := engine.Explore(context.Background(), interp.Hooks{
		Pause: func() interp.Directive {
			steps++
			if steps == 6 && donated == nil {
				if p, ok := engine.Harvest(); ok {
					donated = p
				}
			}
			return interp.Continue
		},
	})
	require.NoError(t, err)
	require.NotNil(t, donated, "frontier had nothing to donate")
	assert.Equal(t, "00000", string(donated[:5]))

	// The donated subtree was not explored here: fewer than 2^5 paths.
	assert.Less(t, res.Paths, 32)
}

func TestHarvestDeclinesWithEmptyFrontier(t *testing.T) {
	engine := newEngine(t, "max_depth: 3\n", nil)
	// Nothing pending outside Explore.
	_, ok := engine.Harvest()
	assert.False(t, ok)
}

func TestSearchPoliciesStayComplete(t *testing.T) {
	for _, policy := range []string{"DFS", "BFS", "RAND", "COVNEW"} {
		t.Run(policy, func(t *testing.T) {
			engine := newEngine(t, "max_depth: 5\n", func(o *config.Options) {
				o.SearchPolicy = policy
			})
			res, err := engine.Explore(context.Background(), interp.Hooks{})
			require.NoError(t, err)
			assert.Equal(t, 32, res.Paths, "policy %s must visit every path", policy)
		})
	}
}

func TestFrontierHookSeesGrowth(t *testing.T) {
	engine := newEngine(t, "max_depth: 6\n", nil)
	peak := 0
	_, err := engine.Explore(context.Background(), interp.Hooks{
		Frontier: func(n int) {
			if n > peak {
				peak = n
			}
		},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, peak, 2)
}

// TestExplorationCompleteness checks, over random bounds, that the number
// of completed paths is exactly 2^(bound - prefix depth): every path
// below the prefix is explored exactly once.
func TestExplorationCompleteness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)
	properties.Property("every path explored exactly once", prop.ForAll(
		func(prefixDepth, suffixDepth int) bool {
			maxDepth := 8
			prefix := make([]byte, prefixDepth)
			for i := range prefix {
				prefix[i] = '0'
			}
			engine := newEngine(t, fmt.Sprintf("max_depth: %d\n", maxDepth), nil)
			engine.SetPrefix(prefix)
			engine.SetDepth(suffixDepth)

			bound := prefixDepth + suffixDepth
			if bound > maxDepth {
				bound = maxDepth
			}
			want := 1 << (bound - prefixDepth)

			res, err := engine.Explore(context.Background(), interp.Hooks{})
			return err == nil && res.Paths == want
		},
		gen.IntRange(0, 4),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
