// Package treesim implements the interp.Interpreter capability set over a
// synthetic binary execution tree described by a small YAML program file.
// It stands in for the external symbolic engine in tests and demo runs:
// exploration order, prefix bounds, depth bounds, frontier donation and
// bug reporting all behave like the real engine, just over a fake tree.
package treesim

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"symfleet/internal/config"
	"symfleet/internal/interp"
)

// Program is the synthetic tree description. Every inner node branches
// into '0' and '1'; paths end at MaxDepth. Visiting the exact node named
// by BugPath is a reportable error.
type Program struct {
	// MaxDepth is the tree height; every path has exactly this many
	// branches.
	MaxDepth int `yaml:"max_depth"`

	// BugPath plants a reportable error at the node reached by this branch
	// sequence. Empty means the tree is bug-free.
	BugPath string `yaml:"bug_path"`

	// EntryPoint must match the configured entry point when set; it models
	// the unknown-entry-point configuration error.
	EntryPoint string `yaml:"entry_point"`
}

// LoadProgram parses a program file.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load program %s: %w", path, err)
	}
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse program %s: %w", path, err)
	}
	if p.MaxDepth <= 0 {
		return nil, fmt.Errorf("program %s: max_depth must be positive", path)
	}
	return &p, nil
}

// Engine explores one task over a Program.
type Engine struct {
	prog    *Program
	opts    *config.Options
	handler *interp.Handler
	rank    int
	stats   *interp.Stats

	prefix []byte
	depth  int

	// pending is the exploration frontier: paths whose subtrees are not
	// yet visited. Harvest donates its shallowest entry, the largest
	// donatable subtree.
	pending [][]byte

	rng uint64
}

// New builds an Engine for one task. It is the interp.Factory for this
// package.
func New(opts *config.Options, handler *interp.Handler, rank int) (interp.Interpreter, error) {
	prog, err := LoadProgram(opts.InputFile)
	if err != nil {
		return nil, err
	}
	if prog.EntryPoint != "" && prog.EntryPoint != opts.EntryPoint {
		return nil, fmt.Errorf("entry point %q not found in program", opts.EntryPoint)
	}
	// The synthetic tree takes no environment, but a bad --environ file
	// still fails the task like any other load error.
	if opts.Environ != "" {
		if _, err := config.ReadEnviron(opts.Environ); err != nil {
			return nil, err
		}
	}
	handler.WriteAssembly([]byte(fmt.Sprintf(
		"; synthetic execution tree\n; max depth %d\n; entry %s\n",
		prog.MaxDepth, opts.EntryPoint)))
	return &Engine{
		prog:    prog,
		opts:    opts,
		handler: handler,
		rank:    rank,
		stats:   interp.NewStats(),
		rng:     uint64(rank)*2654435761 + 1,
	}, nil
}

func (e *Engine) SetPrefix(prefix []byte) {
	e.prefix = append([]byte(nil), prefix...)
}

func (e *Engine) SetDepth(depth int) {
	e.depth = depth
}

func (e *Engine) Stats() *interp.Stats { return e.stats }

// bound returns the absolute depth limit for the current task.
func (e *Engine) bound() int {
	limit := e.prog.MaxDepth
	if e.depth > 0 {
		d := len(e.prefix) + e.depth
		if d < limit {
			limit = d
		}
	}
	return limit
}

// EnumeratePrefixes returns the whole frontier at the configured depth.
// Order is leftmost-first, which keeps the prefix queue deterministic.
func (e *Engine) EnumeratePrefixes(ctx context.Context) ([][]byte, error) {
	limit := e.depth
	if limit <= 0 || limit > e.prog.MaxDepth {
		limit = e.prog.MaxDepth
	}
	var out [][]byte
	stack := [][]byte{{}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e.stats.Instructions++
		if len(path) == limit {
			out = append(out, path)
			continue
		}
		e.stats.Forks++
		// Push '1' first so '0' is popped first: leftmost-first output.
		stack = append(stack, appendBranch(path, '1'), appendBranch(path, '0'))
	}
	return out, nil
}

// Explore exhausts every path under the prefix up to the depth bound.
func (e *Engine) Explore(ctx context.Context, hooks interp.Hooks) (res interp.Result, err error) {
	defer func() {
		if err == nil {
			e.writeSideFiles(res)
		}
	}()
	limit := e.bound()
	start := append([]byte(nil), e.prefix...)
	if len(start) > limit {
		start = start[:limit]
	}
	e.pending = [][]byte{start}
	e.notifyFrontier(hooks)

	for len(e.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if hooks.Pause != nil && hooks.Pause() == interp.Halt {
			res.Halted = true
			return res, nil
		}

		stepStart := time.Now()
		path := e.pop()
		e.notifyFrontier(hooks)
		e.stats.Instructions++

		if e.isBug(path) {
			res.BugFound = true
			res.BugMessage = fmt.Sprintf("planted error reached at path %q", path)
			tc := interp.TestCase{
				Objects:     e.objectsFor(path),
				Error:       res.BugMessage,
				ErrorSuffix: "assert.err",
				Constraints: e.constraintsFor(path),
				Path:        path,
			}
			if _, err := e.handler.ProcessTestCase(tc); err == nil {
				e.stats.GeneratedTests++
				res.Tests++
			}
			e.stats.RecordStep(time.Since(stepStart))
			return res, nil
		}

		if len(path) >= limit {
			// Completed path: one solver query, one test case.
			e.stats.Queries++
			e.stats.QueriesValid++
			e.stats.QueryConstructs += uint64(len(path))
			e.stats.RecordPath(len(path))
			res.Paths++
			tc := interp.TestCase{
				Objects:     e.objectsFor(path),
				Constraints: e.constraintsFor(path),
				Path:        path,
				SymPath:     path,
			}
			if _, err := e.handler.ProcessTestCase(tc); err == nil {
				e.stats.GeneratedTests++
				res.Tests++
			}
		} else {
			e.stats.Forks++
			e.pending = append(e.pending, appendBranch(path, '0'), appendBranch(path, '1'))
			e.notifyFrontier(hooks)
		}
		e.stats.RecordStep(time.Since(stepStart))
	}
	return res, nil
}

// writeSideFiles dumps the per-task engine artifacts next to the output
// directory: a branch-depth histogram and a short task log. Failures are
// tolerated.
func (e *Engine) writeSideFiles(res interp.Result) {
	hist := fmt.Sprintf("paths %d\ninstructions %d\nforks %d\n",
		res.Paths, e.stats.Instructions, e.stats.Forks)
	_ = os.WriteFile(e.handler.BrHistPath(), []byte(hist), 0o644)

	log := fmt.Sprintf("prefix %q depth %d bug %v halted %v\n",
		e.prefix, e.bound(), res.BugFound, res.Halted)
	_ = os.WriteFile(e.handler.LogFilePath(), []byte(log), 0o644)
	_ = os.WriteFile(e.handler.PathFilePath(),
		[]byte(fmt.Sprintf("%d\n", res.Paths)), 0o644)
}

// Harvest donates the shallowest pending branch, shrinking this task's
// subtree. Called synchronously from the Pause hook.
func (e *Engine) Harvest() ([]byte, bool) {
	if len(e.pending) < 2 {
		// Keep at least one branch so the task itself can finish.
		return nil, false
	}
	shallowest := 0
	for i, p := range e.pending {
		if len(p) < len(e.pending[shallowest]) {
			shallowest = i
		}
	}
	donated := e.pending[shallowest]
	e.pending = append(e.pending[:shallowest], e.pending[shallowest+1:]...)
	return donated, true
}

// pop removes the next path to visit according to the search policy.
func (e *Engine) pop() []byte {
	var idx int
	switch e.opts.SearchPolicy {
	case "BFS":
		idx = 0
	case "RAND":
		e.rng = e.rng*6364136223846793005 + 1442695040888963407
		idx = int(e.rng % uint64(len(e.pending)))
	default:
		// DFS; COVNEW degenerates to DFS on a synthetic tree, where every
		// branch covers equally new ground.
		idx = len(e.pending) - 1
	}
	path := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return path
}

func (e *Engine) notifyFrontier(hooks interp.Hooks) {
	if hooks.Frontier != nil {
		hooks.Frontier(len(e.pending))
	}
}

func (e *Engine) isBug(path []byte) bool {
	bug := e.prog.BugPath
	if bug == "" {
		return false
	}
	return string(path) == bug
}

func (e *Engine) objectsFor(path []byte) []interp.TestObject {
	return []interp.TestObject{{Name: "branches", Bytes: append([]byte(nil), path...)}}
}

func (e *Engine) constraintsFor(path []byte) map[string]string {
	q := fmt.Sprintf("(path %q)", path)
	return map[string]string{"kquery": q, "cvc": q, "smt2": q}
}

func appendBranch(path []byte, b byte) []byte {
	out := make([]byte, len(path)+1)
	copy(out, path)
	out[len(path)] = b
	return out
}
