// Package interp defines the narrow capability surface the coordinator
// needs from a symbolic-execution engine, together with the per-node
// output handler and run statistics. The engine itself is an external
// collaborator; treesim provides a reference implementation over a
// synthetic execution tree.
package interp

import (
	"context"

	"symfleet/internal/config"
)

// Directive is the worker's answer to a Pause callback.
type Directive int

const (
	// Continue resumes exploration.
	Continue Directive = iota
	// Halt stops the current task as soon as possible.
	Halt
)

// Hooks lets the task driver interleave with a running exploration. Both
// callbacks are invoked from the exploration goroutine between steps, so
// the node stays effectively single-threaded.
type Hooks struct {
	// Pause is called between exploration steps. Returning Halt stops the
	// task; the engine still reports a Result.
	Pause func() Directive

	// Frontier reports the current number of donatable pending branches.
	// Only transitions matter to the caller; the engine may coalesce.
	Frontier func(n int)
}

// Result summarises one completed (or halted) exploration task.
type Result struct {
	// BugFound is set when the engine hit a reportable error.
	BugFound bool

	// BugMessage describes the first reportable error, if any.
	BugMessage string

	// Paths is the number of completed paths.
	Paths int

	// Tests is the number of test cases emitted through the handler.
	Tests int

	// Halted is set when the task stopped on a Halt directive rather than
	// exhausting its bounds.
	Halted bool
}

// Interpreter is the engine capability set the coordinator relies on.
// Instances are single-task: workers create a fresh one per assignment.
type Interpreter interface {
	// SetPrefix pins exploration to paths whose initial branches equal
	// prefix (upper and lower bound at once). The prefix length is its
	// depth.
	SetPrefix(prefix []byte)

	// SetDepth bounds additional branching depth: beyond the prefix for
	// task runs, absolute for harvest runs. Zero means unbounded.
	SetDepth(depth int)

	// EnumeratePrefixes runs the engine once to the configured depth and
	// returns every frontier path as a prefix. Phase-1 use only.
	EnumeratePrefixes(ctx context.Context) ([][]byte, error)

	// Explore exhausts every path within the configured bounds, emitting
	// test cases through the handler.
	Explore(ctx context.Context, hooks Hooks) (Result, error)

	// Harvest donates a pending sub-prefix from the running exploration's
	// frontier, or reports false when nothing useful remains.
	Harvest() ([]byte, bool)

	// Stats exposes the engine's counters for reporting.
	Stats() *Stats
}

// Factory builds an engine bound to one node's options and output handler.
// The rank isolates per-node file output.
type Factory func(opts *config.Options, handler *Handler, rank int) (Interpreter, error)
