package config

import (
	"fmt"
	"os"

	"github.com/duke-git/lancet/v2/slice"

	"symfleet/pkg/logger"
)

// SearchPolicies are the recognised exploration orders.
var SearchPolicies = []string{"DFS", "BFS", "RAND", "COVNEW"}

// OffloadPolicies are the recognised donor-selection policies.
var OffloadPolicies = []string{"DEFAULT"}

var libcTypes = []LibcType{LibcNone, LibcKlee, LibcUclibc}

// Validate checks the options a run cannot start without and normalises
// the ones that fall back to defaults. It is called before the fleet
// starts (once by the run command, once per process by the node command);
// failures here are configuration errors.
func (o *Options) Validate() error {
	if o.InputFile == "" {
		return fmt.Errorf("input program path is required")
	}
	if _, err := os.Stat(o.InputFile); err != nil {
		return fmt.Errorf("input program %s: %w", o.InputFile, err)
	}
	if o.OutputDir == "" {
		return fmt.Errorf("--output-dir is required")
	}
	if o.EntryPoint == "" {
		return fmt.Errorf("--entry-point must not be empty")
	}
	if o.Phase1Depth < 0 || o.Phase2Depth < 0 {
		return fmt.Errorf("exploration depths must be non-negative")
	}
	if o.TimeoutSec < 0 {
		return fmt.Errorf("--timeOut must be non-negative")
	}
	if !slice.Contain(libcTypes, o.Libc) {
		return fmt.Errorf("unknown --libc %q (want none, klee or uclibc)", o.Libc)
	}

	// Unknown policy strings fall back rather than fail, with a warning.
	if !slice.Contain(SearchPolicies, o.SearchPolicy) {
		logger.L().Sugar().Warnf("unknown search policy %q, falling back to DFS", o.SearchPolicy)
		o.SearchPolicy = "DFS"
	}
	if !slice.Contain(OffloadPolicies, o.OffloadPolicy) {
		logger.L().Sugar().Warnf("unknown offload policy %q, falling back to DEFAULT", o.OffloadPolicy)
		o.OffloadPolicy = "DEFAULT"
	}
	return nil
}
