// Package config holds the driver's run options and the loader that merges
// defaults, an optional YAML file, and command-line overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LibcType selects which libc model is linked into the program under test.
type LibcType string

const (
	LibcNone   LibcType = "none"
	LibcKlee   LibcType = "klee"
	LibcUclibc LibcType = "uclibc"
)

// DefaultTimeout applies when --timeOut is zero.
const DefaultTimeout = 24 * time.Hour

// Options is the full configuration for one distributed run. One value is
// shared read-only by every role in the process (the fields mirror the CLI
// surface; roles only read the parts they own).
type Options struct {
	// InputFile is the program under test (positional argument).
	InputFile string `yaml:"input_file"`

	// ProgramArgs are the remaining positionals, forwarded verbatim to the
	// symbolic program.
	ProgramArgs []string `yaml:"program_args"`

	// OutputDir is the base output directory; node outputs land in
	// "<OutputDir><index>". Required.
	OutputDir string `yaml:"output_dir"`

	EntryPoint string `yaml:"entry_point"`

	// Phase1Depth bounds the master's prefix harvest. Zero selects the
	// degenerate single-worker mode.
	Phase1Depth int `yaml:"phase1_depth"`

	// Phase2Depth is the suffix extension explored beyond each prefix.
	Phase2Depth int `yaml:"phase2_depth"`

	// TimeoutSec is the global deadline in seconds; zero means 24 hours.
	TimeoutSec int `yaml:"timeout_sec"`

	SearchPolicy  string `yaml:"search_policy"`
	OffloadPolicy string `yaml:"offload_policy"`

	// LoadBalance enables work stealing between busy and free workers.
	LoadBalance bool `yaml:"load_balance"`

	Libc           LibcType `yaml:"libc"`
	PosixRuntime   bool     `yaml:"posix_runtime"`
	SymArgRuntime  bool     `yaml:"sym_arg_runtime"`
	SkipFunctions  string   `yaml:"skip_functions"`
	InlineFuncs    string   `yaml:"inline"`
	ErrorLocation  string   `yaml:"error_location"`
	MaxErrorCount  int      `yaml:"max_error_count"`
	Optimize       bool     `yaml:"optimize"`
	CheckDivZero   bool     `yaml:"check_div_zero"`
	CheckOvershift bool     `yaml:"check_overshift"`

	Environ string `yaml:"environ"`

	// Test-case emission toggles.
	NoOutput      bool `yaml:"no_output"`
	WriteKQueries bool `yaml:"write_kqueries"`
	WriteCVCs     bool `yaml:"write_cvcs"`
	WriteSMT2s    bool `yaml:"write_smt2s"`
	WriteCov      bool `yaml:"write_cov"`
	WritePaths    bool `yaml:"write_paths"`
	WriteSymPaths bool `yaml:"write_sym_paths"`
	WriteTestInfo bool `yaml:"write_test_info"`

	// DrainOnBug makes the bug-found abort wait for every KILL_COMP before
	// tearing the fleet down. Off by default, matching the historical
	// behaviour.
	DrainOnBug bool `yaml:"drain_on_bug"`

	// StatusAddr, when set, serves the master's read-only status API.
	StatusAddr string `yaml:"status_addr"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// Default returns an Options with the documented defaults.
func Default() *Options {
	return &Options{
		EntryPoint:     "main",
		SearchPolicy:   "DFS",
		OffloadPolicy:  "DEFAULT",
		Libc:           LibcNone,
		CheckDivZero:   true,
		CheckOvershift: true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Timeout returns the effective global deadline.
func (o *Options) Timeout() time.Duration {
	if o.TimeoutSec == 0 {
		return DefaultTimeout
	}
	return time.Duration(o.TimeoutSec) * time.Second
}

// Degenerate reports whether the run skips prefix harvesting.
func (o *Options) Degenerate() bool {
	return o.Phase1Depth == 0
}

// Loader merges configuration sources: defaults, then an optional YAML
// file. CLI flags are applied on top by the command layer.
type Loader struct {
	configPath string
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// WithConfigPath sets the YAML file to merge over the defaults.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load builds the Options.
func (l *Loader) Load() (*Options, error) {
	opts := Default()
	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(data, opts); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.configPath, err)
		}
	}
	return opts, nil
}

// ReadEnviron parses an environment file in "KEY=VALUE" line format, the
// way the driver's --environ option expects it. Blank lines and
// surrounding whitespace are ignored.
func ReadEnviron(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open environ file %s: %w", path, err)
	}
	var env []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			env = append(env, line)
		}
	}
	return env, nil
}
