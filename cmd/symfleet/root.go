package main

import (
	"github.com/spf13/cobra"

	"symfleet/internal/config"
	"symfleet/pkg/logger"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string

	opts = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "symfleet",
	Short: "distributed symbolic-execution driver",
	Long: `symfleet splits the exhaustive exploration of a program's execution
tree across a fleet of nodes: a master harvests prefix tasks, workers
extend them, and the fleet stops on the first reportable event (bug,
timeout, or complete exploration).`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadOptions()
		if err != nil {
			return err
		}
		opts = loaded
		applyFlagOverrides(cmd)
		if cmd.Root().PersistentFlags().Changed("log-level") {
			opts.Logging.Level = logLevel
		}
		logger.Init(&logger.Config{
			Level:    opts.Logging.Level,
			Format:   opts.Logging.Format,
			Output:   opts.Logging.Output,
			FilePath: opts.Logging.File,
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	addRunOptions := func(cmd *cobra.Command) {
		f := cmd.Flags()
		f.String("output-dir", "", "base output directory; per-node output is <dir><index> (required)")
		f.String("entry-point", "main", "symbol to treat as main")
		f.Int("phase1Depth", 0, "prefix harvest depth (0 selects degenerate mode)")
		f.Int("phase2Depth", 0, "suffix extension depth beyond each prefix")
		f.Int("timeOut", 0, "global deadline in seconds (0 means 24 hours)")
		f.String("searchPolicy", "DFS", "exploration order: DFS, BFS, RAND or COVNEW")
		f.String("offloadPolicy", "DEFAULT", "donor selection policy")
		f.Bool("lb", false, "enable work stealing between workers")
		f.String("libc", "none", "libc model: none, klee or uclibc")
		f.Bool("posix-runtime", false, "link the POSIX runtime model")
		f.Bool("sym-arg-runtime", false, "link the symbolic argv model")
		f.String("skip-functions", "", "comma-separated functions to skip (optionally <fn>[:line])")
		f.String("inline", "", "comma-separated functions to inline")
		f.String("error-location", "", "comma-separated expected failure locations (<file>[:line])")
		f.Int("max-error-count", 0, "stop a task after this many errors (0 means unlimited)")
		f.Bool("optimize", false, "optimize the program before execution")
		f.Bool("check-div-zero", true, "inject division-by-zero checks")
		f.Bool("check-overshift", true, "inject overshift checks")
		f.String("environ", "", "read the program environment from this file")
		f.Bool("no-output", false, "skip test-case file emission")
		f.Bool("write-kqueries", false, "write a .kquery file per test case")
		f.Bool("write-cvcs", false, "write a .cvc file per test case")
		f.Bool("write-smt2s", false, "write a .smt2 file per test case")
		f.Bool("write-cov", false, "write coverage per test case")
		f.Bool("write-paths", false, "write a .path file per test case")
		f.Bool("write-sym-paths", false, "write a .sym.path file per test case")
		f.Bool("write-test-info", false, "write extra info per test case")
		f.Bool("drain-on-bug", false, "collect every KILL_COMP before aborting on a bug")
		f.String("status-addr", "", "serve the master status API on this address")
	}
	addRunOptions(runCmd)
	addRunOptions(nodeCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func loadOptions() (*config.Options, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	return loader.Load()
}

// applyFlagOverrides copies explicitly-set flags over the loaded options;
// file settings survive for everything left untouched.
func applyFlagOverrides(cmd *cobra.Command) {
	f := cmd.Flags()
	if !f.HasFlags() {
		return
	}
	setStr := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	setInt := func(name string, dst *int) {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if f.Changed(name) {
			*dst, _ = f.GetBool(name)
		}
	}

	setStr("output-dir", &opts.OutputDir)
	setStr("entry-point", &opts.EntryPoint)
	setInt("phase1Depth", &opts.Phase1Depth)
	setInt("phase2Depth", &opts.Phase2Depth)
	setInt("timeOut", &opts.TimeoutSec)
	setStr("searchPolicy", &opts.SearchPolicy)
	setStr("offloadPolicy", &opts.OffloadPolicy)
	setBool("lb", &opts.LoadBalance)
	if f.Changed("libc") {
		v, _ := f.GetString("libc")
		opts.Libc = config.LibcType(v)
	}
	setBool("posix-runtime", &opts.PosixRuntime)
	setBool("sym-arg-runtime", &opts.SymArgRuntime)
	setStr("skip-functions", &opts.SkipFunctions)
	setStr("inline", &opts.InlineFuncs)
	setStr("error-location", &opts.ErrorLocation)
	setInt("max-error-count", &opts.MaxErrorCount)
	setBool("optimize", &opts.Optimize)
	setBool("check-div-zero", &opts.CheckDivZero)
	setBool("check-overshift", &opts.CheckOvershift)
	setStr("environ", &opts.Environ)
	setBool("no-output", &opts.NoOutput)
	setBool("write-kqueries", &opts.WriteKQueries)
	setBool("write-cvcs", &opts.WriteCVCs)
	setBool("write-smt2s", &opts.WriteSMT2s)
	setBool("write-cov", &opts.WriteCov)
	setBool("write-paths", &opts.WritePaths)
	setBool("write-sym-paths", &opts.WriteSymPaths)
	setBool("write-test-info", &opts.WriteTestInfo)
	setBool("drain-on-bug", &opts.DrainOnBug)
	setStr("status-addr", &opts.StatusAddr)
}

// bindPositionals fills the input program and its forwarded arguments.
func bindPositionals(args []string) {
	if len(args) > 0 {
		opts.InputFile = args[0]
		opts.ProgramArgs = args[1:]
	}
}
