package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"symfleet/internal/fleet"
	"symfleet/internal/interp/treesim"
	"symfleet/internal/master"
	"symfleet/pkg/logger"
)

var runFleetSize int

var runCmd = &cobra.Command{
	Use:   "run <program> [program args...]",
	Short: "run the whole fleet in one process",
	Long: `run executes the master, the timer and every worker inside this
process over an in-process transport. Each node keeps its own output
directory; semantics match a one-process-per-rank deployment.`,
	Example: `  # degenerate mode, one worker
  symfleet run prog.yaml --output-dir out -n 3

  # two-phase with work stealing
  symfleet run prog.yaml --output-dir out -n 6 --phase1Depth 4 --phase2Depth 12 --lb`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVarP(&runFleetSize, "fleet-size", "n", 4, "fleet size N (master + timer + N-2 workers)")
}

func runRun(cmd *cobra.Command, args []string) error {
	bindPositionals(args)
	if err := opts.Validate(); err != nil {
		return err
	}
	if runFleetSize < 3 {
		return fmt.Errorf("fleet size %d too small: need master, timer and at least one worker", runFleetSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	outcome, err := fleet.RunLocal(ctx, opts, treesim.New, runFleetSize)
	logger.Sync()
	if err != nil {
		return err
	}
	logger.L().Info("fleet terminated", zap.String("outcome", string(outcome)))

	// Every terminal path is a fleet abort; a clean zero exit is not
	// produced.
	os.Exit(master.AbortCode)
	return nil
}
