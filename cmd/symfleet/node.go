package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"symfleet/internal/fleet"
	"symfleet/internal/interp/treesim"
	"symfleet/internal/master"
	"symfleet/internal/transport"
	"symfleet/pkg/logger"
)

var (
	nodeRank       int
	nodeFleetSize  int
	nodeMasterAddr string
)

var nodeCmd = &cobra.Command{
	Use:   "node <program> [program args...]",
	Short: "run one rank of a distributed fleet",
	Long: `node runs a single fleet rank as its own process over TCP. Rank 0
listens on the master address and waits for every other rank to connect;
all other ranks dial it. Launch one process per rank with identical
options.`,
	Example: `  symfleet node prog.yaml --output-dir out --rank 0 --fleet-size 4 --master-addr :7077 --phase1Depth 4 &
  symfleet node prog.yaml --output-dir out --rank 1 --fleet-size 4 --master-addr localhost:7077 --phase1Depth 4 &
  symfleet node prog.yaml --output-dir out --rank 2 --fleet-size 4 --master-addr localhost:7077 --phase1Depth 4 &
  symfleet node prog.yaml --output-dir out --rank 3 --fleet-size 4 --master-addr localhost:7077 --phase1Depth 4`,
	Args: cobra.MinimumNArgs(1),
	RunE: runNode,
}

func init() {
	nodeCmd.Flags().IntVar(&nodeRank, "rank", -1, "this node's rank (0 master, 1 timer, 2+ workers)")
	nodeCmd.Flags().IntVar(&nodeFleetSize, "fleet-size", 0, "fleet size N")
	nodeCmd.Flags().StringVar(&nodeMasterAddr, "master-addr", "", "master listen/dial address host:port")
	_ = nodeCmd.MarkFlagRequired("rank")
	_ = nodeCmd.MarkFlagRequired("fleet-size")
	_ = nodeCmd.MarkFlagRequired("master-addr")
}

func runNode(cmd *cobra.Command, args []string) error {
	bindPositionals(args)
	if err := opts.Validate(); err != nil {
		return err
	}
	if nodeFleetSize < 3 {
		return fmt.Errorf("fleet size %d too small: need master, timer and at least one worker", nodeFleetSize)
	}
	if nodeRank < 0 || nodeRank >= nodeFleetSize {
		return fmt.Errorf("rank %d outside fleet of %d", nodeRank, nodeFleetSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err := fleet.RunNode(ctx, opts, treesim.New, nodeRank, nodeFleetSize, nodeMasterAddr)
	logger.Sync()
	if err != nil {
		return err
	}
	if nodeRank == transport.MasterRank {
		os.Exit(master.AbortCode)
	}
	return nil
}
