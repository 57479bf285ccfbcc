// Package fleet wires roles to ranks over a transport: rank 0 runs the
// coordinator, rank 1 the timer, everything above a worker driver.
package fleet

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"symfleet/api/status"
	"symfleet/internal/config"
	"symfleet/internal/interp"
	"symfleet/internal/master"
	"symfleet/internal/timer"
	"symfleet/internal/transport"
	"symfleet/internal/worker"
	"symfleet/pkg/logger"
)

// RunLocal executes the whole fleet in one process over an in-process
// mesh, each node in its own goroutine. It returns the terminal outcome;
// the caller maps every outcome to a non-zero exit.
func RunLocal(ctx context.Context, opts *config.Options, factory interp.Factory, size int) (master.Outcome, error) {
	mesh, err := transport.NewMesh(size)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-mesh.Done()
		cancel()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := timer.Run(runCtx, mesh.Endpoint(transport.TimerRank), opts.Timeout()); err != nil {
			logger.ForRank(transport.TimerRank).Warn("timer stopped", zap.Error(err))
		}
	}()

	for _, rank := range transport.WorkerRanks(size) {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			d := worker.New(mesh.Endpoint(rank), opts, factory)
			if err := d.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.ForRank(rank).Error("worker failed", zap.Error(err))
				mesh.Endpoint(rank).Abort(master.AbortCode)
			}
		}(rank)
	}

	coord := master.New(mesh.Endpoint(transport.MasterRank), opts, factory)
	srv := startStatus(opts, coord)

	outcome, err := coord.Run(runCtx)
	if err != nil {
		mesh.Endpoint(transport.MasterRank).Abort(master.AbortCode)
	}
	cancel()
	wg.Wait()
	if srv != nil {
		srv.Shutdown()
	}
	return outcome, err
}

// RunNode executes a single rank over the TCP transport, for
// one-process-per-rank deployments. It returns when a worker or timer rank
// stops, or with an error when any rank fails; terminal events on the
// master exit the process through the transport abort.
func RunNode(ctx context.Context, opts *config.Options, factory interp.Factory, rank, size int, masterAddr string) error {
	switch rank {
	case transport.MasterRank:
		comm, err := transport.ListenMaster(ctx, masterAddr, size)
		if err != nil {
			return err
		}
		defer comm.Close()
		coord := master.New(comm, opts, factory)
		srv := startStatus(opts, coord)
		defer func() {
			if srv != nil {
				srv.Shutdown()
			}
		}()
		_, err = coord.Run(ctx)
		return err

	case transport.TimerRank:
		comm, err := transport.DialNode(ctx, masterAddr, rank, size)
		if err != nil {
			return err
		}
		defer comm.Close()
		return timer.Run(ctx, comm, opts.Timeout())

	default:
		if rank < 0 || rank >= size {
			return fmt.Errorf("rank %d outside fleet of %d", rank, size)
		}
		comm, err := transport.DialNode(ctx, masterAddr, rank, size)
		if err != nil {
			return err
		}
		defer comm.Close()
		return worker.New(comm, opts, factory).Run(ctx)
	}
}

func startStatus(opts *config.Options, coord *master.Coordinator) *status.Server {
	if opts.StatusAddr == "" {
		return nil
	}
	srv := status.New(coord)
	go func() {
		if err := srv.Listen(opts.StatusAddr); err != nil {
			logger.L().Warn("status server stopped", zap.Error(err))
		}
	}()
	return srv
}
