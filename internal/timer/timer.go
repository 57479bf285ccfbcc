// Package timer implements the deadline node: sleep once, then tell the
// master the global deadline elapsed.
package timer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"symfleet/internal/msg"
	"symfleet/internal/transport"
	"symfleet/pkg/logger"
)

// Run sleeps for the deadline and sends TIMEOUT to the master. It returns
// early without sending when ctx is cancelled; it does not watch the
// transport, so a fleet going down stops it only through ctx.
func Run(ctx context.Context, comm transport.Comm, deadline time.Duration) error {
	log := logger.ForRank(comm.Rank())
	log.Info("armed", zap.Duration("deadline", deadline))

	t := time.NewTimer(deadline)
	defer t.Stop()

	select {
	case <-t.C:
		log.Info("deadline elapsed")
		return comm.Send(transport.MasterRank, msg.Timeout, msg.Pad())
	case <-ctx.Done():
		return nil
	}
}
