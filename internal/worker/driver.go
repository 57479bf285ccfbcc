// Package worker implements the worker task driver: a loop over master
// messages that runs exploration tasks through the interpreter adapter
// while staying responsive to offload requests and kill orders.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"symfleet/internal/config"
	"symfleet/internal/interp"
	"symfleet/internal/msg"
	"symfleet/internal/transport"
	"symfleet/pkg/logger"
)

// readyFrontier is the donatable-frontier size at which a worker
// advertises READY_TO_OFFLOAD. The engine keeps one branch for itself, so
// anything beyond that is donatable.
const readyFrontier = 2

// Driver runs one worker node.
type Driver struct {
	comm    transport.Comm
	opts    *config.Options
	factory interp.Factory
	log     *zap.Logger

	// advertised tracks the last ready/not-ready edge sent to the master,
	// so only transitions travel.
	advertised bool
}

// New creates a worker driver for the endpoint's rank.
func New(comm transport.Comm, opts *config.Options, factory interp.Factory) *Driver {
	return &Driver{
		comm:    comm,
		opts:    opts,
		factory: factory,
		log:     logger.ForRank(comm.Rank()),
	}
}

// Run loops on master messages until killed. The returned error is nil on
// a clean KILL exit.
func (d *Driver) Run(ctx context.Context) error {
	for {
		m, err := d.comm.Recv(ctx)
		if err != nil {
			return fmt.Errorf("worker %d receive: %w", d.comm.Rank(), err)
		}
		switch m.Tag {
		case msg.Kill:
			d.log.Info("killed while idle")
			return d.acknowledgeKill()

		case msg.StartPrefixTask:
			d.log.Info("prefix task received", zap.Int("depth", len(m.Payload)))
			killed, err := d.runTask(ctx, m.Payload, d.opts.Phase2Depth)
			if err != nil {
				return err
			}
			if killed {
				return d.acknowledgeKill()
			}

		case msg.NormalTask:
			d.log.Info("normal task received")
			killed, err := d.runTask(ctx, nil, 0)
			if err != nil {
				return err
			}
			if killed {
				return d.acknowledgeKill()
			}

		case msg.Offload:
			// Idle between tasks: nothing to donate.
			if err := d.comm.Send(transport.MasterRank, msg.OffloadResp, msg.Pad()); err != nil {
				return err
			}

		default:
			return fmt.Errorf("worker %d received illegal tag %s", d.comm.Rank(), m.Tag)
		}
	}
}

func (d *Driver) acknowledgeKill() error {
	return d.comm.Send(transport.MasterRank, msg.KillComp, msg.Pad())
}

// runTask executes one exploration task. A nil prefix runs unbounded.
// Returns killed=true when a KILL arrived mid-task; the caller then
// acknowledges and exits.
func (d *Driver) runTask(ctx context.Context, prefix []byte, suffixDepth int) (killed bool, err error) {
	handler, err := interp.NewHandler(d.opts, d.comm.Rank())
	if err != nil {
		// Losing the output directory is a start error for this node;
		// the fleet cannot produce a complete result without it.
		return false, fmt.Errorf("worker %d: %w", d.comm.Rank(), err)
	}
	defer handler.Close()

	engine, err := d.factory(d.opts, handler, d.comm.Rank())
	if err != nil {
		return false, fmt.Errorf("worker %d engine: %w", d.comm.Rank(), err)
	}
	if prefix != nil {
		engine.SetPrefix(prefix)
		engine.SetDepth(suffixDepth)
	}

	d.advertised = false
	hooks := interp.Hooks{
		Pause:    func() interp.Directive { return d.pause(engine, &killed) },
		Frontier: d.frontier,
	}

	res, err := engine.Explore(ctx, hooks)
	engine.Stats().WriteSummary(handler.InfoWriter())
	if err != nil {
		return killed, fmt.Errorf("worker %d explore: %w", d.comm.Rank(), err)
	}

	// Retract a standing advertisement before reporting the terminal
	// message, preserving the edge ordering the master observes.
	if d.advertised {
		d.advertised = false
		if err := d.comm.Send(transport.MasterRank, msg.NotReadyToOffload, msg.Pad()); err != nil {
			return killed, err
		}
	}

	if killed {
		d.log.Info("killed mid-task")
		return true, nil
	}

	if res.BugFound {
		d.log.Info("reportable error found", zap.String("error", res.BugMessage))
		handler.Message("reportable error: %s", res.BugMessage)
		return false, d.comm.Send(transport.MasterRank, msg.BugFound, msg.Pad())
	}

	d.log.Info("task finished",
		zap.Int("paths", res.Paths), zap.Int("tests", res.Tests))
	return false, d.comm.Send(transport.MasterRank, msg.Finish, msg.Pad())
}

// pause runs between exploration steps: answer offload requests
// synchronously and notice kill orders.
func (d *Driver) pause(engine interp.Interpreter, killed *bool) interp.Directive {
	for {
		m, ok := d.comm.Poll()
		if !ok {
			return interp.Continue
		}
		switch m.Tag {
		case msg.Offload:
			payload := msg.Pad()
			if stolen, ok := engine.Harvest(); ok && len(stolen) > 0 {
				payload = stolen
			}
			if err := d.comm.Send(transport.MasterRank, msg.OffloadResp, payload); err != nil {
				d.log.Error("offload response failed", zap.Error(err))
			}

		case msg.Kill:
			*killed = true
			return interp.Halt

		default:
			d.log.Error("illegal tag during task", zap.String("tag", m.Tag.String()))
			*killed = true
			return interp.Halt
		}
	}
}

// frontier turns donatable-frontier sizes into ready/not-ready edges.
func (d *Driver) frontier(n int) {
	if !d.opts.LoadBalance {
		return
	}
	donatable := n >= readyFrontier
	if donatable == d.advertised {
		return
	}
	d.advertised = donatable
	tag := msg.ReadyToOffload
	if !donatable {
		tag = msg.NotReadyToOffload
	}
	if err := d.comm.Send(transport.MasterRank, tag, msg.Pad()); err != nil {
		d.log.Error("offload advertisement failed", zap.Error(err))
	}
}
