// Package master implements the distribution coordinator: it harvests
// prefix tasks, drives the worker fleet through the task lifecycle, runs
// the work-stealing exchange, and guarantees shutdown on exactly one of
// the three terminal events.
package master

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"symfleet/internal/config"
	"symfleet/internal/interp"
	"symfleet/internal/msg"
	"symfleet/internal/transport"
	"symfleet/pkg/logger"
)

// Outcome is the terminal event that ended a run.
type Outcome string

const (
	OutcomeAllFinished Outcome = "all_finished"
	OutcomeBugFound    Outcome = "bug_found"
	OutcomeTimeout     Outcome = "timeout"
)

// AbortCode is the fleet-wide non-zero status used on every terminal
// path. Completion is signalled through the trace, not the exit status.
const AbortCode = 1

// idleBackoff paces the steady-state loop when no messages are pending,
// so offload initiation keeps running without busy-spinning.
const idleBackoff = 2 * time.Millisecond

// Coordinator owns the master's global state machine.
type Coordinator struct {
	comm    transport.Comm
	opts    *config.Options
	factory interp.Factory

	reg    *Registry
	queue  [][]byte // prefix FIFO, filled once, drained once
	queued atomic.Int64

	// pendingEarlyAcks counts KILL_COMP acknowledgements still expected
	// from surplus workers dismissed at seeding. They arrive interleaved
	// with task traffic and must be drained, not treated as violations.
	pendingEarlyAcks int

	runID   string
	started time.Time

	log        *zap.Logger
	trace      *zap.Logger
	traceClose func()
}

// New creates a coordinator over the given transport endpoint.
func New(comm transport.Comm, opts *config.Options, factory interp.Factory) *Coordinator {
	return &Coordinator{
		comm:    comm,
		opts:    opts,
		factory: factory,
		reg:     NewRegistry(transport.WorkerRanks(comm.Size())),
		runID:   uuid.New().String(),
		log:     logger.ForRank(transport.MasterRank),
	}
}

// Registry exposes worker state for the status API.
func (c *Coordinator) Registry() *Registry { return c.reg }

// Queued returns the number of undispatched prefixes. Safe to call from
// the status API while the coordinator runs.
func (c *Coordinator) Queued() int { return int(c.queued.Load()) }

// setQueue replaces the prefix queue.
func (c *Coordinator) setQueue(q [][]byte) {
	c.queue = q
	c.queued.Store(int64(len(q)))
}

// RunID identifies this run in logs.
func (c *Coordinator) RunID() string { return c.runID }

// Run drives the fleet to one of the three terminal events. When it returns
// an outcome the fleet has been aborted through the transport. A non-nil
// error reports a start failure, a protocol violation or a failed receive;
// Run does not abort the fleet on those paths.
func (c *Coordinator) Run(ctx context.Context) (Outcome, error) {
	if c.comm.Size() < transport.MinFleetSize {
		return "", fmt.Errorf("fleet size %d below minimum %d", c.comm.Size(), transport.MinFleetSize)
	}

	if err := c.openTrace(); err != nil {
		return "", err
	}
	defer c.traceClose()

	c.started = time.Now()
	c.tracef("MASTER_START run:%s", c.runID)
	c.tracef("Started: %s", c.started.Format("2006-01-02 15:04:05"))

	if c.opts.Degenerate() {
		return c.runDegenerate(ctx)
	}
	return c.runTwoPhase(ctx)
}

// openTrace creates the coordinator event trace, log_master_<output-dir>.
// Path separators in the configured directory are flattened so the trace
// lands in the working directory regardless of where output goes.
func (c *Coordinator) openTrace() error {
	name := "log_master_" + strings.ReplaceAll(strings.Trim(c.opts.OutputDir, "/"), "/", "_")
	trace, closeFn, err := logger.NewTrace(name)
	if err != nil {
		return fmt.Errorf("open master trace %s: %w", name, err)
	}
	c.trace = trace
	c.traceClose = closeFn
	return nil
}

func (c *Coordinator) tracef(format string, args ...any) {
	c.trace.Info(fmt.Sprintf(format, args...))
}

// runDegenerate is phase 0: one worker explores unbounded, everyone else
// stays idle until the fleet aborts.
func (c *Coordinator) runDegenerate(ctx context.Context) (Outcome, error) {
	first := transport.FirstWorkerRank
	c.tracef("MASTER->WORKER: NORMAL_TASK ID:%d", first)
	if err := c.comm.Send(first, msg.NormalTask, msg.Pad()); err != nil {
		return "", fmt.Errorf("dispatch normal task: %w", err)
	}

	m, err := c.comm.Recv(ctx)
	if err != nil {
		return "", fmt.Errorf("degenerate receive: %w", err)
	}
	switch m.Tag {
	case msg.Finish:
		c.tracef("MASTER_ELAPSED Normal Mode")
		_ = c.comm.Send(first, msg.Kill, msg.Pad())
		c.tracef("MASTER->WORKER: KILL ID:%d", first)
		if err := c.awaitKillComps(ctx, 1); err != nil {
			return "", err
		}
		c.finish(OutcomeAllFinished)
		return OutcomeAllFinished, nil
	case msg.Timeout:
		c.tracef("MASTER_ELAPSED Timeout")
		c.finish(OutcomeTimeout)
		return OutcomeTimeout, nil
	case msg.BugFound:
		c.tracef("WORKER->MASTER: BUG FOUND:%d", m.Source)
		c.traceElapsed()
		c.finish(OutcomeBugFound)
		return OutcomeBugFound, nil
	default:
		return "", c.protocolViolation(m)
	}
}

// runTwoPhase harvests prefixes, seeds the fleet, refills from the queue,
// then settles into the steady-state loop.
func (c *Coordinator) runTwoPhase(ctx context.Context) (Outcome, error) {
	prefixes, err := c.harvestPrefixes(ctx)
	if err != nil {
		return "", fmt.Errorf("prefix harvest: %w", err)
	}
	c.setQueue(prefixes)
	c.tracef("MASTER: HARVESTED %d prefixes depth:%d", len(prefixes), c.opts.Phase1Depth)

	if err := c.seedWorkers(); err != nil {
		return "", err
	}

	if outcome, done, err := c.refillLoop(ctx); done || err != nil {
		return outcome, err
	}

	c.tracef("MASTER: DONE_WITH_ALL_PREFIXES")
	return c.steadyLoop(ctx)
}

// harvestPrefixes runs the engine on the master, bounded to phase1Depth.
func (c *Coordinator) harvestPrefixes(ctx context.Context) ([][]byte, error) {
	handler, err := interp.NewHandler(c.opts, transport.MasterRank)
	if err != nil {
		return nil, err
	}
	defer handler.Close()

	engine, err := c.factory(c.opts, handler, transport.MasterRank)
	if err != nil {
		return nil, err
	}
	engine.SetDepth(c.opts.Phase1Depth)

	fmt.Fprintf(handler.InfoWriter(), "Started: %s\n", c.started.Format("2006-01-02 15:04:05"))
	prefixes, err := engine.EnumeratePrefixes(ctx)
	if err != nil {
		return nil, err
	}
	engine.Stats().WriteSummary(handler.InfoWriter())
	return prefixes, nil
}

// seedWorkers dispatches the first min(N-2, |queue|) prefixes round-robin
// and settles the surplus workers.
func (c *Coordinator) seedWorkers() error {
	workers := transport.WorkerRanks(c.comm.Size())
	k := len(workers)
	if len(c.queue) < k {
		k = len(c.queue)
	}
	for i := 0; i < k; i++ {
		rank := workers[i]
		if err := c.dispatchPrefix(rank, c.queue[i]); err != nil {
			return err
		}
	}
	c.setQueue(c.queue[k:])

	// Surplus workers: dismissed outright without load balancing, kept
	// free as steal targets with it.
	for _, rank := range workers[k:] {
		if !c.opts.LoadBalance {
			c.tracef("MASTER->WORKER: KILL ID:%d", rank)
			if err := c.comm.Send(rank, msg.Kill, msg.Pad()); err != nil {
				return err
			}
			if err := c.reg.KillEarly(rank); err != nil {
				return err
			}
			c.pendingEarlyAcks++
		}
	}
	return nil
}

func (c *Coordinator) dispatchPrefix(rank int, prefix []byte) error {
	c.tracef("MASTER->WORKER: START_WORK ID:%d", rank)
	if err := c.comm.Send(rank, msg.StartPrefixTask, prefix); err != nil {
		return fmt.Errorf("dispatch prefix to rank %d: %w", rank, err)
	}
	return c.reg.MarkBusy(rank)
}

// refillLoop blocks on the inbox while undispatched prefixes remain,
// handing the next prefix to each finishing worker. Returns done=true if
// a terminal event preempted the queue.
func (c *Coordinator) refillLoop(ctx context.Context) (Outcome, bool, error) {
	for len(c.queue) > 0 {
		m, err := c.comm.Recv(ctx)
		if err != nil {
			return "", false, fmt.Errorf("refill receive: %w", err)
		}
		switch m.Tag {
		case msg.Finish:
			c.tracef("WORKER->MASTER: FINISH ID:%d", m.Source)
			if err := c.reg.MarkFree(m.Source); err != nil {
				return "", false, c.protocolViolation(m)
			}
			// The queue is non-empty, so the finisher goes straight back
			// to work.
			if err := c.dispatchPrefix(m.Source, c.queue[0]); err != nil {
				return "", false, err
			}
			c.setQueue(c.queue[1:])
		case msg.BugFound:
			outcome := c.onBugFound(ctx, m)
			return outcome, true, nil
		case msg.Timeout:
			outcome := c.onTimeout(ctx)
			return outcome, true, nil
		case msg.ReadyToOffload:
			_ = c.reg.MarkReady(m.Source)
		case msg.NotReadyToOffload:
			_ = c.reg.MarkNotReady(m.Source)
		case msg.KillComp:
			if !c.drainEarlyAck(m) {
				return "", false, c.protocolViolation(m)
			}
		default:
			return "", false, c.protocolViolation(m)
		}
	}
	return "", false, nil
}

// drainEarlyAck absorbs a KILL_COMP from a surplus worker dismissed at
// seeding. A completion from a live worker, or with no outstanding early
// kill, is a violation.
func (c *Coordinator) drainEarlyAck(m msg.Message) bool {
	if c.pendingEarlyAcks == 0 || !c.reg.DismissedEarly(m.Source) {
		return false
	}
	c.pendingEarlyAcks--
	c.tracef("WORKER->MASTER: KILL_COMP(early) ID:%d", m.Source)
	return true
}

// steadyLoop is phase 3: poll the inbox without blocking and consider one
// steal per iteration, backing off briefly when idle.
func (c *Coordinator) steadyLoop(ctx context.Context) (Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		m, ok := c.comm.Poll()
		if ok {
			outcome, done, err := c.handleSteady(ctx, m)
			if err != nil {
				return "", err
			}
			if done {
				return outcome, nil
			}
		} else {
			time.Sleep(idleBackoff)
		}
		c.maybeInitiateOffload()
	}
}

func (c *Coordinator) handleSteady(ctx context.Context, m msg.Message) (Outcome, bool, error) {
	switch m.Tag {
	case msg.BugFound:
		return c.onBugFound(ctx, m), true, nil

	case msg.Finish:
		c.tracef("WORKER->MASTER: FINISH ID:%d", m.Source)
		if err := c.reg.MarkFree(m.Source); err != nil {
			return "", false, c.protocolViolation(m)
		}
		c.tracef("WORKER->MASTER: FREELIST SIZE:%d", c.reg.FreeCount())
		if c.reg.AllFree() {
			return c.onAllFinished(ctx), true, nil
		}

	case msg.Timeout:
		return c.onTimeout(ctx), true, nil

	case msg.ReadyToOffload:
		_ = c.reg.MarkReady(m.Source)

	case msg.NotReadyToOffload:
		// May legitimately arrive for a worker no longer ready; no-op.
		_ = c.reg.MarkNotReady(m.Source)

	case msg.KillComp:
		if !c.drainEarlyAck(m) {
			return "", false, c.protocolViolation(m)
		}

	case msg.OffloadResp:
		c.tracef("WORKER->MASTER: OFFLOAD RCVD ID:%d Length:%d", m.Source, len(m.Payload))
		if err := c.reg.EndOffload(m.Source); err != nil {
			return "", false, c.protocolViolation(m)
		}
		if len(m.Payload) > msg.OffloadSentinelLen {
			rank, ok := c.reg.PopFree()
			if !ok {
				return "", false, fmt.Errorf("offload response with no free worker")
			}
			c.tracef("MASTER->WORKER: PREFIX_TASK_SEND ID:%d Length:%d", rank, len(m.Payload))
			if err := c.comm.Send(rank, msg.StartPrefixTask, m.Payload); err != nil {
				return "", false, err
			}
			c.tracef("MASTER->WORKER: START_WORK ID:%d", rank)
		}

	default:
		return "", false, c.protocolViolation(m)
	}
	return "", false, nil
}

// maybeInitiateOffload starts one steal when load balancing is on, some
// but not all workers are free, a donor advertised work, and no steal is
// already in flight.
func (c *Coordinator) maybeInitiateOffload() {
	if !c.opts.LoadBalance {
		return
	}
	free := c.reg.FreeCount()
	if free == 0 || free == c.reg.LiveCount() {
		return
	}
	rank, ok := c.reg.BeginOffload()
	if !ok {
		return
	}
	if err := c.comm.Send(rank, msg.Offload, msg.Pad()); err != nil {
		c.log.Error("offload send failed", zap.Int("rank", rank), zap.Error(err))
		_ = c.reg.EndOffload(rank)
		return
	}
	c.tracef("MASTER->WORKER: OFFLOAD_SENT ID:%d", rank)
}

// onBugFound is the bug terminal path: broadcast KILL and abort. KILL_COMP
// collection is skipped unless DrainOnBug asks for it.
func (c *Coordinator) onBugFound(ctx context.Context, m msg.Message) Outcome {
	c.tracef("WORKER->MASTER: BUG FOUND:%d", m.Source)
	c.traceElapsed()
	c.broadcastKill()
	if c.opts.DrainOnBug {
		if err := c.awaitKillComps(ctx, c.reg.LiveCount()); err != nil {
			c.log.Warn("kill drain incomplete", zap.Error(err))
		}
	}
	c.finish(OutcomeBugFound)
	return OutcomeBugFound
}

// onTimeout broadcasts KILL, collects every acknowledgement, and aborts.
func (c *Coordinator) onTimeout(ctx context.Context) Outcome {
	c.tracef("MASTER: TIMEOUT")
	c.broadcastKill()
	if err := c.awaitKillComps(ctx, c.reg.LiveCount()); err != nil {
		c.log.Warn("kill drain incomplete", zap.Error(err))
	}
	c.traceElapsed()
	c.finish(OutcomeTimeout)
	return OutcomeTimeout
}

// onAllFinished is the completed-exploration terminal path.
func (c *Coordinator) onAllFinished(ctx context.Context) Outcome {
	c.tracef("MASTER: ALL WORKERS FINISHED")
	c.broadcastKill()
	c.tracef("MASTER_ELAPSED:")
	c.traceElapsed()
	if err := c.awaitKillComps(ctx, c.reg.LiveCount()); err != nil {
		c.log.Warn("kill drain incomplete", zap.Error(err))
	}
	c.finish(OutcomeAllFinished)
	return OutcomeAllFinished
}

func (c *Coordinator) broadcastKill() {
	for _, rank := range c.reg.LiveRanks() {
		c.tracef("MASTER->WORKER: KILL ID:%d", rank)
		if err := c.comm.Send(rank, msg.Kill, msg.Pad()); err != nil {
			c.log.Warn("kill send failed", zap.Int("rank", rank), zap.Error(err))
		}
	}
}

// awaitKillComps drains the inbox until n KILL_COMP acknowledgements have
// arrived from live workers. Straggling ready/not-ready/finish traffic is
// discarded, and late acks from early-dismissed surplus workers do not
// count toward the shutdown tally.
func (c *Coordinator) awaitKillComps(ctx context.Context, n int) error {
	got := 0
	for got < n {
		m, err := c.comm.Recv(ctx)
		if err != nil {
			return fmt.Errorf("collected %d/%d KILL_COMP: %w", got, n, err)
		}
		if m.Tag != msg.KillComp {
			continue
		}
		if c.drainEarlyAck(m) {
			continue
		}
		got++
	}
	return nil
}

// finish aborts the fleet; every terminal path ends here with a non-zero
// status.
func (c *Coordinator) finish(outcome Outcome) {
	c.log.Info("run finished", zap.String("outcome", string(outcome)), zap.String("run", c.runID))
	c.comm.Abort(AbortCode)
}

// traceElapsed writes the wall-clock elapsed line in D days, HH:MM:SS form.
func (c *Coordinator) traceElapsed() {
	c.tracef("Elapsed: %s", formatElapsed(time.Since(c.started)))
}

func formatElapsed(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	mins := secs / 60
	secs %= 60
	hours := mins / 60
	mins %= 60
	days := hours / 24
	hours %= 24
	if days > 0 {
		return fmt.Sprintf("%d days, %02d:%02d:%02d", days, hours, mins, secs)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, mins, secs)
}

func (c *Coordinator) protocolViolation(m msg.Message) error {
	c.tracef("MASTER: ILLEGAL TAG:%s FROM:%d", m.Tag, m.Source)
	return fmt.Errorf("master received illegal tag %s from rank %d", m.Tag, m.Source)
}
