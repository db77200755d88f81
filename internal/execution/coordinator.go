// Package execution contains the global coordinator of the federation:
// a single-threaded state machine that owns virtual time, the event queue
// and the per-tick barrier protocol.
package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/sduerr85/OpenBuildNet/internal/sched"
	"github.com/sduerr85/OpenBuildNet/obnmsg"
	"github.com/sduerr85/OpenBuildNet/report"
	"github.com/sduerr85/OpenBuildNet/sim"
	"github.com/sduerr85/OpenBuildNet/transport"
)

// State of the coordinator lifecycle.
type State string

const (
	StateSetup    State = "SETUP"
	StateInit     State = "INIT"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateErrored  State = "ERRORED"
)

// Config carries the coordinator knobs the app layer selects.
type Config struct {
	Log  *slog.Logger
	Sink report.Sink

	// Pacing couples virtual to wall-clock time: atoms per second of
	// wall clock. Zero runs the simulation as fast as the nodes allow.
	Pacing int64
}

// Coordinator runs the federation lifecycle: setup, init, the tick loop
// with its two-phase barrier, and termination. All fields are owned by the
// goroutine calling Run; nothing here is safe for concurrent use.
type Coordinator struct {
	log   *slog.Logger
	model *sim.Model
	reg   *sim.Registry
	tr    transport.Transport
	sink  report.Sink

	queue *sched.Queue
	state State
	now   int64 // virtual time in atoms
	err   error

	deadlines sim.Deadlines
	pacing    int64
	wallStart time.Time

	// pendingEvents buffers SIM_EVENT requests received during a tick;
	// they are folded into the queue when the tick reschedules.
	pendingEvents []eventRequest

	finishReason report.Reason
	finishDetail string
}

type eventRequest struct {
	node int32
	time int64
	mask uint64
}

// New builds a coordinator for a compiled model over the given transport.
func New(model *sim.Model, tr transport.Transport, cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(nullWriter{}, nil))
	}
	sink := cfg.Sink
	if sink == nil {
		sink = report.NullSink{}
	}
	return &Coordinator{
		log:          log,
		model:        model,
		reg:          sim.NewRegistry(model),
		tr:           tr,
		sink:         sink,
		queue:        sched.NewQueue(),
		state:        StateSetup,
		deadlines:    model.Deadlines(),
		pacing:       cfg.Pacing,
		finishReason: report.ReasonCompleted,
	}
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// Now returns the current virtual time.
func (c *Coordinator) Now() int64 { return c.now }

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return c.state }

// Err returns the run error, if any.
func (c *Coordinator) Err() error { return c.err }

func (c *Coordinator) changeState(to State) {
	c.log.Info("Change state", "from", c.state, "to", to)
	c.sink.Write(report.StateChanged{From: string(c.state), To: string(to)})
	c.state = to
}

// Run drives the state machine to completion. Cancelling the context
// requests a graceful stop; it takes effect between ticks, never inside
// the barrier.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		switch c.state {
		case StateSetup:
			c.handleSetup(ctx)
		case StateInit:
			c.handleInit(ctx)
		case StateRunning:
			c.handleRunning(ctx)
		case StateStopping:
			c.handleStopping()
		case StateStopped:
			c.sink.Write(report.Finished{Reason: c.finishReason, T: c.now, Detail: c.finishDetail})
			return c.err
		case StateErrored:
			c.sink.Write(report.Finished{Reason: report.ReasonErrored, T: c.now, Detail: c.finishDetail})
			return c.err
		}
	}
}

// fail terminates the run: broadcast SIM_TERM, drain briefly so nodes can
// confirm, then absorb into Errored.
func (c *Coordinator) fail(err error) {
	c.err = err
	c.finishDetail = err.Error()
	c.log.Error("Run failed", "error", err, "t", c.now)

	_ = c.tr.Broadcast(&obnmsg.Frame{Kind: obnmsg.KindTerm, Time: c.now})
	c.drain(c.deadlines.Term)
	c.changeState(StateErrored)
}

// drain reads and discards inbound traffic for the grace window so the
// transport is quiet before teardown.
func (c *Coordinator) drain(window time.Duration) {
	deadline := time.Now().Add(window)
	for {
		ev, err := c.tr.Recv(deadline)
		if err != nil {
			return
		}
		if ev.Frame != nil {
			c.log.Debug("Drained frame", "node", ev.NodeID, "kind", ev.Frame.Kind)
		}
	}
}

// timeoutCascade applies the failure policy for nodes that exhausted their
// resend budget or lost their endpoint: absorb them, purge their queue
// entries, and terminate the federation.
func (c *Coordinator) timeoutCascade(phase string, nodes []int32) {
	for _, id := range nodes {
		c.reg.Transition(id, sim.TimedOut)
		removed := c.queue.RemoveNode(id)
		c.log.Warn("Node timed out", "node", id, "phase", phase, "dropped_entries", removed)
		c.sink.Write(report.NodeTimedOut{NodeID: id})
	}
	c.fail(&TimeoutError{Phase: phase, Nodes: nodes})
}

// nodeErrorCascade applies the failure policy for a fatal SIM_ERROR.
func (c *Coordinator) nodeErrorCascade(err *NodeError) {
	c.reg.Transition(err.NodeID, sim.Errored)
	c.queue.RemoveNode(err.NodeID)
	c.sink.Write(report.NodeError{NodeID: err.NodeID, Info: err.Info})
	c.fail(err)
}

// bufferEvent queues a node-requested irregular firing for the reschedule
// step. Requests dated before current time are discarded and reported.
func (c *Coordinator) bufferEvent(node int32, fireTime int64, mask uint64) {
	if fireTime < c.now {
		c.log.Warn("Late event discarded", "node", node, "t", fireTime, "now", c.now)
		c.sink.Write(report.LateEvent{NodeID: node, T: fireTime, Now: c.now})
		return
	}
	c.pendingEvents = append(c.pendingEvents, eventRequest{node: node, time: fireTime, mask: mask})
}

// flushEvents folds buffered irregular requests into the event queue.
func (c *Coordinator) flushEvents() {
	for _, req := range c.pendingEvents {
		node := c.model.Node(req.node)
		for local := 0; local < len(node.Blocks); local++ {
			if req.mask&(1<<uint(local)) == 0 {
				continue
			}
			gid := c.model.GID(req.node, local)
			c.queue.Push(sched.Entry{
				FireTime: req.time,
				Rank:     gid,
				Node:     req.node,
				Reason:   sched.Irregular,
			})
		}
	}
	c.pendingEvents = c.pendingEvents[:0]
}

// seedQueue schedules the initial firing of every periodic block at t=0.
func (c *Coordinator) seedQueue() {
	for gid := 0; gid < c.model.NumBlocks(); gid++ {
		if c.model.Period(gid) > 0 {
			c.queue.Push(sched.Entry{
				FireTime: 0,
				Rank:     gid,
				Node:     c.model.Owner(gid),
				Reason:   sched.Periodic,
			})
		}
	}
}

// pace sleeps until wall clock catches up with the next virtual time, when
// pacing is enabled.
func (c *Coordinator) pace(ctx context.Context, next int64) {
	if c.pacing <= 0 {
		return
	}
	if c.wallStart.IsZero() {
		c.wallStart = time.Now()
	}
	target := c.wallStart.Add(time.Duration(float64(next) / float64(c.pacing) * float64(time.Second)))
	wait := time.Until(target)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
