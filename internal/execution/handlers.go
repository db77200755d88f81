package execution

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/exp/maps"

	"github.com/sduerr85/OpenBuildNet/obnmsg"
	"github.com/sduerr85/OpenBuildNet/report"
	"github.com/sduerr85/OpenBuildNet/sim"
	"github.com/sduerr85/OpenBuildNet/transport"
)

// recvSlice bounds a single transport poll so cancellation stays
// responsive outside the tick barrier.
const recvSlice = 200 * time.Millisecond

// recv polls the transport until the deadline, checking ctx between
// slices. The tick barriers do not use it: they poll the transport
// directly, so a tick is never interrupted mid-barrier.
func (c *Coordinator) recv(ctx context.Context, deadline time.Time) (transport.Event, error) {
	for {
		if ctx.Err() != nil {
			return transport.Event{}, ctx.Err()
		}
		slice := time.Now().Add(recvSlice)
		if slice.After(deadline) {
			slice = deadline
		}
		ev, err := c.tr.Recv(slice)
		if err == transport.ErrTimeout {
			if !time.Now().Before(deadline) {
				return transport.Event{}, transport.ErrTimeout
			}
			continue
		}
		return ev, err
	}
}

// sendWithRetry retries a failed send once before giving up; a second
// failure is treated as permanent endpoint loss.
func (c *Coordinator) sendWithRetry(id int32, f *obnmsg.Frame) error {
	err := c.tr.Send(id, f)
	if err == nil {
		return nil
	}
	c.log.Warn("Send failed, retrying once", "node", id, "kind", f.Kind, "error", err)
	if err = c.tr.Send(id, f); err != nil {
		return fmt.Errorf("send %s to node %d: %w", f.Kind, id, err)
	}
	return nil
}

// handleSetup registers every declared endpoint with the transport and
// waits for each node's SYS_REQUEST_CONNECT under the connect deadline.
func (c *Coordinator) handleSetup(ctx context.Context) {
	ws := c.model.System().Workspace
	for i := 0; i < c.model.NumNodes(); i++ {
		n := c.model.Node(int32(i))
		ep := n.Endpoint
		if ep == "" {
			ep = ws + "/" + n.Name
		}
		if err := c.tr.Register(int32(i), ep); err != nil {
			c.fail(fmt.Errorf("register endpoint for node %q: %w", n.Name, err))
			return
		}
	}

	deadline := time.Now().Add(c.deadlines.Connect)
	for !c.reg.AllAtLeast(sim.Registered) {
		ev, err := c.recv(ctx, deadline)
		if err == transport.ErrTimeout {
			c.timeoutCascade("CONNECT", c.reg.Missing(sim.Registered))
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				c.finishReason = report.ReasonCancelled
				c.changeState(StateStopping)
				return
			}
			c.fail(err)
			return
		}
		if !c.handleSetupEvent(ev) {
			return
		}
	}

	c.reg.Freeze()
	c.changeState(StateInit)
}

func (c *Coordinator) handleSetupEvent(ev transport.Event) bool {
	if ev.Down {
		c.timeoutCascade("CONNECT", []int32{ev.NodeID})
		return false
	}
	f := ev.Frame
	switch f.Kind {
	case obnmsg.KindSysRequestConnect:
		name := f.Sys.Port
		sig := sim.Signature{Periods: make([]int64, len(f.Sys.Blocks))}
		for i, b := range f.Sys.Blocks {
			sig.Periods[i] = b.Period
		}
		id, err := c.reg.Register(name, sig)
		if err != nil {
			c.log.Error("Registration rejected", "node", name, "error", err)
			c.fail(err)
			return false
		}
		c.log.Info("Node registered", "node", name, "id", id)
		ack := &obnmsg.Frame{
			Kind:   obnmsg.KindAck,
			Time:   c.now,
			NodeID: id,
			Ack:    &obnmsg.AckPayload{Acked: obnmsg.KindSysRequestConnect, Status: obnmsg.StatusOK},
		}
		if err := c.sendWithRetry(id, ack); err != nil {
			c.fail(err)
			return false
		}
		return true
	case obnmsg.KindSysOpenPort:
		c.log.Debug("Port open", "node", ev.NodeID, "port", f.Sys.Port)
		return true
	case obnmsg.KindError:
		return c.handleNodeErrorFrame(ev.NodeID, f)
	default:
		c.log.Warn("Unexpected frame during setup", "node", ev.NodeID, "kind", f.Kind)
		return true
	}
}

// handleInit sends each node its SIM_INIT with the time unit and block
// catalog, then waits for confirmation from all of them.
func (c *Coordinator) handleInit(ctx context.Context) {
	sys := c.model.System()
	sent := make(map[int32]*obnmsg.Frame, c.model.NumNodes())
	for i := 0; i < c.model.NumNodes(); i++ {
		id := int32(i)
		n := c.model.Node(id)
		blocks := make([]obnmsg.BlockSpec, len(n.Blocks))
		for j, b := range n.Blocks {
			blocks[j] = obnmsg.BlockSpec{LocalID: uint16(b.LocalID), Period: b.Period}
		}
		f := &obnmsg.Frame{
			Kind:   obnmsg.KindInit,
			Time:   c.now,
			NodeID: id,
			Init:   &obnmsg.InitPayload{TimeUnit: sys.TimeUnit, Blocks: blocks},
		}
		if err := c.sendWithRetry(id, f); err != nil {
			c.fail(err)
			return
		}
		sent[id] = f
	}

	if !c.collectAcks(obnmsg.KindInit, "INIT", sent, c.deadlines.Init, false) {
		return
	}

	for i := 0; i < c.model.NumNodes(); i++ {
		c.reg.Transition(int32(i), sim.Ready)
		c.reg.Transition(int32(i), sim.Running)
	}
	c.seedQueue()
	c.changeState(StateRunning)
}

// handleRunning performs the terminate check and runs one tick.
func (c *Coordinator) handleRunning(ctx context.Context) {
	if ctx.Err() != nil {
		c.finishReason = report.ReasonCancelled
		c.changeState(StateStopping)
		return
	}

	// Pick up irregular events that arrived while idle, then decide.
	if !c.pollPending() {
		return
	}
	c.flushEvents()

	next, ok := c.queue.PeekMin()
	if !ok || next.FireTime > c.model.System().FinalTime {
		c.changeState(StateStopping)
		return
	}

	c.pace(ctx, next.FireTime)
	c.runTick()
}

// pollPending drains frames already buffered by the transport without
// waiting. Reports false when the run failed.
func (c *Coordinator) pollPending() bool {
	none := make(map[int32]uint64)
	for {
		ev, err := c.tr.Recv(time.Now())
		if err != nil {
			return err == transport.ErrTimeout
		}
		if !c.dispatch(ev, obnmsg.KindAck, "IDLE", none) {
			return false
		}
	}
}

// handleStopping broadcasts SIM_TERM and collects confirmations
// best-effort: missing term acks never escalate.
func (c *Coordinator) handleStopping() {
	_ = c.tr.Broadcast(&obnmsg.Frame{Kind: obnmsg.KindTerm, Time: c.now})

	deadline := time.Now().Add(c.deadlines.Term)
	confirmed := 0
	for confirmed < c.model.NumNodes() {
		ev, err := c.tr.Recv(deadline)
		if err != nil {
			break
		}
		if ev.Down || ev.Frame == nil {
			continue
		}
		if ev.Frame.Kind == obnmsg.KindAck && ev.Frame.Ack.Acked == obnmsg.KindTerm {
			if c.reg.Transition(ev.NodeID, sim.Stopped) {
				confirmed++
			}
		}
	}

	for i := 0; i < c.model.NumNodes(); i++ {
		c.reg.Transition(int32(i), sim.Stopped)
	}
	c.changeState(StateStopped)
}

// collectAcks runs one ack barrier: every node in sent must acknowledge
// the exact mask it was sent. Silent nodes get one resend when the policy
// allows it; a second miss is a timeout cascade. Reports false when the
// run failed.
func (c *Coordinator) collectAcks(kind obnmsg.Kind, phase string, sent map[int32]*obnmsg.Frame, budget time.Duration, allowResend bool) bool {
	pending := make(map[int32]uint64, len(sent))
	for id, f := range sent {
		pending[id] = f.Mask
	}

	resent := false
	deadline := time.Now().Add(budget)

	for len(pending) > 0 {
		ev, err := c.tr.Recv(deadline)
		if err == transport.ErrTimeout {
			silent := maps.Keys(pending)
			slices.Sort(silent)
			if !allowResend || resent {
				c.timeoutCascade(phase, silent)
				return false
			}
			for _, id := range silent {
				c.log.Warn("Missed ack, resending", "node", id, "phase", phase, "t", c.now)
				c.sink.Write(report.Resend{NodeID: id, T: c.now, Phase: phase})
				if err := c.sendWithRetry(id, sent[id]); err != nil {
					c.timeoutCascade(phase, []int32{id})
					return false
				}
			}
			resent = true
			deadline = time.Now().Add(budget)
			continue
		}
		if err != nil {
			c.fail(err)
			return false
		}
		if !c.dispatch(ev, kind, phase, pending) {
			return false
		}
	}
	return true
}

// dispatch routes one inbound event during a barrier or an idle poll.
// Reports false when the run failed.
func (c *Coordinator) dispatch(ev transport.Event, expect obnmsg.Kind, phase string, pending map[int32]uint64) bool {
	if ev.Down {
		c.timeoutCascade(phase, []int32{ev.NodeID})
		return false
	}
	f := ev.Frame
	if f == nil {
		return true
	}

	if ev.NodeID < 0 || int(ev.NodeID) >= c.model.NumNodes() {
		c.fail(protoErr(ev.NodeID, "frame from unknown node id"))
		return false
	}

	switch f.Kind {
	case obnmsg.KindAck:
		id := ev.NodeID
		if c.reg.State(id) == sim.Unregistered {
			c.fail(protoErr(id, "ack from unregistered node"))
			return false
		}
		want, waiting := pending[id]
		if !waiting || f.Ack.Acked != expect || f.Time != c.now {
			// Stale or duplicate ack, e.g. the original arriving after a
			// resend already completed the barrier, or an ack left over
			// from an earlier tick. Must leave scheduler state unchanged.
			c.log.Debug("Stale ack discarded", "node", id, "acked", f.Ack.Acked, "t", f.Time, "phase", phase)
			return true
		}
		if f.Mask != want {
			c.fail(protoErr(id, "%s ack mask %#x, want %#x", expect, f.Mask, want))
			return false
		}
		if f.Ack.Status == obnmsg.StatusError {
			c.nodeErrorCascade(&NodeError{NodeID: id, Info: fmt.Sprintf("%s ack with error status", expect)})
			return false
		}
		if f.Ack.NextEvent != nil {
			c.bufferEvent(id, f.Ack.NextEvent.Time, f.Ack.NextEvent.Mask)
		}
		delete(pending, id)
		return true

	case obnmsg.KindEvent:
		c.bufferEvent(ev.NodeID, f.Event.Time, f.Mask)
		return true

	case obnmsg.KindError:
		return c.handleNodeErrorFrame(ev.NodeID, f)

	case obnmsg.KindSysOpenPort, obnmsg.KindSysRequestConnect:
		c.log.Warn("Registration frame after setup closed", "node", ev.NodeID, "kind", f.Kind)
		return true

	default:
		c.fail(protoErr(ev.NodeID, "%s out of expected phase %s", f.Kind, phase))
		return false
	}
}

// handleNodeErrorFrame applies the warning/error split: code zero is a
// warning and only reported; anything else terminates the run.
func (c *Coordinator) handleNodeErrorFrame(id int32, f *obnmsg.Frame) bool {
	info := ""
	var code int32
	if f.Error != nil {
		info = f.Error.Message
		code = f.Error.Code
	}
	if code == 0 {
		c.log.Warn("Node warning", "node", id, "info", info)
		c.sink.Write(report.NodeError{NodeID: id, Info: info})
		return true
	}
	c.nodeErrorCascade(&NodeError{NodeID: id, Code: code, Info: info})
	return false
}
