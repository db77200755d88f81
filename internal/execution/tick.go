package execution

import (
	"github.com/sduerr85/OpenBuildNet/internal/sched"
	"github.com/sduerr85/OpenBuildNet/obnmsg"
	"github.com/sduerr85/OpenBuildNet/report"
)

// tickWorkspace is the per-tick state: the firing set and its wave
// partition, whose sizes feed the tick report. It is built fresh each
// tick and dropped at the tick boundary.
type tickWorkspace struct {
	fired []int
	waves [][]int
}

// runTick executes one full tick: advance virtual time, expand triggers,
// build the wave DAG, run the UPDATE_Y barrier wave by wave, run the
// UPDATE_X barrier, and reschedule. Failures transition the coordinator
// inside the helpers; runTick simply returns.
func (c *Coordinator) runTick() {
	fireTime, due := c.queue.PopDue()
	if len(due) == 0 {
		return
	}

	// The heap yields non-decreasing minima, so virtual time is monotone.
	c.now = fireTime
	c.sink.Write(report.TickStarted{T: c.now})

	// Close the firing set over triggers. Entries may repeat a block
	// (periodic and irregular due at the same time); ExpandTriggers
	// dedupes.
	initial := make([]int, 0, len(due))
	for _, e := range due {
		initial = append(initial, e.Rank)
	}
	ws := &tickWorkspace{}
	ws.fired = sched.ExpandTriggers(c.model, initial)

	// Wave DAG over the firing set.
	waves, err := sched.BuildWaves(c.model, ws.fired)
	if err != nil {
		c.fail(err)
		return
	}
	ws.waves = waves

	// UPDATE_Y, wave by wave. All sends of a wave go out before
	// any ack is awaited, so nodes compute concurrently within a wave.
	for _, wave := range ws.waves {
		nodes, masks := sched.MasksByNode(c.model, wave)
		sent := make(map[int32]*obnmsg.Frame, len(nodes))
		for _, id := range nodes {
			f := &obnmsg.Frame{Kind: obnmsg.KindY, Time: c.now, NodeID: id, Mask: masks[id]}
			if err := c.sendWithRetry(id, f); err != nil {
				c.timeoutCascade("UPDATE_Y", []int32{id})
				return
			}
			sent[id] = f
		}
		if !c.collectAcks(obnmsg.KindY, "UPDATE_Y", sent, c.deadlines.UpdateY, true) {
			return
		}
	}

	// UPDATE_X for every node that fired and needs state updates.
	// No inter-node ordering: dispatch everything, then collect.
	nodes, masks := sched.MasksByNode(c.model, ws.fired)
	sentX := make(map[int32]*obnmsg.Frame)
	for _, id := range nodes {
		if !c.model.Node(id).NeedsStateUpdate {
			continue
		}
		f := &obnmsg.Frame{Kind: obnmsg.KindX, Time: c.now, NodeID: id, Mask: masks[id]}
		if err := c.sendWithRetry(id, f); err != nil {
			c.timeoutCascade("UPDATE_X", []int32{id})
			return
		}
		sentX[id] = f
	}
	if len(sentX) > 0 {
		if !c.collectAcks(obnmsg.KindX, "UPDATE_X", sentX, c.deadlines.UpdateX, true) {
			return
		}
	}

	// Reschedule periodic blocks and fold in irregular requests
	// received during the barriers.
	for _, gid := range ws.fired {
		if p := c.model.Period(gid); p > 0 {
			c.queue.Push(sched.Entry{
				FireTime: c.now + p,
				Rank:     gid,
				Node:     c.model.Owner(gid),
				Reason:   sched.Periodic,
			})
		}
	}
	c.flushEvents()

	c.sink.Write(report.TickCompleted{T: c.now, Fired: len(ws.fired), Waves: len(ws.waves)})
}
