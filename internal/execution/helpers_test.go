package execution

import (
	"sync"

	"github.com/sduerr85/OpenBuildNet/obnmsg"
	"github.com/sduerr85/OpenBuildNet/report"
	"github.com/sduerr85/OpenBuildNet/transport"
)

// recordingSink keeps every report event for post-run assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []report.Event
}

func (s *recordingSink) Write(e report.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []report.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]report.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) ticksStarted() []int64 {
	var ts []int64
	for _, e := range s.all() {
		if t, ok := e.(report.TickStarted); ok {
			ts = append(ts, t.T)
		}
	}
	return ts
}

func (s *recordingSink) ticksCompleted() []report.TickCompleted {
	var ts []report.TickCompleted
	for _, e := range s.all() {
		if t, ok := e.(report.TickCompleted); ok {
			ts = append(ts, t)
		}
	}
	return ts
}

func (s *recordingSink) finished() (report.Finished, bool) {
	for _, e := range s.all() {
		if f, ok := e.(report.Finished); ok {
			return f, true
		}
	}
	return report.Finished{}, false
}

func (s *recordingSink) timedOut() []int32 {
	var ids []int32
	for _, e := range s.all() {
		if ev, ok := e.(report.NodeTimedOut); ok {
			ids = append(ids, ev.NodeID)
		}
	}
	return ids
}

// frameLog records the frames a scripted node received, in arrival order.
type frameLog struct {
	mu     sync.Mutex
	frames map[int32][]*obnmsg.Frame
}

func newFrameLog() *frameLog {
	return &frameLog{frames: make(map[int32][]*obnmsg.Frame)}
}

func (l *frameLog) add(node int32, f *obnmsg.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames[node] = append(l.frames[node], f)
}

func (l *frameLog) of(node int32) []*obnmsg.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*obnmsg.Frame, len(l.frames[node]))
	copy(out, l.frames[node])
	return out
}

func (l *frameLog) count(node int32, kind obnmsg.Kind) int {
	n := 0
	for _, f := range l.of(node) {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// nodeBehavior tweaks a scripted node away from the well-behaved default.
type nodeBehavior struct {
	// dropY swallows the first N SIM_Y frames without acking.
	dropY int

	// ackEvent attaches a next-event request to the Y ack at the given
	// virtual time.
	ackEvent map[int64]*obnmsg.EventRequest

	// onY runs when a SIM_Y arrives, before the ack goes out, so anything
	// it injects reaches the SMN while the barrier is still open.
	onY func(f *obnmsg.Frame)
}

// startNode runs a scripted federation peer: it connects, confirms INIT,
// acks Y and X frames, and exits on TERM.
func startNode(tr *transport.Inproc, log *frameLog, id int32, name, ws string, blocks []obnmsg.BlockSpec, b nodeBehavior) {
	peer := tr.Connect(id)
	go func() {
		peer.Send(&obnmsg.Frame{
			Kind:   obnmsg.KindSysRequestConnect,
			NodeID: id,
			Sys:    &obnmsg.SysPayload{Port: name, Target: ws, Blocks: blocks},
		})
		for f := range peer.In() {
			if log != nil {
				log.add(id, f)
			}
			switch f.Kind {
			case obnmsg.KindAck:
				// Connect confirmation from the SMN.
			case obnmsg.KindInit:
				peer.Send(obnmsg.AckFor(f, obnmsg.StatusOK))
			case obnmsg.KindY:
				if b.dropY > 0 {
					b.dropY--
					continue
				}
				if b.onY != nil {
					b.onY(f)
				}
				ack := obnmsg.AckFor(f, obnmsg.StatusOK)
				if req, ok := b.ackEvent[f.Time]; ok {
					ack.Ack.NextEvent = req
				}
				peer.Send(ack)
			case obnmsg.KindX:
				peer.Send(obnmsg.AckFor(f, obnmsg.StatusOK))
			case obnmsg.KindTerm:
				peer.Send(obnmsg.AckFor(f, obnmsg.StatusOK))
				return
			}
		}
	}()
}

// specs converts declared blocks into the catalog a node announces.
func specs(periods ...int64) []obnmsg.BlockSpec {
	out := make([]obnmsg.BlockSpec, len(periods))
	for i, p := range periods {
		out[i] = obnmsg.BlockSpec{LocalID: uint16(i), Period: p}
	}
	return out
}
